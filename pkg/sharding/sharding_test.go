package sharding

import (
	"testing"

	"github.com/cuemby/meshdb/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestGenerateSkipsReplicasetWithNoCatalogRow(t *testing.T) {
	instances := []*types.Instance{
		{RaftID: 1, Name: "i1", InstanceUUID: "u1", ReplicasetName: "r-missing", Tier: "storage",
			CurrentState: types.State{Variant: types.Online}},
	}
	addresses := []*types.PeerAddress{{RaftID: 1, Address: "127.0.0.1:3301"}}

	cfg := Generate(instances, addresses, nil, "storage")
	require.Empty(t, cfg.Replicasets)
	require.Equal(t, DiscoveryMode, cfg.DiscoveryMode)
}

func TestGenerateIncludesOnlyRespondingInstancesInTier(t *testing.T) {
	replicasets := []*types.Replicaset{
		{Name: "r1", UUID: "rs-uuid-1", Tier: "storage", Weight: 1, CurrentMasterName: "i1"},
	}
	instances := []*types.Instance{
		{RaftID: 1, Name: "i1", InstanceUUID: "u1", ReplicasetName: "r1", Tier: "storage",
			CurrentState: types.State{Variant: types.Online}},
		{RaftID: 2, Name: "i2", InstanceUUID: "u2", ReplicasetName: "r1", Tier: "storage",
			CurrentState: types.State{Variant: types.Offline}},
		{RaftID: 3, Name: "i3", InstanceUUID: "u3", ReplicasetName: "r1", Tier: "compute",
			CurrentState: types.State{Variant: types.Online}},
	}
	addresses := []*types.PeerAddress{
		{RaftID: 1, Address: "127.0.0.1:3301"},
		{RaftID: 2, Address: "127.0.0.1:3302"},
		{RaftID: 3, Address: "127.0.0.1:3303"},
	}

	cfg := Generate(instances, addresses, replicasets, "storage")
	require.Len(t, cfg.Replicasets, 1)
	rc := cfg.Replicasets["rs-uuid-1"]
	require.Equal(t, 1.0, rc.Weight)
	require.Len(t, rc.Replicas, 1)
	require.True(t, rc.Replicas["u1"].Master)
}

func TestEqualIgnoresMapOrdering(t *testing.T) {
	a := RouterConfig{DiscoveryMode: "on", Replicasets: map[string]ReplicasetConfig{
		"rs1": {Weight: 1, Replicas: map[string]Replica{"u1": {URI: "a", Master: true, Name: "i1"}}},
	}}
	b := RouterConfig{DiscoveryMode: "on", Replicasets: map[string]ReplicasetConfig{
		"rs1": {Weight: 1, Replicas: map[string]Replica{"u1": {URI: "a", Master: true, Name: "i1"}}},
	}}
	require.True(t, Equal(a, b))

	b.Replicasets["rs1"] = ReplicasetConfig{Weight: 2, Replicas: b.Replicasets["rs1"].Replicas}
	require.False(t, Equal(a, b))
}
