// Package sharding computes the router config handed to shard-aware
// clients: a pure function of the catalog's instances, addresses,
// replicasets, and a target tier.
package sharding

import (
	"os"

	"github.com/cuemby/meshdb/pkg/types"
)

// DiscoveryMode is always "on"; router configs never disable discovery.
const DiscoveryMode = "on"

// ServicePasswordEnv names the environment variable the service-user
// password is read from when a RouterConfig is rendered for a client. It is
// never persisted in the catalog or in a RouterConfig value itself.
const ServicePasswordEnv = "MESHDB_SERVICE_PASSWORD"

// Replica is one member of a replicaset as seen by the router.
type Replica struct {
	URI    string `json:"uri"`
	Master bool   `json:"master"`
	Name   string `json:"name"`
}

// ReplicasetConfig is the router's view of one replicaset: its bucket
// weight and the URIs of its live members.
type ReplicasetConfig struct {
	Weight   float64            `json:"weight"`
	Replicas map[string]Replica `json:"replicas"`
}

// RouterConfig is the full sharding configuration for a tier, keyed by
// replicaset UUID.
type RouterConfig struct {
	DiscoveryMode string                      `json:"discovery_mode"`
	Replicasets   map[string]ReplicasetConfig `json:"replicasets"`
}

// canRespond reports whether an instance's current state makes it eligible
// to serve the router: anything past Offline.
func canRespond(inst *types.Instance) bool {
	switch inst.CurrentState.Variant {
	case types.Replicated, types.Online:
		return true
	default:
		return false
	}
}

// Generate builds the RouterConfig for tier from a full catalog snapshot.
// Only instances in tier are considered; a replicaset with no catalog row
// (named by an instance but absent from replicasets) is skipped entirely,
// since there is nowhere to attach its weight.
func Generate(instances []*types.Instance, addresses []*types.PeerAddress, replicasets []*types.Replicaset, tier string) RouterConfig {
	addrByRaftID := make(map[uint64]string, len(addresses))
	for _, a := range addresses {
		addrByRaftID[a.RaftID] = a.Address
	}

	rsByName := make(map[string]*types.Replicaset, len(replicasets))
	for _, rs := range replicasets {
		rsByName[rs.Name] = rs
	}

	cfg := RouterConfig{
		DiscoveryMode: DiscoveryMode,
		Replicasets:   make(map[string]ReplicasetConfig),
	}

	for _, inst := range instances {
		if inst.Tier != tier || !canRespond(inst) {
			continue
		}
		rs, ok := rsByName[inst.ReplicasetName]
		if !ok {
			continue
		}
		uri, ok := addrByRaftID[inst.RaftID]
		if !ok {
			continue
		}

		rc, ok := cfg.Replicasets[rs.UUID]
		if !ok {
			rc = ReplicasetConfig{Weight: rs.Weight, Replicas: make(map[string]Replica)}
		}
		rc.Replicas[inst.InstanceUUID] = Replica{
			URI:    uri,
			Master: inst.Name == rs.CurrentMasterName,
			Name:   inst.Name,
		}
		cfg.Replicasets[rs.UUID] = rc
	}

	return cfg
}

// ServicePassword reads the lazily-injected service-user password for
// clients that need to authenticate against the URIs in a RouterConfig.
func ServicePassword() string {
	return os.Getenv(ServicePasswordEnv)
}

// Equal reports whether two router configs describe the same topology,
// ignoring map iteration order. Governor uses this to decide whether a
// reconfiguration Op is needed after a topology change.
func Equal(a, b RouterConfig) bool {
	if a.DiscoveryMode != b.DiscoveryMode || len(a.Replicasets) != len(b.Replicasets) {
		return false
	}
	for uuid, rcA := range a.Replicasets {
		rcB, ok := b.Replicasets[uuid]
		if !ok || rcA.Weight != rcB.Weight || len(rcA.Replicas) != len(rcB.Replicas) {
			return false
		}
		for instUUID, repA := range rcA.Replicas {
			repB, ok := rcB.Replicas[instUUID]
			if !ok || repA != repB {
				return false
			}
		}
	}
	return true
}
