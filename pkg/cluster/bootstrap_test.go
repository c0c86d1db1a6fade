package cluster

import (
	"testing"
	"time"

	"github.com/cuemby/meshdb/pkg/config"
	"github.com/cuemby/meshdb/pkg/events"
	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/raftlog"
	"github.com/cuemby/meshdb/pkg/storage"
	"github.com/cuemby/meshdb/pkg/types"
	"github.com/stretchr/testify/require"
)

func openBootstrapLog(t *testing.T) (*raftlog.Log, storage.Store) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := fsm.New(store, events.NewBroker())
	l, err := raftlog.Open(raftlog.Config{NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()}, f)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Shutdown() })
	return l, store
}

func TestBootstrapSeedsCatalogRows(t *testing.T) {
	l, store := openBootstrapLog(t)

	dbCfg := config.DefaultClusterDbConfig()
	table := config.NewClusterDbConfigTable(&dbCfg)
	values := make(map[string]string, len(table.Paths()))
	for _, p := range table.Paths() {
		values[p], _ = table.Default(p)
	}

	seed, err := Bootstrap(l, BootstrapConfig{
		ClusterName:    "c1",
		SeedNodeID:     "n1",
		SeedAddress:    l.Raft().Stats()["local_addr"],
		SeedTier:       "default",
		SeedDomain:     types.FailureDomain{"DC": "A"},
		Tiers:          []types.Tier{{Name: "default", ReplicationFactor: 1}},
		DbConfigPaths:  table.Paths(),
		DbConfigValues: values,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seed.RaftID)

	require.Eventually(t, func() bool { return l.IsLeader() }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		inst, err := store.GetInstance("n1")
		return err == nil && inst != nil
	}, 5*time.Second, 10*time.Millisecond)

	inst, err := store.GetInstance("n1")
	require.NoError(t, err)
	require.Equal(t, "r1", inst.ReplicasetName)

	rs, err := store.GetReplicaset("r1")
	require.NoError(t, err)
	require.Equal(t, "default", rs.Tier)

	tier, err := store.GetTier("default")
	require.NoError(t, err)
	require.Equal(t, 1, tier.ReplicationFactor)

	global, err := store.GetProperty(types.PropertyGlobalSchemaVersion)
	require.NoError(t, err)
	require.Equal(t, float64(0), global.Value)

	for _, p := range table.Paths() {
		cfg, err := store.GetDbConfig(p)
		require.NoError(t, err)
		want, _ := table.Default(p)
		require.Equal(t, want, cfg.Value)
	}
}
