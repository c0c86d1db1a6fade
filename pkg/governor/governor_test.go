package governor

import (
	"testing"
	"time"

	"github.com/cuemby/meshdb/pkg/cas"
	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/raftlog"
	"github.com/cuemby/meshdb/pkg/storage"
	"github.com/cuemby/meshdb/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func newTestGovernor(t *testing.T) (*Governor, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := fsm.New(store, nil)
	l, err := raftlog.Open(raftlog.Config{NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()}, f)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Shutdown() })
	require.NoError(t, l.BootstrapCluster([]raft.Server{
		{ID: "n1", Address: raft.ServerAddress(l.Stats()["local_addr"])},
	}))
	require.Eventually(t, func() bool { return l.IsLeader() }, 5*time.Second, 10*time.Millisecond)

	return New(l, cas.New(l), store), store
}

func TestDecideStepDemotesInstanceTargetedOffline(t *testing.T) {
	g, _ := newTestGovernor(t)

	snap := snapshot{
		instances: []*types.Instance{
			{Name: "i1", ReplicasetName: "r1", TargetState: types.State{Variant: types.Offline},
				CurrentState: types.State{Variant: types.Online}},
		},
		replicasets: []*types.Replicaset{{Name: "r1", CurrentMasterName: "i1"}},
	}

	d := g.decideStep(snap)
	require.Equal(t, stepDemote, d.kind)
}

func TestDecideStepConfiguresReplicationBeforePromoting(t *testing.T) {
	g, _ := newTestGovernor(t)

	snap := snapshot{
		instances: []*types.Instance{
			{Name: "i1", ReplicasetName: "r1", TargetState: types.State{Variant: types.Online},
				CurrentState: types.State{Variant: types.Offline}},
		},
		replicasets: []*types.Replicaset{{Name: "r1"}},
	}

	d := g.decideStep(snap)
	require.Equal(t, stepReplicate, d.kind)
}

func TestDecideStepPromotesFullyReplicatedReplicaset(t *testing.T) {
	g, _ := newTestGovernor(t)

	snap := snapshot{
		instances: []*types.Instance{
			{Name: "i1", ReplicasetName: "r1", TargetState: types.State{Variant: types.Online},
				CurrentState: types.State{Variant: types.Replicated}},
			{Name: "i2", ReplicasetName: "r1", TargetState: types.State{Variant: types.Online},
				CurrentState: types.State{Variant: types.Replicated}},
		},
		replicasets: []*types.Replicaset{{Name: "r1", TargetMasterName: "i1"}},
	}

	d := g.decideStep(snap)
	require.Equal(t, stepPromote, d.kind)
	require.Equal(t, fsm.KindBatchDml, d.op.Kind)
	require.Len(t, d.op.Batch, 3)
}

func TestDecideStepNoneWhenConverged(t *testing.T) {
	g, _ := newTestGovernor(t)

	snap := snapshot{
		instances: []*types.Instance{
			{Name: "i1", ReplicasetName: "r1", TargetState: types.State{Variant: types.Online},
				CurrentState: types.State{Variant: types.Online}},
		},
		replicasets: []*types.Replicaset{{Name: "r1", CurrentMasterName: "i1"}},
	}

	d := g.decideStep(snap)
	require.Equal(t, stepNone, d.kind)
}
