package sentinel

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

type fixedReachability map[string]bool

func (f fixedReachability) Unreachable() map[string]bool { return f }

func newTestSentinel(t *testing.T, name string, reach Reachability) (*Sentinel, storage.Store, *raftlog.Log) {
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

	return New(name, l, cas.New(l), store, reach), store, l
}

func TestInitialPromotesToActivatedOnceRowExists(t *testing.T) {
	s, store, _ := newTestSentinel(t, "i1", fixedReachability{})
	require.Equal(t, Initial, s.Mode())

	s.iterateInitial()
	require.Equal(t, Initial, s.Mode())

	require.NoError(t, store.CreateInstance(&types.Instance{Name: "i1", RaftID: 1}))
	s.iterateInitial()
	require.Equal(t, Activated, s.Mode())
}

func TestLeaderDemotesOneUnreachableInstancePerIteration(t *testing.T) {
	s, store, _ := newTestSentinel(t, "leader", fixedReachability{"i1": true, "i2": true})
	s.setMode(Activated)

	require.NoError(t, store.CreateInstance(&types.Instance{Name: "i1", RaftID: 1, TargetState: types.State{Variant: types.Online}}))
	require.NoError(t, store.CreateInstance(&types.Instance{Name: "i2", RaftID: 2, TargetState: types.State{Variant: types.Online}}))

	s.iterateActivated()

	i1, err := store.GetInstance("i1")
	require.NoError(t, err)
	i2, err := store.GetInstance("i2")
	require.NoError(t, err)

	demoted := 0
	if i1.TargetState.Variant == types.Offline {
		demoted++
	}
	if i2.TargetState.Variant == types.Offline {
		demoted++
	}
	require.Equal(t, 1, demoted)
}

func TestShuttingDownCompletesOnceOffline(t *testing.T) {
	s, store, _ := newTestSentinel(t, "i1", fixedReachability{})
	require.NoError(t, store.CreateInstance(&types.Instance{Name: "i1", RaftID: 1,
		CurrentState: types.State{Variant: types.Offline}, TargetState: types.State{Variant: types.Offline}}))

	s.setMode(ShuttingDown)
	done := s.iterateShuttingDown()
	require.True(t, done)
}

func TestShuttingDownRetriesUntilOffline(t *testing.T) {
	s, store, _ := newTestSentinel(t, "i1", fixedReachability{})
	require.NoError(t, store.CreateInstance(&types.Instance{Name: "i1", RaftID: 1,
		CurrentState: types.State{Variant: types.Online}, TargetState: types.State{Variant: types.Online}}))

	s.setMode(ShuttingDown)
	done := s.iterateShuttingDown()
	require.False(t, done)

	inst, err := store.GetInstance("i1")
	require.NoError(t, err)
	require.Equal(t, types.Offline, inst.TargetState.Variant)
}
