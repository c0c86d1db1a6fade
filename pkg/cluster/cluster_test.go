package cluster

import (
	"context"
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

func newTestManager(t *testing.T) (*Manager, storage.Store, string) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateTier(&types.Tier{Name: "default", ReplicationFactor: 2}))

	f := fsm.New(store, nil)
	l, err := raftlog.Open(raftlog.Config{NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()}, f)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Shutdown() })
	require.NoError(t, l.BootstrapCluster([]raft.Server{
		{ID: "n1", Address: raft.ServerAddress(l.Stats()["local_addr"])},
	}))
	require.Eventually(t, func() bool { return l.IsLeader() }, 5*time.Second, 10*time.Millisecond)

	tokens := NewTokenManager()
	tok, err := tokens.GenerateToken(time.Hour)
	require.NoError(t, err)

	m := New("test-cluster", l, cas.New(l), store, tokens)
	return m, store, tok.Token
}

func TestJoinAssignsRaftIDAndCreatesReplicaset(t *testing.T) {
	m, store, token := newTestManager(t)

	resp, err := m.Join(context.Background(), JoinRequest{
		ClusterName:   "test-cluster",
		AdvertiseAddr: "127.0.0.1:4401",
		Tier:          "default",
		Token:         token,
	}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, uint64(1), resp.Instance.RaftID)
	require.Equal(t, "i1", resp.Instance.Name)
	require.Equal(t, "r1", resp.Instance.ReplicasetName)

	rs, err := store.GetReplicaset("r1")
	require.NoError(t, err)
	require.Equal(t, "default", rs.Tier)
}

func TestJoinRejectsClusterIDMismatch(t *testing.T) {
	m, _, token := newTestManager(t)

	_, err := m.Join(context.Background(), JoinRequest{
		ClusterName:   "other-cluster",
		AdvertiseAddr: "127.0.0.1:4401",
		Tier:          "default",
		Token:         token,
	}, time.Second)
	require.ErrorIs(t, err, ErrClusterIDMismatch)
}

func TestJoinFillsExistingReplicasetBeforeNewOne(t *testing.T) {
	m, store, token := newTestManager(t)

	_, err := m.Join(context.Background(), JoinRequest{
		ClusterName: "test-cluster", AdvertiseAddr: "127.0.0.1:4401", Tier: "default", Token: token,
	}, 5*time.Second)
	require.NoError(t, err)

	resp, err := m.Join(context.Background(), JoinRequest{
		ClusterName: "test-cluster", AdvertiseAddr: "127.0.0.1:4402", Tier: "default", Token: token,
	}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "r1", resp.Instance.ReplicasetName)

	members, err := store.ListInstancesByReplicaset("r1")
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestExpelSetsTargetStateThenConfirmSetsCurrentState(t *testing.T) {
	m, store, _ := newTestManager(t)
	require.NoError(t, store.CreateInstance(&types.Instance{Name: "i1", RaftID: 1, Tier: "default",
		CurrentState: types.State{Variant: types.Online, Incarnation: 1}, TargetState: types.State{Variant: types.Online, Incarnation: 1}}))

	require.NoError(t, m.Expel(context.Background(), "i1"))

	inst, err := store.GetInstance("i1")
	require.NoError(t, err)
	require.Equal(t, types.Expelled, inst.TargetState.Variant)
	require.Equal(t, types.Online, inst.CurrentState.Variant)

	err = m.ConfirmExpelled(context.Background(), "i1")
	require.Error(t, err)

	inst.CurrentState = inst.CurrentState.Bump(types.Offline)
	require.NoError(t, store.UpdateInstance(inst))

	require.NoError(t, m.ConfirmExpelled(context.Background(), "i1"))
	got, err := store.GetInstance("i1")
	require.NoError(t, err)
	require.True(t, got.IsExpelled())
}

func TestExpelRejectsAlreadyExpelled(t *testing.T) {
	m, store, _ := newTestManager(t)
	require.NoError(t, store.CreateInstance(&types.Instance{Name: "i1", RaftID: 1, Tier: "default",
		CurrentState: types.State{Variant: types.Expelled, Incarnation: 5}, TargetState: types.State{Variant: types.Expelled, Incarnation: 5}}))

	err := m.Expel(context.Background(), "i1")
	require.ErrorIs(t, err, ErrAlreadyExpelled)
}
