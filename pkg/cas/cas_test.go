package cas

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/raftlog"
	"github.com/cuemby/meshdb/pkg/storage"
	"github.com/cuemby/meshdb/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func newLeaderEngine(t *testing.T) (*Engine, storage.Store) {
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

	return New(l), store
}

func insertInstanceOp(t *testing.T, name string) fsm.Op {
	t.Helper()
	row, err := json.Marshal(types.Instance{RaftID: 1, Name: name, Tier: "default"})
	require.NoError(t, err)
	return fsm.Op{Kind: fsm.KindDml, Dml: &fsm.DmlOp{Action: fsm.Insert, Table: fsm.TableInstance, Key: name, Row: row}}
}

func TestCASCommitsUnderFreshPredicate(t *testing.T) {
	e, store := newLeaderEngine(t)

	pred := Predicate{Index: e.log.Applied(), Term: e.log.Term(), Ranges: []Range{MustRange(fsm.TableInstance, "i1")}}
	idx, term, err := e.CAS(context.Background(), insertInstanceOp(t, "i1"), pred, time.Second)
	require.Nil(t, err)
	require.Greater(t, idx, uint64(0))
	require.Greater(t, term, uint64(0))

	got, getErr := store.GetInstance("i1")
	require.NoError(t, getErr)
	require.Equal(t, "i1", got.Name)
}

func TestCASRejectsStaleTerm(t *testing.T) {
	e, _ := newLeaderEngine(t)

	pred := Predicate{Index: e.log.Applied(), Term: e.log.Term() + 1, Ranges: []Range{MustRange(fsm.TableInstance, "i1")}}
	_, _, err := e.CAS(context.Background(), insertInstanceOp(t, "i1"), pred, time.Second)
	require.NotNil(t, err)
	require.Equal(t, CodeTermMismatch, err.Code)
	require.True(t, err.Code.Retriable())
}

func TestCASDetectsPredicateConflict(t *testing.T) {
	e, _ := newLeaderEngine(t)

	baseIndex := e.log.Applied()
	term := e.log.Term()

	_, _, err := e.CAS(context.Background(), insertInstanceOp(t, "i1"),
		Predicate{Index: baseIndex, Term: term, Ranges: []Range{MustRange(fsm.TableInstance, "i1")}}, time.Second)
	require.Nil(t, err)

	_, _, err = e.CAS(context.Background(), insertInstanceOp(t, "i1-again"),
		Predicate{Index: baseIndex, Term: term, Ranges: []Range{MustRange(fsm.TableInstance, "i1")}}, time.Second)
	require.NotNil(t, err)
	require.Equal(t, CodePredicateConflict, err.Code)
}

func TestRangeOverlap(t *testing.T) {
	a := Range{Table: "t", KeyMin: "a", KeyMax: "m"}
	b := Range{Table: "t", KeyMin: "k", KeyMax: "z"}
	require.True(t, a.overlaps(b))

	c := Range{Table: "t", KeyMin: "n", KeyMax: "z"}
	require.False(t, a.overlaps(c))

	whole := Range{Table: "t"}
	require.True(t, whole.overlaps(c))
}
