package fsm

import (
	"encoding/json"
	"testing"

	"github.com/cuemby/meshdb/pkg/storage"
	"github.com/cuemby/meshdb/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

func newTestFSM(t *testing.T) (*FSM, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, nil), store
}

func mustEncode(t *testing.T, op Op) []byte {
	t.Helper()
	data, err := Encode(op)
	require.NoError(t, err)
	return data
}

func instanceDmlOp(t *testing.T, inst types.Instance) Op {
	t.Helper()
	row, err := json.Marshal(inst)
	require.NoError(t, err)
	return Op{Kind: KindDml, Dml: &DmlOp{Action: Insert, Table: TableInstance, Row: row}}
}

func TestApplyDmlInsertsInstance(t *testing.T) {
	f, store := newTestFSM(t)

	op := instanceDmlOp(t, types.Instance{RaftID: 1, Name: "i1", Tier: "default"})
	result := f.Apply(&raft.Log{Index: 1, Data: mustEncode(t, op)})
	require.Nil(t, result)

	got, err := store.GetInstance("i1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.RaftID)
}

func TestApplyBatchDmlIsAtomic(t *testing.T) {
	f, store := newTestFSM(t)

	rsRow, err := json.Marshal(types.Replicaset{Name: "r1", Tier: "default"})
	require.NoError(t, err)
	instRow, err := json.Marshal(types.Instance{RaftID: 1, Name: "i1", ReplicasetName: "r1", Tier: "default"})
	require.NoError(t, err)

	batch := Op{Kind: KindBatchDml, Batch: []Op{
		{Kind: KindDml, Dml: &DmlOp{Action: Insert, Table: TableReplicaset, Row: rsRow}},
		{Kind: KindDml, Dml: &DmlOp{Action: Insert, Table: TableInstance, Row: instRow}},
	}}

	result := f.Apply(&raft.Log{Index: 1, Data: mustEncode(t, batch)})
	require.Nil(t, result)

	rs, err := store.GetReplicaset("r1")
	require.NoError(t, err)
	require.Equal(t, "default", rs.Tier)

	inst, err := store.GetInstance("i1")
	require.NoError(t, err)
	require.Equal(t, "r1", inst.ReplicasetName)
}

func TestApplyIsDeterministicAcrossReplicas(t *testing.T) {
	ops := []Op{
		instanceDmlOp(t, types.Instance{RaftID: 1, Name: "i1", Tier: "default"}),
		instanceDmlOp(t, types.Instance{RaftID: 1, Name: "i1", Tier: "default", CurrentState: types.State{Variant: types.Online, Incarnation: 1}}),
	}

	replicaA, storeA := newTestFSM(t)
	replicaB, storeB := newTestFSM(t)

	for i, op := range ops {
		data := mustEncode(t, op)
		require.Nil(t, replicaA.Apply(&raft.Log{Index: uint64(i + 1), Data: data}))
		require.Nil(t, replicaB.Apply(&raft.Log{Index: uint64(i + 1), Data: data}))
	}

	instA, err := storeA.GetInstance("i1")
	require.NoError(t, err)
	instB, err := storeB.GetInstance("i1")
	require.NoError(t, err)
	require.Equal(t, instA, instB)
}

func TestDdlBumpsSchemaVersion(t *testing.T) {
	f, store := newTestFSM(t)
	require.NoError(t, store.SetProperty(&types.Property{Key: types.PropertyGlobalSchemaVersion, Value: float64(0)}))
	require.NoError(t, store.SetProperty(&types.Property{Key: types.PropertyNextSchemaVersion, Value: float64(1)}))

	tableRow, err := json.Marshal(types.Table{Name: "t1", ID: 1})
	require.NoError(t, err)
	op := Op{Kind: KindDdl, Ddl: &DdlOp{Kind: DdlCreateTable, Table: tableRow}}

	result := f.Apply(&raft.Log{Index: 1, Data: mustEncode(t, op)})
	require.Nil(t, result)

	global, err := store.GetProperty(types.PropertyGlobalSchemaVersion)
	require.NoError(t, err)
	require.Equal(t, float64(1), global.Value)

	next, err := store.GetProperty(types.PropertyNextSchemaVersion)
	require.NoError(t, err)
	require.Equal(t, float64(2), next.Value)
}

func TestApplyUnknownOpKindFails(t *testing.T) {
	f, _ := newTestFSM(t)
	op := Op{Kind: "bogus"}
	result := f.Apply(&raft.Log{Index: 1, Data: mustEncode(t, op)})
	require.Error(t, result.(error))
}
