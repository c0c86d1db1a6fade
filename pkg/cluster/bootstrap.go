package cluster

import (
	"fmt"
	"time"

	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/raftlog"
	"github.com/cuemby/meshdb/pkg/types"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
)

const bootstrapAppendTimeout = 5 * time.Second

// BootstrapConfig describes a fresh cluster's seed instance, its initial
// tiers, and the db_config defaults to install.
type BootstrapConfig struct {
	ClusterName    string
	SeedNodeID     string
	SeedAddress    string
	SeedTier       string
	SeedDomain     types.FailureDomain
	Tiers          []types.Tier
	DbConfigPaths  []string
	DbConfigValues map[string]string
}

// Bootstrap forms a brand-new cluster: it calls raftlog.BootstrapCluster to
// seat the local node as the sole voter, waits for it to win leadership,
// then appends four BatchDml entries (seed address/instance/replicaset rows;
// tiers; schema-version properties plus db_config defaults; an empty
// users/roles batch) and the final conf-change entry, each through
// log.Append the same way CAS appends a normal op (bootstrap entries need no
// CAS predicate since nothing else can have raced them onto an empty log).
// No auth entries and no built-in table entries are appended.
func Bootstrap(log *raftlog.Log, cfg BootstrapConfig) (*types.Instance, error) {
	if err := log.BootstrapCluster([]raft.Server{
		{ID: raft.ServerID(cfg.SeedNodeID), Address: raft.ServerAddress(cfg.SeedAddress)},
	}); err != nil {
		return nil, fmt.Errorf("bootstrap: form cluster: %w", err)
	}
	for deadline := time.Now().Add(bootstrapAppendTimeout); !log.IsLeader(); {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("bootstrap: no leadership within %s", bootstrapAppendTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}

	seed := types.Instance{
		RaftID:         1,
		Name:           cfg.SeedNodeID,
		ReplicasetName: "r1",
		InstanceUUID:   uuid.NewString(),
		ReplicasetUUID: uuid.NewString(),
		Tier:           cfg.SeedTier,
		FailureDomain:  cfg.SeedDomain,
		CurrentState:   types.State{Variant: types.Offline, Incarnation: 1},
		TargetState:    types.State{Variant: types.Online, Incarnation: 1},
	}
	replicaset := types.Replicaset{
		Name:              seed.ReplicasetName,
		UUID:              seed.ReplicasetUUID,
		Tier:              seed.Tier,
		Weight:            1,
		CurrentMasterName: seed.Name,
		TargetMasterName:  seed.Name,
	}
	address := types.PeerAddress{RaftID: seed.RaftID, Address: cfg.SeedAddress}

	entries := []fsm.Op{
		batchDml(
			dmlInsert(fsm.TableAddress, fmt.Sprint(address.RaftID), address),
			dmlInsert(fsm.TableInstance, seed.Name, seed),
			dmlInsert(fsm.TableReplicaset, replicaset.Name, replicaset),
		),
		tiersBatch(cfg.Tiers),
		dbConfigBatch(cfg.DbConfigPaths, cfg.DbConfigValues),
		{Kind: fsm.KindBatchDml, Batch: nil}, // system users/roles/privileges: none pre-seeded
	}

	for _, op := range entries {
		if err := appendEntry(log, op); err != nil {
			return nil, err
		}
	}

	confChange := fsm.Op{Kind: fsm.KindControl, Control: &fsm.ControlOp{
		Kind: fsm.ControlConfChange,
		ConfChange: &fsm.ConfChange{
			Action:  fsm.AddNode,
			RaftID:  seed.RaftID,
			Address: cfg.SeedAddress,
		},
	}}
	if err := appendEntry(log, confChange); err != nil {
		return nil, err
	}

	return &seed, nil
}

func tiersBatch(tiers []types.Tier) fsm.Op {
	ops := make([]fsm.Op, 0, len(tiers))
	for _, t := range tiers {
		ops = append(ops, dmlInsert(fsm.TableTier, t.Name, t))
	}
	return fsm.Op{Kind: fsm.KindBatchDml, Batch: ops}
}

func dbConfigBatch(paths []string, values map[string]string) fsm.Op {
	ops := make([]fsm.Op, 0, len(paths)+2)
	ops = append(ops,
		dmlInsert(fsm.TableProperty, types.PropertyGlobalSchemaVersion,
			types.Property{Key: types.PropertyGlobalSchemaVersion, Value: float64(0)}),
		dmlInsert(fsm.TableProperty, types.PropertyNextSchemaVersion,
			types.Property{Key: types.PropertyNextSchemaVersion, Value: float64(1)}),
	)
	for _, path := range paths {
		ops = append(ops, dmlInsert(fsm.TableDbConfig, path, types.DbConfig{Path: path, Value: values[path]}))
	}
	return fsm.Op{Kind: fsm.KindBatchDml, Batch: ops}
}

func batchDml(ops ...fsm.Op) fsm.Op {
	return fsm.Op{Kind: fsm.KindBatchDml, Batch: ops}
}

func dmlInsert(table, key string, row any) fsm.Op {
	return fsm.Op{Kind: fsm.KindDml, Dml: &fsm.DmlOp{Action: fsm.Insert, Table: table, Key: key, Row: mustMarshal(row)}}
}

func appendEntry(log *raftlog.Log, op fsm.Op) error {
	data, err := fsm.Encode(op)
	if err != nil {
		return fmt.Errorf("bootstrap: encode entry: %w", err)
	}
	if _, err := log.Append(data, bootstrapAppendTimeout); err != nil {
		return fmt.Errorf("bootstrap: append entry: %w", err)
	}
	return nil
}
