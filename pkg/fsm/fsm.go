// Package fsm implements the Raft finite state machine that applies
// committed Ops to the catalog store, deterministically and without side
// effects beyond that one store transaction and an event publication.
package fsm

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/meshdb/pkg/events"
	"github.com/cuemby/meshdb/pkg/metrics"
	"github.com/cuemby/meshdb/pkg/storage"
	"github.com/cuemby/meshdb/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM applies committed Raft log entries to the cluster catalog.
type FSM struct {
	mu      sync.RWMutex
	store   storage.Store
	broker  *events.Broker
}

// New creates a new FSM over store, publishing state-change events to broker.
func New(store storage.Store, broker *events.Broker) *FSM {
	return &FSM{store: store, broker: broker}
}

// Apply decodes and applies one committed log entry. Raft calls this with
// entries already in commit order; this method never blocks on I/O outside
// the store and never panics for control flow.
func (f *FSM) Apply(log *raft.Log) interface{} {
	if len(log.Data) == 0 {
		return nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	op, err := Decode(log.Data)
	if err != nil {
		return fmt.Errorf("decode op at index %d: %w", log.Index, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.apply(op); err != nil {
		return err
	}
	return nil
}

func (f *FSM) apply(op Op) error {
	switch op.Kind {
	case KindDml:
		if op.Dml == nil {
			return fmt.Errorf("dml op missing payload")
		}
		return f.applyDml(*op.Dml)

	case KindBatchDml:
		for _, sub := range op.Batch {
			if err := f.apply(sub); err != nil {
				return fmt.Errorf("batch member failed: %w", err)
			}
		}
		return nil

	case KindAcl:
		if op.Acl == nil {
			return fmt.Errorf("acl op missing payload")
		}
		if err := f.applyAcl(*op.Acl); err != nil {
			return err
		}
		return f.bumpSchemaVersion()

	case KindDdl:
		if op.Ddl == nil {
			return fmt.Errorf("ddl op missing payload")
		}
		if err := f.applyDdl(*op.Ddl); err != nil {
			return err
		}
		return f.bumpSchemaVersion()

	case KindControl:
		if op.Control == nil {
			return fmt.Errorf("control op missing payload")
		}
		return f.applyControl(*op.Control)

	default:
		return fmt.Errorf("unknown op kind: %s", op.Kind)
	}
}

func (f *FSM) applyDml(dml DmlOp) error {
	switch dml.Table {
	case TableInstance:
		return f.applyInstanceDml(dml)
	case TableReplicaset:
		return f.applyReplicasetDml(dml)
	case TableTier:
		return f.applyTierDml(dml)
	case TableAddress:
		return f.applyAddressDml(dml)
	case TableProperty:
		return f.applyPropertyDml(dml)
	case TableDbConfig:
		return f.applyDbConfigDml(dml)
	default:
		return fmt.Errorf("dml on unknown table: %s", dml.Table)
	}
}

func (f *FSM) applyInstanceDml(dml DmlOp) error {
	if dml.Action == Delete {
		return f.store.DeleteInstance(dml.Key)
	}
	var row types.Instance
	if err := json.Unmarshal(dml.Row, &row); err != nil {
		return fmt.Errorf("decode instance row: %w", err)
	}
	before, _ := f.store.GetInstance(row.Name)
	if err := f.store.UpdateInstance(&row); err != nil {
		return err
	}
	f.publishInstanceTransition(before, &row)
	return nil
}

func (f *FSM) publishInstanceTransition(before, after *types.Instance) {
	if f.broker == nil {
		return
	}
	if after.IsExpelled() {
		f.broker.Publish(&events.Event{Type: events.InstanceExpelled, Message: after.Name})
		return
	}
	if before == nil {
		f.broker.Publish(&events.Event{Type: events.InstanceJoined, Message: after.Name})
		return
	}
	if before.CurrentState.Variant != after.CurrentState.Variant {
		switch after.CurrentState.Variant {
		case types.Online:
			f.broker.Publish(&events.Event{Type: events.InstanceOnline, Message: after.Name})
		case types.Offline:
			f.broker.Publish(&events.Event{Type: events.InstanceShutdown, Message: after.Name})
		}
	}
}

func (f *FSM) applyReplicasetDml(dml DmlOp) error {
	if dml.Action == Delete {
		return f.store.DeleteReplicaset(dml.Key)
	}
	var row types.Replicaset
	if err := json.Unmarshal(dml.Row, &row); err != nil {
		return fmt.Errorf("decode replicaset row: %w", err)
	}
	before, _ := f.store.GetReplicaset(row.Name)
	if err := f.store.UpdateReplicaset(&row); err != nil {
		return err
	}
	if f.broker != nil {
		if before == nil {
			f.broker.Publish(&events.Event{Type: events.ReplicasetFormed, Message: row.Name})
		} else if before.CurrentMasterName != row.CurrentMasterName {
			f.broker.Publish(&events.Event{Type: events.ReplicasetMasterChanged, Message: row.Name})
		} else if before.Weight > 0 && row.Weight == 0 {
			f.broker.Publish(&events.Event{Type: events.ReplicasetDrained, Message: row.Name})
		}
	}
	return nil
}

func (f *FSM) applyTierDml(dml DmlOp) error {
	if dml.Action == Delete {
		return f.store.DeleteTier(dml.Key)
	}
	var row types.Tier
	if err := json.Unmarshal(dml.Row, &row); err != nil {
		return fmt.Errorf("decode tier row: %w", err)
	}
	return f.store.UpdateTier(&row)
}

func (f *FSM) applyAddressDml(dml DmlOp) error {
	var row types.PeerAddress
	if err := json.Unmarshal(dml.Row, &row); err != nil {
		return fmt.Errorf("decode address row: %w", err)
	}
	if dml.Action == Delete {
		return f.store.DeleteAddress(row.RaftID)
	}
	return f.store.SetAddress(&row)
}

func (f *FSM) applyPropertyDml(dml DmlOp) error {
	var row types.Property
	if err := json.Unmarshal(dml.Row, &row); err != nil {
		return fmt.Errorf("decode property row: %w", err)
	}
	return f.store.SetProperty(&row)
}

func (f *FSM) applyDbConfigDml(dml DmlOp) error {
	var row types.DbConfig
	if err := json.Unmarshal(dml.Row, &row); err != nil {
		return fmt.Errorf("decode db_config row: %w", err)
	}
	return f.store.SetDbConfig(&row)
}

func (f *FSM) applyAcl(acl AclOp) error {
	switch acl.Kind {
	case AclCreateUser:
		if acl.User == nil {
			return fmt.Errorf("create_user missing user")
		}
		return f.store.CreateUser(&types.User{
			Name:     acl.User.Name,
			AuthType: acl.User.AuthType,
			AuthData: []byte(acl.User.AuthData),
		})
	case AclChangeAuth:
		user, err := f.store.GetUser(acl.TargetName)
		if err != nil {
			return err
		}
		user.AuthData = []byte(acl.NewAuthData)
		return f.store.UpdateUser(user)
	case AclDropUser:
		return f.store.DeleteUser(acl.TargetName)
	case AclGrantPrivilege:
		if acl.Privilege == nil {
			return fmt.Errorf("grant_privilege missing privilege")
		}
		return f.store.GrantPrivilege(&types.Privilege{
			Grantee: acl.Privilege.Grantee,
			Kind:    acl.Privilege.Kind,
			Object:  acl.Privilege.Object,
			Grantor: acl.Privilege.Grantor,
		})
	case AclRevokePrivilege:
		if acl.Privilege == nil {
			return fmt.Errorf("revoke_privilege missing privilege")
		}
		return f.store.RevokePrivilege(acl.Privilege.Grantee, acl.Privilege.Kind, acl.Privilege.Object)
	default:
		return fmt.Errorf("unknown acl kind: %s", acl.Kind)
	}
}

func (f *FSM) applyDdl(ddl DdlOp) error {
	switch ddl.Kind {
	case DdlCreateTable:
		var table types.Table
		if err := json.Unmarshal(ddl.Table, &table); err != nil {
			return fmt.Errorf("decode table: %w", err)
		}
		return f.store.CreateTable(&table)
	case DdlDropTable:
		var name string
		if err := json.Unmarshal(ddl.Table, &name); err != nil {
			return fmt.Errorf("decode table name: %w", err)
		}
		return f.store.DeleteTable(name)
	case DdlCreateIndex:
		var idx types.Index
		if err := json.Unmarshal(ddl.Index, &idx); err != nil {
			return fmt.Errorf("decode index: %w", err)
		}
		return f.store.CreateIndex(&idx)
	case DdlDropIndex:
		var ref struct {
			Table string `json:"table"`
			Name  string `json:"name"`
		}
		if err := json.Unmarshal(ddl.Index, &ref); err != nil {
			return fmt.Errorf("decode index ref: %w", err)
		}
		return f.store.DeleteIndex(ref.Table, ref.Name)
	default:
		return fmt.Errorf("unknown ddl kind: %s", ddl.Kind)
	}
}

func (f *FSM) applyControl(ctrl ControlOp) error {
	switch ctrl.Kind {
	case ControlPropertyUpdate:
		var value any
		if err := json.Unmarshal(ctrl.Value, &value); err != nil {
			return fmt.Errorf("decode property value: %w", err)
		}
		return f.store.SetProperty(&types.Property{Key: ctrl.PropertyKey, Value: value})
	case ControlConfChange:
		// Membership changes are driven by raft.Raft itself via
		// AddVoter/RemoveServer; the FSM only needs to observe that the
		// entry was committed, there is no catalog row to mutate here.
		return nil
	default:
		return fmt.Errorf("unknown control kind: %s", ctrl.Kind)
	}
}

func (f *FSM) bumpSchemaVersion() error {
	next, err := f.store.GetProperty(types.PropertyNextSchemaVersion)
	if err != nil {
		return nil // bootstrap hasn't seeded properties yet
	}
	nextVersion, ok := next.Value.(float64)
	if !ok {
		return fmt.Errorf("next_schema_version has unexpected type %T", next.Value)
	}
	if err := f.store.SetProperty(&types.Property{Key: types.PropertyGlobalSchemaVersion, Value: nextVersion}); err != nil {
		return err
	}
	return f.store.SetProperty(&types.Property{Key: types.PropertyNextSchemaVersion, Value: nextVersion + 1})
}

// Snapshot captures a point-in-time view of the catalog for Raft compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &Snapshot{}
	var err error
	if snap.Instances, err = f.store.ListInstances(); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	if snap.Replicasets, err = f.store.ListReplicasets(); err != nil {
		return nil, fmt.Errorf("list replicasets: %w", err)
	}
	if snap.Tiers, err = f.store.ListTiers(); err != nil {
		return nil, fmt.Errorf("list tiers: %w", err)
	}
	if snap.Addresses, err = f.store.ListAddresses(); err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	if snap.Properties, err = f.store.ListProperties(); err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	if snap.DbConfig, err = f.store.ListDbConfig(); err != nil {
		return nil, fmt.Errorf("list db config: %w", err)
	}
	if snap.Users, err = f.store.ListUsers(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	if snap.Tables, err = f.store.ListTables(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return snap, nil
}

// Restore replaces the catalog contents with a previously-persisted snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, inst := range snap.Instances {
		if err := f.store.CreateInstance(inst); err != nil {
			return fmt.Errorf("restore instance: %w", err)
		}
	}
	for _, rs := range snap.Replicasets {
		if err := f.store.CreateReplicaset(rs); err != nil {
			return fmt.Errorf("restore replicaset: %w", err)
		}
	}
	for _, tier := range snap.Tiers {
		if err := f.store.CreateTier(tier); err != nil {
			return fmt.Errorf("restore tier: %w", err)
		}
	}
	for _, addr := range snap.Addresses {
		if err := f.store.SetAddress(addr); err != nil {
			return fmt.Errorf("restore address: %w", err)
		}
	}
	for _, prop := range snap.Properties {
		if err := f.store.SetProperty(prop); err != nil {
			return fmt.Errorf("restore property: %w", err)
		}
	}
	for _, cfg := range snap.DbConfig {
		if err := f.store.SetDbConfig(cfg); err != nil {
			return fmt.Errorf("restore db config: %w", err)
		}
	}
	for _, user := range snap.Users {
		if err := f.store.CreateUser(user); err != nil {
			return fmt.Errorf("restore user: %w", err)
		}
	}
	for _, table := range snap.Tables {
		if err := f.store.CreateTable(table); err != nil {
			return fmt.Errorf("restore table: %w", err)
		}
	}
	return nil
}

// Snapshot is a point-in-time view of the catalog, persisted as JSON.
type Snapshot struct {
	Instances   []*types.Instance   `json:"instances"`
	Replicasets []*types.Replicaset `json:"replicasets"`
	Tiers       []*types.Tier       `json:"tiers"`
	Addresses   []*types.PeerAddress `json:"addresses"`
	Properties  []*types.Property   `json:"properties"`
	DbConfig    []*types.DbConfig   `json:"db_config"`
	Users       []*types.User       `json:"users"`
	Tables      []*types.Table      `json:"tables"`
}

// Persist writes the snapshot to the given SnapshotSink.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases any snapshot resources. The catalog slices here are
// already owned copies, so there is nothing to release.
func (s *Snapshot) Release() {}
