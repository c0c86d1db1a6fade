// Package governor runs the leader-only topology control loop: it reads a
// catalog snapshot, decides the single highest-priority next step, and
// admits an Op for it through CAS.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/meshdb/pkg/cas"
	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/log"
	"github.com/cuemby/meshdb/pkg/metrics"
	"github.com/cuemby/meshdb/pkg/raftlog"
	"github.com/cuemby/meshdb/pkg/sharding"
	"github.com/cuemby/meshdb/pkg/storage"
	"github.com/cuemby/meshdb/pkg/types"
	"github.com/rs/zerolog"
)

const (
	iterationInterval = 250 * time.Millisecond
	casDeadline       = 3 * time.Second
)

// step names the topology decision made in one iteration, for metrics.
type step string

const (
	stepNone      step = "none"
	stepDemote    step = "demote_instance"
	stepReplicate step = "configure_replication"
	stepPromote   step = "promote_replicaset"
	stepRebalance step = "rebalance_weights"
)

// Governor is the leader-side topology reconciler. It is inert on
// followers: Start only spawns the loop, the loop itself no-ops whenever
// this instance is not the Raft leader.
type Governor struct {
	log    *raftlog.Log
	cas    *cas.Engine
	store  storage.Store
	logger zerolog.Logger

	mu          sync.Mutex
	stopCh      chan struct{}
	wakeCh      chan struct{}
	lastRouting map[string]sharding.RouterConfig
}

// New builds a Governor over the given Raft log, CAS engine, and catalog.
func New(raftLog *raftlog.Log, casEngine *cas.Engine, store storage.Store) *Governor {
	return &Governor{
		log:         raftLog,
		cas:         casEngine,
		store:       store,
		logger:      log.WithComponent("governor"),
		stopCh:      make(chan struct{}),
		wakeCh:      make(chan struct{}, 1),
		lastRouting: make(map[string]sharding.RouterConfig),
	}
}

// Start begins the control loop in a background goroutine.
func (g *Governor) Start() {
	go g.run()
}

// Stop ends the control loop.
func (g *Governor) Stop() {
	close(g.stopCh)
}

// Wake nudges the loop to run an iteration immediately rather than waiting
// out the rest of its sleep, e.g. after an event the broker delivered.
func (g *Governor) Wake() {
	select {
	case g.wakeCh <- struct{}{}:
	default:
	}
}

func (g *Governor) run() {
	g.logger.Info().Msg("governor started")
	ticker := time.NewTicker(iterationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.iterate()
		case <-g.wakeCh:
			g.iterate()
		case <-g.stopCh:
			g.logger.Info().Msg("governor stopped")
			return
		}
	}
}

// iterate runs exactly one idempotent step, or none if this instance isn't
// leader or nothing needs to change.
func (g *Governor) iterate() {
	if !g.log.IsLeader() {
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GovernorCycleDuration)

	snap, err := g.loadSnapshot()
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to load catalog snapshot")
		return
	}

	decided := g.decideStep(snap)
	metrics.GovernorStepsTotal.WithLabelValues(string(decided.kind)).Inc()
	if decided.kind == stepNone {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), casDeadline)
	defer cancel()

	_, _, casErr := g.cas.CAS(ctx, decided.op, decided.predicate, casDeadline)
	if casErr != nil {
		if casErr.Code.Retriable() {
			g.logger.Debug().Str("step", string(decided.kind)).Str("code", casErr.Code.String()).Msg("retriable CAS failure, will retry next iteration")
			return
		}
		g.logger.Error().Err(casErr).Str("step", string(decided.kind)).Msg("permanent CAS failure")
	}
}

// snapshot is a consistent-enough read of the catalog for one iteration.
type snapshot struct {
	instances   []*types.Instance
	replicasets []*types.Replicaset
	tiers       []*types.Tier
	addresses   []*types.PeerAddress
}

func (g *Governor) loadSnapshot() (snapshot, error) {
	instances, err := g.store.ListInstances()
	if err != nil {
		return snapshot{}, fmt.Errorf("list instances: %w", err)
	}
	replicasets, err := g.store.ListReplicasets()
	if err != nil {
		return snapshot{}, fmt.Errorf("list replicasets: %w", err)
	}
	tiers, err := g.store.ListTiers()
	if err != nil {
		return snapshot{}, fmt.Errorf("list tiers: %w", err)
	}
	addresses, err := g.store.ListAddresses()
	if err != nil {
		return snapshot{}, fmt.Errorf("list addresses: %w", err)
	}
	return snapshot{instances: instances, replicasets: replicasets, tiers: tiers, addresses: addresses}, nil
}

// decision bundles the op the governor wants admitted with the predicate
// covering every table the decision was based on.
type decision struct {
	kind      step
	op        fsm.Op
	predicate cas.Predicate
}

// decideStep picks the single highest-priority action, per §4.5 steps a-d.
// Each branch is checked in order; the first one that finds work wins.
func (g *Governor) decideStep(snap snapshot) decision {
	pred := g.basePredicate()

	if d, ok := g.stepDemote(snap, pred); ok {
		return d
	}
	if d, ok := g.stepConfigureReplication(snap, pred); ok {
		return d
	}
	if d, ok := g.stepPromote(snap, pred); ok {
		return d
	}
	if d, ok := g.stepRebalance(snap, pred); ok {
		return d
	}
	return decision{kind: stepNone}
}

func (g *Governor) basePredicate() cas.Predicate {
	return cas.Predicate{
		Index: g.log.Applied(),
		Term:  g.log.Term(),
		Ranges: []cas.Range{
			{Table: fsm.TableInstance},
			{Table: fsm.TableReplicaset},
			{Table: fsm.TableTier},
			{Table: fsm.TableAddress},
		},
	}
}

// stepDemote is priority (a): target Offline or Expelled but still
// Online/Replicated.
func (g *Governor) stepDemote(snap snapshot, pred cas.Predicate) (decision, bool) {
	for _, inst := range snap.instances {
		if inst.TargetState.Variant != types.Offline && inst.TargetState.Variant != types.Expelled {
			continue
		}
		if inst.CurrentState.Variant != types.Online && inst.CurrentState.Variant != types.Replicated {
			continue
		}

		updated := *inst
		updated.CurrentState = inst.CurrentState.Bump(types.Offline)

		ops := []fsm.Op{dmlUpdateInstance(updated)}
		if rs := findReplicaset(snap.replicasets, inst.ReplicasetName); rs != nil && rs.CurrentMasterName == inst.Name {
			if successor := pickMasterSuccessor(snap.instances, inst.ReplicasetName, inst.Name); successor != "" {
				rsUpdate := *rs
				rsUpdate.CurrentMasterName = successor
				ops = append(ops, dmlUpdateReplicaset(rsUpdate))
			}
		}

		return decision{kind: stepDemote, op: batch(ops), predicate: pred}, true
	}
	return decision{}, false
}

// stepConfigureReplication is priority (b): Offline->Online transition on
// an instance whose replicaset has not yet been formed (not all members
// Replicated or Online).
func (g *Governor) stepConfigureReplication(snap snapshot, pred cas.Predicate) (decision, bool) {
	for _, inst := range snap.instances {
		if inst.TargetState.Variant != types.Online || inst.CurrentState.Variant != types.Offline {
			continue
		}

		updated := *inst
		updated.CurrentState = inst.CurrentState.Bump(types.Replicated)
		return decision{kind: stepReplicate, op: dmlUpdateInstance(updated), predicate: pred}, true
	}
	return decision{}, false
}

// stepPromote is priority (c): every member of a replicaset is Replicated
// or already Online, and at least one is still Replicated, so promote one
// of them master and mark the replicaset Online.
func (g *Governor) stepPromote(snap snapshot, pred cas.Predicate) (decision, bool) {
	for _, rs := range snap.replicasets {
		members := instancesOf(snap.instances, rs.Name)
		if len(members) == 0 || !allReplicated(members) {
			continue
		}
		pending := false
		for _, m := range members {
			if m.CurrentState.Variant == types.Replicated {
				pending = true
			}
		}
		if !pending {
			continue
		}

		master := rs.TargetMasterName
		if master == "" {
			master = members[0].Name
		}

		rsUpdate := *rs
		rsUpdate.CurrentMasterName = master

		ops := []fsm.Op{dmlUpdateReplicaset(rsUpdate)}
		for _, m := range members {
			instUpdate := *m
			instUpdate.CurrentState = m.CurrentState.Bump(types.Online)
			ops = append(ops, dmlUpdateInstance(instUpdate))
		}

		return decision{kind: stepPromote, op: batch(ops), predicate: pred}, true
	}
	return decision{}, false
}

// stepRebalance is priority (d): recompute each tier's routing config and
// emit a property update Op carrying it if it changed since last time.
func (g *Governor) stepRebalance(snap snapshot, pred cas.Predicate) (decision, bool) {
	for _, tier := range snap.tiers {
		cfg := sharding.Generate(snap.instances, snap.addresses, snap.replicasets, tier.Name)
		if prev, ok := g.lastRouting[tier.Name]; ok && sharding.Equal(prev, cfg) {
			continue
		}

		g.mu.Lock()
		g.lastRouting[tier.Name] = cfg
		g.mu.Unlock()

		op := fsm.Op{Kind: fsm.KindControl, Control: &fsm.ControlOp{
			Kind:        fsm.ControlPropertyUpdate,
			PropertyKey: "routing." + tier.Name,
			Value:       mustMarshal(cfg),
		}}
		return decision{kind: stepRebalance, op: op, predicate: pred}, true
	}
	return decision{}, false
}

func batch(ops []fsm.Op) fsm.Op {
	if len(ops) == 1 {
		return ops[0]
	}
	return fsm.Op{Kind: fsm.KindBatchDml, Batch: ops}
}

func dmlUpdateInstance(inst types.Instance) fsm.Op {
	row := mustMarshal(inst)
	return fsm.Op{Kind: fsm.KindDml, Dml: &fsm.DmlOp{Action: fsm.Update, Table: fsm.TableInstance, Key: inst.Name, Row: row}}
}

func dmlUpdateReplicaset(rs types.Replicaset) fsm.Op {
	row := mustMarshal(rs)
	return fsm.Op{Kind: fsm.KindDml, Dml: &fsm.DmlOp{Action: fsm.Update, Table: fsm.TableReplicaset, Key: rs.Name, Row: row}}
}

func findReplicaset(rss []*types.Replicaset, name string) *types.Replicaset {
	for _, rs := range rss {
		if rs.Name == name {
			return rs
		}
	}
	return nil
}

func instancesOf(instances []*types.Instance, replicasetName string) []*types.Instance {
	var out []*types.Instance
	for _, inst := range instances {
		if inst.ReplicasetName == replicasetName && !inst.IsExpelled() {
			out = append(out, inst)
		}
	}
	return out
}

func allReplicated(members []*types.Instance) bool {
	for _, m := range members {
		if m.CurrentState.Variant != types.Replicated && m.CurrentState.Variant != types.Online {
			return false
		}
	}
	return true
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("governor: marshal row: %v", err))
	}
	return data
}

func pickMasterSuccessor(instances []*types.Instance, replicasetName, excludeName string) string {
	for _, inst := range instances {
		if inst.ReplicasetName == replicasetName && inst.Name != excludeName && !inst.IsExpelled() {
			return inst.Name
		}
	}
	return ""
}
