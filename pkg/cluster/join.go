// Package cluster implements the join and expel control plane: admitting a
// new instance to the catalog, choosing its replicaset, and driving an
// existing instance out.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/meshdb/pkg/cas"
	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/log"
	"github.com/cuemby/meshdb/pkg/metrics"
	"github.com/cuemby/meshdb/pkg/raftlog"
	"github.com/cuemby/meshdb/pkg/storage"
	"github.com/cuemby/meshdb/pkg/types"
	"github.com/google/uuid"
)

const (
	joinRetryBackoff = 250 * time.Millisecond
	joinCasDeadline  = 3 * time.Second
)

// Permanent join/expel failures, non-retriable per §7.
var (
	ErrClusterIDMismatch    = fmt.Errorf("cluster: cluster_name mismatch")
	ErrAlreadyJoined        = fmt.Errorf("cluster: instance already joined")
	ErrNoSuchTier           = fmt.Errorf("cluster: no such tier")
	ErrInvalidFailureDomain = fmt.Errorf("cluster: failure domain key conflicts with existing topology")
)

// JoinRequest is the payload of proc_raft_join.
type JoinRequest struct {
	ClusterName    string
	InstanceName   string
	ReplicasetName string
	AdvertiseAddr  string
	FailureDomain  types.FailureDomain
	Tier           string
	Token          string
}

// JoinResponse is returned to a newly admitted instance.
type JoinResponse struct {
	Instance         types.Instance
	Addresses        []*types.PeerAddress
	ReplicationAddrs []string
}

// Manager serializes join/expel admission and holds the cluster-wide
// identity every join request is checked against.
type Manager struct {
	clusterName string
	log         *raftlog.Log
	cas         *cas.Engine
	store       storage.Store
	tokens      *TokenManager

	joinMu sync.Mutex
}

// New builds a cluster Manager for clusterName.
func New(clusterName string, raftLog *raftlog.Log, casEngine *cas.Engine, store storage.Store, tokens *TokenManager) *Manager {
	return &Manager{clusterName: clusterName, log: raftLog, cas: casEngine, store: store, tokens: tokens}
}

// Join admits req to the catalog, retrying internally on retriable CAS
// failures until deadline elapses.
func (m *Manager) Join(ctx context.Context, req JoinRequest, deadline time.Duration) (*JoinResponse, error) {
	logger := log.WithComponent("cluster").With().Str("advertise_addr", req.AdvertiseAddr).Logger()
	outcome := "error"
	defer func() { metrics.JoinRequestsTotal.WithLabelValues(outcome).Inc() }()

	if req.ClusterName != m.clusterName {
		return nil, ErrClusterIDMismatch
	}
	if err := m.tokens.ValidateToken(req.Token); err != nil {
		return nil, err
	}

	m.joinMu.Lock()
	defer m.joinMu.Unlock()

	deadlineAt := time.Now().Add(deadline)
	for {
		if time.Now().After(deadlineAt) {
			return nil, fmt.Errorf("cluster: join deadline exceeded")
		}

		resp, retry, err := m.attemptJoin(ctx, req)
		if err == nil {
			outcome = "ok"
			return resp, nil
		}
		if !retry {
			return nil, err
		}

		logger.Debug().Err(err).Msg("retriable join failure, backing off")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(joinRetryBackoff):
		}
	}
}

// attemptJoin runs one pass of steps a-e of §4.7.2. retry is true only for
// conditions the caller should loop on (CAS retriable error, or the
// applied entry's term having moved out from under it).
func (m *Manager) attemptJoin(ctx context.Context, req JoinRequest) (resp *JoinResponse, retry bool, err error) {
	instances, err := m.store.ListInstances()
	if err != nil {
		return nil, false, fmt.Errorf("list instances: %w", err)
	}
	addresses, err := m.store.ListAddresses()
	if err != nil {
		return nil, false, fmt.Errorf("list addresses: %w", err)
	}
	replicasets, err := m.store.ListReplicasets()
	if err != nil {
		return nil, false, fmt.Errorf("list replicasets: %w", err)
	}
	tier, err := m.store.GetTier(req.Tier)
	if err != nil {
		return nil, false, ErrNoSuchTier
	}

	candidate, err := buildCandidate(instances, req)
	if err != nil {
		return nil, false, err
	}

	rsName, newReplicaset := chooseReplicaset(replicasets, instances, req.ReplicasetName, tier, candidate)
	candidate.ReplicasetName = rsName
	candidate.InstanceUUID = uuid.NewString()

	rsUUID := rsName
	if newReplicaset {
		rsUUID = uuid.NewString()
	} else if rs := findReplicasetByName(replicasets, rsName); rs != nil {
		rsUUID = rs.UUID
	}
	candidate.ReplicasetUUID = rsUUID

	ops := []fsm.Op{
		{Kind: fsm.KindDml, Dml: &fsm.DmlOp{Action: fsm.Replace, Table: fsm.TableAddress, Key: fmt.Sprint(candidate.RaftID),
			Row: mustMarshal(types.PeerAddress{RaftID: candidate.RaftID, Address: req.AdvertiseAddr})}},
		{Kind: fsm.KindDml, Dml: &fsm.DmlOp{Action: fsm.Insert, Table: fsm.TableInstance, Key: candidate.Name, Row: mustMarshal(candidate)}},
	}
	if newReplicaset {
		ops = append(ops, fsm.Op{Kind: fsm.KindDml, Dml: &fsm.DmlOp{Action: fsm.Insert, Table: fsm.TableReplicaset, Key: rsName,
			Row: mustMarshal(types.Replicaset{Name: rsName, UUID: rsUUID, Tier: req.Tier, Weight: 1})}})
	}

	predicate := cas.Predicate{
		Index: m.log.Applied(),
		Term:  m.log.Term(),
		Ranges: []cas.Range{
			{Table: fsm.TableInstance}, {Table: fsm.TableAddress}, {Table: fsm.TableTier}, {Table: fsm.TableReplicaset},
		},
	}

	index, term, casErr := m.cas.CAS(ctx, fsm.Op{Kind: fsm.KindBatchDml, Batch: ops}, predicate, joinCasDeadline)
	if casErr != nil {
		return nil, casErr.Code.Retriable(), casErr
	}

	if err := m.log.WaitApplied(ctx, index, joinCasDeadline); err != nil {
		return nil, true, fmt.Errorf("wait applied: %w", err)
	}
	if m.log.Term() != term {
		return nil, true, fmt.Errorf("leader term changed since commit")
	}

	newAddr := &types.PeerAddress{RaftID: candidate.RaftID, Address: req.AdvertiseAddr}
	respAddresses := append(append([]*types.PeerAddress{}, addresses...), newAddr)

	return &JoinResponse{
		Instance:         candidate,
		Addresses:        respAddresses,
		ReplicationAddrs: replicationAddrs(instances, respAddresses, rsName),
	}, false, nil
}

// buildCandidate implements step (a): reject an existing non-expelled
// instance with the same name, assign the next raft_id, and disambiguate a
// generated name.
func buildCandidate(instances []*types.Instance, req JoinRequest) (types.Instance, error) {
	var maxRaftID uint64
	keyCount := make(map[string]int)
	live := 0
	for _, inst := range instances {
		if inst.RaftID > maxRaftID {
			maxRaftID = inst.RaftID
		}
		if inst.Name == req.InstanceName && !inst.IsExpelled() {
			return types.Instance{}, ErrAlreadyJoined
		}
		if inst.IsExpelled() {
			continue
		}
		live++
		for k := range inst.FailureDomain {
			keyCount[k]++
		}
	}

	for k := range req.FailureDomain {
		if n := keyCount[k]; n != 0 && n != live {
			return types.Instance{}, ErrInvalidFailureDomain
		}
	}

	raftID := maxRaftID + 1
	name := req.InstanceName
	if name == "" {
		name = disambiguateName(instances, fmt.Sprintf("i%d", raftID))
	}

	return types.Instance{
		RaftID:        raftID,
		Name:          name,
		Tier:          req.Tier,
		FailureDomain: req.FailureDomain,
		CurrentState:  types.State{Variant: types.Offline, Incarnation: 1},
		TargetState:   types.State{Variant: types.Online, Incarnation: 1},
	}, nil
}

func disambiguateName(instances []*types.Instance, base string) string {
	used := make(map[string]bool, len(instances))
	for _, inst := range instances {
		used[inst.Name] = true
	}
	if !used[base] {
		return base
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if !used[candidate] {
			return candidate
		}
	}
}

// chooseReplicaset implements step (b).
func chooseReplicaset(replicasets []*types.Replicaset, instances []*types.Instance, explicit string, tier *types.Tier, candidate types.Instance) (name string, isNew bool) {
	if explicit != "" {
		return explicit, !replicasetExists(replicasets, explicit)
	}

	sorted := append([]*types.Replicaset{}, replicasets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, rs := range sorted {
		if rs.Tier != tier.Name {
			continue
		}
		members := membersOf(instances, rs.Name)
		if len(members) >= tier.ReplicationFactor {
			continue
		}
		if hasFailureDomainConflict(members, candidate) {
			continue
		}
		return rs.Name, false
	}

	used := make(map[string]bool, len(replicasets))
	for _, rs := range replicasets {
		used[rs.Name] = true
	}
	for n := 1; ; n++ {
		name := fmt.Sprintf("r%d", n)
		if !used[name] {
			return name, true
		}
	}
}

func findReplicasetByName(replicasets []*types.Replicaset, name string) *types.Replicaset {
	for _, rs := range replicasets {
		if rs.Name == name {
			return rs
		}
	}
	return nil
}

func replicasetExists(replicasets []*types.Replicaset, name string) bool {
	for _, rs := range replicasets {
		if rs.Name == name {
			return true
		}
	}
	return false
}

func membersOf(instances []*types.Instance, replicasetName string) []*types.Instance {
	var out []*types.Instance
	for _, inst := range instances {
		if inst.ReplicasetName == replicasetName && !inst.IsExpelled() {
			out = append(out, inst)
		}
	}
	return out
}

func hasFailureDomainConflict(members []*types.Instance, candidate types.Instance) bool {
	for _, m := range members {
		if m.FailureDomain.ConflictsWith(candidate.FailureDomain) {
			return true
		}
	}
	return false
}

func replicationAddrs(instances []*types.Instance, addresses []*types.PeerAddress, replicasetName string) []string {
	addrByRaftID := make(map[uint64]string, len(addresses))
	for _, a := range addresses {
		addrByRaftID[a.RaftID] = a.Address
	}

	var out []string
	for _, inst := range instances {
		if inst.ReplicasetName != replicasetName {
			continue
		}
		if addr, ok := addrByRaftID[inst.RaftID]; ok {
			out = append(out, addr)
		}
	}
	return out
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("cluster: marshal row: %v", err))
	}
	return data
}
