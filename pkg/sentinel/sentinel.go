// Package sentinel runs the per-instance loop that detects local state
// drift and requests its own corrective Op: it is what notices a demoted
// instance should ask to come back online, and what drains an instance on
// shutdown.
package sentinel

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
	"github.com/cuemby/meshdb/pkg/storage"
	"github.com/cuemby/meshdb/pkg/types"
	"github.com/rs/zerolog"
)

// Mode is one of the three sentinel phases.
type Mode string

const (
	Initial      Mode = "initial"
	Activated    Mode = "activated"
	ShuttingDown Mode = "shutting_down"
)

const (
	longSleep  = 1 * time.Second
	shortRetry = 300 * time.Millisecond
	rpcTimeout = 3 * time.Second
	finalPause = 100 * time.Millisecond
)

// Reachability reports which instances this process currently believes are
// unreachable. The leader-side Activated step consults it once per
// iteration; cmd/meshdb backs it by a probe that reports every instance
// reachable, tests by a fixed set.
type Reachability interface {
	Unreachable() map[string]bool
}

// Sentinel watches this instance's own catalog row and nudges it toward
// its target state.
type Sentinel struct {
	instanceName string
	log          *raftlog.Log
	cas          *cas.Engine
	store        storage.Store
	reach        Reachability
	logger       zerolog.Logger

	mu       sync.Mutex
	mode     Mode
	wakeCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	doneOnce sync.Once
}

// New builds a Sentinel for the named local instance.
func New(instanceName string, raftLog *raftlog.Log, casEngine *cas.Engine, store storage.Store, reach Reachability) *Sentinel {
	return &Sentinel{
		instanceName: instanceName,
		log:          raftLog,
		cas:          casEngine,
		store:        store,
		reach:        reach,
		logger:       log.WithComponent("sentinel").With().Str("instance", instanceName).Logger(),
		mode:         Initial,
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Mode returns the sentinel's current phase.
func (s *Sentinel) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Sentinel) setMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// Start begins the loop in a background goroutine.
func (s *Sentinel) Start() {
	go s.run()
}

// Stop halts the loop immediately without attempting to drain. Use
// Shutdown for a graceful exit.
func (s *Sentinel) Stop() {
	close(s.stopCh)
}

// Wake cancels the current sleep so the loop reassesses immediately.
func (s *Sentinel) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Shutdown switches the sentinel into ShuttingDown and blocks until it has
// drained (or given up because quorum was lost), plus the final pause.
func (s *Sentinel) Shutdown() {
	s.setMode(ShuttingDown)
	s.Wake()
	<-s.doneCh
	time.Sleep(finalPause)
}

func (s *Sentinel) run() {
	s.logger.Info().Msg("sentinel started")

	for {
		if s.sleep(longSleep) {
			s.markDone()
			return
		}
		if s.iterate() {
			s.markDone()
			return
		}
	}
}

func (s *Sentinel) markDone() {
	s.doneOnce.Do(func() { close(s.doneCh) })
}

// sleep waits for d, a wake signal, or a stop signal. It returns true if
// the loop should exit.
func (s *Sentinel) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false
	case <-s.wakeCh:
		return false
	case <-s.stopCh:
		return true
	}
}

// iterate runs one cycle and reports whether the loop should now stop (only
// ever true once shutdown draining has concluded).
func (s *Sentinel) iterate() bool {
	switch s.Mode() {
	case Initial:
		s.iterateInitial()
	case Activated:
		s.iterateActivated()
	case ShuttingDown:
		return s.iterateShuttingDown()
	}
	return false
}

// iterateInitial waits until the local state machine has a catalog row for
// this instance, then promotes itself to Activated.
func (s *Sentinel) iterateInitial() {
	if _, err := s.store.GetInstance(s.instanceName); err != nil {
		return
	}
	s.setMode(Activated)
}

// iterateActivated implements the leader/follower split from §4.6: a
// follower that notices it has been auto-demoted asks to come back; the
// leader scans for unreachable instances and demotes one per iteration.
func (s *Sentinel) iterateActivated() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SentinelCycleDuration)

	if s.log.IsLeader() {
		s.leaderDemoteUnreachable()
		return
	}

	self, err := s.store.GetInstance(s.instanceName)
	if err != nil {
		return
	}
	if self.IsExpelled() {
		return
	}
	if self.TargetState.Variant == types.Offline && self.CurrentState.Variant != types.Offline {
		return
	}
	if self.TargetState.Variant != types.Offline {
		return
	}

	s.requestTargetState(self, types.Online)
}

// leaderDemoteUnreachable issues at most one UpdateInstance(target=Offline)
// per iteration, so each change can be reassessed before the next.
func (s *Sentinel) leaderDemoteUnreachable() {
	unreachable := s.reach.Unreachable()
	if len(unreachable) == 0 {
		return
	}

	instances, err := s.store.ListInstances()
	if err != nil {
		return
	}
	for _, inst := range instances {
		if !unreachable[inst.Name] {
			continue
		}
		if inst.TargetState.Variant != types.Online {
			continue
		}
		s.requestTargetState(inst, types.Offline)
		return
	}
}

// iterateShuttingDown repeatedly asks the leader to take this instance
// offline until it succeeds, the instance is expelled, or quorum is lost.
// It reports true once draining has concluded, one way or another.
func (s *Sentinel) iterateShuttingDown() bool {
	self, err := s.store.GetInstance(s.instanceName)
	if err != nil || self.IsExpelled() {
		return true
	}
	if self.TargetState.Variant == types.Offline && self.CurrentState.Variant == types.Offline {
		return true
	}

	casErr := s.requestTargetState(self, types.Offline)
	if casErr != nil && !casErr.Code.Retriable() {
		return true
	}

	return s.sleep(shortRetry)
}

// requestTargetState builds and admits a DML Op updating this instance's
// target_state, retrying on its own cadence rather than blocking here.
func (s *Sentinel) requestTargetState(inst *types.Instance, v types.Variant) *cas.Error {
	updated := *inst
	updated.TargetState = inst.TargetState.Bump(v)
	row := mustMarshal(updated)

	op := fsm.Op{Kind: fsm.KindDml, Dml: &fsm.DmlOp{Action: fsm.Update, Table: fsm.TableInstance, Key: inst.Name, Row: row}}
	pred := cas.Predicate{
		Index:  s.log.Applied(),
		Term:   s.log.Term(),
		Ranges: []cas.Range{cas.MustRange(fsm.TableInstance, inst.Name)},
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	_, _, err := s.cas.CAS(ctx, op, pred, rpcTimeout)
	if err != nil {
		s.logger.Debug().Str("code", err.Code.String()).Msg("target state update failed")
	}
	return err
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("sentinel: marshal row: %v", err))
	}
	return data
}
