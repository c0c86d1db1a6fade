package cluster

import (
	"context"
	"fmt"

	"github.com/cuemby/meshdb/pkg/cas"
	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/metrics"
	"github.com/cuemby/meshdb/pkg/types"
)

// ErrUnknownInstance is returned when Expel is asked about a name the
// catalog doesn't have.
var ErrUnknownInstance = fmt.Errorf("cluster: no such instance")

// ErrAlreadyExpelled reports that the instance has already left for good;
// expelled instances never rejoin under the same name.
var ErrAlreadyExpelled = fmt.Errorf("cluster: instance already expelled")

// Expel sets target_state = Expelled for name. The governor drives the
// demotion from here; current_state only flips to Expelled through
// ConfirmExpelled, once the instance has reached Offline.
func (m *Manager) Expel(ctx context.Context, name string) (err error) {
	outcome := "error"
	defer func() { metrics.ExpelRequestsTotal.WithLabelValues(outcome).Inc() }()

	inst, getErr := m.store.GetInstance(name)
	if getErr != nil {
		return ErrUnknownInstance
	}
	if inst.IsExpelled() {
		return ErrAlreadyExpelled
	}

	updated := *inst
	updated.TargetState = inst.TargetState.Bump(types.Expelled)

	op := fsm.Op{Kind: fsm.KindDml, Dml: &fsm.DmlOp{Action: fsm.Update, Table: fsm.TableInstance, Key: name, Row: mustMarshal(updated)}}
	predicate := cas.Predicate{Index: m.log.Applied(), Term: m.log.Term(), Ranges: []cas.Range{cas.MustRange(fsm.TableInstance, name)}}

	_, _, casErr := m.cas.CAS(ctx, op, predicate, joinCasDeadline)
	if casErr != nil {
		return casErr
	}
	outcome = "ok"
	return nil
}

// ConfirmExpelled flips current_state to Expelled, the terminal state, for
// an instance whose target_state is Expelled and whose current_state has
// reached Offline. Neither the sentinel nor the governor calls it.
func (m *Manager) ConfirmExpelled(ctx context.Context, name string) error {
	inst, err := m.store.GetInstance(name)
	if err != nil {
		return ErrUnknownInstance
	}
	if inst.TargetState.Variant != types.Expelled {
		return fmt.Errorf("cluster: %s is not targeted for expulsion", name)
	}
	if inst.CurrentState.Variant != types.Offline {
		return fmt.Errorf("cluster: %s has not yet reached offline", name)
	}

	updated := *inst
	updated.CurrentState = inst.CurrentState.Bump(types.Expelled)

	op := fsm.Op{Kind: fsm.KindDml, Dml: &fsm.DmlOp{Action: fsm.Update, Table: fsm.TableInstance, Key: name, Row: mustMarshal(updated)}}
	predicate := cas.Predicate{Index: m.log.Applied(), Term: m.log.Term(), Ranges: []cas.Range{cas.MustRange(fsm.TableInstance, name)}}

	_, _, casErr := m.cas.CAS(ctx, op, predicate, joinCasDeadline)
	if casErr != nil {
		return casErr
	}
	return nil
}
