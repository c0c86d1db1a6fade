package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/meshdb/pkg/cas"
	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/types"
)

const stateCasDeadline = 3 * time.Second

// RequestInstanceState drives name's target_state to target via CAS. This
// is the remote-callable counterpart of a sentinel asking the leader to
// move its own target state. The CAS is admitted locally: on an instance
// that is not the leader it fails with NotALeader (or LeaderUnknown) and
// the request is not forwarded.
func (m *Manager) RequestInstanceState(ctx context.Context, name string, target types.State) error {
	inst, err := m.store.GetInstance(name)
	if err != nil {
		return ErrUnknownInstance
	}

	updated := *inst
	updated.TargetState = types.State{Variant: target.Variant, Incarnation: inst.TargetState.Incarnation + 1}

	op := fsm.Op{Kind: fsm.KindDml, Dml: &fsm.DmlOp{
		Action: fsm.Update, Table: fsm.TableInstance, Key: name, Row: mustMarshal(updated),
	}}
	predicate := cas.Predicate{
		Index:  m.log.Applied(),
		Term:   m.log.Term(),
		Ranges: []cas.Range{{Table: fsm.TableInstance, KeyMin: name, KeyMax: name}},
	}

	_, _, casErr := m.cas.CAS(ctx, op, predicate, stateCasDeadline)
	if casErr != nil {
		return fmt.Errorf("request instance state: %w", casErr)
	}
	return nil
}
