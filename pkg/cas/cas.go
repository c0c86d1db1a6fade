// Package cas implements single-writer, predicate-gated admission of Ops
// onto the Raft log: compare-and-swap against the set of table/key ranges
// an op's caller last read.
package cas

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/metrics"
	"github.com/cuemby/meshdb/pkg/raftlog"
)

// Code identifies the reason a CAS call failed. Every Error carries one so
// callers can decide retriability without string matching.
type Code int

const (
	CodeOther Code = iota
	CodeTimeout
	CodeNotALeader
	CodeLeaderUnknown
	CodeTermMismatch
	CodePredicateConflict
	CodeRaftLogUnavailable
	CodeRaftLogCompacted
)

func (c Code) String() string {
	switch c {
	case CodeTimeout:
		return "Timeout"
	case CodeNotALeader:
		return "NotALeader"
	case CodeLeaderUnknown:
		return "LeaderUnknown"
	case CodeTermMismatch:
		return "TermMismatch"
	case CodePredicateConflict:
		return "PredicateConflict"
	case CodeRaftLogUnavailable:
		return "RaftLogUnavailable"
	case CodeRaftLogCompacted:
		return "RaftLogCompacted"
	default:
		return "Other"
	}
}

// Retriable reports whether a caller should rebuild its op against a fresh
// snapshot and try again, per the taxonomy in the error-handling design.
func (c Code) Retriable() bool {
	switch c {
	case CodeTimeout, CodeNotALeader, CodeLeaderUnknown, CodeTermMismatch, CodePredicateConflict, CodeRaftLogUnavailable, CodeRaftLogCompacted:
		return true
	default:
		return false
	}
}

// Error is the failure shape returned by CAS.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("cas: %s: %s", e.Code, e.Msg) }

func newErr(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Range names a table and an inclusive key subrange within it. An empty
// KeyMin and KeyMax names the whole table.
type Range struct {
	Table  string
	KeyMin string
	KeyMax string
}

func (r Range) wholeTable() bool { return r.KeyMin == "" && r.KeyMax == "" }

func (r Range) overlaps(o Range) bool {
	if r.Table != o.Table {
		return false
	}
	if r.wholeTable() || o.wholeTable() {
		return true
	}
	return r.KeyMin <= o.KeyMax && o.KeyMin <= r.KeyMax
}

// Predicate is the compare-and-swap admission condition: the op may be
// admitted iff the current term matches Term and no committed entry in
// (Index, current_applied] touched any of Ranges.
type Predicate struct {
	Index  uint64
	Term   uint64
	Ranges []Range
}

type touched struct {
	index  uint64
	ranges []Range
}

// Engine is the single-writer admission gate in front of a raftlog.Log. All
// CAS calls serialize through its mutex; this matches the "single-writer
// admission to the log" role the rest of the system assumes of C3.
type Engine struct {
	mu      sync.Mutex
	log     *raftlog.Log
	history []touched
}

// New wraps log with CAS admission semantics.
func New(log *raftlog.Log) *Engine {
	return &Engine{log: log}
}

// CAS admits op to the Raft log iff predicate holds, waiting up to deadline
// for the resulting entry to be applied locally.
func (e *Engine) CAS(ctx context.Context, op fsm.Op, predicate Predicate, deadline time.Duration) (index uint64, term uint64, casErr *Error) {
	timer := metrics.NewTimer()
	outcome := "error"
	defer func() {
		metrics.CasAttemptsTotal.WithLabelValues(outcome).Inc()
		timer.ObserveDuration(metrics.RaftCommitDuration)
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.log.IsLeader() {
		if e.log.LeaderAddr() == "" {
			return 0, 0, newErr(CodeLeaderUnknown, "no known leader")
		}
		return 0, 0, newErr(CodeNotALeader, "leader is %s", e.log.LeaderAddr())
	}

	currentTerm := e.log.Term()
	if predicate.Term != currentTerm {
		return 0, 0, newErr(CodeTermMismatch, "predicate term %d != current term %d", predicate.Term, currentTerm)
	}

	if conflict := e.findConflict(predicate); conflict {
		metrics.CasConflictsTotal.Inc()
		return 0, 0, newErr(CodePredicateConflict, "a committed entry overlapped the predicate ranges")
	}

	data, err := fsm.Encode(op)
	if err != nil {
		return 0, 0, newErr(CodeOther, "encode op: %v", err)
	}

	select {
	case <-ctx.Done():
		return 0, 0, newErr(CodeTimeout, "context done before append: %v", ctx.Err())
	default:
	}

	appliedIndex, err := e.log.Append(data, deadline)
	if err != nil {
		return 0, 0, newErr(CodeRaftLogUnavailable, "append: %v", err)
	}

	appliedTerm := e.log.Term()
	if appliedTerm != currentTerm {
		return 0, 0, newErr(CodeTermMismatch, "leader term changed from %d to %d during append", currentTerm, appliedTerm)
	}

	e.history = append(e.history, touched{index: appliedIndex, ranges: rangesTouchedByOp(op)})
	e.compact(appliedIndex)

	outcome = "ok"
	return appliedIndex, appliedTerm, nil
}

// findConflict reports whether any recorded touch at an index in
// (predicate.Index, current_applied] overlaps one of predicate.Ranges.
func (e *Engine) findConflict(predicate Predicate) bool {
	applied := e.log.Applied()
	for _, t := range e.history {
		if t.index <= predicate.Index || t.index > applied {
			continue
		}
		for _, r := range t.ranges {
			for _, pr := range predicate.Ranges {
				if r.overlaps(pr) {
					return true
				}
			}
		}
	}
	return false
}

// compact drops history entries that can no longer matter: anything at or
// below the log's own compaction point.
func (e *Engine) compact(appliedIndex uint64) {
	if compacted, err := e.log.Compacted(appliedIndex); err == nil && !compacted {
		return
	}
	kept := e.history[:0]
	for _, t := range e.history {
		if ok, err := e.log.Compacted(t.index); err != nil || !ok {
			kept = append(kept, t)
		}
	}
	e.history = kept
}

func rangesTouchedByOp(op fsm.Op) []Range {
	switch op.Kind {
	case fsm.KindDml:
		if op.Dml == nil {
			return nil
		}
		return []Range{{Table: op.Dml.Table, KeyMin: op.Dml.Key, KeyMax: op.Dml.Key}}
	case fsm.KindBatchDml:
		var ranges []Range
		for _, sub := range op.Batch {
			ranges = append(ranges, rangesTouchedByOp(sub)...)
		}
		return ranges
	case fsm.KindAcl:
		return []Range{{Table: fsm.TableUser}, {Table: fsm.TablePrivilege}}
	case fsm.KindDdl:
		return []Range{{Table: fsm.TableTable}, {Table: fsm.TableIndex}}
	case fsm.KindControl:
		return []Range{{Table: fsm.TableProperty}}
	default:
		return nil
	}
}

// MustRange builds a single-key range, convenient for callers constructing
// a predicate from a set of rows they read.
func MustRange(table string, key string) Range {
	return Range{Table: table, KeyMin: key, KeyMax: key}
}

// MarshalKey renders any JSON-marshalable row key into the string form
// ranges compare against. Numeric keys (e.g. raft IDs) sort correctly only
// within a single width; callers needing numeric ordering should format
// with fixed-width zero padding themselves.
func MarshalKey(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
