package transport

import (
	"github.com/cuemby/meshdb/pkg/cas"
	"github.com/cuemby/meshdb/pkg/cluster"
	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/types"
)

// JoinRequest/JoinResponse carry proc_raft_join over the wire unchanged;
// cluster.JoinRequest and cluster.JoinResponse already carry json tags
// through their embedded types.Instance/types.PeerAddress fields.
type JoinRequest = cluster.JoinRequest
type JoinResponse = cluster.JoinResponse

// ExpelRequest carries proc_expel.
type ExpelRequest struct {
	InstanceName string `json:"instance_name"`
}

// ExpelResponse is the empty success response to proc_expel.
type ExpelResponse struct{}

// UpdateInstanceRequest carries proc_update_instance: a request to move an
// instance's target_state via CAS. The receiving instance admits the CAS
// itself, so the call succeeds only when it reaches the leader.
type UpdateInstanceRequest struct {
	InstanceName string      `json:"instance_name"`
	TargetState  types.State `json:"target_state"`
}

// UpdateInstanceResponse is the empty success response to
// proc_update_instance.
type UpdateInstanceResponse struct{}

// CASRequest carries proc_cas: an arbitrary fsm.Op admitted under a
// compare-and-swap predicate.
type CASRequest struct {
	Op         fsm.Op        `json:"op"`
	Predicate  cas.Predicate `json:"predicate"`
	DeadlineMS int64         `json:"deadline_ms"`
}

// CASResponse carries the committed index/term, or a structured cas.Error
// encoded in Error.
type CASResponse struct {
	Index uint64    `json:"index"`
	Term  uint64    `json:"term"`
	Error *CASError `json:"error,omitempty"`
}

// CASError mirrors cas.Error across the wire (cas.Error itself is not
// JSON-tagged since it is normally handled in-process).
type CASError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *CASError) toCasError() *cas.Error {
	if e == nil {
		return nil
	}
	return &cas.Error{Code: cas.Code(e.Code), Msg: e.Msg}
}

func fromCasError(e *cas.Error) *CASError {
	if e == nil {
		return nil
	}
	return &CASError{Code: int(e.Code), Msg: e.Msg}
}

// WaitIndexRequest carries proc_wait_index.
type WaitIndexRequest struct {
	Index      uint64 `json:"index"`
	DeadlineMS int64  `json:"deadline_ms"`
}

// WaitIndexResponse is the empty success response to proc_wait_index.
type WaitIndexResponse struct{}
