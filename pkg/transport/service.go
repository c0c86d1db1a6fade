package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/meshdb/pkg/cas"
	"github.com/cuemby/meshdb/pkg/cluster"
	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/raftlog"
	"github.com/cuemby/meshdb/pkg/types"
	"github.com/hashicorp/raft"
	"google.golang.org/grpc"
)

const addVoterTimeout = 10 * time.Second

// ControlServer is implemented by the instance-local components that back
// the five control-plane procedures. Adapter wires a *cluster.Manager, a
// *cas.Engine, and a *raftlog.Log to this interface without any of those
// packages depending on transport.
type ControlServer interface {
	Join(ctx context.Context, req JoinRequest) (*JoinResponse, error)
	Expel(ctx context.Context, instanceName string) error
	UpdateInstance(ctx context.Context, instanceName string, target types.State) error
	CAS(ctx context.Context, op fsm.Op, predicate cas.Predicate, deadline time.Duration) (index, term uint64, casErr *cas.Error)
	WaitIndex(ctx context.Context, index uint64, deadline time.Duration) error
}

// Adapter implements ControlServer over the real instance-local components.
type Adapter struct {
	Cluster *cluster.Manager
	Cas     *cas.Engine
	Log     *raftlog.Log
}

// Join admits req to the catalog, then adds the new instance as a Raft
// voter: membership changes are driven by raft.Raft directly rather than
// through the FSM (pkg/fsm's applyControl leaves ControlConfChange as a
// no-op for exactly this reason), so this is the one place that call
// belongs.
func (a *Adapter) Join(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	resp, err := a.Cluster.Join(ctx, req, joinDeadline)
	if err != nil {
		return nil, err
	}

	id := raft.ServerID(resp.Instance.Name)
	addr := raft.ServerAddress(req.AdvertiseAddr)
	if err := a.Log.Raft().AddVoter(id, addr, 0, addVoterTimeout).Error(); err != nil {
		return nil, fmt.Errorf("transport: add voter %s: %w", resp.Instance.Name, err)
	}
	return resp, nil
}

func (a *Adapter) Expel(ctx context.Context, instanceName string) error {
	return a.Cluster.Expel(ctx, instanceName)
}

func (a *Adapter) UpdateInstance(ctx context.Context, instanceName string, target types.State) error {
	return a.Cluster.RequestInstanceState(ctx, instanceName, target)
}

func (a *Adapter) CAS(ctx context.Context, op fsm.Op, predicate cas.Predicate, deadline time.Duration) (uint64, uint64, *cas.Error) {
	return a.Cas.CAS(ctx, op, predicate, deadline)
}

func (a *Adapter) WaitIndex(ctx context.Context, index uint64, deadline time.Duration) error {
	return a.Log.WaitApplied(ctx, index, deadline)
}

const joinDeadline = 10 * time.Second

// ServiceName is the gRPC service path every control RPC is registered
// under.
const ServiceName = "meshdb.Control"

func joinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(JoinRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(ControlServer).Join(ctx, *req)
}

func expelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(ExpelRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if err := srv.(ControlServer).Expel(ctx, req.InstanceName); err != nil {
		return nil, err
	}
	return &ExpelResponse{}, nil
}

func updateInstanceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(UpdateInstanceRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if err := srv.(ControlServer).UpdateInstance(ctx, req.InstanceName, req.TargetState); err != nil {
		return nil, err
	}
	return &UpdateInstanceResponse{}, nil
}

func casHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(CASRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	index, term, casErr := srv.(ControlServer).CAS(ctx, req.Op, req.Predicate, time.Duration(req.DeadlineMS)*time.Millisecond)
	return &CASResponse{Index: index, Term: term, Error: fromCasError(casErr)}, nil
}

func waitIndexHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(WaitIndexRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if err := srv.(ControlServer).WaitIndex(ctx, req.Index, time.Duration(req.DeadlineMS)*time.Millisecond); err != nil {
		return nil, err
	}
	return &WaitIndexResponse{}, nil
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit from a .proto file, wired directly to the JSON codec instead
// of protobuf: five unary methods, one per control procedure.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: joinHandler},
		{MethodName: "Expel", Handler: expelHandler},
		{MethodName: "UpdateInstance", Handler: updateInstanceHandler},
		{MethodName: "CAS", Handler: casHandler},
		{MethodName: "WaitIndex", Handler: waitIndexHandler},
	},
}

// RegisterControlServer registers srv's five procedures on s.
func RegisterControlServer(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&serviceDesc, srv)
}
