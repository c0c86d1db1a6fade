package transport

import (
	"fmt"
	"net"

	"github.com/cuemby/meshdb/pkg/log"
	"google.golang.org/grpc"
)

// Server hosts the control-plane service on a single listener, grounded on
// the teacher's api.Server (a *grpc.Server wrapped with a typed Serve/Stop
// pair) but without the per-worker certificate issuance flow, which has no
// analog for a cluster of database instances.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer builds a Server bound to addr, registering srv's control
// procedures. opts are passed through to grpc.NewServer, e.g.
// grpc.Creds(...) for TLS.
func NewServer(addr string, srv ControlServer, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	gs := grpc.NewServer(opts...)
	RegisterControlServer(gs, srv)

	return &Server{grpcServer: gs, listener: lis}, nil
}

// Addr returns the bound listen address, useful when addr was passed as
// "host:0" and the OS chose the port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks accepting connections until Stop is called.
func (s *Server) Serve() error {
	log.Logger.Info().Str("addr", s.Addr()).Msg("control server listening")
	if err := s.grpcServer.Serve(s.listener); err != nil {
		return fmt.Errorf("transport: serve: %w", err)
	}
	return nil
}

// Stop gracefully drains in-flight RPCs before returning.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
