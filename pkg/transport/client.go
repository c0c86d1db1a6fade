package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/meshdb/pkg/cas"
	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultCallTimeout = 10 * time.Second

// Client dials a single meshdb instance's control endpoint. Every method
// wraps its own context.WithTimeout, matching the per-call timeout idiom
// used throughout the rest of the control plane.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr in plaintext. Internal cluster traffic runs over
// the CAS/raft admission path for every mutation it makes, so transport
// confidentiality is not a gap this package needs to close; callers that
// need encryption in transit can pass grpc.WithTransportCredentials via
// DialWithOptions instead.
func Dial(ctx context.Context, addr string) (*Client, error) {
	return DialWithOptions(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// DialWithOptions connects to addr with caller-supplied dial options,
// e.g. TLS transport credentials.
func DialWithOptions(ctx context.Context, addr string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) callOpt() grpc.CallOption {
	return grpc.CallContentSubtype(codecName)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Join calls proc_raft_join.
func (c *Client) Join(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	resp := new(JoinResponse)
	if err := c.conn.Invoke(ctx, fullMethod("Join"), &req, resp, c.callOpt()); err != nil {
		return nil, fmt.Errorf("transport: join: %w", err)
	}
	return resp, nil
}

// Expel calls proc_expel.
func (c *Client) Expel(ctx context.Context, instanceName string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	req := &ExpelRequest{InstanceName: instanceName}
	resp := new(ExpelResponse)
	if err := c.conn.Invoke(ctx, fullMethod("Expel"), req, resp, c.callOpt()); err != nil {
		return fmt.Errorf("transport: expel: %w", err)
	}
	return nil
}

// UpdateInstance calls proc_update_instance.
func (c *Client) UpdateInstance(ctx context.Context, instanceName string, target types.State) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	req := &UpdateInstanceRequest{InstanceName: instanceName, TargetState: target}
	resp := new(UpdateInstanceResponse)
	if err := c.conn.Invoke(ctx, fullMethod("UpdateInstance"), req, resp, c.callOpt()); err != nil {
		return fmt.Errorf("transport: update instance: %w", err)
	}
	return nil
}

// CAS calls proc_cas.
func (c *Client) CAS(ctx context.Context, op fsm.Op, predicate cas.Predicate, deadline time.Duration) (index, term uint64, casErr *cas.Error) {
	ctx, cancel := context.WithTimeout(ctx, deadline+defaultCallTimeout)
	defer cancel()

	req := &CASRequest{Op: op, Predicate: predicate, DeadlineMS: deadline.Milliseconds()}
	resp := new(CASResponse)
	if err := c.conn.Invoke(ctx, fullMethod("CAS"), req, resp, c.callOpt()); err != nil {
		return 0, 0, &cas.Error{Code: cas.CodeOther, Msg: err.Error()}
	}
	return resp.Index, resp.Term, resp.Error.toCasError()
}

// WaitIndex calls proc_wait_index.
func (c *Client) WaitIndex(ctx context.Context, index uint64, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline+defaultCallTimeout)
	defer cancel()

	req := &WaitIndexRequest{Index: index, DeadlineMS: deadline.Milliseconds()}
	resp := new(WaitIndexResponse)
	if err := c.conn.Invoke(ctx, fullMethod("WaitIndex"), req, resp, c.callOpt()); err != nil {
		return fmt.Errorf("transport: wait index: %w", err)
	}
	return nil
}
