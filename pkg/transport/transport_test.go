package transport

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/meshdb/pkg/cas"
	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeControl struct {
	joinReq      JoinRequest
	expelName    string
	updateName   string
	updateTarget types.State
	casOp        fsm.Op
	waitIndex    uint64
}

func (f *fakeControl) Join(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	f.joinReq = req
	return &JoinResponse{Instance: types.Instance{Name: req.InstanceName, RaftID: 7}}, nil
}

func (f *fakeControl) Expel(ctx context.Context, instanceName string) error {
	f.expelName = instanceName
	return nil
}

func (f *fakeControl) UpdateInstance(ctx context.Context, instanceName string, target types.State) error {
	f.updateName = instanceName
	f.updateTarget = target
	return nil
}

func (f *fakeControl) CAS(ctx context.Context, op fsm.Op, predicate cas.Predicate, deadline time.Duration) (uint64, uint64, *cas.Error) {
	f.casOp = op
	return 42, 3, nil
}

func (f *fakeControl) WaitIndex(ctx context.Context, index uint64, deadline time.Duration) error {
	f.waitIndex = index
	return nil
}

func startTestServer(t *testing.T, srv ControlServer) (*Server, *Client) {
	t.Helper()

	s, err := NewServer("127.0.0.1:0", srv)
	require.NoError(t, err)
	go func() {
		_ = s.Serve()
	}()
	t.Cleanup(s.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return s, client
}

func TestClientJoinRoundTrips(t *testing.T) {
	fake := &fakeControl{}
	_, client := startTestServer(t, fake)

	resp, err := client.Join(context.Background(), JoinRequest{InstanceName: "i1", ClusterName: "c1"})
	require.NoError(t, err)
	require.Equal(t, "i1", resp.Instance.Name)
	require.Equal(t, uint64(7), resp.Instance.RaftID)
	require.Equal(t, "c1", fake.joinReq.ClusterName)
}

func TestClientExpelRoundTrips(t *testing.T) {
	fake := &fakeControl{}
	_, client := startTestServer(t, fake)

	err := client.Expel(context.Background(), "i2")
	require.NoError(t, err)
	require.Equal(t, "i2", fake.expelName)
}

func TestClientUpdateInstanceRoundTrips(t *testing.T) {
	fake := &fakeControl{}
	_, client := startTestServer(t, fake)

	err := client.UpdateInstance(context.Background(), "i3", types.State{Variant: types.Online, Incarnation: 2})
	require.NoError(t, err)
	require.Equal(t, "i3", fake.updateName)
	require.Equal(t, types.Online, fake.updateTarget.Variant)
}

func TestClientCASRoundTrips(t *testing.T) {
	fake := &fakeControl{}
	_, client := startTestServer(t, fake)

	index, term, casErr := client.CAS(context.Background(), fsm.Op{Kind: fsm.KindDml}, cas.Predicate{Index: 1, Term: 1}, time.Second)
	require.Nil(t, casErr)
	require.Equal(t, uint64(42), index)
	require.Equal(t, uint64(3), term)
	require.Equal(t, fsm.KindDml, fake.casOp.Kind)
}

func TestClientWaitIndexRoundTrips(t *testing.T) {
	fake := &fakeControl{}
	_, client := startTestServer(t, fake)

	err := client.WaitIndex(context.Background(), 99, time.Second)
	require.NoError(t, err)
	require.Equal(t, uint64(99), fake.waitIndex)
}
