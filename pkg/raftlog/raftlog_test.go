package raftlog

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

type nopFSM struct{}

func (nopFSM) Apply(*raft.Log) interface{}        { return nil }
func (nopFSM) Snapshot() (raft.FSMSnapshot, error) { return nopSnapshot{}, nil }
func (nopFSM) Restore(rc io.ReadCloser) error      { return rc.Close() }

type nopSnapshot struct{}

func (nopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (nopSnapshot) Release()                             {}

func openSingleNode(t *testing.T) *Log {
	t.Helper()
	l, err := Open(Config{NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()}, nopFSM{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Shutdown() })
	return l
}

func TestBootstrapBecomesLeader(t *testing.T) {
	l := openSingleNode(t)

	err := l.BootstrapCluster([]raft.Server{
		{ID: "n1", Address: raft.ServerAddress(l.raft.Stats()["local_addr"])},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return l.IsLeader()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAppendAndWaitApplied(t *testing.T) {
	l := openSingleNode(t)
	require.NoError(t, l.BootstrapCluster([]raft.Server{
		{ID: "n1", Address: raft.ServerAddress(l.raft.Stats()["local_addr"])},
	}))
	require.Eventually(t, func() bool { return l.IsLeader() }, 5*time.Second, 10*time.Millisecond)

	index, err := l.Append([]byte("hello"), time.Second)
	require.NoError(t, err)
	require.Greater(t, index, uint64(0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.WaitApplied(ctx, index, time.Second))
}

func TestWaitAppliedTimesOut(t *testing.T) {
	l := openSingleNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := l.WaitApplied(ctx, 999999, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}
