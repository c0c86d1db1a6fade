// Package raftlog wraps a hashicorp/raft instance with the narrow surface
// the rest of meshdb needs: applied index, term, voters, append, and a
// deadline-bounded wait for an index to become locally applied.
package raftlog

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// ErrTimeout is returned by WaitApplied when the deadline elapses before the
// requested index is applied.
var ErrTimeout = fmt.Errorf("raftlog: timeout")

// ErrCompacted is returned when the requested index has already been
// removed from the log by a snapshot.
var ErrCompacted = fmt.Errorf("raftlog: index compacted")

// Config configures a Log's underlying transport and on-disk stores.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Log is the Raft-log access layer: the FSM/CAS/governor code talks to this,
// never to *raft.Raft directly.
type Log struct {
	raft     *raft.Raft
	logStore *raftboltdb.BoltStore
}

// Open creates the transport, snapshot store, and BoltDB-backed log/stable
// stores, and constructs a *raft.Raft bound to fsm. The returned Log is not
// yet part of a cluster; call BootstrapCluster or have the caller add it as
// a voter through an existing leader.
func Open(cfg Config, fsm raft.FSM) (*Log, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	return &Log{raft: r, logStore: logStore}, nil
}

// BootstrapCluster forms a brand-new single(-or-more)-voter cluster. Only
// valid on the seed instance, before any join has happened.
func (l *Log) BootstrapCluster(servers []raft.Server) error {
	future := l.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	return future.Error()
}

// Raft exposes the underlying *raft.Raft for callers (the transport layer's
// join handler) that must call AddVoter/RemoveServer directly.
func (l *Log) Raft() *raft.Raft {
	return l.raft
}

// Applied returns the last index applied to the local FSM.
func (l *Log) Applied() uint64 {
	return l.raft.AppliedIndex()
}

// Term returns the current Raft term, as reported by raft.Stats().
func (l *Log) Term() uint64 {
	term, _ := strconv.ParseUint(l.raft.Stats()["term"], 10, 64)
	return term
}

// Voters returns the current voter set.
func (l *Log) Voters() ([]raft.Server, error) {
	future := l.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this instance currently holds Raft leadership.
func (l *Log) IsLeader() bool {
	return l.raft.State() == raft.Leader
}

// LeaderAddr returns the advertise address of the current leader, or "" if
// unknown.
func (l *Log) LeaderAddr() string {
	return string(l.raft.Leader())
}

// Append submits data as a normal log entry and returns its assigned index
// once the local Apply call completes (which, per hashicorp/raft, means it
// has been committed and applied to the local FSM).
func (l *Log) Append(data []byte, timeout time.Duration) (index uint64, err error) {
	future := l.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("apply: %w", err)
	}
	if fsmErr, ok := future.Response().(error); ok && fsmErr != nil {
		return 0, fmt.Errorf("fsm apply: %w", fsmErr)
	}
	return future.Index(), nil
}

// WaitApplied blocks until index has been applied locally, the context is
// cancelled, or deadline elapses, whichever comes first.
func (l *Log) WaitApplied(ctx context.Context, index uint64, deadline time.Duration) error {
	if l.Applied() >= index {
		return nil
	}

	if compacted, err := l.Compacted(index); err == nil && compacted {
		return ErrCompacted
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrTimeout
		case <-ticker.C:
			if l.Applied() >= index {
				return nil
			}
		}
	}
}

// Compacted reports whether index has already been removed from the log by
// a snapshot (i.e. it is below the log's first retained index).
func (l *Log) Compacted(index uint64) (bool, error) {
	first, err := l.logStore.FirstIndex()
	if err != nil {
		return false, fmt.Errorf("first index: %w", err)
	}
	if first == 0 {
		return false, nil
	}
	return index < first, nil
}

// Stats returns the raw raft.Stats() map for metrics collection.
func (l *Log) Stats() map[string]string {
	return l.raft.Stats()
}

// Shutdown stops the Raft instance.
func (l *Log) Shutdown() error {
	return l.raft.Shutdown().Error()
}
