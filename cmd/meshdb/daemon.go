package main

import (
	"fmt"

	"github.com/cuemby/meshdb/pkg/cas"
	"github.com/cuemby/meshdb/pkg/cluster"
	"github.com/cuemby/meshdb/pkg/events"
	"github.com/cuemby/meshdb/pkg/fsm"
	"github.com/cuemby/meshdb/pkg/governor"
	"github.com/cuemby/meshdb/pkg/log"
	"github.com/cuemby/meshdb/pkg/raftlog"
	"github.com/cuemby/meshdb/pkg/sentinel"
	"github.com/cuemby/meshdb/pkg/storage"
	"github.com/cuemby/meshdb/pkg/transport"
)

// noReachabilityProbe reports every instance reachable. Failure detection
// over pkg/transport (a proc_ping analog) is not part of this RPC surface,
// so the leader-side auto-demote path in pkg/sentinel never fires: nothing
// demotes an instance for being unreachable.
type noReachabilityProbe struct{}

func (noReachabilityProbe) Unreachable() map[string]bool { return nil }

// instance bundles the components one running meshdb process wires
// together: catalog store, Raft log, CAS admission, the cluster manager,
// the governor/sentinel control loops, and the control-plane transport
// server.
type instance struct {
	store     storage.Store
	log       *raftlog.Log
	cas       *cas.Engine
	cluster   *cluster.Manager
	governor  *governor.Governor
	sentinel  *sentinel.Sentinel
	metrics   *governor.MetricsCollector
	transport *transport.Server
}

func openInstance(clusterName, instanceName, bindAddr, controlAddr, dataDir string, tokens *cluster.TokenManager) (*instance, error) {
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open catalog store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	f := fsm.New(store, broker)
	raftLog, err := raftlog.Open(raftlog.Config{NodeID: instanceName, BindAddr: bindAddr, DataDir: dataDir}, f)
	if err != nil {
		return nil, fmt.Errorf("open raft log: %w", err)
	}

	casEngine := cas.New(raftLog)
	clusterMgr := cluster.New(clusterName, raftLog, casEngine, store, tokens)
	gov := governor.New(raftLog, casEngine, store)
	sent := sentinel.New(instanceName, raftLog, casEngine, store, noReachabilityProbe{})
	metricsCollector := governor.NewMetricsCollector(raftLog, store)

	adapter := &transport.Adapter{Cluster: clusterMgr, Cas: casEngine, Log: raftLog}
	server, err := transport.NewServer(controlAddr, adapter)
	if err != nil {
		return nil, fmt.Errorf("open control server: %w", err)
	}

	return &instance{
		store: store, log: raftLog, cas: casEngine,
		cluster: clusterMgr, governor: gov, sentinel: sent,
		metrics: metricsCollector, transport: server,
	}, nil
}

// run starts the background loops and the control server, blocking until
// stop is closed.
func (in *instance) run(stop <-chan struct{}) {
	in.governor.Start()
	in.sentinel.Start()
	in.metrics.Start()

	go func() {
		if err := in.transport.Serve(); err != nil {
			log.Logger.Error().Err(err).Msg("control server stopped")
		}
	}()

	<-stop

	in.transport.Stop()
	in.metrics.Stop()
	in.sentinel.Stop()
	in.governor.Stop()
	if err := in.log.Shutdown(); err != nil {
		log.Logger.Error().Err(err).Msg("raft shutdown")
	}
	if err := in.store.Close(); err != nil {
		log.Logger.Error().Err(err).Msg("store close")
	}
}
