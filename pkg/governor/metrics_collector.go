package governor

import (
	"time"

	"github.com/cuemby/meshdb/pkg/metrics"
	"github.com/cuemby/meshdb/pkg/raftlog"
	"github.com/cuemby/meshdb/pkg/storage"
)

const metricsCollectionInterval = 15 * time.Second

// MetricsCollector periodically republishes catalog-derived gauges
// (instance counts by state variant, replicaset weight by tier, Raft
// leadership/peer/applied-index) that change outside of any single CAS
// admission and so have no other natural place to be set. It runs on
// every instance, not just the leader: RaftLeader/RaftPeers are
// per-instance observations.
type MetricsCollector struct {
	log    *raftlog.Log
	store  storage.Store
	stopCh chan struct{}
}

// NewMetricsCollector builds a collector over the given Raft log and catalog.
func NewMetricsCollector(raftLog *raftlog.Log, store storage.Store) *MetricsCollector {
	return &MetricsCollector{log: raftLog, store: store, stopCh: make(chan struct{})}
}

// Start begins collecting on a fixed interval, running an immediate
// collection first.
func (c *MetricsCollector) Start() {
	go func() {
		c.collect()
		ticker := time.NewTicker(metricsCollectionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop ends the collection loop.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectCatalogMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectCatalogMetrics() {
	instances, err := c.store.ListInstances()
	if err == nil {
		counts := make(map[string]int)
		for _, inst := range instances {
			counts[string(inst.CurrentState.Variant)]++
		}
		for variant, count := range counts {
			metrics.InstancesTotal.WithLabelValues(variant).Set(float64(count))
		}
	}

	replicasets, err := c.store.ListReplicasets()
	if err != nil {
		return
	}
	metrics.ReplicasetsTotal.Set(float64(len(replicasets)))

	weightByTier := make(map[string]float64)
	for _, rs := range replicasets {
		weightByTier[rs.Tier] += rs.Weight
	}
	for tier, weight := range weightByTier {
		metrics.ReplicasetWeightTotal.WithLabelValues(tier).Set(weight)
	}
}

func (c *MetricsCollector) collectRaftMetrics() {
	if c.log.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	metrics.RaftAppliedIndex.Set(float64(c.log.Applied()))

	if voters, err := c.log.Voters(); err == nil {
		metrics.RaftPeers.Set(float64(len(voters)))
	}
}
