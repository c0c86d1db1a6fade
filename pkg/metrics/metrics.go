// Package metrics exposes the Prometheus gauges/histograms/counters
// published by the Raft log, CAS engine, governor, sentinel, and plan cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster catalog metrics.
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshdb_instances_total",
			Help: "Total number of instances by current state variant",
		},
		[]string{"variant"},
	)

	ReplicasetsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshdb_replicasets_total",
			Help: "Total number of replicasets",
		},
	)

	ReplicasetWeightTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshdb_replicaset_weight_total",
			Help: "Sum of replicaset weight by tier",
		},
		[]string{"tier"},
	)

	// Raft metrics.
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshdb_raft_is_leader",
			Help: "Whether this instance is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshdb_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshdb_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshdb_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshdb_raft_commit_duration_seconds",
			Help:    "Time from raft.Apply call to the entry being committed",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CAS engine metrics.
	CasAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshdb_cas_attempts_total",
			Help: "Total number of CAS admission attempts by outcome",
		},
		[]string{"outcome"},
	)

	CasConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshdb_cas_conflicts_total",
			Help: "Total number of CAS attempts rejected by the conflict window check",
		},
	)

	// Governor/sentinel loop metrics.
	GovernorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshdb_governor_cycle_duration_seconds",
			Help:    "Time taken for one governor control-loop iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	GovernorStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshdb_governor_steps_total",
			Help: "Total number of topology steps the governor has applied, by kind",
		},
		[]string{"step"},
	)

	SentinelCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshdb_sentinel_cycle_duration_seconds",
			Help:    "Time taken for one sentinel control-loop iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Join/expel metrics.
	JoinRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshdb_join_requests_total",
			Help: "Total number of join RPC requests by outcome",
		},
		[]string{"outcome"},
	)

	ExpelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshdb_expel_requests_total",
			Help: "Total number of expel RPC requests by outcome",
		},
		[]string{"outcome"},
	)

	// Plan cache metrics.
	PlanCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshdb_plan_cache_hits_total",
			Help: "Total number of plan cache lookups that hit",
		},
	)

	PlanCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshdb_plan_cache_misses_total",
			Help: "Total number of plan cache lookups that missed",
		},
	)

	PlanCacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshdb_plan_cache_evictions_total",
			Help: "Total number of plan cache entries evicted",
		},
	)

	PlanCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshdb_plan_cache_size",
			Help: "Current number of entries held in the plan cache",
		},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(ReplicasetsTotal)
	prometheus.MustRegister(ReplicasetWeightTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftCommitDuration)
	prometheus.MustRegister(CasAttemptsTotal)
	prometheus.MustRegister(CasConflictsTotal)
	prometheus.MustRegister(GovernorCycleDuration)
	prometheus.MustRegister(GovernorStepsTotal)
	prometheus.MustRegister(SentinelCycleDuration)
	prometheus.MustRegister(JoinRequestsTotal)
	prometheus.MustRegister(ExpelRequestsTotal)
	prometheus.MustRegister(PlanCacheHitsTotal)
	prometheus.MustRegister(PlanCacheMissesTotal)
	prometheus.MustRegister(PlanCacheEvictionsTotal)
	prometheus.MustRegister(PlanCacheSize)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
