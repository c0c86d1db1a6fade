/*
Package metrics defines and registers the Prometheus metrics published by
the catalog, the Raft log, the CAS engine, the governor, the sentinel, and
the plan cache. All metrics are registered at package init and are safe
for concurrent use.

# Metrics catalog

Cluster catalog:

	meshdb_instances_total{variant}        gauge
	meshdb_replicasets_total                gauge
	meshdb_replicaset_weight_total{tier}    gauge

Raft:

	meshdb_raft_is_leader                   gauge
	meshdb_raft_peers_total                  gauge
	meshdb_raft_applied_index                gauge
	meshdb_raft_apply_duration_seconds       histogram
	meshdb_raft_commit_duration_seconds      histogram

CAS engine:

	meshdb_cas_attempts_total{outcome}       counter
	meshdb_cas_conflicts_total                counter

Governor / sentinel loops:

	meshdb_governor_cycle_duration_seconds   histogram
	meshdb_governor_steps_total{step}        counter
	meshdb_sentinel_cycle_duration_seconds   histogram

Join / expel:

	meshdb_join_requests_total{outcome}      counter
	meshdb_expel_requests_total{outcome}     counter

Plan cache:

	meshdb_plan_cache_hits_total             counter
	meshdb_plan_cache_misses_total           counter
	meshdb_plan_cache_evictions_total        counter
	meshdb_plan_cache_size                   gauge

# Usage

	timer := metrics.NewTimer()
	// ... perform the operation ...
	timer.ObserveDuration(metrics.GovernorCycleDuration)

Handler returns the promhttp handler for exposing the registry over HTTP.
*/
package metrics
