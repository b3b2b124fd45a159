package metrics

import "github.com/ServiceWeaver/weaver/metrics"

type RegionLabel struct {
	Region string
}

var (
	// api
	RequestDurationMs = metrics.NewHistogramMap[RegionLabel](
		"sn_follow_request_duration_ms",
		"Duration of follow endpoints in milliseconds in the current region",
		metrics.NonNegativeBuckets,
	)
	// social graph service
	SetFollowStateDurationMs = metrics.NewHistogramMap[RegionLabel](
		"sn_set_follow_state_duration_ms",
		"Duration of set follow state in milliseconds in the current region",
		metrics.NonNegativeBuckets,
	)
	FollowChanges = metrics.NewCounterMap[RegionLabel](
		"sn_follow_changes",
		"The number of follow edges created or removed in the current region",
	)
	FollowNoops = metrics.NewCounterMap[RegionLabel](
		"sn_follow_noops",
		"The number of follow requests that found the edge already in the requested state",
	)
	PartialFailures = metrics.NewCounterMap[RegionLabel](
		"sn_partial_failures",
		"The number of follow updates where only one side was written in the current region",
	)
	TransientFailures = metrics.NewCounterMap[RegionLabel](
		"sn_transient_failures",
		"The number of follow updates that failed with a retryable store error in the current region",
	)
	// reconciler service
	ReconciledEdges = metrics.NewCounterMap[RegionLabel](
		"sn_reconciled_edges",
		"The number of follow edges repaired by the reconciler in the current region",
	)
	ReconcileFailures = metrics.NewCounterMap[RegionLabel](
		"sn_reconcile_failures",
		"The number of failed repair attempts in the current region",
	)
	LedgerBacklog = metrics.NewGaugeMap[RegionLabel](
		"sn_ledger_backlog",
		"The number of pending reconciliation ledger entries in the current region",
	)
	// reaction service
	Reactions = metrics.NewCounterMap[RegionLabel](
		"sn_reactions",
		"The number of likes, dislikes and bookmark changes in the current region",
	)
)
