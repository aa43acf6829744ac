package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// Each rank owns its collector; methods may be called from worker goroutines.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	TreeMetrics
	BalanceMetrics
	ExchangeMetrics
	GCMetrics
}

// TreeMetrics defines metrics for top-level tree construction.
type TreeMetrics interface {
	// RecordTreeBuild records a completed tree build.
	//
	// Parameters:
	//   - nodes: Number of nodes in the merged tree
	//   - leaves: Number of leaves
	//   - duration: Time taken in seconds
	RecordTreeBuild(nodes, leaves int, duration float64)

	// RecordCapacityGrowth records a restart with a larger node allocation factor.
	RecordCapacityGrowth(allocFactor float64)
}

// BalanceMetrics defines metrics for segment assignment.
type BalanceMetrics interface {
	// RecordImbalance records the peak-to-average ratios of an assignment.
	//
	// Parameters:
	//   - objective: Objective used to compute the split ("work", "count")
	//   - work: Max work / average work
	//   - load: Max count / average count
	RecordImbalance(objective string, work, load float64)

	// RecordObjectiveFallback records a retry with the count-balanced objective.
	RecordObjectiveFallback()

	// RecordDecomposeDuration records the time taken by a full Decompose call in seconds.
	RecordDecomposeDuration(duration float64)
}

// ExchangeMetrics defines metrics for entity migration.
type ExchangeMetrics interface {
	// RecordExchangeRound records one migration round.
	//
	// Parameters:
	//   - sent: Entities sent by this rank
	//   - received: Entities received by this rank
	//   - duration: Time taken in seconds
	RecordExchangeRound(sent, received int, duration float64)

	// RecordRevocation records a revocation negotiation and its pass count.
	RecordRevocation(passes int)
}

// GCMetrics defines metrics for garbage collection.
type GCMetrics interface {
	// RecordReclaimed records slots reclaimed by a collector pass.
	//
	// Parameters:
	//   - pass: Pass name ("gas", "entities", "sinks")
	//   - slots: Number of slots reclaimed
	RecordReclaimed(pass string, slots int)
}
