package metrics

import "github.com/arloliu/decomp/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Returns:
//   - *NopMetrics: A new no-op metrics collector instance
//
// Example:
//
//	d, err := decomp.New(&cfg, c, st, decomp.WithMetrics(metrics.NewNop()))
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// TreeMetrics implementation

// RecordTreeBuild discards the tree build metric.
func (n *NopMetrics) RecordTreeBuild(_ /* nodes */, _ /* leaves */ int, _ /* duration */ float64) {
	// No-op
}

// RecordCapacityGrowth discards the capacity growth metric.
func (n *NopMetrics) RecordCapacityGrowth(_ /* allocFactor */ float64) {
	// No-op
}

// BalanceMetrics implementation

// RecordImbalance discards the imbalance metric.
func (n *NopMetrics) RecordImbalance(_ /* objective */ string, _ /* work */, _ /* load */ float64) {
	// No-op
}

// RecordObjectiveFallback discards the fallback metric.
func (n *NopMetrics) RecordObjectiveFallback() {
	// No-op
}

// RecordDecomposeDuration discards the decomposition duration metric.
func (n *NopMetrics) RecordDecomposeDuration(_ /* duration */ float64) {
	// No-op
}

// ExchangeMetrics implementation

// RecordExchangeRound discards the exchange round metric.
func (n *NopMetrics) RecordExchangeRound(_ /* sent */, _ /* received */ int, _ /* duration */ float64) {
	// No-op
}

// RecordRevocation discards the revocation metric.
func (n *NopMetrics) RecordRevocation(_ /* passes */ int) {
	// No-op
}

// GCMetrics implementation

// RecordReclaimed discards the reclaimed slots metric.
func (n *NopMetrics) RecordReclaimed(_ /* pass */ string, _ /* slots */ int) {
	// No-op
}
