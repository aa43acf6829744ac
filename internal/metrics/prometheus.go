package metrics

import (
	"sync"

	"github.com/arloliu/decomp/types"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are created and registered lazily on first use, so constructing
// a collector that is never exercised leaves the registry untouched.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	// Tree metrics
	treeNodes          prometheus.Gauge
	treeLeaves         prometheus.Gauge
	treeBuildDuration  prometheus.Histogram
	treeCapacityGrowth prometheus.Counter
	treeAllocFactor    prometheus.Gauge

	// Balance metrics
	workImbalance     *prometheus.GaugeVec
	loadImbalance     *prometheus.GaugeVec
	objectiveFallback prometheus.Counter
	decomposeDuration prometheus.Histogram

	// Exchange metrics
	exchangeRounds   prometheus.Counter
	exchangeSent     prometheus.Counter
	exchangeReceived prometheus.Counter
	exchangeDuration prometheus.Histogram
	revocationPasses prometheus.Histogram

	// GC metrics
	reclaimed *prometheus.CounterVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "decomp" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "decomp"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.treeNodes = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "tree",
			Name:      "nodes",
			Help:      "Number of nodes in the last merged top-level tree.",
		})
		p.treeLeaves = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "tree",
			Name:      "leaves",
			Help:      "Number of leaves in the last merged top-level tree.",
		})
		p.treeBuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "tree",
			Name:      "build_duration_seconds",
			Help:      "Duration of local refine, merge, broadcast and densification.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		})
		p.treeCapacityGrowth = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "tree",
			Name:      "capacity_growth_total",
			Help:      "Total restarts caused by node capacity overflow.",
		})
		p.treeAllocFactor = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "tree",
			Name:      "alloc_factor",
			Help:      "Current node allocation factor.",
		})

		p.workImbalance = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "balance",
			Name:      "work_imbalance_ratio",
			Help:      "Peak-to-average work ratio of the last assignment by objective.",
		}, []string{"objective"})
		p.loadImbalance = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "balance",
			Name:      "load_imbalance_ratio",
			Help:      "Peak-to-average entity count ratio of the last assignment by objective.",
		}, []string{"objective"})
		p.objectiveFallback = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "balance",
			Name:      "objective_fallbacks_total",
			Help:      "Total retries with the count-balanced objective.",
		})
		p.decomposeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "balance",
			Name:      "decompose_duration_seconds",
			Help:      "Duration of complete decomposition calls.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		})

		p.exchangeRounds = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "exchange",
			Name:      "rounds_total",
			Help:      "Total migration rounds.",
		})
		p.exchangeSent = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "exchange",
			Name:      "sent_entities_total",
			Help:      "Total entities sent to other ranks.",
		})
		p.exchangeReceived = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "exchange",
			Name:      "received_entities_total",
			Help:      "Total entities received from other ranks.",
		})
		p.exchangeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "exchange",
			Name:      "round_duration_seconds",
			Help:      "Duration of a single migration round.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		})
		p.revocationPasses = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "exchange",
			Name:      "revocation_passes",
			Help:      "Negotiation passes needed to fit receive capacities.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		})

		p.reclaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "gc",
			Name:      "reclaimed_slots_total",
			Help:      "Total slots reclaimed by collector pass.",
		}, []string{"pass"})

		p.reg.MustRegister(p.treeNodes)
		p.reg.MustRegister(p.treeLeaves)
		p.reg.MustRegister(p.treeBuildDuration)
		p.reg.MustRegister(p.treeCapacityGrowth)
		p.reg.MustRegister(p.treeAllocFactor)
		p.reg.MustRegister(p.workImbalance)
		p.reg.MustRegister(p.loadImbalance)
		p.reg.MustRegister(p.objectiveFallback)
		p.reg.MustRegister(p.decomposeDuration)
		p.reg.MustRegister(p.exchangeRounds)
		p.reg.MustRegister(p.exchangeSent)
		p.reg.MustRegister(p.exchangeReceived)
		p.reg.MustRegister(p.exchangeDuration)
		p.reg.MustRegister(p.revocationPasses)
		p.reg.MustRegister(p.reclaimed)
	})
}

// TreeMetrics implementation

// RecordTreeBuild sets node and leaf gauges and observes the build duration.
func (p *PrometheusCollector) RecordTreeBuild(nodes, leaves int, duration float64) {
	p.ensureRegistered()
	p.treeNodes.Set(float64(nodes))
	p.treeLeaves.Set(float64(leaves))
	p.treeBuildDuration.Observe(duration)
}

// RecordCapacityGrowth counts a capacity restart and sets the allocation factor gauge.
func (p *PrometheusCollector) RecordCapacityGrowth(allocFactor float64) {
	p.ensureRegistered()
	p.treeCapacityGrowth.Inc()
	p.treeAllocFactor.Set(allocFactor)
}

// BalanceMetrics implementation

// RecordImbalance sets the imbalance gauges for the given objective.
func (p *PrometheusCollector) RecordImbalance(objective string, work, load float64) {
	p.ensureRegistered()
	p.workImbalance.WithLabelValues(objective).Set(work)
	p.loadImbalance.WithLabelValues(objective).Set(load)
}

// RecordObjectiveFallback increments the fallback counter.
func (p *PrometheusCollector) RecordObjectiveFallback() {
	p.ensureRegistered()
	p.objectiveFallback.Inc()
}

// RecordDecomposeDuration observes a decomposition duration.
func (p *PrometheusCollector) RecordDecomposeDuration(duration float64) {
	p.ensureRegistered()
	p.decomposeDuration.Observe(duration)
}

// ExchangeMetrics implementation

// RecordExchangeRound counts a migration round and its traffic.
func (p *PrometheusCollector) RecordExchangeRound(sent, received int, duration float64) {
	p.ensureRegistered()
	p.exchangeRounds.Inc()
	p.exchangeSent.Add(float64(sent))
	p.exchangeReceived.Add(float64(received))
	p.exchangeDuration.Observe(duration)
}

// RecordRevocation observes the number of negotiation passes.
func (p *PrometheusCollector) RecordRevocation(passes int) {
	p.ensureRegistered()
	p.revocationPasses.Observe(float64(passes))
}

// GCMetrics implementation

// RecordReclaimed adds reclaimed slots for the given pass.
func (p *PrometheusCollector) RecordReclaimed(pass string, slots int) {
	p.ensureRegistered()
	p.reclaimed.WithLabelValues(pass).Add(float64(slots))
}
