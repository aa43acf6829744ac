package decomp

// Option configures a Decomposer with optional dependencies.
type Option func(*decomposerOptions)

// decomposerOptions holds optional Decomposer configuration.
type decomposerOptions struct {
	logger    Logger
	metrics   MetricsCollector
	hooks     *Hooks
	keyFunc   KeyFunc
	costFunc  CostFunc
	allocator Allocator
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	logger := zap.NewExample().Sugar()
//	d, err := decomp.New(&cfg, comm, st, decomp.WithLogger(logger))
func WithLogger(logger Logger) Option {
	return func(o *decomposerOptions) {
		o.logger = logger
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	collector := metrics.NewPrometheus(prometheus.DefaultRegisterer, "sim")
//	d, err := decomp.New(&cfg, comm, st, decomp.WithMetrics(collector))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *decomposerOptions) {
		o.metrics = metrics
	}
}

// WithHooks sets lifecycle event hooks.
//
// Parameters:
//   - hooks: Hooks structure with callback functions; nil callbacks are no-ops
//
// Returns:
//   - Option: Functional option for New
//
// Example:
//
//	hooks := &decomp.Hooks{
//	    OnDecomposed: func(ctx context.Context, r decomp.DecompositionResult) error {
//	        log.Printf("imbalance %.3f", r.WorkImbalance)
//	        return nil
//	    },
//	}
//	d, err := decomp.New(&cfg, comm, st, decomp.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *decomposerOptions) {
		o.hooks = hooks
	}
}

// WithKeyFunc replaces the Morton key derived from Config.Box.
//
// Keys must lie in [0, 8^KeyBits); larger values are clamped to the last cell.
//
// Parameters:
//   - fn: Pure function of the entity
//
// Returns:
//   - Option: Functional option for New
func WithKeyFunc(fn KeyFunc) Option {
	return func(o *decomposerOptions) {
		o.keyFunc = fn
	}
}

// WithCostFunc replaces the default work estimate (1+Cost)/2^TimeBin.
//
// Parameters:
//   - fn: Pure, non-negative function of the entity
//
// Returns:
//   - Option: Functional option for New
func WithCostFunc(fn CostFunc) Option {
	return func(o *decomposerOptions) {
		o.costFunc = fn
	}
}

// WithAllocator sets the arena that bounds tree and exchange buffers.
//
// Defaults to an arena with a ceiling of Config.MemoryBudget.
func WithAllocator(alloc Allocator) Option {
	return func(o *decomposerOptions) {
		o.allocator = alloc
	}
}
