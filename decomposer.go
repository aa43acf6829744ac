package decomp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/arloliu/decomp/internal/arena"
	"github.com/arloliu/decomp/internal/assignment"
	"github.com/arloliu/decomp/internal/exchange"
	"github.com/arloliu/decomp/internal/gc"
	"github.com/arloliu/decomp/internal/hooks"
	"github.com/arloliu/decomp/internal/keygen"
	"github.com/arloliu/decomp/internal/logging"
	"github.com/arloliu/decomp/internal/metrics"
	"github.com/arloliu/decomp/internal/parallel"
	"github.com/arloliu/decomp/internal/topology"
	"github.com/arloliu/decomp/store"
	"github.com/arloliu/decomp/types"
)

// Arena reservation names.
const (
	allocTreeNodes  = "topology/nodes"
	allocLeafTables = "topology/leaves"
)

// ExchangeResult summarizes a migration on this rank.
type ExchangeResult = exchange.Result

// GCResult summarizes a garbage collection on this rank.
type GCResult = gc.Result

// Decomposer partitions the entities of one rank's store across all ranks of a
// communicator and migrates them to their owners.
//
// Decompose, Exchange, CollectGarbage and VerifyUniqueIDs are collective and must be
// called by every rank in the same order. Query methods are safe for concurrent use.
type Decomposer struct {
	cfg      Config
	comm     Communicator
	store    *store.Store
	alloc    Allocator
	keyFunc  KeyFunc
	costFunc CostFunc
	maxKey   uint64

	hooks   Hooks
	metrics MetricsCollector
	logger  Logger // tagged with the rank
	root    Logger // emits on rank 0 only

	phase atomic.Int32

	mu          sync.RWMutex
	tree        *topology.Tree
	leafRank    []int32
	segments    []Segment
	totals      [NumKinds]int64
	allocFactor float64
	treeInvalid bool
}

// New creates a Decomposer for the local store st.
//
// Parameters:
//   - cfg: Configuration; missing values are filled with defaults
//   - c: Communicator connecting all ranks
//   - st: Local entity store, modified in place by collective calls
//   - opts: Optional dependencies (logger, metrics, hooks, key/cost functions, allocator)
//
// Returns:
//   - *Decomposer: Initialized decomposer in PhaseIdle
//   - error: ErrInvalidConfig, ErrCommunicatorRequired or ErrStoreRequired
//
// Example:
//
//	cfg := decomp.DefaultConfig()
//	d, err := decomp.New(&cfg, comm, st, decomp.WithLogger(logger))
func New(cfg *Config, c Communicator, st *store.Store, opts ...Option) (*Decomposer, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if c == nil {
		return nil, ErrCommunicatorRequired
	}
	if st == nil {
		return nil, ErrStoreRequired
	}

	SetDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	options := &decomposerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metricsCollector := options.metrics
	if metricsCollector == nil {
		metricsCollector = metrics.NewNop()
	}

	loggerInstance := options.logger
	if loggerInstance == nil {
		loggerInstance = logging.NewNop()
	}
	cfg.ValidateWithWarnings(loggerInstance)

	alloc := options.allocator
	if alloc == nil {
		alloc = arena.New(cfg.MemoryBudget)
	}

	morton, err := keygen.NewMorton(cfg.KeyBits, cfg.Box.Origin, cfg.Box.Side)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	keyFunc := options.keyFunc
	if keyFunc == nil {
		keyFunc = morton.KeyFunc()
	}
	costFunc := options.costFunc
	if costFunc == nil {
		costFunc = DefaultCost
	}

	d := &Decomposer{
		cfg:         *cfg,
		comm:        c,
		store:       st,
		alloc:       alloc,
		keyFunc:     keyFunc,
		costFunc:    costFunc,
		maxKey:      morton.MaxKey(),
		hooks:       hooks.Fill(options.hooks),
		metrics:     metricsCollector,
		logger:      logging.WithRank(loggerInstance, c.Rank()),
		root:        logging.Root(loggerInstance, c.Rank()),
		allocFactor: cfg.TopNodeAllocFactor,
	}
	d.phase.Store(int32(PhaseIdle))

	return d, nil
}

// TimeBins is the number of power-of-two time bins; bin 0 holds entities that are
// not on the integration timeline.
const TimeBins = 29

// DefaultCost is the default work estimate of an entity: (1 + Cost) / 2^TimeBin.
//
// Entities on larger time bins are integrated less often and weigh less. Bin 0 is
// divided by the full time base 2^TimeBins.
func DefaultCost(e *Entity) float64 {
	bin := e.TimeBin
	if bin == 0 {
		bin = TimeBins
	}

	return (1 + e.Cost) / float64(uint64(1)<<min(bin, 63))
}

// Phase returns the current phase of this rank.
func (d *Decomposer) Phase() Phase {
	return Phase(d.phase.Load())
}

// Decompose collects garbage, rebuilds the top-level tree, balances its leaves over
// the ranks and migrates every entity to its owner.
//
// Parameters:
//   - ctx: Context for cancellation; cancelling one rank aborts the collective
//
// Returns:
//   - DecompositionResult: Identical on every rank except ExchangeRounds bookkeeping
//   - error: *FatalError for unrecoverable conditions, after the world was aborted;
//     ErrAborted once a previous call failed fatally
func (d *Decomposer) Decompose(ctx context.Context) (DecompositionResult, error) {
	if d.Phase() == PhaseAborted {
		return DecompositionResult{}, ErrAborted
	}

	start := time.Now()
	res, err := d.decompose(ctx)
	if err != nil {
		d.fail(err)
		return res, err
	}
	d.metrics.RecordDecomposeDuration(time.Since(start).Seconds())
	d.setPhase(PhaseIdle)

	if herr := d.hooks.OnDecomposed(ctx, res); herr != nil {
		d.logger.Error("decomposition hook error", "error", herr)
	}

	return res, nil
}

func (d *Decomposer) decompose(ctx context.Context) (DecompositionResult, error) {
	var res DecompositionResult

	d.setPhase(PhaseCollecting)
	gcRes, err := d.collect(ctx)
	if err != nil {
		return res, err
	}
	if d.cfg.VerifyIDs {
		if err := d.VerifyUniqueIDs(ctx); err != nil {
			return res, err
		}
	}

	d.setPhase(PhaseBuildingTree)
	costs, err := d.prepare(ctx)
	if err != nil {
		return res, err
	}
	tree, err := d.build(ctx, costs)
	if err != nil {
		return res, err
	}
	res.NumNodes = tree.Len()
	res.NumLeaves = tree.NumLeaves
	res.AllocFactor = d.AllocFactor()

	d.setPhase(PhaseBalancing)
	segs, report, objective, err := d.balance(ctx, tree, costs)
	if err != nil {
		return res, err
	}
	res.Objective = objective
	res.Segments = segs
	res.WorkImbalance = report.WorkImbalance
	res.LoadImbalance = report.LoadImbalance
	d.metrics.RecordImbalance(objective.String(), report.WorkImbalance, report.LoadImbalance)

	leafRank := assignment.LeafRanks(segs, tree.NumLeaves)
	d.mu.Lock()
	d.tree = tree
	d.leafRank = leafRank
	d.segments = segs
	d.mu.Unlock()

	d.setPhase(PhaseExchanging)
	xres, err := d.exchange(ctx, func(e *Entity) int {
		return int(leafRank[tree.LeafOf(e.Key)])
	})
	if err != nil {
		return res, err
	}
	res.ExchangeRounds = xres.Rounds
	res.TreeInvalid = gcRes.TreeInvalid || xres.TreeInvalid
	d.invalidate(ctx, res.TreeInvalid)

	if err := d.refreshTotals(ctx); err != nil {
		return res, err
	}

	d.root.Info("domain decomposition done",
		"objective", objective.String(),
		"nodes", res.NumNodes,
		"leaves", res.NumLeaves,
		"work_imbalance", report.WorkImbalance,
		"load_imbalance", report.LoadImbalance,
		"rounds", xres.Rounds,
	)

	return res, nil
}

// prepare computes the key of every entity and returns the per-entity costs.
func (d *Decomposer) prepare(ctx context.Context) ([]float64, error) {
	ents := d.store.Entities
	costs := make([]float64, len(ents))
	last := d.maxKey - 1
	err := parallel.For(ctx, len(ents), d.cfg.Workers, func(_ context.Context, lo, hi int) error {
		for i := lo; i < hi; i++ {
			e := &ents[i]
			e.Key = min(d.keyFunc(e), last)
			costs[i] = d.costFunc(e)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return costs, nil
}

// build constructs the tree, growing the node ceiling until it fits.
func (d *Decomposer) build(ctx context.Context, costs []float64) (*topology.Tree, error) {
	ents := d.store.Entities
	items := make([]topology.Item, len(ents))
	for i := range ents {
		items[i] = topology.Item{Key: ents[i].Key, Cost: costs[i]}
	}
	topology.SortItems(items)

	d.alloc.Free(allocTreeNodes)
	factor := d.AllocFactor()
	divisions := d.cfg.TopNodeFactor * float64(d.cfg.OverDecomposition) * float64(d.comm.Size())

	for {
		maxNodes := topology.MaxNodesFor(factor, d.cfg.Limits.MaxEntities)
		aerr := d.alloc.Alloc(allocTreeNodes, int64(maxNodes)*topology.NodeBytes)
		failed, err := d.comm.Any(ctx, aerr != nil)
		if err != nil {
			return nil, err
		}
		if failed {
			if aerr != nil {
				d.logger.Error("tree node reservation does not fit the arena",
					"bytes", humanize.IBytes(uint64(maxNodes)*topology.NodeBytes), //nolint:gosec
					"reservations", arena.Reservations(d.alloc),
				)
			}
			d.alloc.Free(allocTreeNodes)
			if aerr == nil {
				aerr = errors.New("a peer could not reserve tree nodes")
			}

			return nil, types.NewFatal(types.CodeInternal, fmt.Errorf("tree nodes: %w", aerr))
		}

		start := time.Now()
		tree, stats, err := topology.Build(ctx, d.comm, items, topology.BuildParams{
			MaxKey:    d.maxKey,
			MaxNodes:  maxNodes,
			Divisions: divisions,
			Workers:   d.cfg.Workers,
		})
		if err == nil {
			d.metrics.RecordTreeBuild(stats.Nodes, stats.Leaves, time.Since(start).Seconds())
			d.logger.Debug("top-level tree built",
				"local_nodes", stats.LocalNodes,
				"merged_nodes", stats.MergedNodes,
				"nodes", stats.Nodes,
				"leaves", stats.Leaves,
				"reserved", humanize.IBytes(uint64(maxNodes)*topology.NodeBytes),
			)

			return tree, nil
		}

		d.alloc.Free(allocTreeNodes)
		if !errors.Is(err, types.ErrTreeCapacity) {
			return nil, err
		}

		factor *= d.cfg.TopNodeGrowth
		if factor > d.cfg.MaxTopNodeAllocFactor {
			return nil, types.NewFatal(types.CodeTopNodeAllocLimit,
				fmt.Errorf("%w: TopNodeAllocFactor %.4g exceeds %.4g", types.ErrTreeCapacity, factor, d.cfg.MaxTopNodeAllocFactor))
		}
		d.mu.Lock()
		d.allocFactor = factor
		d.mu.Unlock()
		d.metrics.RecordCapacityGrowth(factor)
		d.root.Info("increasing TopNodeAllocFactor", "factor", factor, "max_nodes", topology.MaxNodesFor(factor, d.cfg.Limits.MaxEntities))
	}
}

// balance assigns leaves to ranks by work, falling back to counts once when the
// work-balanced assignment breaks the entity ceiling.
func (d *Decomposer) balance(ctx context.Context, tree *topology.Tree, costs []float64) ([]Segment, assignment.Report, Objective, error) {
	var report assignment.Report
	leaves := tree.NumLeaves

	// Count and cost per leaf, held while balancing.
	if err := d.alloc.Alloc(allocLeafTables, int64(leaves)*16); err != nil {
		d.logger.Error("leaf tables do not fit the arena", "leaves", leaves, "reservations", arena.Reservations(d.alloc))

		return nil, report, ObjectiveWork, types.NewFatal(types.CodeInternal, fmt.Errorf("leaf tables: %w", err))
	}
	defer d.alloc.Free(allocLeafTables)

	ents := d.store.Entities
	loads, err := tree.LeafLoads(ctx, d.comm, len(ents),
		func(i int) uint64 { return ents[i].Key },
		func(i int) float64 { return costs[i] },
		d.cfg.Workers,
	)
	if err != nil {
		return nil, report, ObjectiveWork, err
	}

	ranks := d.comm.Size()
	maxEntities := d.cfg.Limits.MaxEntities
	objective := ObjectiveWork
	for {
		segs, err := assignment.Assign(objective, loads.Count, loads.Cost, ranks, d.cfg.OverDecomposition)
		if err != nil {
			if _, ok := types.IsFatal(err); ok {
				return nil, report, objective, err
			}

			return nil, report, objective, types.NewFatal(types.CodeInternal, err)
		}

		report = assignment.Evaluate(segs, loads.Count, loads.Cost, ranks, maxEntities)
		if !report.Violates {
			return segs, report, objective, nil
		}
		if objective == ObjectiveCount {
			return nil, report, objective, types.NewFatal(types.CodeMemoryBound, report.Err(maxEntities))
		}

		d.metrics.RecordObjectiveFallback()
		d.root.Warn("work-balanced assignment exceeds memory bound, balancing counts",
			"peak", report.MaxCount,
			"max_entities", maxEntities,
		)
		objective = ObjectiveCount
	}
}

// Exchange migrates every entity to the rank dest names, independent of the tree.
//
// dest must be a pure function of the entity returning a rank in [0, Size()), and
// every rank must pass an equivalent function. Ownership queries still describe the
// last decomposition afterwards. When any rank moved records, OnForceTreeInvalidated
// fires and the result reports TreeInvalid.
//
// Returns:
//   - ExchangeResult: Round and record totals for this rank
//   - error: ErrDestinationRejected on every rank when some rank got a nil dest or an
//     out-of-range destination, nothing moved; *FatalError after the world was aborted
func (d *Decomposer) Exchange(ctx context.Context, dest DestinationFunc) (ExchangeResult, error) {
	if d.Phase() == PhaseAborted {
		return ExchangeResult{}, ErrAborted
	}

	d.setPhase(PhaseExchanging)
	res, err := d.exchange(ctx, dest)
	if err == nil {
		d.invalidate(ctx, res.TreeInvalid)
		err = d.refreshTotals(ctx)
	}
	if err != nil {
		d.fail(err)
		return res, err
	}
	d.setPhase(PhaseIdle)

	return res, nil
}

func (d *Decomposer) exchange(ctx context.Context, dest DestinationFunc) (ExchangeResult, error) {
	engine := exchange.New(d.comm, d.store, d.alloc, exchange.Config{
		Overhead:             d.cfg.ExchangeOverhead,
		MaxNegotiationPasses: d.cfg.MaxNegotiationRounds,
		MaxRounds:            d.cfg.MaxExchangeRounds,
		Workers:              d.cfg.Workers,
	}, d.logger, d.root, d.metrics)

	return engine.Run(ctx, dest)
}

// CollectGarbage removes deleted entities and unreferenced extension records.
//
// When gas or general records were reclaimed on any rank the local order changed;
// the OnForceTreeInvalidated hook fires. Sink reclaim alone leaves the tree valid.
func (d *Decomposer) CollectGarbage(ctx context.Context) (GCResult, error) {
	if d.Phase() == PhaseAborted {
		return GCResult{}, ErrAborted
	}

	d.setPhase(PhaseCollecting)
	res, err := d.collect(ctx)
	if err == nil {
		d.invalidate(ctx, res.TreeInvalid)
		err = d.refreshTotals(ctx)
	}
	if err != nil {
		d.fail(err)
		return res, err
	}
	d.setPhase(PhaseIdle)

	return res, nil
}

func (d *Decomposer) collect(ctx context.Context) (GCResult, error) {
	return gc.New(d.comm, d.root, d.metrics).Run(ctx, d.store)
}

// invalidate records whether the last collective call reordered the local store
// and fires OnForceTreeInvalidated when it did.
func (d *Decomposer) invalidate(ctx context.Context, invalid bool) {
	d.mu.Lock()
	d.treeInvalid = invalid
	d.mu.Unlock()

	if !invalid {
		return
	}
	if herr := d.hooks.OnForceTreeInvalidated(ctx); herr != nil {
		d.logger.Error("tree invalidation hook error", "error", herr)
	}
}

func (d *Decomposer) refreshTotals(ctx context.Context) error {
	local := d.store.CountByKind()
	global, err := d.comm.AllReduceInt64(ctx, local[:])
	if err != nil {
		return err
	}

	d.mu.Lock()
	copy(d.totals[:], global)
	d.mu.Unlock()

	return nil
}

// fail records a failed collective.
//
// Only rejected destinations are agreed on by every rank and leave the world usable.
// Any other error, fatal or local (a cancelled context, a transport failure), leaves
// the peers at a different point of the collective sequence, so the world is aborted.
func (d *Decomposer) fail(err error) {
	switch {
	case errors.Is(err, ErrAborted):
		d.setPhase(PhaseAborted)
	case errors.Is(err, ErrDestinationRejected):
		d.logger.Warn("exchange rejected", "error", err)
		d.setPhase(PhaseIdle)
	default:
		if code, ok := types.IsFatal(err); ok {
			d.logger.Error("fatal decomposition error", "code", code, "error", err)
		} else {
			d.logger.Error("collective call failed, aborting", "phase", d.Phase().String(), "error", err)
		}
		d.comm.Abort(err)
		d.setPhase(PhaseAborted)
	}
}

func (d *Decomposer) setPhase(p Phase) {
	d.phase.Store(int32(p)) //nolint:gosec // Phase values are a controlled enum
}

// LeafOf returns the leaf of the last decomposition containing key.
//
// Keys beyond the key space are clamped to the last cell.
//
// Returns:
//   - int: Leaf number in [0, NumLeaves)
//   - error: ErrNotDecomposed before the first successful Decompose
func (d *Decomposer) LeafOf(key uint64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.tree == nil {
		return -1, ErrNotDecomposed
	}

	return d.tree.LeafOf(min(key, d.maxKey-1)), nil
}

// RankOf returns the rank owning e in the last decomposition.
//
// The key is recomputed with the configured key function, so e.Key may be stale,
// as it is for a freshly forked or moved entity.
//
// Returns:
//   - int: Owning rank
//   - error: ErrNotDecomposed before the first successful Decompose
func (d *Decomposer) RankOf(e *Entity) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.tree == nil {
		return -1, ErrNotDecomposed
	}

	return int(d.leafRank[d.tree.LeafOf(min(d.keyFunc(e), d.maxKey-1))]), nil
}

// RankOfLeaf returns the rank owning leaf in the last decomposition.
//
// Returns:
//   - int: Owning rank
//   - error: ErrNotDecomposed before the first Decompose, ErrInvalidRank for a leaf out of range
func (d *Decomposer) RankOfLeaf(leaf int) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.tree == nil {
		return -1, ErrNotDecomposed
	}
	if leaf < 0 || leaf >= len(d.leafRank) {
		return -1, fmt.Errorf("%w: leaf %d of %d", ErrInvalidRank, leaf, len(d.leafRank))
	}

	return int(d.leafRank[leaf]), nil
}

// OwnerOf returns the rank owning the cell containing key.
func (d *Decomposer) OwnerOf(key uint64) (int, error) {
	leaf, err := d.LeafOf(key)
	if err != nil {
		return -1, err
	}

	return d.RankOfLeaf(leaf)
}

// Segments returns a copy of the leaf segments of the last decomposition.
func (d *Decomposer) Segments() []Segment {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return append([]Segment(nil), d.segments...)
}

// Totals returns the global entity count per kind as of the last collective call.
func (d *Decomposer) Totals() [NumKinds]int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.totals
}

// AllocFactor returns the current TopNodeAllocFactor, grown after tree overflows.
func (d *Decomposer) AllocFactor() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.allocFactor
}

// TreeInvalid reports whether the last collective call reordered the local store
// through garbage collection or migration.
func (d *Decomposer) TreeInvalid() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.treeInvalid
}
