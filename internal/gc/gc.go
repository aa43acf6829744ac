// Package gc reclaims storage in a rank's entity store.
//
// Three passes run in order: gas reclaim drops gas records no gas entity references,
// compaction removes zero-mass entities, and sink reclaim drops unreferenced sink
// records while ordering the live ones by owner position. Gas reclaim and compaction
// report that the force tree must be rebuilt when they change anything; sink reclaim
// never does.
package gc

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/arloliu/decomp/store"
	"github.com/arloliu/decomp/types"
)

// Pass names reported to metrics.
const (
	PassGas      = "gas"
	PassEntities = "entities"
	PassSinks    = "sinks"
)

// Result reports what a collection reclaimed on this rank.
type Result struct {
	Gas      int
	Entities int
	Sinks    int
	// TreeInvalid is the global OR of the per-rank invalidation flags.
	TreeInvalid bool
}

// Collector runs the passes on one rank and agrees on tree invalidation globally.
type Collector struct {
	comm    types.Communicator
	root    types.Logger
	metrics types.MetricsCollector
}

// New creates a collector. root should only emit on rank 0.
func New(c types.Communicator, root types.Logger, metrics types.MetricsCollector) *Collector {
	return &Collector{comm: c, root: root, metrics: metrics}
}

// Run collects st. It is a collective: every rank must call it.
//
// Returns:
//   - Result: Local reclaim counts and the global tree invalidation flag
//   - error: Communicator failures, or a FatalError when handles are inconsistent
func (c *Collector) Run(ctx context.Context, st *store.Store) (Result, error) {
	var res Result

	before, err := c.comm.AllReduceInt64(ctx, sizes(st, false))
	if err != nil {
		return res, err
	}

	var invalid bool
	res.Gas, invalid = ReclaimGas(st)
	var compacted bool
	res.Entities, compacted = Compact(st)
	invalid = invalid || compacted
	res.Sinks, err = ReclaimSinks(st)
	if err != nil {
		return res, types.NewFatal(types.CodeInternal, err)
	}

	c.metrics.RecordReclaimed(PassGas, res.Gas)
	c.metrics.RecordReclaimed(PassEntities, res.Entities)
	c.metrics.RecordReclaimed(PassSinks, res.Sinks)

	after, err := c.comm.AllReduceInt64(ctx, sizes(st, invalid))
	if err != nil {
		return res, err
	}
	for i, name := range []string{"entity", "gas", "sink"} {
		if after[i] != before[i] {
			c.root.Info("GC reduced slots", "array", name, "from", before[i], "to", after[i])
		}
	}
	res.TreeInvalid = after[3] > 0

	return res, nil
}

func sizes(st *store.Store, invalid bool) []int64 {
	flag := int64(0)
	if invalid {
		flag = 1
	}

	return []int64{int64(st.Len()), int64(len(st.Gas)), int64(len(st.Sinks)), flag}
}

// ReclaimGas removes gas records that no gas entity references.
//
// Each orphan slot is filled with the last record and the moved record's owner handle
// is rewritten.
//
// Returns:
//   - int: Slots reclaimed
//   - bool: True when any slot moved
func ReclaimGas(st *store.Store) (int, bool) {
	rev := st.ReverseIndex(types.KindGas)
	reclaimed := 0
	for slot := 0; slot < len(st.Gas); {
		if rev[slot] >= 0 {
			slot++
			continue
		}
		last := len(st.Gas) - 1
		st.Gas[slot] = st.Gas[last]
		rev[slot] = rev[last]
		if owner := rev[slot]; owner >= 0 && slot != last {
			st.Entities[owner].Ext = int32(slot) //nolint:gosec
		}
		st.Gas = st.Gas[:last]
		rev = rev[:last]
		reclaimed++
	}

	return reclaimed, reclaimed > 0
}

// Compact removes zero-mass entities by swap-with-last.
//
// A removed gas entity takes its gas record with it. A removed sink entity only
// detaches from its record, which ReclaimSinks drops afterwards.
//
// Returns:
//   - int: Entities removed
//   - bool: True when any entity was removed
func Compact(st *store.Store) (int, bool) {
	rm := st.NewRemover()
	removed := 0
	for i := 0; i < st.Len(); {
		if !st.Entities[i].Deleted() {
			i++
			continue
		}
		if st.Entities[i].Kind == types.KindSink {
			rm.Orphan(i)
		}
		rm.Remove(i)
		removed++
	}

	return removed, removed > 0
}

// ReclaimSinks drops unreferenced sink records.
//
// Live records are sorted by the position of their owner, orphans last, then the
// orphans are truncated and every owner handle is rewritten. Entity order is not
// touched.
//
// Returns:
//   - int: Slots reclaimed
//   - error: ErrHandleMismatch when a handle does not resolve to its owner afterwards
func ReclaimSinks(st *store.Store) (int, error) {
	if len(st.Sinks) == 0 {
		return 0, nil
	}

	rev := st.ReverseIndex(types.KindSink)
	order := make([]int, len(st.Sinks))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		ra, rb := rev[a], rev[b]
		switch {
		case ra < 0 && rb < 0:
			return 0
		case ra < 0:
			return 1
		case rb < 0:
			return -1
		default:
			return cmp.Compare(ra, rb)
		}
	})

	live := 0
	for live < len(order) && rev[order[live]] >= 0 {
		live++
	}

	sinks := make([]types.SinkData, live)
	for j := range live {
		sinks[j] = st.Sinks[order[j]]
		st.Entities[rev[order[j]]].Ext = int32(j) //nolint:gosec
	}
	reclaimed := len(st.Sinks) - live
	st.Sinks = sinks

	for i := range st.Entities {
		e := &st.Entities[i]
		if e.Kind != types.KindSink || e.Ext < 0 {
			continue
		}
		if int(e.Ext) >= live || st.Sinks[e.Ext].OwnerID != e.ID {
			return reclaimed, fmt.Errorf("%w: sink entity %d after reclaim", types.ErrHandleMismatch, e.ID)
		}
	}

	return reclaimed, nil
}
