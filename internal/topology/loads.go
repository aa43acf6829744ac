package topology

import (
	"context"

	"github.com/arloliu/decomp/internal/parallel"
	"github.com/arloliu/decomp/types"
)

// Loads holds the global entity count and cost of every leaf.
type Loads struct {
	Count []int64
	Cost  []float64
}

type partialLoads struct {
	count []int64
	cost  []float64
}

// LeafLoads accumulates the local entities into per-leaf totals and sums them
// across ranks.
//
// Each worker accumulates a private partial over its index range; partials are merged
// serially and then reduced across ranks in rank order.
//
// Parameters:
//   - n: Number of local entities
//   - key, cost: Key and cost of local entity i
//   - workers: Worker count (0 for GOMAXPROCS)
func (t *Tree) LeafLoads(ctx context.Context, c types.Communicator, n int,
	key func(i int) uint64, cost func(i int) float64, workers int,
) (Loads, error) {
	leaves := t.NumLeaves
	partials, err := parallel.Map(ctx, n, workers, func(lo, hi int) partialLoads {
		p := partialLoads{count: make([]int64, leaves), cost: make([]float64, leaves)}
		for i := lo; i < hi; i++ {
			leaf := t.LeafOf(key(i))
			p.count[leaf]++
			p.cost[leaf] += cost(i)
		}

		return p
	})
	if err != nil {
		return Loads{}, err
	}

	local := Loads{Count: make([]int64, leaves), Cost: make([]float64, leaves)}
	for _, p := range partials {
		for l := range leaves {
			local.Count[l] += p.count[l]
			local.Cost[l] += p.cost[l]
		}
	}

	global := Loads{}
	if global.Count, err = c.AllReduceInt64(ctx, local.Count); err != nil {
		return Loads{}, err
	}
	if global.Cost, err = c.AllReduceFloat64(ctx, local.Cost); err != nil {
		return Loads{}, err
	}

	return global, nil
}
