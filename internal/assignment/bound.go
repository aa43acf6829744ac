package assignment

import (
	"fmt"

	"github.com/arloliu/decomp/types"
)

// Report summarizes an assignment per rank.
type Report struct {
	Count         []int64
	Work          []float64
	MaxCount      int64
	MaxWork       float64
	WorkImbalance float64 // max work / average work
	LoadImbalance float64 // max count / average count
	// Violates is set when some rank would hold more than the entity ceiling.
	Violates bool
}

// Evaluate sums count and work per rank and checks the peak count against maxEntities.
func Evaluate(segs []types.Segment, count []int64, cost []float64, ranks, maxEntities int) Report {
	r := Report{Count: make([]int64, ranks), Work: make([]float64, ranks)}
	for _, s := range segs {
		for l := s.Start; l <= s.End; l++ {
			r.Count[s.Rank] += count[l]
			r.Work[s.Rank] += cost[l]
		}
	}

	var sumCount int64
	var sumWork float64
	for i := range ranks {
		sumCount += r.Count[i]
		sumWork += r.Work[i]
		r.MaxCount = max(r.MaxCount, r.Count[i])
		r.MaxWork = max(r.MaxWork, r.Work[i])
	}
	if sumWork > 0 {
		r.WorkImbalance = r.MaxWork / (sumWork / float64(ranks))
	}
	if sumCount > 0 {
		r.LoadImbalance = float64(r.MaxCount) / (float64(sumCount) / float64(ranks))
	}
	r.Violates = r.MaxCount > int64(maxEntities)

	return r
}

// Err returns ErrMemoryBound describing the violation, or nil.
func (r Report) Err(maxEntities int) error {
	if !r.Violates {
		return nil
	}

	return fmt.Errorf("%w: peak %d entities, ceiling %d (imbalance %.3g)",
		types.ErrMemoryBound, r.MaxCount, maxEntities, float64(r.MaxCount)/float64(maxEntities))
}

// Assign splits and folds the leaves under objective.
//
// Parameters:
//   - objective: Quantity to balance
//   - count, cost: Global per-leaf loads
//   - ranks: Number of ranks
//   - overDecomposition: Segments per rank, a power of two
func Assign(objective types.Objective, count []int64, cost []float64, ranks, overDecomposition int) ([]types.Segment, error) {
	weights := Weights(objective, count, cost)
	segs, err := Split(weights, ranks*overDecomposition)
	if err != nil {
		return nil, err
	}

	return Fold(segs, weights, ranks)
}
