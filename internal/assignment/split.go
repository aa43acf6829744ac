package assignment

import (
	"fmt"

	"github.com/arloliu/decomp/types"
)

// Split cuts weights, indexed by leaf, into n contiguous segments.
//
// The current segment is extended while the accumulated weight stays below the
// running average target; both the weight and the target carry forward from earlier
// segments so rounding errors do not compound. Every segment receives at least one
// leaf and the last segment absorbs the remainder.
//
// Returns:
//   - []types.Segment: n segments tiling [0, len(weights)), Rank set to the segment index
//   - error: FatalError wrapping ErrTooFewLeaves when len(weights) < n
func Split(weights []float64, n int) ([]types.Segment, error) {
	leaves := len(weights)
	if n <= 0 {
		return nil, fmt.Errorf("split: %d segments requested", n)
	}
	if leaves < n {
		return nil, types.NewFatal(types.CodeTooFewLeaves,
			fmt.Errorf("%w: %d leaves for %d segments", types.ErrTooFewLeaves, leaves, n))
	}

	var total float64
	for _, w := range weights {
		total += w
	}
	avg := total / float64(n)

	segs := make([]types.Segment, n)
	var before, avgBefore float64
	start := 0
	for i := range n {
		end := start
		w := weights[end]
		for w+before < avg+avgBefore || (i == n-1 && end < leaves-1) {
			// Leave at least one leaf for each remaining segment.
			if leaves-end <= n-i {
				break
			}
			end++
			w += weights[end]
		}

		segs[i] = types.Segment{Start: start, End: end, Rank: i}
		before += w
		avgBefore += avg
		start = end + 1
	}

	return segs, nil
}

// Weights returns the per-leaf weights balanced under objective.
func Weights(objective types.Objective, count []int64, cost []float64) []float64 {
	if objective == types.ObjectiveWork {
		return append([]float64(nil), cost...)
	}

	out := make([]float64, len(count))
	for i, c := range count {
		out[i] = float64(c)
	}

	return out
}
