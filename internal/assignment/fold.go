package assignment

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/arloliu/decomp/types"
)

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

type bucket struct {
	load   float64
	origin int
}

// Fold assigns segments to ranks by repeatedly merging the heaviest bucket with the
// lightest until ranks buckets remain.
//
// Each segment starts in its own bucket. A pass sorts the buckets by load, pairs the
// i-th lightest with the i-th heaviest into new bucket i and halves the bucket count.
// Ties are broken by bucket index so every rank folds identically.
//
// Returns:
//   - []types.Segment: Copy of segs with Rank set; leaf ranges are unchanged
//   - error: When len(segs)/ranks is not a power of two
func Fold(segs []types.Segment, weights []float64, ranks int) ([]types.Segment, error) {
	n := len(segs)
	if ranks <= 0 || n%ranks != 0 || !IsPowerOfTwo(n/ranks) {
		return nil, fmt.Errorf("fold: %d segments cannot fold to %d ranks", n, ranks)
	}

	out := make([]types.Segment, n)
	copy(out, segs)
	for i := range out {
		out[i].Rank = i
	}

	segLoad := make([]float64, n)
	for i, s := range segs {
		for l := s.Start; l <= s.End; l++ {
			segLoad[i] += weights[l]
		}
	}

	buckets := make([]bucket, n)
	target := make([]int, n)
	for count := n; count > ranks; count /= 2 {
		for i := range count {
			buckets[i] = bucket{origin: i}
		}
		for i := range out {
			buckets[out[i].Rank].load += segLoad[i]
		}

		b := buckets[:count]
		slices.SortFunc(b, func(x, y bucket) int {
			if c := cmp.Compare(x.load, y.load); c != 0 {
				return c
			}

			return cmp.Compare(x.origin, y.origin)
		})
		for i := range count / 2 {
			target[b[i].origin] = i
			target[b[count-1-i].origin] = i
		}
		for i := range out {
			out[i].Rank = target[out[i].Rank]
		}
	}

	return out, nil
}

// LeafRanks expands segments into a rank-of-leaf table.
func LeafRanks(segs []types.Segment, leaves int) []int32 {
	table := make([]int32, leaves)
	for _, s := range segs {
		for l := s.Start; l <= s.End; l++ {
			table[l] = int32(s.Rank) //nolint:gosec
		}
	}

	return table
}
