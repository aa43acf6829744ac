package strategy

import (
	"slices"

	"github.com/arloliu/decomp/types"
)

// WeightedGroups is a ConsistentHash whose known groups are placed with a load cap.
//
// Groups listed at construction are walked clockwise past ranks whose share would
// exceed the average weight by more than 15%. Groups not listed fall back to plain
// consistent hashing.
type WeightedGroups struct {
	*ConsistentHash

	placed map[uint64]int
}

// NewWeightedGroups creates a weighted group layout.
//
// Parameters:
//   - ranks: Number of ranks
//   - group: Group key of an entity
//   - weights: Weight per known group, typically its global entity count
//   - opts: Optional ring configuration
//
// Returns:
//   - *WeightedGroups: Initialized layout; placement does not depend on map order
//   - error: ErrNoRanks or ErrNoGroupFunc
func NewWeightedGroups(ranks int, group GroupFunc, weights map[uint64]int64,
	opts ...ConsistentHashOption,
) (*WeightedGroups, error) {
	ch, err := NewConsistentHash(ranks, group, opts...)
	if err != nil {
		return nil, err
	}

	keys := make([]uint64, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	w := make([]int64, len(keys))
	for i, k := range keys {
		w[i] = weights[k]
	}

	placed := make(map[uint64]int, len(keys))
	for i, rank := range ch.ring.BoundedAssign(keys, w) {
		placed[keys[i]] = rank
	}

	return &WeightedGroups{ConsistentHash: ch, placed: placed}, nil
}

// Destination returns the rank of e's group.
func (wg *WeightedGroups) Destination(e *types.Entity) int {
	if rank, ok := wg.placed[wg.group(e)]; ok {
		return rank
	}

	return wg.ConsistentHash.Destination(e)
}
