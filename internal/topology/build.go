package topology

import (
	"context"
	"errors"
	"slices"

	"github.com/arloliu/decomp/internal/parallel"
	"github.com/arloliu/decomp/types"
)

// BuildParams controls a full tree build.
type BuildParams struct {
	// MaxKey is the size of the key space.
	MaxKey uint64
	// MaxNodes is the node ceiling.
	MaxNodes int
	// Divisions is the number of leaves each rank's share should be cut into
	// before densification stops, TopNodeFactor x OverDecomposition x RankCount.
	Divisions float64
	// Workers sums local costs; zero means GOMAXPROCS.
	Workers int
}

// Stats describes a completed build.
type Stats struct {
	LocalNodes  int
	MergedNodes int
	Nodes       int
	Leaves      int
	TotalCount  int64
	TotalCost   float64
}

// Build runs local refinement, the butterfly merge, broadcast and densification,
// then enumerates the leaves.
//
// items must be sorted by key. Every rank must call Build with the same params.
//
// Returns:
//   - *Tree: The enumerated tree, identical on every rank
//   - Stats: Node counts of each step
//   - error: ErrTreeCapacity on every rank when any step overflowed on any rank;
//     FatalError for inconsistent trees
func Build(ctx context.Context, c types.Communicator, items []Item, p BuildParams) (*Tree, Stats, error) {
	var stats Stats

	localCost, err := parallel.SumFloat64(ctx, len(items), p.Workers, func(i int) float64 { return items[i].Cost })
	if err != nil {
		return nil, stats, err
	}
	totals, err := c.AllReduceFloat64(ctx, []float64{float64(len(items)), localCost})
	if err != nil {
		return nil, stats, err
	}
	stats.TotalCount = int64(totals[0])
	stats.TotalCost = totals[1]

	local, err := LocalRefine(items, p.MaxKey, p.MaxNodes)
	if err != nil && !errors.Is(err, types.ErrTreeCapacity) {
		return nil, stats, err
	}
	failed, aerr := c.Any(ctx, err != nil)
	if aerr != nil {
		return nil, stats, aerr
	}
	if failed {
		return nil, stats, types.ErrTreeCapacity
	}
	stats.LocalNodes = local.Len()

	tree, err := Combine(ctx, c, local)
	if err != nil {
		return nil, stats, err
	}
	stats.MergedNodes = tree.Len()

	divisions := max(p.Divisions, 1)
	_, err = tree.Densify(totals[0]/divisions, totals[1]/divisions)
	if err != nil && !errors.Is(err, types.ErrTreeCapacity) {
		return nil, stats, err
	}
	failed, aerr = c.Any(ctx, err != nil)
	if aerr != nil {
		return nil, stats, aerr
	}
	if failed {
		return nil, stats, types.ErrTreeCapacity
	}

	stats.Nodes = tree.Len()
	stats.Leaves = tree.Enumerate()

	if err := VerifyIdentical(ctx, c, tree); err != nil {
		return nil, stats, err
	}

	return tree, stats, nil
}

// SortItems sorts items by key.
func SortItems(items []Item) {
	slices.SortFunc(items, func(a, b Item) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		default:
			return 0
		}
	})
}
