package topology

import (
	"fmt"

	"github.com/arloliu/decomp/types"
)

// Merge inserts every node of other into t, splitting leaves of t where other is
// finer and accumulating counts and costs. Resolution never coarsens.
//
// Returns:
//   - error: ErrTreeCapacity when the result could exceed t.MaxNodes,
//     ErrTreeCorrupted when the trees do not share a root cell
func (t *Tree) Merge(other *Tree) error {
	if len(other.Nodes) == 0 {
		return nil
	}
	if len(t.Nodes)+len(other.Nodes) > t.MaxNodes {
		return types.ErrTreeCapacity
	}
	if a, b := t.Nodes[0], other.Nodes[0]; a.Start != b.Start || a.Size != b.Size {
		return fmt.Errorf("%w: root cells [%d,+%d) and [%d,+%d) differ",
			types.ErrTreeCorrupted, a.Start, a.Size, b.Start, b.Size)
	}

	return t.insert(other, 0, 0)
}

func (t *Tree) insert(b *Tree, noA, noB int) error {
	nb := b.Nodes[noB]
	na := t.Nodes[noA]

	switch {
	case nb.Size < na.Size:
		if na.IsLeaf() {
			// The leaf already holds the totals of nb's parent; spread the rest evenly.
			pb := b.Nodes[nb.Parent]
			if err := t.split(noA); err != nil {
				return err
			}
			t.spread(noA, na.Count-pb.Count, na.Cost-pb.Cost, true)
		}

		return t.insert(b, t.childFor(noA, nb.Start), noB)

	case nb.Size == na.Size:
		t.Nodes[noA].Count += nb.Count
		t.Nodes[noA].Cost += nb.Cost

		if !nb.IsLeaf() {
			for j := range 8 {
				if err := t.insert(b, noA, int(nb.Daughter)+j); err != nil {
					return err
				}
			}
		} else if !na.IsLeaf() {
			t.addCost(noA, nb.Count, nb.Cost)
		}

		return nil

	default:
		return types.NewFatal(types.CodeTreeCorrupted,
			fmt.Errorf("%w: cannot insert cell of size %d into cell of size %d", types.ErrTreeCorrupted, nb.Size, na.Size))
	}
}

// spread adds count and cost to the eight children of node i: the first child takes
// the integer remainder. With exactCost the first child also takes the floating-point
// remainder of the cost, otherwise every child takes an eighth.
func (t *Tree) spread(i int, count int64, cost float64, exactCost bool) {
	countB := count / 8
	countA := count - 7*countB
	costB := cost / 8
	costA := costB
	if exactCost {
		costA = cost - 7*costB
	}

	sub := int(t.Nodes[i].Daughter)
	t.Nodes[sub].Count += countA
	t.Nodes[sub].Cost += costA
	for j := 1; j < 8; j++ {
		t.Nodes[sub+j].Count += countB
		t.Nodes[sub+j].Cost += costB
	}
}

// addCost distributes count and cost uniformly over the subtree below internal node i.
func (t *Tree) addCost(i int, count int64, cost float64) {
	t.spread(i, count, cost, false)

	countB := count / 8
	countA := count - 7*countB
	sub := int(t.Nodes[i].Daughter)
	for j := range 8 {
		c := countB
		if j == 0 {
			c = countA
		}
		if !t.Nodes[sub+j].IsLeaf() {
			t.addCost(sub+j, c, cost/8)
		}
	}
}
