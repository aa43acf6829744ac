// Package topology builds the global top-level oct-tree over key space.
//
// The tree partitions [0, MaxKey) into nested cells whose sizes shrink by a factor
// of 8 per level. Nodes live in an index-addressed arena: a node's eight children
// occupy consecutive slots starting at Daughter. Every node carries the aggregate
// entity count and cost of its cell. An internal node's Count equals the sum of its
// children's, except below densified leaves, whose children share Count/8 each.
//
// Construction runs in three steps: local refinement on each rank, a butterfly merge
// of the per-rank trees followed by a broadcast of the result, and densification
// of leaves that remain too heavy. Leaves are then numbered in key order.
package topology

import (
	"fmt"
	"math"

	"github.com/arloliu/decomp/types"
)

// NoNode marks an absent child or parent link.
const NoNode int32 = -1

// Node is one cell of the top-level tree.
type Node struct {
	Start    uint64  // first key of the cell
	Size     uint64  // number of keys in the cell, a power of 8
	Count    int64   // entities in the cell
	Cost     float64 // summed cost of the cell
	Daughter int32   // index of the first of 8 children, NoNode for leaves
	Parent   int32   // index of the parent, NoNode for the root
	Leaf     int32   // leaf number after Enumerate, NoNode for internal nodes
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool {
	return n.Daughter == NoNode
}

// Tree is a top-level tree with a hard node ceiling.
type Tree struct {
	Nodes     []Node
	MaxNodes  int
	NumLeaves int
}

// MaxKey returns the size of the key space for keyBits bits per dimension.
func MaxKey(keyBits int) uint64 {
	return uint64(1) << (3 * keyBits)
}

// MaxNodesFor returns the node ceiling for an allocation factor and entity ceiling.
func MaxNodesFor(allocFactor float64, maxEntities int) int {
	n := allocFactor*float64(maxEntities) + 1
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < 9 {
		return 9
	}

	return int(n)
}

// New creates a tree holding a single root leaf spanning [0, maxKey).
func New(maxKey uint64, maxNodes int) *Tree {
	t := &Tree{
		Nodes:    make([]Node, 1, min(maxNodes, 1024)),
		MaxNodes: maxNodes,
	}
	t.Nodes[0] = Node{Start: 0, Size: maxKey, Daughter: NoNode, Parent: NoNode, Leaf: NoNode}

	return t
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.Nodes)
}

// split appends the eight children of node i with zero totals.
func (t *Tree) split(i int) error {
	if len(t.Nodes)+8 > t.MaxNodes {
		return types.ErrTreeCapacity
	}
	parent := t.Nodes[i]
	if parent.Size < 8 {
		return fmt.Errorf("%w: cannot split cell of size %d", types.ErrTreeCorrupted, parent.Size)
	}

	first := int32(len(t.Nodes))
	size := parent.Size >> 3
	for j := range uint64(8) {
		t.Nodes = append(t.Nodes, Node{
			Start:    parent.Start + j*size,
			Size:     size,
			Daughter: NoNode,
			Parent:   int32(i),
			Leaf:     NoNode,
		})
	}
	t.Nodes[i].Daughter = first

	return nil
}

// childFor returns the index of the child of internal node i covering key.
func (t *Tree) childFor(i int, key uint64) int {
	n := &t.Nodes[i]

	return int(n.Daughter) + int((key-n.Start)/(n.Size>>3))
}

// Enumerate numbers the leaves in pre-order, which is ascending key order, and
// returns the number of leaves.
func (t *Tree) Enumerate() int {
	leaves := 0
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := &t.Nodes[i]
		if n.IsLeaf() {
			n.Leaf = int32(leaves)
			leaves++

			continue
		}
		n.Leaf = NoNode
		// Push in reverse so the first child is visited first.
		for j := 7; j >= 0; j-- {
			stack = append(stack, int(n.Daughter)+j)
		}
	}
	t.NumLeaves = leaves

	return leaves
}

// LeafOf returns the leaf number of the cell containing key.
//
// The tree must have been enumerated and key must lie in [0, MaxKey).
func (t *Tree) LeafOf(key uint64) int {
	i := 0
	for !t.Nodes[i].IsLeaf() {
		i = t.childFor(i, key)
	}

	return int(t.Nodes[i].Leaf)
}

// Leaves returns the node indices of all leaves ordered by leaf number.
func (t *Tree) Leaves() []int {
	out := make([]int, t.NumLeaves)
	for i := range t.Nodes {
		if n := &t.Nodes[i]; n.IsLeaf() && n.Leaf >= 0 && int(n.Leaf) < len(out) {
			out[n.Leaf] = i
		}
	}

	return out
}

// Check verifies the structural invariants: child cells tile their parent and the
// children's counts sum to the parent's, short by at most the seven entities a
// uniform densification split drops.
func (t *Tree) Check() error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("%w: empty tree", types.ErrTreeCorrupted)
	}
	for i := range t.Nodes {
		n := &t.Nodes[i]
		if n.IsLeaf() {
			continue
		}
		if int(n.Daughter)+8 > len(t.Nodes) {
			return fmt.Errorf("%w: node %d has children beyond the arena", types.ErrTreeCorrupted, i)
		}

		var count int64
		for j := range 8 {
			c := &t.Nodes[int(n.Daughter)+j]
			if c.Size*8 != n.Size || c.Start != n.Start+uint64(j)*c.Size || int(c.Parent) != i {
				return fmt.Errorf("%w: child %d of node %d does not tile its parent", types.ErrTreeCorrupted, j, i)
			}
			count += c.Count
		}
		if count > n.Count || count < n.Count-7 {
			return fmt.Errorf("%w: node %d count %d, children sum %d", types.ErrTreeCorrupted, i, n.Count, count)
		}
	}

	return nil
}
