package topology

// Densify splits every leaf whose count exceeds countLimit or whose cost exceeds
// costLimit, approximating the children's totals by uniform eighths. The count
// remainder is dropped, so a leaf holding fewer than eight entities yields empty
// children and splitting stops there. Newly created leaves are examined too, down
// to cells of a single key.
//
// The result depends only on the tree and the limits, so ranks holding the same tree
// densify it identically.
//
// Returns:
//   - int: Number of nodes added
//   - error: ErrTreeCapacity when the node ceiling is reached
func (t *Tree) Densify(countLimit, costLimit float64) (int, error) {
	before := len(t.Nodes)
	for i := 0; i < len(t.Nodes); i++ {
		n := t.Nodes[i]
		if !n.IsLeaf() || n.Size <= 1 {
			continue
		}
		if float64(n.Count) <= countLimit && n.Cost <= costLimit {
			continue
		}
		if err := t.split(i); err != nil {
			return len(t.Nodes) - before, err
		}
		sub := int(t.Nodes[i].Daughter)
		for j := range 8 {
			t.Nodes[sub+j].Count = n.Count / 8
			t.Nodes[sub+j].Cost = n.Cost / 8
		}
	}

	return len(t.Nodes) - before, nil
}
