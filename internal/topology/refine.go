package topology

// Item is one local entity reduced to its key and cost.
type Item struct {
	Key  uint64
	Cost float64
}

// refineShare is the fraction of its parent's count or cost above which a cell is split.
const refineShare = 0.8

// minRefineSize is the smallest cell span that may be split.
const minRefineSize = 8

// LocalRefine builds the local tree over items, which must be sorted by key.
//
// A cell is split into eight children when it holds more than 80% of its parent's
// count or cost and spans at least 8 keys. The root is always a candidate. Items are
// distributed to children by a single scan over the cell's sorted range.
//
// Returns:
//   - *Tree: The local tree, not enumerated
//   - error: ErrTreeCapacity when maxNodes is too small; no partial tree is returned
func LocalRefine(items []Item, maxKey uint64, maxNodes int) (*Tree, error) {
	t := New(maxKey, maxNodes)

	var cost float64
	for i := range items {
		cost += items[i].Cost
	}
	t.Nodes[0].Count = int64(len(items))
	t.Nodes[0].Cost = cost

	r := refiner{t: t, items: items, first: []int{0}}
	if err := r.refine(0); err != nil {
		return nil, err
	}

	return t, nil
}

type refiner struct {
	t     *Tree
	items []Item
	// first holds the index of each node's first item, indexed like t.Nodes.
	first []int
}

func (r *refiner) needsRefine(i int) bool {
	n := &r.t.Nodes[i]
	if n.Size < minRefineSize || n.Count == 0 {
		return false
	}
	if n.Parent == NoNode {
		return true
	}
	p := &r.t.Nodes[n.Parent]

	return float64(n.Count) > refineShare*float64(p.Count) || n.Cost > refineShare*p.Cost
}

func (r *refiner) refine(i int) error {
	if !r.needsRefine(i) {
		return nil
	}
	if err := r.t.split(i); err != nil {
		return err
	}

	sub := int(r.t.Nodes[i].Daughter)
	start := r.first[i]
	for range 8 {
		r.first = append(r.first, start)
	}

	n := r.t.Nodes[i]
	j := 0
	for p := start; p < start+int(n.Count); p++ {
		key := r.items[p].Key
		for j < 7 && r.t.Nodes[sub+j+1].Start <= key {
			j++
			r.first[sub+j] = p
		}
		r.t.Nodes[sub+j].Count++
		r.t.Nodes[sub+j].Cost += r.items[p].Cost
	}
	// Children past the last occupied one start where the parent's range ends.
	for k := j + 1; k < 8; k++ {
		r.first[sub+k] = start + int(n.Count)
	}

	for k := range 8 {
		if err := r.refine(sub + k); err != nil {
			return err
		}
	}

	return nil
}

