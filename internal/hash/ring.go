// Package hash places ranks on a consistent hash ring.
package hash

import (
	"encoding/binary"
	"slices"

	"github.com/zeebo/xxh3"
)

// Ring implements a consistent hash ring of ranks with virtual nodes.
//
// The ring maps 64-bit group keys to ranks, so a group keeps its rank when the
// rank count changes by one except for the groups on the affected arcs.
type Ring struct {
	// nodes contains all virtual nodes on the ring, sorted by hash
	nodes []virtualNode

	// ranks is the number of ranks present on the ring
	ranks int

	// seed for hash function (0 means no seed)
	seed uint64
}

// virtualNode represents a virtual node on the hash ring.
type virtualNode struct {
	hash uint64 // Position on the ring
	rank int    // Rank owning this virtual node
}

// NewRing creates a new consistent hash ring over ranks [0, ranks).
//
// Parameters:
//   - ranks: Number of ranks to place on the ring
//   - virtualNodesPerRank: Number of virtual nodes per rank (higher = better distribution)
//   - seed: Seed for hash function (0 for unseeded)
//
// Returns:
//   - *Ring: Initialized hash ring
//
// Example:
//
//	ring := hash.NewRing(4, 150, 0)
//	rank := ring.RankOf(groupID)
func NewRing(ranks int, virtualNodesPerRank int, seed uint64) *Ring {
	if ranks < 0 {
		ranks = 0
	}
	ring := &Ring{
		nodes: make([]virtualNode, 0, ranks*virtualNodesPerRank),
		ranks: ranks,
		seed:  seed,
	}

	for rank := range ranks {
		ring.addRank(rank, virtualNodesPerRank)
	}

	slices.SortFunc(ring.nodes, func(a, b virtualNode) int {
		if a.hash < b.hash {
			return -1
		}
		if a.hash > b.hash {
			return 1
		}

		return a.rank - b.rank
	})

	return ring
}

// RankOf finds the rank responsible for a group key, or -1 on an empty ring.
//
// Uses binary search to find the first virtual node whose hash is >= the key hash.
// If no such node exists, wraps around to the first node.
func (r *Ring) RankOf(key uint64) int {
	if len(r.nodes) == 0 {
		return -1
	}

	return r.rankByHash(r.hash(key))
}

// RankOfString finds the rank responsible for a string group key, or -1 on an empty ring.
func (r *Ring) RankOfString(key string) int {
	if len(r.nodes) == 0 {
		return -1
	}

	var h uint64
	if r.seed != 0 {
		h = xxh3.HashStringSeed(key, r.seed)
	} else {
		h = xxh3.HashString(key)
	}

	return r.rankByHash(h)
}

// Ranks returns the number of ranks on the ring.
func (r *Ring) Ranks() int {
	return r.ranks
}

// Size returns the total number of virtual nodes on the ring.
func (r *Ring) Size() int {
	return len(r.nodes)
}

// addRank adds virtual nodes for a rank to the ring.
func (r *Ring) addRank(rank int, virtualNodes int) {
	var rb [8]byte
	binary.LittleEndian.PutUint64(rb[:], uint64(rank)) //nolint:gosec

	for i := range virtualNodes {
		// Fold the rank, then the vnode index using the previous hash as seed.
		var h uint64
		if r.seed != 0 {
			h = xxh3.HashSeed(rb[:], r.seed)
		} else {
			h = xxh3.Hash(rb[:])
		}

		var ib [8]byte
		binary.LittleEndian.PutUint64(ib[:], uint64(i)) //nolint:gosec
		h = xxh3.HashSeed(ib[:], h)

		r.nodes = append(r.nodes, virtualNode{hash: h, rank: rank})
	}
}

// hash computes a 64-bit hash of the key using XXH3.
func (r *Ring) hash(key uint64) uint64 {
	var kb [8]byte
	binary.LittleEndian.PutUint64(kb[:], key)
	if r.seed != 0 {
		return xxh3.HashSeed(kb[:], r.seed)
	}

	return xxh3.Hash(kb[:])
}

// rankByHash returns the rank for a hash value using binary search over the ring.
func (r *Ring) rankByHash(target uint64) int {
	idx, _ := slices.BinarySearchFunc(r.nodes, target, func(node virtualNode, t uint64) int {
		if node.hash < t {
			return -1
		}
		if node.hash > t {
			return 1
		}

		return 0
	})
	if idx >= len(r.nodes) {
		idx = 0
	}

	return r.nodes[idx].rank
}

// BoundedAssign maps weighted group keys to ranks, walking clockwise past ranks
// whose assigned weight would exceed the average by more than 15%.
//
// Parameters:
//   - keys: Group keys
//   - weights: Weight per group (0 counts as 1)
//
// Returns:
//   - []int: Rank per group, indexed like keys
func (r *Ring) BoundedAssign(keys []uint64, weights []int64) []int {
	out := make([]int, len(keys))
	if len(r.nodes) == 0 {
		for i := range out {
			out[i] = -1
		}

		return out
	}

	var total int64
	for i := range keys {
		total += weightAt(weights, i)
	}
	maxWeight := total * 115 / (100 * int64(r.ranks))
	if maxWeight < 1 {
		maxWeight = 1
	}

	load := make([]int64, r.ranks)
	for i, key := range keys {
		w := weightAt(weights, i)
		h := r.hash(key)
		idx, _ := slices.BinarySearchFunc(r.nodes, h, func(node virtualNode, t uint64) int {
			if node.hash < t {
				return -1
			}
			if node.hash > t {
				return 1
			}

			return 0
		})

		chosen := -1
		for step := 0; step < len(r.nodes); step++ {
			rank := r.nodes[(idx+step)%len(r.nodes)].rank
			if load[rank]+w <= maxWeight {
				chosen = rank
				break
			}
		}
		if chosen < 0 {
			chosen = leastLoaded(load)
		}
		load[chosen] += w
		out[i] = chosen
	}

	return out
}

func weightAt(weights []int64, i int) int64 {
	if i < len(weights) && weights[i] > 0 {
		return weights[i]
	}

	return 1
}

func leastLoaded(load []int64) int {
	best := 0
	for i := range load {
		if load[i] < load[best] {
			best = i
		}
	}

	return best
}
