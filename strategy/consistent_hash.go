package strategy

import (
	"github.com/arloliu/decomp/internal/hash"
	"github.com/arloliu/decomp/types"
)

const defaultVirtualNodes = 150

// GroupFunc returns the group key of an entity, for example a halo or cluster ID.
type GroupFunc func(e *types.Entity) uint64

// ConsistentHash gathers entities of the same group on one rank.
type ConsistentHash struct {
	virtualNodes int
	hashSeed     uint64
	group        GroupFunc
	ring         *hash.Ring
}

// ConsistentHashOption configures a ConsistentHash layout.
type ConsistentHashOption func(*ConsistentHash)

// NewConsistentHash creates a consistent hash layout over ranks.
//
// Parameters:
//   - ranks: Number of ranks
//   - group: Group key of an entity
//   - opts: Optional configuration (WithVirtualNodes, WithHashSeed)
//
// Returns:
//   - *ConsistentHash: Initialized layout
//   - error: ErrNoRanks or ErrNoGroupFunc
//
// Example:
//
//	layout, err := strategy.NewConsistentHash(comm.Size(), haloOf,
//	    strategy.WithVirtualNodes(300),
//	)
func NewConsistentHash(ranks int, group GroupFunc, opts ...ConsistentHashOption) (*ConsistentHash, error) {
	if ranks < 1 {
		return nil, ErrNoRanks
	}
	if group == nil {
		return nil, ErrNoGroupFunc
	}

	ch := &ConsistentHash{
		virtualNodes: defaultVirtualNodes,
		group:        group,
	}
	for _, opt := range opts {
		opt(ch)
	}
	ch.ring = hash.NewRing(ranks, ch.virtualNodes, ch.hashSeed)

	return ch, nil
}

// WithVirtualNodes sets the number of virtual nodes per rank.
//
// Higher values provide better distribution but increase memory usage.
// Recommended range: 100-300 (default: 150).
func WithVirtualNodes(nodes int) ConsistentHashOption {
	return func(ch *ConsistentHash) {
		ch.virtualNodes = nodes
	}
}

// WithHashSeed sets a custom hash seed. Every rank must use the same seed.
func WithHashSeed(seed uint64) ConsistentHashOption {
	return func(ch *ConsistentHash) {
		ch.hashSeed = seed
	}
}

// Destination returns the rank owning e's group.
func (ch *ConsistentHash) Destination(e *types.Entity) int {
	return ch.ring.RankOf(ch.group(e))
}
