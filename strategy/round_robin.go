package strategy

import "github.com/arloliu/decomp/types"

// idMask clears the generation byte of an entity ID.
const idMask = 0x00ffffffffffffff

// RoundRobin sends entity ID i to rank i mod RankCount.
type RoundRobin struct {
	ranks uint64
}

// NewRoundRobin creates a round-robin layout over ranks.
//
// Returns:
//   - *RoundRobin: Initialized layout
//   - error: ErrNoRanks when ranks < 1
//
// Example:
//
//	layout, err := strategy.NewRoundRobin(comm.Size())
//	if err != nil {
//	    return err
//	}
//	result, err := d.Exchange(ctx, layout.Destination)
func NewRoundRobin(ranks int) (*RoundRobin, error) {
	if ranks < 1 {
		return nil, ErrNoRanks
	}

	return &RoundRobin{ranks: uint64(ranks)}, nil
}

// Destination returns the rank of e. The generation bits of the ID are ignored so a
// forked entity lands with its parent.
func (rr *RoundRobin) Destination(e *types.Entity) int {
	return int((e.ID & idMask) % rr.ranks) //nolint:gosec
}
