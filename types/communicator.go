package types

import "context"

// Communicator defines the message-passing primitives ranks cooperate through.
//
// Every collective blocks the calling rank until all ranks reach the matching call,
// so all ranks must issue the same sequence of collectives. Point-to-point Send and
// Recv are matched by (source, tag) and must use tags below CollectiveTagBase.
//
// Abort releases every rank blocked in a call; those calls return an error wrapping
// ErrAborted and the abort cause.
type Communicator interface {
	// Rank returns the index of the calling rank in [0, Size()).
	Rank() int

	// Size returns the number of ranks.
	Size() int

	// Send delivers data to rank dst under tag. It does not wait for the receiver.
	Send(ctx context.Context, dst int, tag uint64, data []byte) error

	// Recv blocks until a message from rank src under tag arrives.
	Recv(ctx context.Context, src int, tag uint64) ([]byte, error)

	// Barrier blocks until every rank has entered it.
	Barrier(ctx context.Context) error

	// Bcast returns root's data on every rank. Non-root ranks pass nil.
	Bcast(ctx context.Context, root int, data []byte) ([]byte, error)

	// AllReduceInt64 returns the element-wise sum of vals across ranks.
	AllReduceInt64(ctx context.Context, vals []int64) ([]int64, error)

	// AllReduceFloat64 returns the element-wise sum of vals across ranks.
	AllReduceFloat64(ctx context.Context, vals []float64) ([]float64, error)

	// Any returns the logical OR of flag across ranks.
	Any(ctx context.Context, flag bool) (bool, error)

	// AllGatherInt64 returns every rank's vals, indexed by rank.
	AllGatherInt64(ctx context.Context, vals []int64) ([][]int64, error)

	// AllToAllV sends send[r] to rank r and returns the payloads received, indexed by source.
	AllToAllV(ctx context.Context, send [][]byte) ([][]byte, error)

	// Abort terminates the computation on all ranks with err as the cause.
	Abort(err error)
}

// CollectiveTagBase is the first tag reserved for collective operations.
const CollectiveTagBase uint64 = 1 << 63

// Allocator is a named-allocation service with a hard byte ceiling.
//
// Temporary buffers are checked out by name before use and released afterwards,
// so FreeBytes reflects the headroom available for transient allocations.
type Allocator interface {
	// Alloc reserves n bytes under name. It fails with ErrArenaExhausted past the ceiling.
	Alloc(name string, n int64) error

	// Free releases the reservation held under name.
	Free(name string)

	// FreeBytes returns the bytes still available below the ceiling.
	FreeBytes() int64

	// AllocatedBytes returns the bytes currently reserved.
	AllocatedBytes() int64
}
