// Package comm implements the message-passing layer ranks cooperate through.
//
// A Comm provides the blocking collectives of types.Communicator on top of any
// Transport. Two transports are provided: World, which connects ranks running as
// goroutines of one process, and NATSTransport, which connects ranks through a NATS
// server.
//
// Collectives are matched by order: every rank must issue the same sequence of
// collective calls on its Comm. Each call draws the next tag from a per-Comm counter
// above types.CollectiveTagBase, so the n-th collective of every rank shares a tag.
package comm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/arloliu/decomp/types"
)

// Comm implements types.Communicator over a Transport.
type Comm struct {
	t   Transport
	seq atomic.Uint64
}

// New creates a communicator over t.
func New(t Transport) *Comm {
	return &Comm{t: t}
}

// Rank returns the index of the calling rank.
func (c *Comm) Rank() int { return c.t.Rank() }

// Size returns the number of ranks.
func (c *Comm) Size() int { return c.t.Size() }

// Transport returns the underlying transport.
func (c *Comm) Transport() Transport { return c.t }

// Close closes the underlying transport.
func (c *Comm) Close() error { return c.t.Close() }

// Abort terminates the computation on every rank with err as the cause.
func (c *Comm) Abort(err error) { c.t.Abort(err) }

func (c *Comm) nextTag() uint64 {
	return types.CollectiveTagBase | c.seq.Add(1)
}

// Send delivers data to rank dst under a point-to-point tag.
func (c *Comm) Send(ctx context.Context, dst int, tag uint64, data []byte) error {
	if tag >= types.CollectiveTagBase {
		return fmt.Errorf("comm: tag %#x is reserved for collectives", tag)
	}
	if err := checkRank(dst, c.Size()); err != nil {
		return err
	}

	return c.t.Send(ctx, dst, tag, data)
}

// Recv blocks until a point-to-point message from rank src under tag arrives.
func (c *Comm) Recv(ctx context.Context, src int, tag uint64) ([]byte, error) {
	if tag >= types.CollectiveTagBase {
		return nil, fmt.Errorf("comm: tag %#x is reserved for collectives", tag)
	}
	if err := checkRank(src, c.Size()); err != nil {
		return nil, err
	}

	return c.t.Recv(ctx, src, tag)
}

// Barrier blocks until every rank has entered it.
func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.allGather(ctx, nil)
	return err
}

// Bcast returns root's data on every rank using a binomial tree.
func (c *Comm) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	n, rank := c.Size(), c.Rank()
	if err := checkRank(root, n); err != nil {
		return nil, err
	}
	tag := c.nextTag()

	vr := (rank - root + n) % n
	mask := 1
	for mask < n {
		if vr&mask != 0 {
			src := (vr - mask + root) % n
			buf, err := c.t.Recv(ctx, src, tag)
			if err != nil {
				return nil, fmt.Errorf("bcast: %w", err)
			}
			data = buf

			break
		}
		mask <<= 1
	}

	for mask >>= 1; mask > 0; mask >>= 1 {
		if vr+mask < n {
			dst := (vr + mask + root) % n
			if err := c.t.Send(ctx, dst, tag, data); err != nil {
				return nil, fmt.Errorf("bcast: %w", err)
			}
		}
	}

	return data, nil
}

// allGather returns every rank's payload, indexed by rank.
func (c *Comm) allGather(ctx context.Context, data []byte) ([][]byte, error) {
	n, rank := c.Size(), c.Rank()
	tag := c.nextTag()

	for dst := range n {
		if dst == rank {
			continue
		}
		if err := c.t.Send(ctx, dst, tag, data); err != nil {
			return nil, fmt.Errorf("allgather: %w", err)
		}
	}

	out := make([][]byte, n)
	out[rank] = data
	for src := range n {
		if src == rank {
			continue
		}
		buf, err := c.t.Recv(ctx, src, tag)
		if err != nil {
			return nil, fmt.Errorf("allgather: %w", err)
		}
		out[src] = buf
	}

	return out, nil
}

// AllGatherInt64 returns every rank's vals, indexed by rank.
func (c *Comm) AllGatherInt64(ctx context.Context, vals []int64) ([][]int64, error) {
	bufs, err := c.allGather(ctx, encodeInt64s(vals))
	if err != nil {
		return nil, err
	}

	out := make([][]int64, len(bufs))
	for r, buf := range bufs {
		if out[r], err = decodeInt64s(buf); err != nil {
			return nil, fmt.Errorf("allgather from rank %d: %w", r, err)
		}
	}

	return out, nil
}

// AllReduceInt64 returns the element-wise sum of vals across ranks.
func (c *Comm) AllReduceInt64(ctx context.Context, vals []int64) ([]int64, error) {
	all, err := c.AllGatherInt64(ctx, vals)
	if err != nil {
		return nil, err
	}

	sum := make([]int64, len(vals))
	for r, v := range all {
		if len(v) != len(vals) {
			return nil, fmt.Errorf("allreduce: rank %d sent %d values, want %d", r, len(v), len(vals))
		}
		for i := range v {
			sum[i] += v[i]
		}
	}

	return sum, nil
}

// AllReduceFloat64 returns the element-wise sum of vals across ranks.
//
// Contributions are added in rank order, so every rank obtains bit-identical sums.
func (c *Comm) AllReduceFloat64(ctx context.Context, vals []float64) ([]float64, error) {
	bufs, err := c.allGather(ctx, encodeFloat64s(vals))
	if err != nil {
		return nil, err
	}

	sum := make([]float64, len(vals))
	for r, buf := range bufs {
		v, err := decodeFloat64s(buf)
		if err != nil {
			return nil, fmt.Errorf("allreduce from rank %d: %w", r, err)
		}
		if len(v) != len(vals) {
			return nil, fmt.Errorf("allreduce: rank %d sent %d values, want %d", r, len(v), len(vals))
		}
		for i := range v {
			sum[i] += v[i]
		}
	}

	return sum, nil
}

// Any returns the logical OR of flag across ranks.
func (c *Comm) Any(ctx context.Context, flag bool) (bool, error) {
	var v int64
	if flag {
		v = 1
	}
	sum, err := c.AllReduceInt64(ctx, []int64{v})
	if err != nil {
		return false, err
	}

	return sum[0] > 0, nil
}

// AllToAllV sends send[r] to rank r and returns the payloads received, indexed by source.
func (c *Comm) AllToAllV(ctx context.Context, send [][]byte) ([][]byte, error) {
	n, rank := c.Size(), c.Rank()
	if len(send) != n {
		return nil, fmt.Errorf("alltoallv: %d buffers for %d ranks", len(send), n)
	}
	tag := c.nextTag()

	// Stagger destinations so ranks do not all target rank 0 first.
	for i := 1; i < n; i++ {
		dst := (rank + i) % n
		if err := c.t.Send(ctx, dst, tag, send[dst]); err != nil {
			return nil, fmt.Errorf("alltoallv: %w", err)
		}
	}

	recv := make([][]byte, n)
	recv[rank] = send[rank]
	for i := 1; i < n; i++ {
		src := (rank - i + n) % n
		buf, err := c.t.Recv(ctx, src, tag)
		if err != nil {
			return nil, fmt.Errorf("alltoallv: %w", err)
		}
		recv[src] = buf
	}

	return recv, nil
}
