package comm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/decomp/types"
)

// runRanks runs fn on every rank of a fresh world and returns the first error.
func runRanks(t *testing.T, n int, fn func(ctx context.Context, c *Comm) error) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range NewWorld(n).Comms() {
		g.Go(func() error { return fn(gctx, c) })
	}

	return g.Wait()
}

func TestComm_Collectives(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	for _, n := range []int{1, 2, 3, 4, 7, 8} {
		t.Run(fmt.Sprintf("ranks=%d", n), func(t *testing.T) {
			err := runRanks(t, n, func(ctx context.Context, c *Comm) error {
				rank := c.Rank()

				if err := c.Barrier(ctx); err != nil {
					return err
				}

				var msg []byte
				if rank == n-1 {
					msg = []byte("tree")
				}
				got, err := c.Bcast(ctx, n-1, msg)
				if err != nil {
					return err
				}
				if string(got) != "tree" {
					return fmt.Errorf("rank %d bcast got %q", rank, got)
				}

				sum, err := c.AllReduceInt64(ctx, []int64{int64(rank), 1})
				if err != nil {
					return err
				}
				if sum[0] != int64(n*(n-1)/2) || sum[1] != int64(n) {
					return fmt.Errorf("rank %d allreduce got %v", rank, sum)
				}

				fsum, err := c.AllReduceFloat64(ctx, []float64{0.5})
				if err != nil {
					return err
				}
				if fsum[0] != 0.5*float64(n) {
					return fmt.Errorf("rank %d allreduce float got %v", rank, fsum)
				}

				anyFlag, err := c.Any(ctx, rank == n-1)
				if err != nil {
					return err
				}
				if !anyFlag {
					return fmt.Errorf("rank %d any got false", rank)
				}
				none, err := c.Any(ctx, false)
				if err != nil {
					return err
				}
				if none {
					return fmt.Errorf("rank %d any got true", rank)
				}

				all, err := c.AllGatherInt64(ctx, []int64{int64(rank * 10)})
				if err != nil {
					return err
				}
				for r := range n {
					if all[r][0] != int64(r*10) {
						return fmt.Errorf("rank %d allgather got %v", rank, all)
					}
				}

				bufs := make([][]byte, n)
				for dst := range bufs {
					bufs[dst] = []byte(fmt.Sprintf("%d->%d", rank, dst))
				}
				vrecv, err := c.AllToAllV(ctx, bufs)
				if err != nil {
					return err
				}
				for src := range n {
					if want := fmt.Sprintf("%d->%d", src, rank); string(vrecv[src]) != want {
						return fmt.Errorf("rank %d alltoallv got %q want %q", rank, vrecv[src], want)
					}
				}

				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestComm_PointToPoint(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	err := runRanks(t, 2, func(ctx context.Context, c *Comm) error {
		if c.Rank() == 1 {
			for i := range 3 {
				if err := c.Send(ctx, 0, 7, []byte{byte(i)}); err != nil {
					return err
				}
			}
			return nil
		}
		for i := range 3 {
			got, err := c.Recv(ctx, 1, 7)
			if err != nil {
				return err
			}
			if got[0] != byte(i) {
				return fmt.Errorf("message %d out of order: %v", i, got)
			}
		}
		return nil
	})
	require.NoError(t, err)

	t.Run("reserved tag", func(t *testing.T) {
		c := NewWorld(1).Comms()[0]
		require.Error(t, c.Send(context.Background(), 0, types.CollectiveTagBase, nil))
		_, err := c.Recv(context.Background(), 0, types.CollectiveTagBase+1)
		require.Error(t, err)
	})

	t.Run("invalid rank", func(t *testing.T) {
		c := NewWorld(2).Comms()[0]
		require.ErrorIs(t, c.Send(context.Background(), 2, 1, nil), types.ErrInvalidRank)
		_, err := c.Bcast(context.Background(), -1, nil)
		require.ErrorIs(t, err, types.ErrInvalidRank)
	})
}

func TestComm_Abort(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cause := types.NewFatal(types.CodeInternal, errors.New("boom"))
	world := NewWorld(3)
	comms := world.Comms()

	errs := make(chan error, 2)
	for _, c := range comms[1:] {
		go func() {
			// Rank 0 never joins the barrier.
			errs <- c.Barrier(context.Background())
		}()
	}
	comms[0].Abort(cause)

	for range 2 {
		err := <-errs
		require.ErrorIs(t, err, types.ErrAborted)
		code, ok := types.IsFatal(err)
		require.True(t, ok)
		require.Equal(t, types.CodeInternal, code)
	}
	require.True(t, world.Aborted())

	t.Run("send after abort", func(t *testing.T) {
		err := comms[1].Send(context.Background(), 2, 1, nil)
		require.ErrorIs(t, err, types.ErrAborted)
	})
}

func TestComm_ContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	comms := NewWorld(2).Comms()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := comms[0].Recv(ctx, 1, 3)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCodec(t *testing.T) {
	ints := []int64{0, -1, 1 << 40}
	got, err := decodeInt64s(encodeInt64s(ints))
	require.NoError(t, err)
	require.Equal(t, ints, got)

	_, err = decodeInt64s([]byte{1, 2, 3})
	require.Error(t, err)

	floats := []float64{0, -2.5, 1e300}
	gotF, err := decodeFloat64s(encodeFloat64s(floats))
	require.NoError(t, err)
	require.Equal(t, floats, gotF)
}
