package testing

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arloliu/decomp/comm"
)

// DefaultWorldTimeout bounds a RunWorld call.
const DefaultWorldTimeout = 30 * time.Second

// RunWorld runs fn once per rank of a fresh in-process world, each in its own
// goroutine, and returns the first error.
//
// A rank returning an error aborts the world, so ranks blocked in collectives are
// released instead of deadlocking the test.
func RunWorld(t testing.TB, n int, fn func(ctx context.Context, c *comm.Comm) error) error {
	t.Helper()

	return RunComms(t, comm.NewWorld(n).Comms(), fn)
}

// RunComms runs fn once per communicator, each in its own goroutine.
func RunComms(t testing.TB, comms []*comm.Comm, fn func(ctx context.Context, c *comm.Comm) error) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultWorldTimeout)
	defer cancel()

	var g errgroup.Group
	for _, c := range comms {
		g.Go(func() error {
			err := fn(ctx, c)
			if err != nil {
				c.Abort(err)
			}

			return err
		})
	}

	return g.Wait()
}
