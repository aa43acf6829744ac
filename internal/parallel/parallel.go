// Package parallel runs fork-join loops over disjoint index ranges.
//
// Each worker owns one contiguous chunk of [0, n). Workers write only to their own
// chunk or to a private partial result; partials are merged serially by the caller.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Workers returns w, or GOMAXPROCS when w is not positive.
func Workers(w int) int {
	if w > 0 {
		return w
	}

	return runtime.GOMAXPROCS(0)
}

// Chunks splits [0, n) into at most workers contiguous ranges of near-equal length.
func Chunks(n, workers int) [][2]int {
	workers = Workers(workers)
	if n <= 0 {
		return nil
	}
	if workers > n {
		workers = n
	}

	out := make([][2]int, 0, workers)
	base, rem := n/workers, n%workers
	lo := 0
	for i := range workers {
		hi := lo + base
		if i < rem {
			hi++
		}
		out = append(out, [2]int{lo, hi})
		lo = hi
	}

	return out
}

// For calls fn once per chunk of [0, n) and waits for all chunks.
//
// The first error cancels ctx for the remaining chunks and is returned.
func For(ctx context.Context, n, workers int, fn func(ctx context.Context, lo, hi int) error) error {
	chunks := Chunks(n, workers)
	switch len(chunks) {
	case 0:
		return nil
	case 1:
		return fn(ctx, chunks[0][0], chunks[0][1])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(chunks))
	for _, c := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			return fn(gctx, c[0], c[1])
		})
	}

	return g.Wait()
}

// Map calls fn once per chunk of [0, n) and returns the per-chunk partial results
// in chunk order.
func Map[T any](ctx context.Context, n, workers int, fn func(lo, hi int) T) ([]T, error) {
	chunks := Chunks(n, workers)
	partials := make([]T, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(chunks) + 1)
	for i, c := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			partials[i] = fn(c[0], c[1])

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return partials, nil
}

// SumFloat64 sums value(i) over [0, n) with per-worker partials.
func SumFloat64(ctx context.Context, n, workers int, value func(i int) float64) (float64, error) {
	partials, err := Map(ctx, n, workers, func(lo, hi int) float64 {
		var s float64
		for i := lo; i < hi; i++ {
			s += value(i)
		}

		return s
	})
	if err != nil {
		return 0, err
	}

	var total float64
	for _, p := range partials {
		total += p
	}

	return total, nil
}
