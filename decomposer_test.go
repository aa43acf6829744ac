package decomp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/decomp/comm"
	"github.com/arloliu/decomp/internal/synth"
	"github.com/arloliu/decomp/store"
	"github.com/arloliu/decomp/strategy"
	decomptest "github.com/arloliu/decomp/testing"
)

var keyedLimits = store.Limits{MaxEntities: 100, MaxGas: 10, MaxSinks: 10}

// keyedStore holds one dark entity per key of a 2-bit key space. Entities on the
// first eight keys carry cost 100, the rest cost nothing.
func keyedStore(rank int, limits store.Limits) (*store.Store, error) {
	st := store.New(limits)
	for k := range 64 {
		e := Entity{
			ID:   uint64(rank*64 + k + 1), //nolint:gosec
			Key:  uint64(k),              //nolint:gosec
			Mass: 1,
			Kind: KindDark,
		}
		if k < 8 {
			e.Cost = 100
		}
		if _, err := st.Add(e); err != nil {
			return nil, err
		}
	}

	return st, nil
}

// newKeyed creates a decomposer over keyedStore that uses the stored keys and costs.
func newKeyed(t *testing.T, c *comm.Comm, cfg Config, opts ...Option) (*Decomposer, *store.Store, error) {
	st, err := keyedStore(c.Rank(), keyedLimits)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]Option{
		WithLogger(decomptest.NewRankLogger(t, c.Rank())),
		WithKeyFunc(func(e *Entity) uint64 { return e.Key }),
		WithCostFunc(func(e *Entity) float64 { return e.Cost }),
	}, opts...)
	d, err := New(&cfg, c, st, opts...)

	return d, st, err
}

func keyedConfig() Config {
	cfg := TestConfig()
	cfg.Limits = keyedLimits

	return cfg
}

// checkOwnership verifies that every local entity belongs to this rank and that the
// store handles are intact.
func checkOwnership(d *Decomposer, st *store.Store, rank int) error {
	if err := st.Verify(); err != nil {
		return err
	}
	for i := range st.Entities {
		e := &st.Entities[i]
		owner, err := d.OwnerOf(e.Key)
		if err != nil {
			return err
		}
		if owner != rank {
			return fmt.Errorf("rank %d holds entity %d owned by rank %d", rank, e.ID, owner)
		}
		if e.OnAnotherRank || e.WillExport {
			return fmt.Errorf("rank %d holds entity %d with stale flags", rank, e.ID)
		}
	}

	return nil
}

func sumTotals(totals [NumKinds]int64) int64 {
	var sum int64
	for _, n := range totals {
		sum += n
	}

	return sum
}

func TestNew(t *testing.T) {
	c := comm.NewWorld(1).Comms()[0]
	cfg := TestConfig()
	st := store.New(cfg.Limits)

	t.Run("requires config, communicator and store", func(t *testing.T) {
		_, err := New(nil, c, st)
		require.ErrorIs(t, err, ErrInvalidConfig)

		_, err = New(&cfg, nil, st)
		require.ErrorIs(t, err, ErrCommunicatorRequired)

		_, err = New(&cfg, c, nil)
		require.ErrorIs(t, err, ErrStoreRequired)
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		bad := TestConfig()
		bad.OverDecomposition = 3
		_, err := New(&bad, c, st)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("queries fail before the first decomposition", func(t *testing.T) {
		d, err := New(&cfg, c, st)
		require.NoError(t, err)
		require.Equal(t, PhaseIdle, d.Phase())
		require.InDelta(t, cfg.TopNodeAllocFactor, d.AllocFactor(), 1e-12)

		_, err = d.LeafOf(0)
		require.ErrorIs(t, err, ErrNotDecomposed)
		_, err = d.RankOfLeaf(0)
		require.ErrorIs(t, err, ErrNotDecomposed)
		_, err = d.RankOf(&Entity{})
		require.ErrorIs(t, err, ErrNotDecomposed)
		require.Empty(t, d.Segments())
	})
}

func TestDefaultCost(t *testing.T) {
	require.InDelta(t, 1.0, DefaultCost(&Entity{TimeBin: 1, Cost: 1}), 1e-12)
	require.InDelta(t, 1.5, DefaultCost(&Entity{TimeBin: 1, Cost: 2}), 1e-12)
	require.InDelta(t, 0.75, DefaultCost(&Entity{Cost: 2, TimeBin: 2}), 1e-12)
	require.InDelta(t, 3.0/(1<<TimeBins), DefaultCost(&Entity{Cost: 2}), 1e-18)
	require.InDelta(t, 1.0/(1<<TimeBins), DefaultCost(&Entity{}), 1e-18)
}

func TestDecomposeSynthetic(t *testing.T) {
	tests := []struct {
		ranks int
		over  int
	}{
		{ranks: 1, over: 1},
		{ranks: 2, over: 1},
		{ranks: 4, over: 2},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("ranks=%d", tt.ranks), func(t *testing.T) {
			const perRank = 60
			results := make([]DecompositionResult, tt.ranks)
			totals := make([][NumKinds]int64, tt.ranks)
			var decomposed atomic.Int32

			err := decomptest.RunWorld(t, tt.ranks, func(ctx context.Context, c *comm.Comm) error {
				cfg := TestConfig()
				cfg.OverDecomposition = tt.over
				st := store.New(cfg.Limits)
				if err := synth.Fill(st, synth.Params{
					Count:        perRank,
					Clusters:     2,
					Spread:       0.15,
					GasFraction:  0.3,
					SinkFraction: 0.05,
					Side:         1,
					Seed:         42,
					Rank:         c.Rank(),
				}); err != nil {
					return err
				}
				before, err := c.AllReduceInt64(ctx, []int64{int64(len(st.Gas)), int64(len(st.Sinks))})
				if err != nil {
					return err
				}

				d, err := New(&cfg, c, st,
					WithLogger(decomptest.NewRankLogger(t, c.Rank())),
					WithHooks(&Hooks{OnDecomposed: func(context.Context, DecompositionResult) error {
						decomposed.Add(1)
						return nil
					}}),
				)
				if err != nil {
					return err
				}

				res, err := d.Decompose(ctx)
				if err != nil {
					return err
				}
				results[c.Rank()] = res
				totals[c.Rank()] = d.Totals()
				if err := checkOwnership(d, st, c.Rank()); err != nil {
					return err
				}
				if d.Phase() != PhaseIdle {
					return fmt.Errorf("rank %d ended in phase %s", c.Rank(), d.Phase())
				}

				after, err := c.AllReduceInt64(ctx, []int64{int64(st.Len()), int64(len(st.Gas)), int64(len(st.Sinks))})
				if err != nil {
					return err
				}
				if after[0] != int64(perRank*tt.ranks) || after[1] != before[0] || after[2] != before[1] {
					return fmt.Errorf("records not conserved: before %v, after %v", before, after)
				}
				if after[1] != totals[c.Rank()][KindGas] {
					return fmt.Errorf("gas total %d, store holds %d", totals[c.Rank()][KindGas], after[1])
				}

				return nil
			})
			require.NoError(t, err)
			require.Equal(t, int32(tt.ranks), decomposed.Load())

			for r := 1; r < tt.ranks; r++ {
				require.Equal(t, results[0], results[r], "rank %d disagrees", r)
				require.Equal(t, totals[0], totals[r])
			}
			require.Equal(t, int64(perRank*tt.ranks), sumTotals(totals[0]))
			require.Equal(t, ObjectiveWork, results[0].Objective)
			require.Len(t, results[0].Segments, tt.ranks*tt.over)
			require.GreaterOrEqual(t, results[0].NumLeaves, len(results[0].Segments))
			require.Equal(t, tt.ranks > 1, results[0].TreeInvalid, "migration reorders the stores")
		})
	}
}

func TestDecomposeFallsBackToCounts(t *testing.T) {
	results := make([]DecompositionResult, 2)

	err := decomptest.RunWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		d, st, err := newKeyed(t, c, keyedConfig())
		if err != nil {
			return err
		}
		res, err := d.Decompose(ctx)
		if err != nil {
			return err
		}
		results[c.Rank()] = res

		if err := checkOwnership(d, st, c.Rank()); err != nil {
			return err
		}
		if st.Len() != 64 {
			return fmt.Errorf("rank %d holds %d entities", c.Rank(), st.Len())
		}
		for i := range st.Entities {
			if (st.Entities[i].Key < 32) != (c.Rank() == 0) {
				return fmt.Errorf("rank %d holds key %d", c.Rank(), st.Entities[i].Key)
			}
		}

		return nil
	})
	require.NoError(t, err)

	res := results[0]
	require.Equal(t, results[0], results[1])
	require.Equal(t, ObjectiveCount, res.Objective)
	require.Equal(t, 73, res.NumNodes)
	require.Equal(t, 64, res.NumLeaves)
	require.Equal(t, []Segment{{Start: 0, End: 31, Rank: 0}, {Start: 32, End: 63, Rank: 1}}, res.Segments)
	require.InDelta(t, 1.0, res.LoadImbalance, 1e-12)
	require.InDelta(t, 2.0, res.WorkImbalance, 1e-12)
	require.Positive(t, res.ExchangeRounds)
}

func TestDecomposeMemoryBoundFatal(t *testing.T) {
	errs := make([]error, 2)
	again := make([]error, 2)
	phases := make([]Phase, 2)

	err := decomptest.RunWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		cfg := keyedConfig()
		cfg.Limits.MaxEntities = 60

		d, _, err := newKeyed(t, c, cfg)
		if err != nil {
			return err
		}
		_, errs[c.Rank()] = d.Decompose(ctx)
		phases[c.Rank()] = d.Phase()
		_, again[c.Rank()] = d.Decompose(ctx)

		return nil
	})
	require.NoError(t, err)

	for r := range 2 {
		require.ErrorIs(t, errs[r], ErrMemoryBound)
		code, ok := IsFatal(errs[r])
		require.True(t, ok)
		require.Equal(t, 900, code)
		require.Equal(t, PhaseAborted, phases[r])
		require.ErrorIs(t, again[r], ErrAborted)
	}
}

func TestDecomposeGrowsTreeCapacity(t *testing.T) {
	t.Run("grows the allocation factor until the tree fits", func(t *testing.T) {
		results := make([]DecompositionResult, 2)
		factors := make([]float64, 2)

		err := decomptest.RunWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
			cfg := keyedConfig()
			cfg.TopNodeAllocFactor = 0.01

			d, _, err := newKeyed(t, c, cfg)
			if err != nil {
				return err
			}
			results[c.Rank()], err = d.Decompose(ctx)
			factors[c.Rank()] = d.AllocFactor()

			return err
		})
		require.NoError(t, err)

		require.Equal(t, 73, results[0].NumNodes)
		require.Equal(t, results[0].AllocFactor, factors[0])
		require.Equal(t, factors[0], factors[1])
		// 73 nodes need a factor of 0.72 at 100 entities; growth overshoots by at most 1.3x.
		require.Greater(t, factors[0], 0.72)
		require.Less(t, factors[0], 0.72*1.3)
	})

	t.Run("passing the ceiling is fatal", func(t *testing.T) {
		errs := make([]error, 2)

		err := decomptest.RunWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
			cfg := keyedConfig()
			cfg.TopNodeAllocFactor = 0.01
			cfg.MaxTopNodeAllocFactor = 0.1

			d, _, err := newKeyed(t, c, cfg)
			if err != nil {
				return err
			}
			_, errs[c.Rank()] = d.Decompose(ctx)

			return nil
		})
		require.NoError(t, err)

		for r := range 2 {
			require.ErrorIs(t, errs[r], ErrTreeCapacity)
			code, ok := IsFatal(errs[r])
			require.True(t, ok)
			require.Equal(t, 781, code)
		}
	})
}

func TestDecomposeCollectsGarbage(t *testing.T) {
	var invalidated atomic.Int32
	results := make([]DecompositionResult, 2)
	totals := make([][NumKinds]int64, 2)
	second := make([]GCResult, 2)

	err := decomptest.RunWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		d, st, err := newKeyed(t, c, keyedConfig(), WithHooks(&Hooks{
			OnForceTreeInvalidated: func(context.Context) error {
				invalidated.Add(1)
				return nil
			},
		}))
		if err != nil {
			return err
		}
		if c.Rank() == 1 {
			for i := 40; i < 50; i++ {
				st.Entities[i].Mass = 0
			}
		}

		if results[c.Rank()], err = d.Decompose(ctx); err != nil {
			return err
		}
		if !d.TreeInvalid() {
			return errors.New("tree not flagged invalid after decomposition")
		}
		totals[c.Rank()] = d.Totals()

		if second[c.Rank()], err = d.CollectGarbage(ctx); err != nil {
			return err
		}
		if d.TreeInvalid() {
			return errors.New("tree flagged invalid after an empty collection")
		}

		return checkOwnership(d, st, c.Rank())
	})
	require.NoError(t, err)

	// Once per rank: GC and migration of one Decompose share a single notification.
	require.Equal(t, int32(2), invalidated.Load())
	for r := range 2 {
		require.True(t, results[r].TreeInvalid)
		require.Equal(t, int64(118), totals[r][KindDark])
		require.Equal(t, int64(118), sumTotals(totals[r]))
		require.False(t, second[r].TreeInvalid)
	}
}

func TestVerifyUniqueIDs(t *testing.T) {
	t.Run("distinct ids pass", func(t *testing.T) {
		err := decomptest.RunWorld(t, 3, func(ctx context.Context, c *comm.Comm) error {
			cfg := keyedConfig()
			cfg.VerifyIDs = true

			d, _, err := newKeyed(t, c, cfg)
			if err != nil {
				return err
			}
			_, err = d.Decompose(ctx)

			return err
		})
		require.NoError(t, err)
	})

	t.Run("a duplicate is fatal on every rank", func(t *testing.T) {
		errs := make([]error, 2)

		err := decomptest.RunWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
			d, st, err := newKeyed(t, c, keyedConfig())
			if err != nil {
				return err
			}
			st.Entities[10].ID = 5
			errs[c.Rank()] = d.VerifyUniqueIDs(ctx)

			return nil
		})
		require.NoError(t, err)

		for r := range 2 {
			require.ErrorIs(t, errs[r], ErrDuplicateID)
			code, ok := IsFatal(errs[r])
			require.True(t, ok)
			require.Equal(t, 12, code)
		}
	})
}

func TestExchangeRoundRobin(t *testing.T) {
	const ranks, perRank = 3, 50
	results := make([]ExchangeResult, ranks)
	totals := make([][NumKinds]int64, ranks)
	nilDest := make([]error, ranks)
	phases := make([]Phase, ranks)
	var invalidated atomic.Int32

	err := decomptest.RunWorld(t, ranks, func(ctx context.Context, c *comm.Comm) error {
		cfg := TestConfig()
		st := store.New(cfg.Limits)
		if err := synth.Fill(st, synth.Params{
			Count:        perRank,
			GasFraction:  0.5,
			SinkFraction: 0.1,
			Side:         1,
			Seed:         1,
			Rank:         c.Rank(),
		}); err != nil {
			return err
		}

		d, err := New(&cfg, c, st,
			WithLogger(decomptest.NewRankLogger(t, c.Rank())),
			WithHooks(&Hooks{OnForceTreeInvalidated: func(context.Context) error {
				invalidated.Add(1)
				return nil
			}}),
		)
		if err != nil {
			return err
		}
		rr, err := strategy.NewRoundRobin(ranks)
		if err != nil {
			return err
		}

		if results[c.Rank()], err = d.Exchange(ctx, rr.Destination); err != nil {
			return err
		}
		if err := st.Verify(); err != nil {
			return err
		}
		for i := range st.Entities {
			if got := rr.Destination(&st.Entities[i]); got != c.Rank() {
				return fmt.Errorf("rank %d holds entity %d for rank %d", c.Rank(), st.Entities[i].ID, got)
			}
		}
		totals[c.Rank()] = d.Totals()
		_, nilDest[c.Rank()] = d.Exchange(ctx, nil)
		phases[c.Rank()] = d.Phase()

		return nil
	})
	require.NoError(t, err)

	for r := range ranks {
		require.Positive(t, results[r].Rounds)
		require.True(t, results[r].TreeInvalid)
		require.Equal(t, int64(perRank*ranks), sumTotals(totals[r]))
		require.ErrorIs(t, nilDest[r], ErrDestinationRejected)
		require.ErrorIs(t, nilDest[r], ErrInvalidRank)
		require.Equal(t, PhaseIdle, phases[r])
	}
	require.Equal(t, int32(ranks), invalidated.Load())
}

// runRanks runs fn on every rank of a fresh two-rank world in plain goroutines, so a
// rank left blocked shows up as a context deadline rather than being released.
func runRanks(t *testing.T, fn func(ctx context.Context, c *comm.Comm)) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range comm.NewWorld(2).Comms() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx, c)
		}()
	}
	wg.Wait()
}

func TestExchangeRejectedOnOneRank(t *testing.T) {
	errs := make([]error, 2)
	phases := make([]Phase, 2)
	retry := make([]error, 2)
	invalid := make([]bool, 2)

	runRanks(t, func(ctx context.Context, c *comm.Comm) {
		d, _, err := newKeyed(t, c, keyedConfig())
		if err != nil {
			errs[c.Rank()] = err
			return
		}
		_, errs[c.Rank()] = d.Exchange(ctx, func(e *Entity) int {
			if c.Rank() == 1 {
				return 7
			}
			return int(e.Key % 2) //nolint:gosec
		})
		phases[c.Rank()] = d.Phase()
		invalid[c.Rank()] = d.TreeInvalid()

		_, retry[c.Rank()] = d.Exchange(ctx, func(e *Entity) int { return int(e.Key % 2) }) //nolint:gosec
	})

	for r := range 2 {
		require.ErrorIs(t, errs[r], ErrDestinationRejected, "rank %d", r)
		require.NotErrorIs(t, errs[r], context.DeadlineExceeded, "rank %d", r)
		require.Equal(t, PhaseIdle, phases[r])
		require.False(t, invalid[r])
		require.NoError(t, retry[r], "rank %d", r)
	}
}

func TestDecomposeAbortsWorldOnLocalFailure(t *testing.T) {
	errs := make([]error, 2)
	phases := make([]Phase, 2)
	again := make([]error, 2)

	runRanks(t, func(ctx context.Context, c *comm.Comm) {
		d, _, err := newKeyed(t, c, keyedConfig())
		if err != nil {
			errs[c.Rank()] = err
			return
		}
		if c.Rank() == 0 {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			ctx = cancelled
		}
		_, errs[c.Rank()] = d.Decompose(ctx)
		phases[c.Rank()] = d.Phase()
		_, again[c.Rank()] = d.Exchange(ctx, func(*Entity) int { return 0 })
	})

	require.ErrorIs(t, errs[0], context.Canceled)
	require.ErrorIs(t, errs[1], ErrAborted)
	require.NotErrorIs(t, errs[1], context.DeadlineExceeded)
	for r := range 2 {
		require.Equal(t, PhaseAborted, phases[r], "rank %d", r)
		require.ErrorIs(t, again[r], ErrAborted)
	}
}

func TestRankOfRecomputesKey(t *testing.T) {
	held := make([]int, 2)
	owned := make([]int, 2)
	byStaleKey := make([]int, 2)

	err := decomptest.RunWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		r := c.Rank()
		cfg := TestConfig()
		st := store.New(cfg.Limits)
		if err := synth.Fill(st, synth.Params{Count: 60, Clusters: 2, Spread: 0.2, Side: 1, Seed: 7, Rank: r}); err != nil {
			return err
		}
		d, err := New(&cfg, c, st, WithLogger(decomptest.NewRankLogger(t, r)))
		if err != nil {
			return err
		}
		if _, err := d.Decompose(ctx); err != nil {
			return err
		}

		held[r] = st.Len()
		for i := range st.Entities {
			stale := st.Entities[i]
			stale.Key = 0
			owner, err := d.RankOf(&stale)
			if err != nil {
				return err
			}
			if owner == r {
				owned[r]++
			}
			if owner, err := d.OwnerOf(stale.Key); err == nil && owner == r {
				byStaleKey[r]++
			}
		}

		if st.Len() > 0 {
			child, err := st.Fork(0, KindStar)
			if err != nil {
				return err
			}
			st.Entities[child].Key = 1<<63 + 5
			if owner, err := d.RankOf(&st.Entities[child]); err != nil || owner != r {
				return fmt.Errorf("forked entity on rank %d resolved to %d (%v)", r, owner, err)
			}
		}

		return nil
	})
	require.NoError(t, err)

	require.Equal(t, held, owned, "every entity resolves to its holder")
	require.Positive(t, held[0])
	require.Positive(t, held[1])
	require.Less(t, byStaleKey[0]+byStaleKey[1], held[0]+held[1], "the stored key alone misplaces entities")
}
