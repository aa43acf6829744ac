package exchange

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/decomp/comm"
	"github.com/arloliu/decomp/internal/arena"
	"github.com/arloliu/decomp/internal/logging"
	"github.com/arloliu/decomp/internal/metrics"
	"github.com/arloliu/decomp/store"
	decomptest "github.com/arloliu/decomp/testing"
	"github.com/arloliu/decomp/types"
)

var wideLimits = store.Limits{MaxEntities: 1000, MaxGas: 1000, MaxSinks: 1000}

// destByKey routes every entity to the rank stored in its key.
func destByKey(e *types.Entity) int {
	return int(e.Key) //nolint:gosec
}

func newEngine(t *testing.T, c *comm.Comm, st *store.Store, ceiling int64) *Engine {
	logger := logging.WithRank(logging.NewTest(t), c.Rank())

	return New(c, st, arena.New(ceiling), Config{MaxNegotiationPasses: 100, Workers: 2},
		logger, logging.Root(logger, c.Rank()), metrics.NewNop())
}

// fill adds n entities with IDs base+i; the kind cycles gas, dark, sink, star.
func fill(st *store.Store, base uint64, n int, dest func(i int) int) error {
	for i := range n {
		id := base + uint64(i) //nolint:gosec
		e := types.Entity{ID: id, Key: uint64(dest(i)), Mass: 1, Cost: float64(i)} //nolint:gosec
		var err error
		switch i % 4 {
		case 0:
			_, err = st.AddGas(e, types.GasData{Density: float64(id)})
		case 1:
			e.Kind = types.KindDark
			_, err = st.Add(e)
		case 2:
			_, err = st.AddSink(e, types.SinkData{Mass: float64(id)})
		default:
			e.Kind = types.KindStar
			_, err = st.Add(e)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func checkPayloads(st *store.Store) error {
	for i := range st.Entities {
		e := &st.Entities[i]
		switch e.Kind {
		case types.KindGas:
			if st.Gas[e.Ext].Density != float64(e.ID) {
				return fmt.Errorf("gas entity %d resolved to density %v", e.ID, st.Gas[e.Ext].Density)
			}
		case types.KindSink:
			if st.Sinks[e.Ext].Mass != float64(e.ID) {
				return fmt.Errorf("sink entity %d resolved to mass %v", e.ID, st.Sinks[e.Ext].Mass)
			}
		}
	}

	return nil
}

func TestCodec(t *testing.T) {
	ents := []types.Entity{{
		ID: 1<<60 | 7, Key: 99, Pos: [3]float64{1.5, -2, 3}, Mass: 0.25, Cost: 4,
		Ext: 3, Kind: types.KindSink, TimeBin: 5, Generation: 2,
	}}
	got, err := decodeEntities(encodeEntities(ents))
	require.NoError(t, err)
	require.Equal(t, ents, got)

	gas := []types.GasData{{OwnerID: 4, Density: 1, Entropy: 2, Hsml: 3, Pressure: 4, Metallity: 5}}
	gotGas, err := decodeGas(encodeGas(gas))
	require.NoError(t, err)
	require.Equal(t, gas, gotGas)

	sinks := []types.SinkData{{OwnerID: 9, Mass: 1, AccretionRate: 2, Hsml: 3, FormationTime: 4}}
	gotSinks, err := decodeSinks(encodeSinks(sinks))
	require.NoError(t, err)
	require.Equal(t, sinks, gotSinks)

	_, err = decodeEntities(make([]byte, EntityBytes+1))
	require.ErrorIs(t, err, types.ErrTransferMismatch)
}

func matrix(held, limit []Counts, rows ...[]Counts) *Matrix {
	return &Matrix{Go: rows, Held: held, Limit: limit}
}

func TestNegotiate(t *testing.T) {
	wide := Counts{100, 100, 100}

	t.Run("feasible plan is untouched", func(t *testing.T) {
		m := matrix([]Counts{{10, 2, 0}, {10, 0, 0}}, []Counts{wide, wide},
			[]Counts{{}, {4, 1, 0}},
			[]Counts{{3, 0, 0}, {}})
		passes, err := Negotiate(m, 10)
		require.NoError(t, err)
		require.Zero(t, passes)
		require.Equal(t, Counts{4, 1, 0}, m.Go[0][1])
	})

	t.Run("general ceiling revokes plain records first", func(t *testing.T) {
		m := matrix([]Counts{{10, 0, 0}, {5, 0, 0}}, []Counts{wide, {6, 100, 100}},
			[]Counts{{}, {4, 1, 1}},
			[]Counts{{}, {}})
		passes, err := Negotiate(m, 10)
		require.NoError(t, err)
		require.Equal(t, 1, passes)
		require.Equal(t, Counts{1, 0, 1}, m.Go[0][1])
		require.LessOrEqual(t, m.Excess(1, CatAll), int64(0))
	})

	t.Run("extension ceiling revokes the category and the total", func(t *testing.T) {
		m := matrix([]Counts{{0, 0, 0}, {0, 0, 0}}, []Counts{wide, {100, 1, 100}},
			[]Counts{{}, {3, 2, 0}},
			[]Counts{{}, {}})
		_, err := Negotiate(m, 10)
		require.NoError(t, err)
		require.Equal(t, Counts{2, 1, 0}, m.Go[0][1])
	})

	t.Run("round-robin starts at the pass counter", func(t *testing.T) {
		m := matrix([]Counts{{0, 0, 0}, {0, 0, 0}, {3, 0, 0}}, []Counts{wide, wide, {6, 100, 100}},
			[]Counts{{}, {}, {2, 0, 0}},
			[]Counts{{}, {}, {2, 0, 0}},
			[]Counts{{}, {}, {}})
		passes, err := Negotiate(m, 10)
		require.NoError(t, err)
		require.Equal(t, 1, passes)
		require.Equal(t, Counts{1, 0, 0}, m.Go[0][2])
		require.Equal(t, Counts{2, 0, 0}, m.Go[1][2])
	})

	t.Run("identical input gives identical revision", func(t *testing.T) {
		build := func() *Matrix {
			return matrix([]Counts{{20, 5, 1}, {20, 5, 1}, {20, 5, 1}},
				[]Counts{{22, 6, 2}, {22, 6, 2}, {22, 6, 2}},
				[]Counts{{}, {5, 2, 1}, {4, 2, 0}},
				[]Counts{{3, 1, 1}, {}, {6, 3, 1}},
				[]Counts{{2, 0, 0}, {1, 1, 0}, {}})
		}
		a, b := build(), build()
		pa, errA := Negotiate(a, 100)
		pb, errB := Negotiate(b, 100)
		require.NoError(t, errA)
		require.NoError(t, errB)
		require.Equal(t, pa, pb)
		require.Equal(t, a.Go, b.Go)
		for r := range 3 {
			for cat := range numCats {
				require.LessOrEqual(t, a.Excess(r, cat), int64(0))
			}
		}
	})

	t.Run("overfull rank without imports is fatal", func(t *testing.T) {
		m := matrix([]Counts{{0, 0, 0}, {12, 0, 0}}, []Counts{wide, {10, 100, 100}},
			[]Counts{{}, {1, 0, 0}},
			[]Counts{{}, {}})
		_, err := Negotiate(m, 10)
		require.ErrorIs(t, err, types.ErrNegotiationDiverged)
		code, ok := types.IsFatal(err)
		require.True(t, ok)
		require.Equal(t, types.CodeNegotiation, code)
	})
}

func TestRunAlternating(t *testing.T) {
	for _, ranks := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("ranks=%d", ranks), func(t *testing.T) {
			const perRank = 48
			err := decomptest.RunWorld(t, ranks, func(ctx context.Context, c *comm.Comm) error {
				st := store.New(wideLimits)
				if err := fill(st, uint64(c.Rank())*1000, perRank, func(i int) int { return i % ranks }); err != nil { //nolint:gosec
					return err
				}

				res, err := newEngine(t, c, st, 1<<20).Run(ctx, destByKey)
				if err != nil {
					return err
				}
				if ranks > 1 && res.Rounds != 1 {
					return fmt.Errorf("rank %d: %d rounds", c.Rank(), res.Rounds)
				}
				if res.TreeInvalid != (ranks > 1) {
					return fmt.Errorf("rank %d: tree invalid %v", c.Rank(), res.TreeInvalid)
				}
				if st.Len() != perRank {
					return fmt.Errorf("rank %d holds %d entities", c.Rank(), st.Len())
				}
				for i := range st.Entities {
					e := &st.Entities[i]
					if int(e.Key) != c.Rank() || e.OnAnotherRank || e.WillExport { //nolint:gosec
						return fmt.Errorf("rank %d holds misplaced entity %+v", c.Rank(), *e)
					}
				}
				if err := st.Verify(); err != nil {
					return err
				}
				if err := checkPayloads(st); err != nil {
					return err
				}

				kinds := st.CountByKind()
				totals, err := c.AllReduceInt64(ctx, kinds[:])
				if err != nil {
					return err
				}
				for k, want := range []int64{12, 12, 0, 0, 12, 12} {
					if totals[k] != want*int64(ranks) {
						return fmt.Errorf("kind %s total %d", types.Kind(k), totals[k]) //nolint:gosec
					}
				}

				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestRunCapacityPressure(t *testing.T) {
	limits := store.Limits{MaxEntities: 30, MaxGas: 30, MaxSinks: 30}
	var revocations [2]int

	err := decomptest.RunWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		st := store.New(limits)
		var n, leave int
		var ceiling int64
		if c.Rank() == 0 {
			n, leave, ceiling = 30, 20, 1<<20
		} else {
			// Room for five plain records per round.
			n, leave, ceiling = 25, 20, PackageBytes+5*EntityBytes
		}
		other := 1 - c.Rank()
		for i := range n {
			dst := c.Rank()
			if i < leave {
				dst = other
			}
			if _, err := st.Add(types.Entity{ID: uint64(c.Rank()*100 + i), Key: uint64(dst), Kind: types.KindDark, Mass: 1}); err != nil { //nolint:gosec
				return err
			}
		}

		res, err := newEngine(t, c, st, ceiling).Run(ctx, destByKey)
		if err != nil {
			return err
		}
		revocations[c.Rank()] = res.Revocations
		if res.Rounds != 4 {
			return fmt.Errorf("rank %d: %d rounds", c.Rank(), res.Rounds)
		}
		want := []int{30, 25}[c.Rank()]
		if st.Len() != want {
			return fmt.Errorf("rank %d holds %d, want %d", c.Rank(), st.Len(), want)
		}

		return st.Verify()
	})
	require.NoError(t, err)
	require.Equal(t, [2]int{2, 2}, revocations)
}

func TestRunInfeasibleStalls(t *testing.T) {
	limits := store.Limits{MaxEntities: 10, MaxGas: 10, MaxSinks: 10}
	err := decomptest.RunWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		st := store.New(limits)
		n := []int{10, 5}[c.Rank()]
		for i := range n {
			if _, err := st.Add(types.Entity{ID: uint64(c.Rank()*100 + i), Key: 1, Kind: types.KindDark, Mass: 1}); err != nil { //nolint:gosec
				return err
			}
		}
		_, err := newEngine(t, c, st, 1<<20).Run(ctx, destByKey)

		return err
	})
	require.ErrorIs(t, err, types.ErrExchangeStalled)
	_, fatal := types.IsFatal(err)
	require.True(t, fatal)
}

func TestRunRejectsBadDestination(t *testing.T) {
	tests := []struct {
		name string
		dest func(rank int) types.DestinationFunc
	}{
		{"out of range on one rank", func(rank int) types.DestinationFunc {
			return func(e *types.Entity) int {
				if rank == 1 {
					return 7
				}
				return destByKey(e)
			}
		}},
		{"nil on one rank", func(rank int) types.DestinationFunc {
			if rank == 0 {
				return nil
			}
			return destByKey
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Plain goroutines: a runner that aborts the world on the first error
			// would release the other rank even if it were left waiting.
			comms := comm.NewWorld(2).Comms()
			stores := make([]*store.Store, 2)
			results := make([]Result, 2)
			errs := make([]error, 2)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			var wg sync.WaitGroup
			for r, c := range comms {
				stores[r] = store.New(wideLimits)
				require.NoError(t, fill(stores[r], uint64(r)*100, 8, func(i int) int { return i % 2 })) //nolint:gosec
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[r], errs[r] = newEngine(t, c, stores[r], 1<<20).Run(ctx, tt.dest(r))
				}()
			}
			wg.Wait()

			for r := range 2 {
				require.ErrorIs(t, errs[r], types.ErrDestinationRejected, "rank %d", r)
				require.ErrorIs(t, errs[r], types.ErrInvalidRank, "rank %d", r)
				require.NotErrorIs(t, errs[r], context.DeadlineExceeded, "rank %d", r)
				_, fatal := types.IsFatal(errs[r])
				require.False(t, fatal)
				require.Equal(t, Result{}, results[r])
				require.Equal(t, 8, stores[r].Len())
				for i := range stores[r].Entities {
					e := &stores[r].Entities[i]
					require.False(t, e.OnAnotherRank || e.WillExport, "rank %d entity %d", r, e.ID)
				}
			}

			// The world is still usable after an agreed rejection.
			for r, c := range comms {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[r], errs[r] = newEngine(t, c, stores[r], 1<<20).Run(ctx, destByKey)
				}()
			}
			wg.Wait()
			for r := range 2 {
				require.NoError(t, errs[r])
				require.True(t, results[r].TreeInvalid)
				require.Equal(t, int64(4), results[r].Sent)
			}
		})
	}
}

func TestRunNoBudget(t *testing.T) {
	err := decomptest.RunWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		st := store.New(wideLimits)
		if _, err := st.Add(types.Entity{ID: uint64(c.Rank()), Key: uint64(1 - c.Rank()), Kind: types.KindDark, Mass: 1}); err != nil { //nolint:gosec
			return err
		}
		_, err := newEngine(t, c, st, PackageBytes).Run(ctx, destByKey)

		return err
	})
	require.ErrorIs(t, err, types.ErrNoExchangeBudget)
	code, ok := types.IsFatal(err)
	require.True(t, ok)
	require.Equal(t, types.CodeNoExchangeBudget, code)
}

func TestRunNoBudgetLogsReservations(t *testing.T) {
	var logs [2]bytes.Buffer
	err := decomptest.RunWorld(t, 2, func(ctx context.Context, c *comm.Comm) error {
		st := store.New(wideLimits)
		if _, err := st.Add(types.Entity{ID: uint64(c.Rank()), Key: uint64(1 - c.Rank()), Kind: types.KindDark, Mass: 1}); err != nil { //nolint:gosec
			return err
		}
		a := arena.New(PackageBytes + 64)
		if err := a.Alloc("tree/nodes", 64); err != nil {
			return err
		}
		logger := logging.NewZerolog(zerolog.New(&logs[c.Rank()]))
		e := New(c, st, a, Config{MaxNegotiationPasses: 100, Workers: 2},
			logger, logging.Root(logger, c.Rank()), metrics.NewNop())
		_, err := e.Run(ctx, destByKey)

		return err
	})
	require.ErrorIs(t, err, types.ErrNoExchangeBudget)
	for r := range logs {
		require.Contains(t, logs[r].String(), "arena has no room for an exchange package", "rank %d", r)
		require.Contains(t, logs[r].String(), "tree/nodes=64 B", "rank %d", r)
	}
}
