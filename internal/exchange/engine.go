package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/arloliu/decomp/internal/arena"
	"github.com/arloliu/decomp/internal/parallel"
	"github.com/arloliu/decomp/store"
	"github.com/arloliu/decomp/types"
)

// sendBufferName is the arena allocation holding a round's outgoing records.
// Received records land in the store, whose ceilings Negotiate enforces.
const sendBufferName = "exchange/send"

// Config controls the migration engine.
type Config struct {
	// Overhead is the bookkeeping bytes reserved per peer when sizing the budget.
	Overhead int64
	// MaxNegotiationPasses bounds revocation per round.
	MaxNegotiationPasses int
	// MaxRounds bounds the number of rounds; zero means unbounded.
	MaxRounds int
	// Workers is the number of goroutines used to evaluate destinations.
	Workers int
}

// Result summarizes a completed migration.
type Result struct {
	Rounds      int
	Sent        int64
	Received    int64
	Revocations int
	// TreeInvalid is set on every rank when any rank sent or received records.
	TreeInvalid bool
}

// Engine migrates the entities of one rank's store.
type Engine struct {
	comm    types.Communicator
	store   *store.Store
	alloc   types.Allocator
	cfg     Config
	logger  types.Logger
	root    types.Logger
	metrics types.MetricsCollector
}

// New creates a migration engine.
//
// Parameters:
//   - c: Communicator shared with the other ranks
//   - st: Local store, modified in place
//   - alloc: Arena whose free bytes bound each round
//   - cfg: Engine settings
//   - logger: Logger for per-rank anomalies
//   - root: Logger that only emits on rank 0
//   - metrics: Metrics collector
func New(c types.Communicator, st *store.Store, alloc types.Allocator, cfg Config,
	logger, root types.Logger, metrics types.MetricsCollector,
) *Engine {
	if cfg.MaxNegotiationPasses <= 0 {
		cfg.MaxNegotiationPasses = 100
	}

	return &Engine{
		comm:    c,
		store:   st,
		alloc:   alloc,
		cfg:     cfg,
		logger:  logger,
		root:    root,
		metrics: metrics,
	}
}

// Run moves every entity to the rank dest names.
//
// dest must be a pure function of the entity and must return a rank in [0, Size()).
// Every rank must call Run with an equivalent dest. Entities are flagged with
// OnAnotherRank up front and the flags are cleared as they move.
//
// A nil dest or an out-of-range destination on any rank is agreed on collectively:
// every rank then returns ErrDestinationRejected with its store untouched.
//
// Returns:
//   - Result: Round and record totals for this rank
//   - error: ErrDestinationRejected, or FatalError for budget, negotiation, capacity
//     or consistency failures
func (e *Engine) Run(ctx context.Context, dest types.DestinationFunc) (Result, error) {
	var res Result

	pending, err := e.mark(ctx, dest)
	if err != nil && ctx.Err() != nil {
		return res, err
	}
	rejected, cerr := e.comm.Any(ctx, err != nil)
	if cerr != nil {
		return res, cerr
	}
	if rejected {
		e.unmark()
		if err == nil {
			err = fmt.Errorf("%w: reported by a peer", types.ErrInvalidRank)
		}

		return res, fmt.Errorf("%w: %w", types.ErrDestinationRejected, err)
	}

	for {
		total, err := e.comm.AllReduceInt64(ctx, []int64{pending})
		if err != nil {
			return res, err
		}
		if total[0] == 0 {
			return res, nil
		}
		if e.cfg.MaxRounds > 0 && res.Rounds >= e.cfg.MaxRounds {
			return res, types.NewFatal(types.CodeInternal,
				fmt.Errorf("%w: %d entities pending after %d rounds", types.ErrExchangeStalled, total[0], res.Rounds))
		}

		start := time.Now()
		st, err := e.round(ctx, dest)
		if err != nil {
			return res, err
		}
		res.Rounds++
		res.Sent += st.sent
		res.Received += st.received
		res.Revocations += st.passes
		e.metrics.RecordExchangeRound(int(st.sent), int(st.received), time.Since(start).Seconds())

		res.TreeInvalid = res.TreeInvalid || st.moved > 0
		if st.moved == 0 {
			return res, types.NewFatal(types.CodeInternal,
				fmt.Errorf("%w: %d entities pending", types.ErrExchangeStalled, total[0]))
		}
		pending = e.pending()
	}
}

// mark sets OnAnotherRank on every entity whose destination differs from this rank.
func (e *Engine) mark(ctx context.Context, dest types.DestinationFunc) (int64, error) {
	if dest == nil {
		return 0, fmt.Errorf("%w: nil destination", types.ErrInvalidRank)
	}
	rank, size := e.comm.Rank(), e.comm.Size()
	ents := e.store.Entities

	var pending atomic.Int64
	err := parallel.For(ctx, len(ents), e.cfg.Workers, func(_ context.Context, lo, hi int) error {
		var n int64
		for i := lo; i < hi; i++ {
			d := dest(&ents[i])
			if d < 0 || d >= size {
				return fmt.Errorf("%w: destination %d for entity %d", types.ErrInvalidRank, d, ents[i].ID)
			}
			ents[i].WillExport = false
			ents[i].OnAnotherRank = d != rank
			if ents[i].OnAnotherRank {
				n++
			}
		}
		pending.Add(n)

		return nil
	})

	return pending.Load(), err
}

func (e *Engine) unmark() {
	for i := range e.store.Entities {
		e.store.Entities[i].OnAnotherRank = false
		e.store.Entities[i].WillExport = false
	}
}

func (e *Engine) pending() int64 {
	var n int64
	for i := range e.store.Entities {
		if e.store.Entities[i].OnAnotherRank {
			n++
		}
	}

	return n
}

type roundStats struct {
	sent     int64
	received int64
	moved    int64
	passes   int
}

func (e *Engine) round(ctx context.Context, dest types.DestinationFunc) (roundStats, error) {
	var st roundStats
	rank, size := e.comm.Rank(), e.comm.Size()

	out, err := e.countToGo(dest)
	if err != nil {
		return st, err
	}

	limits := e.store.Limits()
	held := Counts{int64(e.store.Len()), int64(len(e.store.Gas)), int64(len(e.store.Sinks))}
	limit := Counts{int64(limits.MaxEntities), int64(limits.MaxGas), int64(limits.MaxSinks)}
	rows, err := e.comm.AllGatherInt64(ctx, encodeRow(held, limit, out))
	if err != nil {
		return st, err
	}
	m, err := newMatrix(rows)
	if err != nil {
		return st, types.NewFatal(types.CodeInternal, err)
	}

	st.passes, err = Negotiate(m, e.cfg.MaxNegotiationPasses)
	if err != nil {
		return st, err
	}
	if st.passes > 0 {
		e.root.Info("exchange plan revised to respect receiver ceilings", "passes", st.passes)
		e.metrics.RecordRevocation(st.passes)
		e.reflag(dest, m.Go[rank])
	}
	st.moved = m.Total()

	sendBytes := volume(m.Out(rank))
	recvBytes := volume(m.In(rank))
	if err := e.alloc.Alloc(sendBufferName, sendBytes); err != nil {
		return st, types.NewFatal(types.CodeNoExchangeBudget, err)
	}
	defer e.alloc.Free(sendBufferName)

	bufs, err := e.pack(dest, m.Go[rank])
	if err != nil {
		return st, types.NewFatal(types.CodeInternal, err)
	}
	st.sent = m.Out(rank)[CatAll]

	sendEnts := make([][]byte, size)
	sendGas := make([][]byte, size)
	sendSinks := make([][]byte, size)
	for d := range size {
		sendEnts[d] = encodeEntities(bufs[d].ents)
		sendGas[d] = encodeGas(bufs[d].gas)
		sendSinks[d] = encodeSinks(bufs[d].sinks)
	}
	recvEnts, err := e.comm.AllToAllV(ctx, sendEnts)
	if err != nil {
		return st, err
	}
	recvGas, err := e.comm.AllToAllV(ctx, sendGas)
	if err != nil {
		return st, err
	}
	recvSinks, err := e.comm.AllToAllV(ctx, sendSinks)
	if err != nil {
		return st, err
	}

	for src := range size {
		n, err := e.receive(m.Go[src][rank], recvEnts[src], recvGas[src], recvSinks[src])
		st.received += n
		if err != nil {
			e.logger.Error("exchange receive failed", "source", src, "error", err)

			return st, err
		}
	}

	e.logger.Debug("exchange round complete",
		"sent", st.sent, "received", st.received,
		"sendBytes", humanize.IBytes(uint64(sendBytes)), //nolint:gosec
		"recvBytes", humanize.IBytes(uint64(recvBytes))) //nolint:gosec

	return st, e.comm.Barrier(ctx)
}

func volume(c Counts) int64 {
	return c[CatAll]*EntityBytes + c[CatGas]*GasBytes + c[CatSink]*SinkBytes
}

// countToGo flags exports in store order until the byte budget runs out.
func (e *Engine) countToGo(dest types.DestinationFunc) ([]Counts, error) {
	rank, size := e.comm.Rank(), e.comm.Size()
	budget := e.alloc.FreeBytes() - int64(size)*e.cfg.Overhead
	if budget <= PackageBytes {
		e.logger.Error("arena has no room for an exchange package",
			"free", humanize.IBytes(uint64(max(budget, 0))), //nolint:gosec
			"reservations", arena.Reservations(e.alloc),
		)

		return nil, types.NewFatal(types.CodeNoExchangeBudget,
			fmt.Errorf("%w: %s free, record package needs %d bytes",
				types.ErrNoExchangeBudget, humanize.IBytes(uint64(max(budget, 0))), PackageBytes)) //nolint:gosec
	}

	out := make([]Counts, size)
	ents := e.store.Entities
	for i := range ents {
		if budget <= PackageBytes {
			break
		}
		ent := &ents[i]
		if !ent.OnAnotherRank {
			continue
		}
		d := dest(ent)
		if d == rank {
			ent.OnAnotherRank = false
			continue
		}

		out[d][CatAll]++
		budget -= EntityBytes
		switch ent.Kind {
		case types.KindGas:
			out[d][CatGas]++
			budget -= GasBytes
		case types.KindSink:
			out[d][CatSink]++
			budget -= SinkBytes
		}
		ent.WillExport = true
	}

	return out, nil
}

// reflag reselects exports so that the flagged counts match quota exactly.
func (e *Engine) reflag(dest types.DestinationFunc, quota []Counts) {
	taken := make([]Counts, len(quota))
	ents := e.store.Entities
	for i := range ents {
		ent := &ents[i]
		if !ent.OnAnotherRank {
			continue
		}
		ent.WillExport = false
		d := dest(ent)
		cat := categoryOf(ent.Kind)
		if taken[d][CatAll] >= quota[d][CatAll] {
			continue
		}
		if cat == CatAll {
			if taken[d].Plain() >= quota[d].Plain() {
				continue
			}
		} else {
			if taken[d][cat] >= quota[d][cat] {
				continue
			}
			taken[d][cat]++
		}
		taken[d][CatAll]++
		ent.WillExport = true
	}
}

type outbox struct {
	ents  []types.Entity
	gas   []types.GasData
	sinks []types.SinkData
}

// pack moves the flagged entities into per-destination buffers and removes them.
//
// Packed extension handles index the destination's extension buffer.
func (e *Engine) pack(dest types.DestinationFunc, plan []Counts) ([]outbox, error) {
	bufs := make([]outbox, len(plan))
	for d, c := range plan {
		bufs[d] = outbox{
			ents:  make([]types.Entity, 0, c[CatAll]),
			gas:   make([]types.GasData, 0, c[CatGas]),
			sinks: make([]types.SinkData, 0, c[CatSink]),
		}
	}

	s := e.store
	rm := s.NewRemover()
	for i := 0; i < len(s.Entities); {
		ent := s.Entities[i]
		if !ent.OnAnotherRank || !ent.WillExport {
			i++
			continue
		}
		d := dest(&ent)
		b := &bufs[d]
		ent.OnAnotherRank = false
		ent.WillExport = false
		switch ent.Kind {
		case types.KindGas:
			if ent.Ext < 0 {
				return nil, fmt.Errorf("%w: gas entity %d has no extension", types.ErrHandleMismatch, ent.ID)
			}
			b.gas = append(b.gas, s.Gas[ent.Ext])
			ent.Ext = int32(len(b.gas) - 1) //nolint:gosec
		case types.KindSink:
			if ent.Ext < 0 {
				return nil, fmt.Errorf("%w: sink entity %d has no extension", types.ErrHandleMismatch, ent.ID)
			}
			b.sinks = append(b.sinks, s.Sinks[ent.Ext])
			ent.Ext = int32(len(b.sinks) - 1) //nolint:gosec
		default:
			ent.Ext = types.NoExtension
		}
		b.ents = append(b.ents, ent)
		rm.Remove(i)
	}

	for d := range bufs {
		got := Counts{int64(len(bufs[d].ents)), int64(len(bufs[d].gas)), int64(len(bufs[d].sinks))}
		if got != plan[d] {
			return nil, fmt.Errorf("%w: packed %v for rank %d, planned %v", types.ErrTransferMismatch, got, d, plan[d])
		}
	}

	return bufs, nil
}

// receive appends one source's records after checking them against the plan.
func (e *Engine) receive(want Counts, entBuf, gasBuf, sinkBuf []byte) (int64, error) {
	ents, err := decodeEntities(entBuf)
	if err != nil {
		return 0, types.NewFatal(types.CodeInternal, err)
	}
	gas, err := decodeGas(gasBuf)
	if err != nil {
		return 0, types.NewFatal(types.CodeInternal, err)
	}
	sinks, err := decodeSinks(sinkBuf)
	if err != nil {
		return 0, types.NewFatal(types.CodeInternal, err)
	}

	got := Counts{int64(len(ents)), int64(len(gas)), int64(len(sinks))}
	if got != want {
		return 0, types.NewFatal(types.CodeInternal,
			fmt.Errorf("%w: received %v, planned %v", types.ErrTransferMismatch, got, want))
	}

	if err := e.store.Append(ents, gas, sinks); err != nil {
		if errors.Is(err, types.ErrCapacityExceeded) {
			return got[CatAll], types.NewFatal(types.CodeCapacityExceeded, err)
		}

		return got[CatAll], types.NewFatal(types.CodeInternal, err)
	}

	return got[CatAll], nil
}
