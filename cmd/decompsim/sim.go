package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/decomp"
	"github.com/arloliu/decomp/comm"
	"github.com/arloliu/decomp/internal/arena"
	"github.com/arloliu/decomp/internal/logging"
	"github.com/arloliu/decomp/internal/metrics"
	"github.com/arloliu/decomp/internal/rankclaim"
	"github.com/arloliu/decomp/internal/synth"
	"github.com/arloliu/decomp/store"
)

// claimTTL is the lease of a claimed rank.
const claimTTL = 30 * time.Second

type options struct {
	ranks        int
	particles    int
	configPath   string
	natsURL      string
	session      string
	rank         int
	claimRank    bool
	clusters     int
	spread       float64
	gasFraction  float64
	sinkFraction float64
	steps        int
	drift        float64
	seed         uint64
	logFormat    string
	verbose      bool
	metricsAddr  string
}

func defaultOptions() *options {
	return &options{
		ranks:        4,
		particles:    10000,
		rank:         -1,
		clusters:     8,
		spread:       0.05,
		gasFraction:  0.4,
		sinkFraction: 0.001,
		steps:        1,
		drift:        0.01,
		seed:         1,
		logFormat:    "console",
	}
}

// rankReport is what one rank prints after its last step.
type rankReport struct {
	rank      int
	entities  int
	gas       int
	sinks     int
	result    decomp.DecompositionResult
	totals    [decomp.NumKinds]int64
	elapsed   time.Duration
	allocated int64
}

func run(ctx context.Context, opts *options, out io.Writer) error {
	if err := opts.validate(); err != nil {
		return err
	}

	cfg := decomp.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = decomp.LoadConfig(opts.configPath); err != nil {
			return err
		}
	}

	logger, flush, err := newLogger(opts)
	if err != nil {
		return err
	}
	defer flush()

	reg := prometheus.NewRegistry()
	collector := metrics.NewPrometheus(reg, "decompsim")
	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var world *comm.World
	var prefix string
	switch {
	case opts.natsURL == "":
		world = comm.NewWorld(opts.ranks)
	case opts.session != "":
		prefix = "decomp." + opts.session
	case opts.rank >= 0 || opts.claimRank:
		return errors.New("--session is required when ranks run in separate processes")
	default:
		prefix = comm.NewSessionPrefix()
	}

	if opts.claimRank {
		release, err := claimRank(ctx, opts, prefix, logger)
		if err != nil {
			return err
		}
		defer release()
	}

	ranks := localRanks(opts)
	reports := make([]rankReport, len(ranks))
	var g errgroup.Group
	for i, r := range ranks {
		g.Go(func() error {
			c, closeComm, err := connect(ctx, opts, world, prefix, r)
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			defer closeComm()

			rep, err := simulate(ctx, opts, cfg, c, logger, collector)
			if err != nil {
				c.Abort(err)
				return fmt.Errorf("rank %d: %w", r, err)
			}
			reports[i] = rep

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return printReports(out, reports)
}

// claimRank takes a free rank from the session's claim bucket and stores it in opts.rank.
func claimRank(ctx context.Context, opts *options, prefix string, logger decomp.Logger) (func(), error) {
	nc, err := nats.Connect(opts.natsURL, nats.Name("decompsim-claim"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	kv, err := rankclaim.EnsureBucket(ctx, js, rankclaim.BucketName(prefix), claimTTL, 3)
	if err != nil {
		nc.Close()
		return nil, err
	}

	claimer := rankclaim.NewClaimer(kv, opts.ranks, claimTTL, logger)
	if opts.rank, err = claimer.Claim(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	if err := claimer.StartRenewal(); err != nil {
		nc.Close()
		return nil, err
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := claimer.Release(releaseCtx); err != nil {
			logger.Warn("failed to release rank", "error", err)
		}
		nc.Close()
	}, nil
}

func localRanks(opts *options) []int {
	if opts.rank >= 0 {
		return []int{opts.rank}
	}
	ranks := make([]int, opts.ranks)
	for i := range ranks {
		ranks[i] = i
	}

	return ranks
}

// connect returns the communicator of rank r, either from the in-process world or
// over its own NATS connection under prefix.
func connect(ctx context.Context, opts *options, world *comm.World, prefix string, r int) (*comm.Comm, func(), error) {
	if world != nil {
		return comm.New(world.Transport(r)), func() {}, nil
	}

	nc, err := nats.Connect(opts.natsURL, nats.Name(fmt.Sprintf("decompsim-rank-%d", r)))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	t, err := comm.NewNATSTransport(ctx, nc, r, opts.ranks, comm.NATSConfig{Prefix: prefix})
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	c := comm.New(t)

	return c, func() {
		_ = c.Close()
		nc.Close()
	}, nil
}

func simulate(ctx context.Context, opts *options, cfg decomp.Config, c *comm.Comm,
	logger decomp.Logger, collector decomp.MetricsCollector,
) (rankReport, error) {
	rep := rankReport{rank: c.Rank()}

	st := store.New(cfg.Limits)
	if err := synth.Fill(st, synth.Params{
		Count:        opts.particles,
		Clusters:     opts.clusters,
		Spread:       opts.spread,
		GasFraction:  opts.gasFraction,
		SinkFraction: opts.sinkFraction,
		Origin:       cfg.Box.Origin,
		Side:         cfg.Box.Side,
		Seed:         opts.seed,
		Rank:         c.Rank(),
	}); err != nil {
		return rep, err
	}

	alloc := arena.New(cfg.MemoryBudget)
	d, err := decomp.New(&cfg, c, st,
		decomp.WithLogger(logger),
		decomp.WithMetrics(collector),
		decomp.WithAllocator(alloc),
	)
	if err != nil {
		return rep, err
	}

	rng := rand.New(rand.NewPCG(opts.seed, uint64(c.Rank())+1000)) //nolint:gosec // synthetic motion
	start := time.Now()
	for step := range opts.steps {
		if step > 0 {
			drift(st, rng, cfg.Box, opts.drift)
		}
		if rep.result, err = d.Decompose(ctx); err != nil {
			return rep, fmt.Errorf("step %d: %w", step, err)
		}
	}

	rep.elapsed = time.Since(start)
	rep.entities = st.Len()
	rep.gas = len(st.Gas)
	rep.sinks = len(st.Sinks)
	rep.totals = d.Totals()
	rep.allocated = alloc.AllocatedBytes()

	return rep, nil
}

// drift displaces every particle by a Gaussian offset and wraps it into the box.
func drift(st *store.Store, rng *rand.Rand, box decomp.BoxConfig, scale float64) {
	for i := range st.Entities {
		e := &st.Entities[i]
		for d := range 3 {
			x := e.Pos[d] - box.Origin[d] + rng.NormFloat64()*scale*box.Side
			x = math.Mod(x, box.Side)
			if x < 0 {
				x += box.Side
			}
			if x >= box.Side {
				x = 0
			}
			e.Pos[d] = box.Origin[d] + x
		}
	}
}

func printReports(out io.Writer, reports []rankReport) error {
	if len(reports) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "rank\tentities\tgas\tsinks\tarena\telapsed\t")
	for _, r := range reports {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t\n", r.rank,
			humanize.Comma(int64(r.entities)), humanize.Comma(int64(r.gas)), humanize.Comma(int64(r.sinks)),
			humanize.IBytes(uint64(r.allocated)), r.elapsed.Round(time.Millisecond)) //nolint:gosec
	}
	if err := w.Flush(); err != nil {
		return err
	}

	res := reports[0].result
	var total int64
	for _, n := range reports[0].totals {
		total += n
	}
	fmt.Fprintf(out, "\nparticles %s  leaves %d  nodes %d  objective %s\n",
		humanize.Comma(total), res.NumLeaves, res.NumNodes, res.Objective)
	fmt.Fprintf(out, "work imbalance %.3f  load imbalance %.3f  exchange rounds %d  alloc factor %.3g\n",
		res.WorkImbalance, res.LoadImbalance, res.ExchangeRounds, res.AllocFactor)

	return nil
}

// newLogger builds the process logger and returns a flush function.
func newLogger(opts *options) (decomp.Logger, func(), error) {
	if opts.logFormat == "json" {
		zcfg := zap.NewProductionConfig()
		if opts.verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		zl, err := zcfg.Build()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		l := logging.NewZap(zl)

		return l, func() { _ = l.Sync() }, nil
	}

	if opts.logFormat == "text" {
		level := slog.LevelInfo
		if opts.verbose {
			level = slog.LevelDebug
		}

		return logging.NewText(level), func() {}, nil
	}

	level := zerolog.InfoLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	return logging.NewConsole(os.Stderr), func() {}, nil
}
