// Package decomp provides distributed domain decomposition and particle migration
// for N-body simulations.
//
// A fixed set of ranks each hold a share of the particles. Decompose builds one
// space-filling-curve tree identical on every rank, cuts its leaves into contiguous
// segments of balanced work, folds the segments onto ranks and then migrates every
// particle to the rank owning its leaf. Gas and sink particles carry their extension
// records with them.
//
// # Quick Start
//
//	cfg := decomp.DefaultConfig()
//	st := store.New(cfg.Limits)
//	// ... fill st with local particles ...
//
//	d, err := decomp.New(&cfg, comm, st, decomp.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	res, err := d.Decompose(ctx)
//	if err != nil {
//	    // FatalError: every rank received the same abort
//	    return err
//	}
//	owner, err := d.RankOf(&st.Entities[0])
//
// # Collective Calls
//
// Decompose, Exchange and CollectGarbage are collective: every rank must call them
// in the same order with an identical Config. The communicator can be the in-process
// comm.World for tests or comm.NATSTransport for multi-process runs.
//
// # Phases
//
//	Idle → Collecting → BuildingTree → Balancing → Exchanging → Idle
//
// A build that runs out of tree nodes grows Config.TopNodeAllocFactor by
// Config.TopNodeGrowth and rebuilds. An assignment that breaks the per-rank entity
// ceiling is retried once balancing counts instead of work. Unrecoverable conditions
// abort the whole world with a FatalError carrying a stable numeric code.
//
// # Arbitrary Migration
//
// Exchange moves particles to any rank a DestinationFunc names. The strategy package
// provides round-robin and consistent-hash destinations for redistributing particles
// independent of the tree.
package decomp
