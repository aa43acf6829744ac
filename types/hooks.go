package types

import "context"

// Hooks defines callbacks for decomposition lifecycle events.
//
// All hooks are optional and run synchronously on the calling rank after the
// corresponding operation completes. Hook errors are logged but don't fail the
// operation. Hooks must not issue collectives: other ranks do not wait for them.
//
// Example:
//
//	hooks := &decomp.Hooks{
//	    OnForceTreeInvalidated: func(ctx context.Context) error {
//	        forceTree.Invalidate()
//	        return nil
//	    },
//	}
type Hooks struct {
	// OnDecomposed is called after Decompose returns successfully on this rank.
	OnDecomposed func(ctx context.Context, result DecompositionResult) error

	// OnForceTreeInvalidated is called when GC or migration reordered the local store.
	OnForceTreeInvalidated func(ctx context.Context) error
}

// DecompositionResult summarizes a completed decomposition.
type DecompositionResult struct {
	Objective      Objective
	NumNodes       int
	NumLeaves      int
	Segments       []Segment
	WorkImbalance  float64 // max work / average work
	LoadImbalance  float64 // max count / average count
	ExchangeRounds int
	TreeInvalid    bool
	AllocFactor    float64
}
