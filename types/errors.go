package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the decomp library.
//
// These errors provide type-safe error checking using errors.Is() and errors.As().
// All components should use these sentinel errors for known error conditions
// and wrap external errors with context using fmt.Errorf("%s: %w", msg, err).
//
// Retryable conditions (ErrTreeCapacity, ErrMemoryBound) are handled inside
// Decompose. Everything reported through FatalError ends the distributed run.

// Decomposer errors - Public API errors returned by the Decomposer.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCommunicatorRequired is returned when the communicator is nil.
	ErrCommunicatorRequired = errors.New("communicator is required")

	// ErrStoreRequired is returned when the entity store is nil.
	ErrStoreRequired = errors.New("entity store is required")

	// ErrNotDecomposed is returned by lookups issued before the first decomposition.
	ErrNotDecomposed = errors.New("no decomposition available")
)

// Tree builder errors.
var (
	// ErrTreeCapacity signals that the top-level tree needs more node capacity.
	ErrTreeCapacity = errors.New("top-level tree node capacity exceeded")

	// ErrTreeCorrupted is returned when two trees cannot be merged.
	ErrTreeCorrupted = errors.New("top-level tree is corrupted")

	// ErrTreeMismatch is returned when ranks hold different merged trees.
	ErrTreeMismatch = errors.New("merged top-level tree differs between ranks")

	// ErrTooFewLeaves is returned when the tree has fewer leaves than segments.
	ErrTooFewLeaves = errors.New("fewer top-level leaves than required segments")
)

// Load balancer errors.
var (
	// ErrMemoryBound signals that an assignment exceeds the per-rank entity ceiling.
	ErrMemoryBound = errors.New("assignment violates per-rank memory bound")
)

// Migration engine errors.
var (
	// ErrNoExchangeBudget is returned when free memory cannot hold a single record package.
	ErrNoExchangeBudget = errors.New("no free memory for particle exchange")

	// ErrNegotiationDiverged is returned when export revocation exceeds its round bound.
	ErrNegotiationDiverged = errors.New("export revocation did not converge")

	// ErrCapacityExceeded is returned when a store exceeds its ceiling after receipt.
	ErrCapacityExceeded = errors.New("store capacity exceeded")

	// ErrTransferMismatch is returned when packed or received counts differ from the plan.
	ErrTransferMismatch = errors.New("transfer counts do not match plan")

	// ErrExchangeStalled is returned when pending exports remain but no round makes progress.
	ErrExchangeStalled = errors.New("particle exchange made no progress")

	// ErrDestinationRejected is returned by every rank when any rank's destination
	// function was nil or named a rank out of range. Nothing was moved.
	ErrDestinationRejected = errors.New("exchange destinations rejected")
)

// Store and garbage collector errors.
var (
	// ErrHandleMismatch is returned when an extension handle does not resolve to its owner.
	ErrHandleMismatch = errors.New("extension handle does not match owner")

	// ErrStoreFull is returned when an append or fork exceeds the entity ceiling.
	ErrStoreFull = errors.New("entity store is full")

	// ErrDuplicateID is returned when two live entities share an ID.
	ErrDuplicateID = errors.New("duplicate entity ID")
)

// Common errors - Shared errors used across multiple components.
var (
	// ErrArenaExhausted is returned when an allocation exceeds the arena ceiling.
	ErrArenaExhausted = errors.New("arena exhausted")

	// ErrAborted is returned by communicator calls released by an abort.
	ErrAborted = errors.New("distributed run aborted")

	// ErrInvalidRank is returned for a rank outside [0, Size()).
	ErrInvalidRank = errors.New("invalid rank")
)

// Fatal error codes distinguishing the abort cause.
const (
	CodeInternal          = 1
	CodeTooFewLeaves      = 112
	CodeNoExchangeBudget  = 212
	CodeTopNodeAllocLimit = 781
	CodeTreeCorrupted     = 89
	CodeMemoryBound       = 900
	CodeNegotiation       = 1013
	CodeDuplicateID       = 12
	CodeCapacityExceeded  = 787878
)

// FatalError reports a condition that ends the whole distributed run.
type FatalError struct {
	Code int
	Err  error
}

// NewFatal wraps err as a fatal error with the given code.
func NewFatal(code int, err error) *FatalError {
	return &FatalError{Code: code, Err: err}
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal (code %d): %v", e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a FatalError, returning its code.
func IsFatal(err error) (int, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Code, true
	}

	return 0, false
}
