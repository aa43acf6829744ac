package decomp

import "github.com/arloliu/decomp/types"

// Sentinel errors returned by the Decomposer, re-exported from the types package.
//
// Check them with errors.Is. Fatal conditions arrive as *FatalError; use IsFatal to
// read the code.
var (
	ErrInvalidConfig        = types.ErrInvalidConfig
	ErrCommunicatorRequired = types.ErrCommunicatorRequired
	ErrStoreRequired        = types.ErrStoreRequired
	ErrNotDecomposed        = types.ErrNotDecomposed

	ErrTreeCapacity  = types.ErrTreeCapacity
	ErrTreeCorrupted = types.ErrTreeCorrupted
	ErrTreeMismatch  = types.ErrTreeMismatch
	ErrTooFewLeaves  = types.ErrTooFewLeaves
	ErrMemoryBound   = types.ErrMemoryBound

	ErrNoExchangeBudget    = types.ErrNoExchangeBudget
	ErrNegotiationDiverged = types.ErrNegotiationDiverged
	ErrCapacityExceeded    = types.ErrCapacityExceeded
	ErrTransferMismatch    = types.ErrTransferMismatch
	ErrExchangeStalled     = types.ErrExchangeStalled
	ErrDestinationRejected = types.ErrDestinationRejected

	ErrHandleMismatch = types.ErrHandleMismatch
	ErrStoreFull      = types.ErrStoreFull
	ErrDuplicateID    = types.ErrDuplicateID
	ErrArenaExhausted = types.ErrArenaExhausted
	ErrAborted        = types.ErrAborted
	ErrInvalidRank    = types.ErrInvalidRank
)

// IsFatal reports whether err carries a FatalError, returning its code.
func IsFatal(err error) (int, bool) {
	return types.IsFatal(err)
}
