package hooks

import (
	"context"

	"github.com/arloliu/decomp/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// This is the default implementation used when no custom hooks are provided,
// eliminating the need for nil checks throughout the codebase.
type NopHooks struct{}

// Compile-time assertions that NopHooks implements hook callbacks.
var (
	_ func(context.Context, types.DecompositionResult) error = (*NopHooks)(nil).OnDecomposed
	_ func(context.Context) error                            = (*NopHooks)(nil).OnForceTreeInvalidated
)

// NewNop creates a new no-op hooks implementation.
//
// Returns:
//   - types.Hooks: Hooks with no-op implementations
func NewNop() types.Hooks {
	h := &NopHooks{}
	return types.Hooks{
		OnDecomposed:           h.OnDecomposed,
		OnForceTreeInvalidated: h.OnForceTreeInvalidated,
	}
}

// Fill returns a copy of h with every nil callback replaced by a no-op.
// A nil h yields NewNop().
func Fill(h *types.Hooks) types.Hooks {
	out := NewNop()
	if h == nil {
		return out
	}
	if h.OnDecomposed != nil {
		out.OnDecomposed = h.OnDecomposed
	}
	if h.OnForceTreeInvalidated != nil {
		out.OnForceTreeInvalidated = h.OnForceTreeInvalidated
	}

	return out
}

// OnDecomposed is a no-op implementation.
func (h *NopHooks) OnDecomposed(_ context.Context, _ types.DecompositionResult) error {
	return nil
}

// OnForceTreeInvalidated is a no-op implementation.
func (h *NopHooks) OnForceTreeInvalidated(_ context.Context) error {
	return nil
}
