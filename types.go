package decomp

import "github.com/arloliu/decomp/types"

// Re-export types from the internal types package.
//
// This file provides a stable public API for the library's core types and
// interfaces. It uses type aliases to re-export definitions from the `types`
// subpackage, which internal packages depend on without importing the root
// package.
type (
	Entity              = types.Entity
	GasData             = types.GasData
	SinkData            = types.SinkData
	Kind                = types.Kind
	Objective           = types.Objective
	Segment             = types.Segment
	Phase               = types.Phase
	DecompositionResult = types.DecompositionResult
	FatalError          = types.FatalError
)

// Re-export function types and interfaces from the internal types package for convenience.
type (
	KeyFunc          = types.KeyFunc
	CostFunc         = types.CostFunc
	DestinationFunc  = types.DestinationFunc
	Communicator     = types.Communicator
	Allocator        = types.Allocator
	MetricsCollector = types.MetricsCollector
	Logger           = types.Logger
	Hooks            = types.Hooks
)

// Re-export Kind constants from the internal types package.
const (
	KindGas   = types.KindGas
	KindDark  = types.KindDark
	KindDisk  = types.KindDisk
	KindBulge = types.KindBulge
	KindStar  = types.KindStar
	KindSink  = types.KindSink
	NumKinds  = types.NumKinds
)

// Re-export Objective constants from the internal types package.
const (
	ObjectiveWork  = types.ObjectiveWork
	ObjectiveCount = types.ObjectiveCount
)

// Re-export Phase constants from the internal types package.
const (
	PhaseIdle         = types.PhaseIdle
	PhaseCollecting   = types.PhaseCollecting
	PhaseBuildingTree = types.PhaseBuildingTree
	PhaseBalancing    = types.PhaseBalancing
	PhaseExchanging   = types.PhaseExchanging
	PhaseAborted      = types.PhaseAborted
)
