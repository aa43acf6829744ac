package types

// Phase represents the decomposer's position in a decomposition pass.
//
// A pass progresses through:
//
//	PhaseIdle → PhaseCollecting → PhaseBuildingTree → PhaseBalancing → PhaseExchanging → PhaseIdle
//
// PhaseBuildingTree is re-entered after a tree capacity growth. PhaseAborted is terminal.
type Phase int

const (
	// PhaseIdle indicates no decomposition is in progress.
	PhaseIdle Phase = iota

	// PhaseCollecting indicates garbage collection of the local store.
	PhaseCollecting

	// PhaseBuildingTree indicates the top-level tree is being built and merged.
	PhaseBuildingTree

	// PhaseBalancing indicates segments are being split, folded and validated.
	PhaseBalancing

	// PhaseExchanging indicates entities are migrating between ranks.
	PhaseExchanging

	// PhaseAborted indicates a fatal condition ended the run.
	PhaseAborted
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseCollecting:
		return "Collecting"
	case PhaseBuildingTree:
		return "BuildingTree"
	case PhaseBalancing:
		return "Balancing"
	case PhaseExchanging:
		return "Exchanging"
	case PhaseAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}
