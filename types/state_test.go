package types

import "testing"

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIdle, "Idle"},
		{PhaseCollecting, "Collecting"},
		{PhaseBuildingTree, "BuildingTree"},
		{PhaseBalancing, "Balancing"},
		{PhaseExchanging, "Exchanging"},
		{PhaseAborted, "Aborted"},
		{Phase(999), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.phase.String(); got != tt.want {
				t.Errorf("Phase.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
		ext  bool
	}{
		{KindGas, "gas", true},
		{KindDark, "dark", false},
		{KindDisk, "disk", false},
		{KindBulge, "bulge", false},
		{KindStar, "star", false},
		{KindSink, "sink", true},
		{Kind(42), "unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("Kind.String() = %v, want %v", got, tt.want)
			}
			if got := tt.kind.HasExtension(); got != tt.ext {
				t.Errorf("Kind.HasExtension() = %v, want %v", got, tt.ext)
			}
		})
	}
}

func TestObjectiveString(t *testing.T) {
	if ObjectiveWork.String() != "work" {
		t.Errorf("ObjectiveWork.String() = %v", ObjectiveWork.String())
	}
	if ObjectiveCount.String() != "count" {
		t.Errorf("ObjectiveCount.String() = %v", ObjectiveCount.String())
	}
	if Objective(7).String() != "unknown" {
		t.Errorf("Objective(7).String() = %v", Objective(7).String())
	}
}
