package model

import "testing"

func TestUnitState_IsTerminal(t *testing.T) {
	tests := []struct {
		state UnitState
		want  bool
	}{
		{UnitStatePending, false},
		{UnitStateDispatched, false},
		{UnitStateRetryPending, false},
		{UnitStateSucceeded, true},
		{UnitStateFailed, true},
		{UnitStateCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnitState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to UnitState
		want     bool
	}{
		{UnitStatePending, UnitStateDispatched, true},
		{UnitStatePending, UnitStateFailed, true},
		{UnitStateDispatched, UnitStateSucceeded, true},
		{UnitStateDispatched, UnitStateRetryPending, true},
		{UnitStateRetryPending, UnitStatePending, true},
		{UnitStateRetryPending, UnitStateDispatched, false},
		{UnitStateSucceeded, UnitStatePending, false},
		{UnitStateFailed, UnitStateRetryPending, false},
		{UnitStateCancelled, UnitStatePending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	if got := StatusFor(UnitStateSucceeded); got != TaskStatusSucceeded {
		t.Errorf("StatusFor(SUCCEEDED) = %q", got)
	}
	if got := StatusFor(UnitStateCancelled); got != TaskStatusCancelled {
		t.Errorf("StatusFor(CANCELLED) = %q", got)
	}
	if got := StatusFor(UnitStateFailed); got != TaskStatusFailed {
		t.Errorf("StatusFor(FAILED) = %q", got)
	}
}
