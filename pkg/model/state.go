package model

// UnitState represents the lifecycle state of a WorkUnit inside the scheduler.
type UnitState string

const (
	UnitStatePending      UnitState = "PENDING"
	UnitStateDispatched   UnitState = "DISPATCHED"
	UnitStateRetryPending UnitState = "RETRY_PENDING"
	UnitStateSucceeded    UnitState = "SUCCEEDED"
	UnitStateFailed       UnitState = "FAILED"
	UnitStateCancelled    UnitState = "CANCELLED"
)

// String returns the string representation of the unit state.
func (s UnitState) String() string {
	return string(s)
}

// IsTerminal returns true if the unit is in a final state.
func (s UnitState) IsTerminal() bool {
	switch s {
	case UnitStateSucceeded, UnitStateFailed, UnitStateCancelled:
		return true
	}
	return false
}

// ValidUnitTransitions defines the allowed state transitions for work units.
var ValidUnitTransitions = map[UnitState][]UnitState{
	UnitStatePending:      {UnitStateDispatched, UnitStateFailed, UnitStateCancelled},
	UnitStateDispatched:   {UnitStateSucceeded, UnitStateRetryPending, UnitStateFailed, UnitStateCancelled},
	UnitStateRetryPending: {UnitStatePending, UnitStateCancelled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s UnitState) CanTransitionTo(next UnitState) bool {
	for _, allowed := range ValidUnitTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunState represents the lifecycle state of a pipeline run.
type RunState string

const (
	RunStateRunning    RunState = "RUNNING"
	RunStateCompleted  RunState = "COMPLETED"
	RunStateIncomplete RunState = "INCOMPLETE"
	RunStateCancelled  RunState = "CANCELLED"
)

// IsTerminal returns true if the run is in a final state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCompleted, RunStateIncomplete, RunStateCancelled:
		return true
	}
	return false
}

// TaskStatus is the terminal outcome recorded in a TaskResult.
type TaskStatus string

const (
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// StatusFor maps a terminal unit state to the TaskResult status.
func StatusFor(s UnitState) TaskStatus {
	switch s {
	case UnitStateSucceeded:
		return TaskStatusSucceeded
	case UnitStateCancelled:
		return TaskStatusCancelled
	default:
		return TaskStatusFailed
	}
}
