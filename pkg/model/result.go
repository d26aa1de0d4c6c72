package model

import "time"

// FailureDetail explains a failed TaskResult.
type FailureDetail struct {
	Category FailureCategory `json:"category"`
	Message  string          `json:"message"`
	ExitCode *int            `json:"exit_code,omitempty"`
}

// TaskResult is the terminal record of one WorkUnit, produced exactly once.
type TaskResult struct {
	WorkUnitID   string         `json:"work_unit_id"`
	ChannelIndex int            `json:"channel_index"`
	Kind         WorkUnitKind   `json:"kind"`
	Status       TaskStatus     `json:"status"`
	OutputPath   string         `json:"output_path,omitempty"`
	WeightPath   string         `json:"weight_path,omitempty"`
	Failure      *FailureDetail `json:"failure,omitempty"`
	Duration     time.Duration  `json:"duration"`
	Attempts     int            `json:"attempts"`
	PeakMemoryKB int64          `json:"peak_memory_kb,omitempty"`
}

// Succeeded reports whether the unit produced its output.
func (r TaskResult) Succeeded() bool {
	return r.Status == TaskStatusSucceeded
}

// Category returns the failure category, or CategoryCancelled / CategoryNone.
func (r TaskResult) Category() FailureCategory {
	switch r.Status {
	case TaskStatusCancelled:
		return CategoryCancelled
	case TaskStatusFailed:
		if r.Failure != nil {
			return r.Failure.Category
		}
		return CategoryExecutable
	}
	return CategoryNone
}

// NewFailedResult builds a failed result for unit u from err.
func NewFailedResult(u WorkUnit, err error, attempts int, d time.Duration) TaskResult {
	cat := Classify(err)
	status := TaskStatusFailed
	if cat == CategoryCancelled {
		status = TaskStatusCancelled
	}
	r := TaskResult{
		WorkUnitID:   u.ID,
		ChannelIndex: u.ChannelIndex,
		Kind:         u.Kind,
		Status:       status,
		Duration:     d,
		Attempts:     attempts,
	}
	if status == TaskStatusFailed {
		r.Failure = &FailureDetail{Category: cat, Message: err.Error()}
		if ee, ok := asExecutable(err); ok {
			code := ee.ExitCode
			r.Failure.ExitCode = &code
		}
	}
	return r
}

func asExecutable(err error) (*ExecutableError, bool) {
	var found *ExecutableError
	walk(err, func(e error) {
		if ee, ok := e.(*ExecutableError); ok && found == nil {
			found = ee
		}
	})
	return found, found != nil
}
