// Package scheduler places work units onto a fixed pool of worker allocations,
// runs each as an external process, and resolves one Future per unit.
package scheduler

import (
	"context"
	"time"

	"github.com/me/cubesched/pkg/model"
)

// Transition is one persisted state change of a work unit.
type Transition struct {
	RunID    string
	Unit     model.WorkUnit
	From     model.UnitState // empty when the unit is first accepted
	To       model.UnitState
	Attempt  int
	Worker   string
	Category model.FailureCategory
	Detail   string
	At       time.Time
}

// StateRecorder persists unit transitions so retry state survives a restart.
// Recorder errors are logged and never fail a unit.
type StateRecorder interface {
	RecordTransition(ctx context.Context, tr Transition) error
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(context.Context, Transition) error { return nil }

// Stats is a point-in-time view of the queues.
type Stats struct {
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
	Running  int `json:"running"`
}
