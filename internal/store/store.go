package store

import (
	"context"

	"github.com/me/cubesched/internal/scheduler"
	"github.com/me/cubesched/pkg/model"
)

// Store defines the persistence layer for runs and their work units.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.RunRecord) error
	GetRun(ctx context.Context, id string) (*model.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]*model.RunRecord, error)
	FinishRun(ctx context.Context, id string, state model.RunState, report *model.RunReport) error
	ReopenRun(ctx context.Context, id string) error

	// Units
	UpsertUnit(ctx context.Context, u *model.UnitRecord) error
	UpdateUnitState(ctx context.Context, u *model.UnitRecord) error
	GetUnit(ctx context.Context, runID, unitID string) (*model.UnitRecord, error)
	ListUnits(ctx context.Context, runID string) ([]*model.UnitRecord, error)
	ListEvents(ctx context.Context, runID, unitID string) ([]*model.UnitEvent, error)

	// Scheduler hook
	scheduler.StateRecorder

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
