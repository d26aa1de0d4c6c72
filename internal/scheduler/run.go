package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/me/cubesched/pkg/model"
)

// RunContext is the explicit per-run state shared by the scheduler, the
// monitor and the driver. Cancelling it stops dispatch for the run and kills
// its in-flight invocations.
type RunContext struct {
	ID      string
	Name    string
	Started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	watch       sync.Once
	closed      atomic.Bool
	mu          sync.Mutex
	channels    map[model.WorkUnitKind]map[int]string
	invocations atomic.Int64
}

// NewRun starts a run with a fresh id.
func NewRun(parent context.Context, name string, logger *slog.Logger) *RunContext {
	return ResumeRun(parent, "run_"+uuid.New().String(), name, logger)
}

// ResumeRun recreates the context of an earlier run so its persisted state can be reused.
func ResumeRun(parent context.Context, id, name string, logger *slog.Logger) *RunContext {
	ctx, cancel := context.WithCancel(parent)
	return &RunContext{
		ID:       id,
		Name:     name,
		Started:  time.Now().UTC(),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With("run_id", id),
		channels: make(map[model.WorkUnitKind]map[int]string),
	}
}

// Context is cancelled when the run is cancelled.
func (r *RunContext) Context() context.Context { return r.ctx }

// Cancel stops the run. Succeeded artifacts are left on disk.
func (r *RunContext) Cancel() { r.cancel() }

// Close releases the run once the caller is done with it. Units still queued
// are cancelled as with Cancel, but a run closed with nothing queued is not
// reported as cancelled.
func (r *RunContext) Close() {
	r.closed.Store(true)
	r.cancel()
}

// Cancelled reports whether the run has been cancelled.
func (r *RunContext) Cancelled() bool { return r.ctx.Err() != nil }

// Logger returns the run-scoped logger.
func (r *RunContext) Logger() *slog.Logger { return r.logger }

// Invocations counts external processes started for this run.
func (r *RunContext) Invocations() int64 { return r.invocations.Load() }

// claimChannels enforces one unit per (kind, channel) within the run.
// Either every unit is claimed or none is.
func (r *RunContext) claimChannels(units []model.WorkUnit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make(map[model.WorkUnitKind]map[int]string)
	for _, u := range units {
		if prev, ok := r.channels[u.Kind][u.ChannelIndex]; ok {
			return fmt.Errorf("unit %s: channel %d already claimed by %s: %w", u.ID, u.ChannelIndex, prev, model.ErrDuplicateChannel)
		}
		if batch[u.Kind] == nil {
			batch[u.Kind] = make(map[int]string)
		}
		if prev, ok := batch[u.Kind][u.ChannelIndex]; ok {
			return fmt.Errorf("unit %s: channel %d also used by %s: %w", u.ID, u.ChannelIndex, prev, model.ErrDuplicateChannel)
		}
		batch[u.Kind][u.ChannelIndex] = u.ID
	}
	for kind, chans := range batch {
		if r.channels[kind] == nil {
			r.channels[kind] = make(map[int]string)
		}
		for ch, id := range chans {
			r.channels[kind][ch] = id
		}
	}
	return nil
}
