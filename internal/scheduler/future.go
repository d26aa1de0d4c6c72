package scheduler

import (
	"context"
	"sync"

	"github.com/me/cubesched/pkg/model"
)

// Future is the eventual TaskResult of one submitted unit. It resolves exactly once.
type Future struct {
	unit   model.WorkUnit
	done   chan struct{}
	once   sync.Once
	result model.TaskResult
	cancel func()
}

func newFuture(u model.WorkUnit) *Future {
	return &Future{unit: u, done: make(chan struct{})}
}

// NewFuture returns an unresolved Future for a unit completed outside the
// scheduler, with the function that resolves it. Only the first call counts.
func NewFuture(u model.WorkUnit) (*Future, func(model.TaskResult)) {
	f := newFuture(u)
	return f, func(r model.TaskResult) { f.resolve(r) }
}

// Unit returns the unit this future belongs to.
func (f *Future) Unit() model.WorkUnit { return f.unit }

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the unit is terminal.
func (f *Future) Result() model.TaskResult {
	<-f.done
	return f.result
}

// TryResult returns the result without blocking.
func (f *Future) TryResult() (model.TaskResult, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return model.TaskResult{}, false
	}
}

// Wait blocks until the unit is terminal or ctx ends.
func (f *Future) Wait(ctx context.Context) (model.TaskResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return model.TaskResult{}, ctx.Err()
	}
}

// Cancel cancels this unit only. It is a no-op once the unit is terminal.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Future) resolve(r model.TaskResult) bool {
	resolved := false
	f.once.Do(func() {
		f.result = r
		resolved = true
		close(f.done)
	})
	return resolved
}
