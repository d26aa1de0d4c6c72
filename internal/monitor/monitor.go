// Package monitor collects work unit results as they resolve, in whatever
// order they arrive, and keeps the per-channel accounting for the run report.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/cubesched/internal/artifact"
	"github.com/me/cubesched/internal/logging"
	"github.com/me/cubesched/internal/scheduler"
	"github.com/me/cubesched/pkg/model"
)

// SuccessHook runs after a unit succeeded and its artifacts were registered.
// A returned error fails the unit's channel.
type SuccessHook func(ctx context.Context, u model.WorkUnit, r model.TaskResult) error

// ConsumerFunc names the units that will read a successful unit's outputs.
type ConsumerFunc func(u model.WorkUnit, r model.TaskResult) []string

// DefaultConsumers hands image outputs to the cube assembler; other outputs
// have no consumer and are reclaimable at once.
func DefaultConsumers(u model.WorkUnit, _ model.TaskResult) []string {
	if u.Kind == model.KindImage {
		return []string{artifact.ConcatConsumer}
	}
	return nil
}

// Progress is a snapshot of the channel accounting.
type Progress struct {
	Expected    int `json:"expected"`
	Resolved    int `json:"resolved"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	Outstanding int `json:"outstanding"`
}

// Monitor tracks one run. A channel is resolved when its image unit
// resolves, or when any earlier unit in its chain fails.
type Monitor struct {
	run       *scheduler.RunContext
	expected  int
	artifacts *artifact.Manager
	manifest  *artifact.Manifest
	consumers ConsumerFunc
	logger    *slog.Logger

	mu          sync.Mutex
	hooks       []SuccessHook
	outstanding int
	resolved    map[int]bool
	images      map[int]model.ChannelArtifact
	failures    map[string]model.ChannelFailure
	cancelled   map[int]bool
	complete    chan struct{}
	closed      bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithConsumers overrides DefaultConsumers.
func WithConsumers(fn ConsumerFunc) Option {
	return func(m *Monitor) { m.consumers = fn }
}

// WithManifest records each successful image channel in manifest.
func WithManifest(manifest *artifact.Manifest) Option {
	return func(m *Monitor) { m.manifest = manifest }
}

// New creates a monitor expecting channels 0..expected-1.
func New(run *scheduler.RunContext, expected int, artifacts *artifact.Manager, opts ...Option) *Monitor {
	m := &Monitor{
		run:       run,
		expected:  expected,
		artifacts: artifacts,
		consumers: DefaultConsumers,
		logger:    logging.Component(run.Logger(), "monitor"),
		resolved:  make(map[int]bool),
		images:    make(map[int]model.ChannelArtifact),
		failures:  make(map[string]model.ChannelFailure),
		cancelled: make(map[int]bool),
		complete:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.mu.Lock()
	m.checkCompleteLocked()
	m.mu.Unlock()
	return m
}

// OnSuccess registers a hook called for every successful unit.
func (m *Monitor) OnSuccess(h SuccessHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Seed marks channels that already have image artifacts (from an earlier
// run) as succeeded. Their artifacts are registered for the assembler.
func (m *Monitor) Seed(existing map[int]model.ChannelArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, a := range existing {
		if idx < 0 || idx >= m.expected {
			continue
		}
		if err := m.registerImageLocked(a, a.UnitID); err != nil {
			return err
		}
		m.images[idx] = a
		m.resolved[idx] = true
	}
	m.checkCompleteLocked()
	return nil
}

// Watch consumes futures as they resolve. It does not block; Wait or
// Complete report when every channel is resolved. Watching stops when ctx ends.
func (m *Monitor) Watch(ctx context.Context, futures []*scheduler.Future) {
	m.mu.Lock()
	m.outstanding += len(futures)
	m.mu.Unlock()
	for _, f := range futures {
		go func(f *scheduler.Future) {
			select {
			case <-f.Done():
				m.handle(ctx, f.Unit(), f.Result())
			case <-ctx.Done():
			}
		}(f)
	}
}

// handle classifies one resolved unit. Hooks run without the lock held since
// they usually submit and watch follow-up units.
func (m *Monitor) handle(ctx context.Context, u model.WorkUnit, r model.TaskResult) {
	logger := logging.Unit(m.logger, u)

	m.mu.Lock()
	var hooks []SuccessHook
	if r.Succeeded() {
		if err := m.recordSuccessLocked(u, r); err != nil {
			logger.Error("register outputs", "error", err)
			m.recordFailureLocked(u, r.Attempts, model.Classify(err), err.Error())
		} else {
			hooks = append(hooks, m.hooks...)
		}
	} else {
		detail := ""
		if r.Failure != nil {
			detail = r.Failure.Message
		}
		m.recordFailureLocked(u, r.Attempts, r.Category(), detail)
	}
	m.mu.Unlock()

	for _, p := range u.InputPaths() {
		if _, err := m.artifacts.Release(p, u.ID); err != nil {
			logger.Warn("release input", "path", p, "error", err)
		}
	}

	for _, h := range hooks {
		if err := h(ctx, u, r); err != nil {
			logger.Error("success hook failed", "error", err)
			m.mu.Lock()
			m.recordFailureLocked(u, r.Attempts, model.Classify(err), err.Error())
			m.mu.Unlock()
			break
		}
	}

	m.mu.Lock()
	m.outstanding--
	m.checkCompleteLocked()
	m.mu.Unlock()
}

func (m *Monitor) recordSuccessLocked(u model.WorkUnit, r model.TaskResult) error {
	if u.Kind == model.KindImage {
		a := model.ChannelArtifact{
			ChannelIndex: u.ChannelIndex,
			ImagePath:    r.OutputPath,
			WeightPath:   r.WeightPath,
			UnitID:       u.ID,
		}
		if err := m.registerImageLocked(a, u.ID, m.consumers(u, r)...); err != nil {
			return err
		}
		m.images[u.ChannelIndex] = a
		m.resolved[u.ChannelIndex] = true
		if m.manifest != nil {
			if err := m.manifest.Record(a); err != nil {
				return err
			}
		}
		m.logger.Info("channel complete", "channel", u.ChannelIndex, "unit_id", u.ID,
			"attempts", r.Attempts, "duration", r.Duration.Round(time.Millisecond))
		return nil
	}
	for _, p := range []string{r.OutputPath, r.WeightPath} {
		if p == "" {
			continue
		}
		if err := m.artifacts.Register(model.ArtifactRef{
			Path:       p,
			ProducerID: u.ID,
			Consumers:  artifact.Consumers(m.consumers(u, r)...),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) registerImageLocked(a model.ChannelArtifact, producer string, consumers ...string) error {
	if len(consumers) == 0 {
		consumers = []string{artifact.ConcatConsumer}
	}
	for _, p := range []string{a.ImagePath, a.WeightPath} {
		if p == "" {
			continue
		}
		if err := m.artifacts.Register(model.ArtifactRef{
			Path:       p,
			ProducerID: producer,
			Consumers:  artifact.Consumers(consumers...),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) recordFailureLocked(u model.WorkUnit, attempts int, cat model.FailureCategory, detail string) {
	m.failures[u.ID] = model.ChannelFailure{
		ChannelIndex: u.ChannelIndex,
		UnitID:       u.ID,
		Kind:         u.Kind,
		Category:     cat,
		Detail:       detail,
		Attempts:     attempts,
	}
	delete(m.images, u.ChannelIndex)
	m.resolved[u.ChannelIndex] = true
	if cat == model.CategoryCancelled {
		m.cancelled[u.ChannelIndex] = true
	}
	m.logger.Warn("channel failed", "channel", u.ChannelIndex, "unit_id", u.ID,
		"kind", u.Kind, "category", cat, "attempts", attempts)
}

func (m *Monitor) checkCompleteLocked() {
	if m.closed || m.outstanding > 0 || len(m.resolved) < m.expected {
		return
	}
	m.closed = true
	close(m.complete)
}

// Complete is closed once every expected channel is resolved and no watched
// unit is outstanding.
func (m *Monitor) Complete() <-chan struct{} { return m.complete }

// Wait blocks until Complete or ctx ends.
func (m *Monitor) Wait(ctx context.Context) error {
	select {
	case <-m.complete:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether every expected channel has a successful image,
// the condition for assembling the cube.
func (m *Monitor) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.images) == m.expected
}

// Artifacts returns the successful image channels.
func (m *Monitor) Artifacts() map[int]model.ChannelArtifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]model.ChannelArtifact, len(m.images))
	for idx, a := range m.images {
		out[idx] = a
	}
	return out
}

// Progress returns channel counts.
func (m *Monitor) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Progress{
		Expected:    m.expected,
		Resolved:    len(m.resolved),
		Succeeded:   len(m.images),
		Cancelled:   len(m.cancelled),
		Outstanding: m.outstanding,
	}
	p.Failed = p.Resolved - p.Succeeded - p.Cancelled
	return p
}

// Report builds the run report: every failed unit and every channel missing
// a successful image.
func (m *Monitor) Report() *model.RunReport {
	p := m.Progress()

	m.mu.Lock()
	defer m.mu.Unlock()
	r := &model.RunReport{
		RunID:     m.run.ID,
		Expected:  p.Expected,
		Succeeded: p.Succeeded,
		Failed:    p.Failed,
		Cancelled: p.Cancelled,
		StartedAt: m.run.Started,
		Duration:  time.Since(m.run.Started),
	}
	for _, f := range m.failures {
		if _, ok := m.images[f.ChannelIndex]; ok {
			continue
		}
		r.Failures = append(r.Failures, f)
	}
	for i := 0; i < m.expected; i++ {
		if _, ok := m.images[i]; !ok {
			r.Missing = append(r.Missing, i)
		}
	}
	switch {
	case !m.closed:
		r.State = model.RunStateRunning
	case p.Cancelled > 0 || m.run.Cancelled():
		r.State = model.RunStateCancelled
	case len(r.Missing) == 0:
		r.State = model.RunStateCompleted
	default:
		r.State = model.RunStateIncomplete
	}
	r.SortFailures()
	return r
}
