package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"github.com/me/cubesched/internal/cmdtmpl"
	"github.com/me/cubesched/internal/executor"
	"github.com/me/cubesched/internal/logging"
	"github.com/me/cubesched/internal/metrics"
	"github.com/me/cubesched/internal/resource"
	"github.com/me/cubesched/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	Executor     executor.Type
	ScratchRoot  string
	KeepScratch  bool
	Retry        RetryPolicy
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Executor:     executor.TypeLocal,
		ScratchRoot:  filepath.Join(os.TempDir(), "cubesched"),
		Retry:        DefaultRetryPolicy(),
		PollInterval: time.Second,
	}
}

// task is the scheduler's private record of one unit.
type task struct {
	unit    model.WorkUnit
	profile model.ResourceProfile
	run     *RunContext
	future  *Future
	seq     int

	state      model.UnitState
	attempts   int
	backoff    backoff.BackOff
	readyAt    time.Time
	worker     *worker
	cancel     context.CancelFunc
	firstStart time.Time
	peakKB     int64
}

// Scheduler dispatches work units onto a fixed worker pool. Submit never
// blocks on execution; placement happens in the loop started by Start.
type Scheduler struct {
	cfg      Config
	resolver *resource.Resolver
	registry *executor.Registry
	recorder StateRecorder
	logger   *slog.Logger

	mu       sync.Mutex
	pool     *pool
	pending  []*task
	retrying []*task
	running  map[*task]struct{}
	seq      int

	kick     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
}

// New creates a Scheduler over the given worker allocations. recorder may be nil.
func New(cfg Config, workers []model.WorkerAllocation, resolver *resource.Resolver, registry *executor.Registry, recorder StateRecorder, logger *slog.Logger) (*Scheduler, error) {
	p, err := newPool(workers)
	if err != nil {
		return nil, err
	}
	if _, err := registry.Get(cfg.Executor); err != nil {
		return nil, err
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Scheduler{
		cfg:      cfg,
		resolver: resolver,
		registry: registry,
		recorder: recorder,
		logger:   logging.Component(logger, "scheduler"),
		pool:     p,
		running:  make(map[*task]struct{}),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start runs the dispatch loop. Blocks until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "workers", len(s.pool.workers), "executor", s.cfg.Executor)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	defer close(s.doneCh)

	s.Tick()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping (context cancelled)")
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("scheduler stopping (stop called)")
			return nil
		case <-s.kick:
			s.Tick()
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Stop ends the dispatch loop and waits for in-flight invocations to finish.
// Cancel the runs first to kill them instead.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
	s.inflight.Wait()
	return nil
}

// Kick asks the loop for an immediate scheduling pass.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Tick runs one scheduling pass: promote retries whose backoff has elapsed,
// then place pending units.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promoteRetries(time.Now())
	s.dispatchPending()
}

// Submit accepts units for run and returns one Future per unit, in order.
// Nothing is submitted if any unit lacks a resource profile, fails
// validation, or reuses a channel index within the run. A unit whose profile
// no worker can ever satisfy gets an already-failed Future.
func (s *Scheduler) Submit(run *RunContext, units []model.WorkUnit) ([]*Future, error) {
	annotated, err := s.resolver.Annotate(units)
	if err != nil {
		return nil, err
	}
	profiles := make([]model.ResourceProfile, len(annotated))
	for i, u := range annotated {
		if err := u.Validate(); err != nil {
			return nil, err
		}
		p, ok := s.resolver.Profile(u.ProfileID)
		if !ok {
			return nil, model.NewConfigurationError("unit %s: unknown resource profile %q", u.ID, u.ProfileID)
		}
		profiles[i] = p
	}
	if err := run.claimChannels(annotated); err != nil {
		return nil, err
	}
	run.watch.Do(func() {
		context.AfterFunc(run.ctx, func() { s.cancelRun(run) })
	})

	futures := make([]*Future, len(annotated))
	s.mu.Lock()
	for i, u := range annotated {
		t := &task{
			unit:    u,
			profile: profiles[i],
			run:     run,
			seq:     s.seq,
			backoff: s.cfg.Retry.newBackOff(),
		}
		s.seq++
		t.future = newFuture(u)
		t.future.cancel = func() { s.cancelTask(t) }
		futures[i] = t.future
		metrics.UnitSubmitted(string(u.Kind))
		s.transition(t, model.UnitStatePending, nil)

		switch {
		case run.Cancelled():
			s.resolve(t, model.UnitStateCancelled, context.Canceled)
		case !s.pool.canEverFit(t.profile):
			big := s.pool.largest()
			s.resolve(t, model.UnitStateFailed, model.NewConfigurationError(
				"unit %s: profile %s (%d cores, %s) exceeds every worker (largest %s: %d cores, %s)",
				u.ID, t.profile.Name, t.profile.Cores, humanize.IBytes(t.profile.MemoryBytes),
				big.Name, big.Cores, humanize.IBytes(big.MemoryBytes)))
		default:
			s.pending = append(s.pending, t)
		}
	}
	s.mu.Unlock()

	run.Logger().Info("units submitted", "count", len(annotated))
	s.Kick()
	return futures, nil
}

// Stats returns queue sizes.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Pending: len(s.pending), Retrying: len(s.retrying), Running: len(s.running)}
}

// Workers returns the occupancy of every worker.
func (s *Scheduler) Workers() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.snapshot()
}

// dispatchPending places pending units in order of demand (cores, then
// memory, descending; submission order breaks ties) onto best-fit workers.
// Units that fit nowhere right now stay pending.
func (s *Scheduler) dispatchPending() {
	if len(s.pending) == 0 {
		return
	}
	sort.SliceStable(s.pending, func(i, j int) bool {
		a, b := s.pending[i], s.pending[j]
		if a.profile.Cores != b.profile.Cores {
			return a.profile.Cores > b.profile.Cores
		}
		if a.profile.MemoryBytes != b.profile.MemoryBytes {
			return a.profile.MemoryBytes > b.profile.MemoryBytes
		}
		return a.seq < b.seq
	})
	remaining := s.pending[:0]
	for _, t := range s.pending {
		if t.run.Cancelled() {
			s.resolve(t, model.UnitStateCancelled, context.Canceled)
			continue
		}
		w := s.pool.bestFit(t.profile)
		if w == nil {
			remaining = append(remaining, t)
			continue
		}
		s.start(t, w)
	}
	for i := len(remaining); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = remaining
}

func (s *Scheduler) promoteRetries(now time.Time) {
	if len(s.retrying) == 0 {
		return
	}
	waiting := s.retrying[:0]
	for _, t := range s.retrying {
		if now.Before(t.readyAt) {
			waiting = append(waiting, t)
			continue
		}
		s.transition(t, model.UnitStatePending, nil)
		s.pending = append(s.pending, t)
	}
	for i := len(waiting); i < len(s.retrying); i++ {
		s.retrying[i] = nil
	}
	s.retrying = waiting
}

// start reserves w for t and launches the attempt. Caller holds s.mu.
func (s *Scheduler) start(t *task, w *worker) {
	w.reserve(t.profile)
	t.worker = w
	t.attempts++
	if t.firstStart.IsZero() {
		t.firstStart = time.Now()
	}
	s.transition(t, model.UnitStateDispatched, nil)

	ctx, cancel := context.WithCancel(t.run.ctx)
	if t.profile.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, t.profile.Timeout)
		parent := cancel
		cancel = func() { cancelTimeout(); parent() }
	}
	t.cancel = cancel
	s.running[t] = struct{}{}
	metrics.AttemptStarted(string(t.unit.Kind), w.alloc.Name, t.profile.Cores, t.profile.MemoryBytes)

	s.inflight.Add(1)
	go s.runAttempt(ctx, cancel, t, w, t.attempts)
}

func (s *Scheduler) runAttempt(ctx context.Context, cancel context.CancelFunc, t *task, w *worker, attempt int) {
	defer s.inflight.Done()
	defer cancel()
	start := time.Now()
	res, err := s.execute(ctx, t, w, attempt)
	s.complete(t, w, res, err, time.Since(start))
}

// execute performs one attempt inside a private scratch directory.
func (s *Scheduler) execute(ctx context.Context, t *task, w *worker, attempt int) (*executor.RunResult, error) {
	logger := logging.Unit(t.run.Logger(), t.unit).With("attempt", attempt, "worker", w.alloc.Name)

	scratch, err := executor.NewScratch(s.cfg.ScratchRoot, t.run.ID, t.unit.ID)
	if err != nil {
		return nil, &model.TransientError{Reason: "scratch space", Err: err}
	}
	if !s.cfg.KeepScratch {
		defer func() {
			if err := scratch.Remove(); err != nil {
				logger.Warn("scratch cleanup failed", "dir", scratch.Dir, "error", err)
			}
		}()
	}

	argv, err := cmdtmpl.Render(t.unit, cmdtmpl.Runtime{
		Cores:       t.profile.Cores,
		MemoryBytes: t.profile.MemoryBytes,
		ScratchDir:  scratch.Dir,
		Attempt:     attempt,
		RunID:       t.run.ID,
	})
	if err != nil {
		return nil, err
	}
	for _, p := range []string{t.unit.OutputPath, t.unit.WeightPath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, &model.TransientError{Reason: "create output directory", Err: err}
		}
	}

	ex, err := s.registry.Get(s.cfg.Executor)
	if err != nil {
		return nil, err
	}
	inv := &executor.Invocation{
		RunID:        t.run.ID,
		UnitID:       t.unit.ID,
		InvocationID: scratch.InvocationID,
		Attempt:      attempt,
		Worker:       w.alloc.Name,
		Argv:         argv,
		ScratchDir:   scratch.Dir,
		Container:    t.unit.Container,
		BindDirs:     bindDirs(t.unit),
		Timeout:      t.profile.Timeout,
	}
	logger.Info("invocation started", "invocation_id", inv.InvocationID, "command", argv[0])
	t.run.invocations.Add(1)
	res, err := ex.Run(ctx, inv)
	if err != nil {
		return res, err
	}
	return res, verifyOutputs(t.unit, argv[0])
}

// bindDirs returns the directories a containerised unit must see: those
// holding its inputs and outputs.
func bindDirs(u model.WorkUnit) []string {
	if u.Container == "" {
		return nil
	}
	seen := make(map[string]bool)
	var dirs []string
	add := func(p string) {
		if p == "" {
			return
		}
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	for _, p := range u.InputPaths() {
		add(p)
	}
	add(u.OutputPath)
	add(u.WeightPath)
	sort.Strings(dirs)
	return dirs
}

// verifyOutputs fails a zero-exit invocation that did not produce its outputs.
func verifyOutputs(u model.WorkUnit, command string) error {
	for _, p := range []string{u.OutputPath, u.WeightPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return &model.ExecutableError{
				Command: filepath.Base(command),
				Stderr:  fmt.Sprintf("output missing: %s", p),
			}
		}
	}
	return nil
}

// complete releases the worker and moves t to its next state.
func (s *Scheduler) complete(t *task, w *worker, res *executor.RunResult, err error, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.Kick()

	w.release(t.profile)
	delete(s.running, t)
	t.cancel = nil
	metrics.AttemptFinished(string(t.unit.Kind), w.alloc.Name, t.profile.Cores, t.profile.MemoryBytes, d)
	if res != nil && res.PeakMemoryKB > t.peakKB {
		t.peakKB = res.PeakMemoryKB
	}

	if err == nil {
		s.resolve(t, model.UnitStateSucceeded, nil)
		return
	}
	cat := model.Classify(err)
	if cat == model.CategoryCancelled || t.run.Cancelled() {
		s.resolve(t, model.UnitStateCancelled, errors.Join(err, context.Canceled))
		return
	}
	if cat.Retryable() && t.attempts < s.cfg.Retry.MaxAttempts {
		if next := t.backoff.NextBackOff(); next != backoff.Stop {
			t.readyAt = time.Now().Add(next)
			s.transition(t, model.UnitStateRetryPending, err)
			s.retrying = append(s.retrying, t)
			metrics.Retried(string(t.unit.Kind))
			logging.Unit(t.run.Logger(), t.unit).Warn("transient failure, retrying",
				"attempt", t.attempts, "max_attempts", s.cfg.Retry.MaxAttempts,
				"backoff", next, "error", err)
			time.AfterFunc(next, s.Kick)
			return
		}
	}
	s.resolve(t, model.UnitStateFailed, err)
}

// cancelTask cancels one unit on behalf of Future.Cancel.
func (s *Scheduler) cancelTask(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch t.state {
	case model.UnitStatePending:
		s.pending = removeTask(s.pending, t)
		s.resolve(t, model.UnitStateCancelled, context.Canceled)
	case model.UnitStateRetryPending:
		s.retrying = removeTask(s.retrying, t)
		s.resolve(t, model.UnitStateCancelled, context.Canceled)
	case model.UnitStateDispatched:
		if t.cancel != nil {
			t.cancel()
		}
	}
}

// cancelRun resolves every queued unit of run as cancelled. In-flight
// attempts see their context cancelled and resolve through complete.
func (s *Scheduler) cancelRun(run *RunContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	keep := func(queue []*task) []*task {
		out := queue[:0]
		for _, t := range queue {
			if t.run != run {
				out = append(out, t)
				continue
			}
			s.resolve(t, model.UnitStateCancelled, context.Canceled)
			n++
		}
		for i := len(out); i < len(queue); i++ {
			queue[i] = nil
		}
		return out
	}
	s.pending = keep(s.pending)
	s.retrying = keep(s.retrying)
	if n == 0 && run.closed.Load() {
		run.Logger().Debug("run closed")
		return
	}
	run.Logger().Warn("run cancelled", "queued_units_cancelled", n)
}

func removeTask(queue []*task, t *task) []*task {
	for i, q := range queue {
		if q == t {
			copy(queue[i:], queue[i+1:])
			queue[len(queue)-1] = nil
			return queue[:len(queue)-1]
		}
	}
	return queue
}

// transition moves t to state `to` and records it. Caller holds s.mu.
func (s *Scheduler) transition(t *task, to model.UnitState, cause error) {
	from := t.state
	if from != "" && !from.CanTransitionTo(to) {
		s.logger.Error("invalid unit transition", "error", &model.InvalidTransitionError{
			Entity: "WorkUnit", ID: t.unit.ID, From: string(from), To: string(to),
		})
	}
	t.state = to
	tr := Transition{
		RunID:   t.run.ID,
		Unit:    t.unit,
		From:    from,
		To:      to,
		Attempt: t.attempts,
		At:      time.Now().UTC(),
	}
	if t.worker != nil {
		tr.Worker = t.worker.alloc.Name
	}
	if cause != nil {
		tr.Category = model.Classify(cause)
		tr.Detail = cause.Error()
	}
	if err := s.recorder.RecordTransition(context.Background(), tr); err != nil {
		s.logger.Error("record transition", "unit_id", t.unit.ID, "to", to, "error", err)
	}
}

// resolve moves t to a terminal state and completes its Future. Caller holds s.mu.
func (s *Scheduler) resolve(t *task, to model.UnitState, cause error) {
	s.transition(t, to, cause)
	var d time.Duration
	if !t.firstStart.IsZero() {
		d = time.Since(t.firstStart)
	}
	var r model.TaskResult
	if to == model.UnitStateSucceeded {
		r = model.TaskResult{
			WorkUnitID:   t.unit.ID,
			ChannelIndex: t.unit.ChannelIndex,
			Kind:         t.unit.Kind,
			Status:       model.TaskStatusSucceeded,
			OutputPath:   t.unit.OutputPath,
			WeightPath:   t.unit.WeightPath,
			Duration:     d,
			Attempts:     t.attempts,
		}
	} else {
		r = model.NewFailedResult(t.unit, cause, t.attempts, d)
	}
	r.PeakMemoryKB = t.peakKB
	metrics.Resolved(string(r.Kind), string(r.Status), string(r.Category()))

	logger := logging.Unit(t.run.Logger(), t.unit).With("attempts", t.attempts)
	switch r.Status {
	case model.TaskStatusSucceeded:
		logger.Info("unit succeeded", "duration", d.Round(time.Millisecond))
	case model.TaskStatusCancelled:
		logger.Info("unit cancelled")
	default:
		logger.Error("unit failed", "category", r.Failure.Category, "error", r.Failure.Message)
	}
	t.future.resolve(r)
}
