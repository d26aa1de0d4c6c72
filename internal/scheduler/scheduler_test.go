package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/cubesched/internal/executor"
	"github.com/me/cubesched/internal/logging"
	"github.com/me/cubesched/internal/resource"
	"github.com/me/cubesched/pkg/model"
)

// fakeExecutor stands in for external processes. It records concurrency per
// worker and writes the unit output (the last argv element) on success.
type fakeExecutor struct {
	mu          sync.Mutex
	calls       map[string]int
	running     map[string]int
	maxByWorker map[string]int
	scratch     []string
	scratchSeen bool

	outcome func(inv *executor.Invocation, call int) error
	hold    time.Duration
	block   bool
	started chan string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		calls:       make(map[string]int),
		running:     make(map[string]int),
		maxByWorker: make(map[string]int),
		scratchSeen: true,
	}
}

func (f *fakeExecutor) Type() executor.Type { return executor.TypeLocal }

func (f *fakeExecutor) Run(ctx context.Context, inv *executor.Invocation) (*executor.RunResult, error) {
	f.mu.Lock()
	f.calls[inv.UnitID]++
	call := f.calls[inv.UnitID]
	f.running[inv.Worker]++
	if f.running[inv.Worker] > f.maxByWorker[inv.Worker] {
		f.maxByWorker[inv.Worker] = f.running[inv.Worker]
	}
	f.scratch = append(f.scratch, inv.ScratchDir)
	if _, err := os.Stat(inv.ScratchDir); err != nil {
		f.scratchSeen = false
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running[inv.Worker]--
		f.mu.Unlock()
	}()

	if f.started != nil {
		f.started <- inv.UnitID
	}
	switch {
	case f.block:
		<-ctx.Done()
	case f.hold > 0:
		select {
		case <-time.After(f.hold):
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &executor.RunResult{ExitCode: 137, Signal: "killed"}, &model.TimeoutError{Limit: inv.Timeout}
		}
		return &executor.RunResult{ExitCode: 137, Signal: "killed"}, fmt.Errorf("unit %s: %w", inv.UnitID, context.Canceled)
	}
	var err error
	if f.outcome != nil {
		err = f.outcome(inv, call)
	}
	if err != nil {
		return &executor.RunResult{ExitCode: 1}, err
	}
	out := inv.Argv[len(inv.Argv)-1]
	if werr := os.WriteFile(out, []byte("plane"), 0o644); werr != nil {
		return nil, werr
	}
	return &executor.RunResult{ExitCode: 0, PeakMemoryKB: 1024}, nil
}

func (f *fakeExecutor) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeExecutor) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

// memRecorder keeps transitions in memory.
type memRecorder struct {
	mu  sync.Mutex
	trs []Transition
}

func (m *memRecorder) RecordTransition(_ context.Context, tr Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trs = append(m.trs, tr)
	return nil
}

func (m *memRecorder) states(unitID string) []model.UnitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.UnitState
	for _, tr := range m.trs {
		if tr.Unit.ID == unitID {
			out = append(out, tr.To)
		}
	}
	return out
}

var (
	processImage  = model.ResourceProfile{Name: "image", Cores: 2, MemoryBytes: 4 << 30, Mode: model.ModeProcess, MaxConcurrentPerWorker: 1}
	threadPredict = model.ResourceProfile{Name: "predict", Cores: 1, MemoryBytes: 1 << 30, Mode: model.ModeThread, MaxConcurrentPerWorker: 3}
)

type testOpts struct {
	workers  []model.WorkerAllocation
	profiles []model.ResourceProfile
	retry    RetryPolicy
	recorder StateRecorder
}

func newTestScheduler(t *testing.T, fake *fakeExecutor, opts testOpts) *Scheduler {
	t.Helper()
	if opts.workers == nil {
		opts.workers = []model.WorkerAllocation{{Name: "node-0", Cores: 8, MemoryBytes: 32 << 30}}
	}
	if opts.profiles == nil {
		opts.profiles = []model.ResourceProfile{processImage, threadPredict}
	}
	if opts.retry.MaxAttempts == 0 {
		opts.retry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}
	}
	profiles := make(map[string]model.ResourceProfile)
	kinds := make(map[string]string)
	for _, p := range opts.profiles {
		profiles[p.Name] = p
		kinds[p.Name] = p.Name
	}
	resolver, err := resource.NewResolver(profiles, kinds)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	reg := executor.NewRegistry(logging.Discard())
	reg.Register(fake)
	cfg := Config{
		Executor:     executor.TypeLocal,
		ScratchRoot:  t.TempDir(),
		Retry:        opts.retry,
		PollInterval: 10 * time.Millisecond,
	}
	s, err := New(cfg, opts.workers, resolver, reg, opts.recorder, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
}

func makeUnits(t *testing.T, kind model.WorkUnitKind, n int) []model.WorkUnit {
	t.Helper()
	dir := t.TempDir()
	units := make([]model.WorkUnit, n)
	for i := range units {
		u, err := model.NewWorkUnit(model.WorkUnitSpec{
			ID:              model.UnitID(kind, i),
			Kind:            kind,
			ChannelIndex:    i,
			InputPaths:      []string{filepath.Join(dir, fmt.Sprintf("ch%d.ms", i))},
			CommandTemplate: []string{"fake", "$(unit.output)"},
			OutputPath:      filepath.Join(dir, "out", fmt.Sprintf("ch%d.fits", i)),
		})
		if err != nil {
			t.Fatal(err)
		}
		units[i] = u
	}
	return units
}

func waitAll(t *testing.T, futures []*Future) []model.TaskResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	out := make([]model.TaskResult, len(futures))
	for i, f := range futures {
		r, err := f.Wait(ctx)
		if err != nil {
			t.Fatalf("future %s did not resolve: %v", f.Unit().ID, err)
		}
		out[i] = r
	}
	return out
}

func newTestRun(t *testing.T) *RunContext {
	run := NewRun(context.Background(), "test", logging.Discard())
	t.Cleanup(run.Cancel)
	return run
}

func TestSubmit_AllSucceed(t *testing.T) {
	fake := newFakeExecutor()
	s := newTestScheduler(t, fake, testOpts{})
	startScheduler(t, s)
	run := newTestRun(t)

	futures, err := s.Submit(run, makeUnits(t, model.KindImage, 6))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i, r := range waitAll(t, futures) {
		if !r.Succeeded() {
			t.Errorf("unit %d: %+v", i, r)
		}
		if r.ChannelIndex != i || r.Attempts != 1 || r.OutputPath == "" {
			t.Errorf("unit %d result = %+v", i, r)
		}
		if r.PeakMemoryKB != 1024 {
			t.Errorf("unit %d peak memory = %d", i, r.PeakMemoryKB)
		}
	}
	if got := run.Invocations(); got != 6 {
		t.Errorf("Invocations() = %d, want 6", got)
	}
}

func TestTemplateErrorStartsNoInvocation(t *testing.T) {
	fake := newFakeExecutor()
	s := newTestScheduler(t, fake, testOpts{})
	startScheduler(t, s)
	run := newTestRun(t)

	u, err := model.NewWorkUnit(model.WorkUnitSpec{
		ID:              model.UnitID(model.KindImage, 0),
		Kind:            model.KindImage,
		CommandTemplate: []string{"fake", "$(unit.nosuch)"},
		OutputPath:      filepath.Join(t.TempDir(), "ch0.fits"),
	})
	if err != nil {
		t.Fatal(err)
	}
	futures, err := s.Submit(run, []model.WorkUnit{u})
	if err != nil {
		t.Fatal(err)
	}
	r := waitAll(t, futures)[0]
	if r.Status != model.TaskStatusFailed || r.Category() != model.CategoryConfiguration {
		t.Errorf("result = %+v, want failed/configuration", r)
	}
	if got := run.Invocations(); got != 0 {
		t.Errorf("Invocations() = %d, want 0", got)
	}
	if n := fake.totalCalls(); n != 0 {
		t.Errorf("executor called %d times", n)
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunCloseIsNotACancellation(t *testing.T) {
	tests := []struct {
		name     string
		end      func(*RunContext)
		wantLine string
		noLine   string
	}{
		{"close", (*RunContext).Close, "run closed", "run cancelled"},
		{"cancel", (*RunContext).Cancel, "run cancelled", "run closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeExecutor()
			s := newTestScheduler(t, fake, testOpts{})
			startScheduler(t, s)
			var logs syncBuffer
			run := NewRun(context.Background(), "test", logging.NewWithWriter(slog.LevelDebug, "text", &logs))

			futures, err := s.Submit(run, makeUnits(t, model.KindImage, 2))
			if err != nil {
				t.Fatal(err)
			}
			waitAll(t, futures)
			tt.end(run)

			deadline := time.Now().Add(5 * time.Second)
			for !strings.Contains(logs.String(), tt.wantLine) {
				if time.Now().After(deadline) {
					t.Fatalf("no %q log line:\n%s", tt.wantLine, logs.String())
				}
				time.Sleep(5 * time.Millisecond)
			}
			if strings.Contains(logs.String(), tt.noLine) {
				t.Errorf("unexpected %q log line:\n%s", tt.noLine, logs.String())
			}
		})
	}
}

func TestSubmit_ProcessModeNeverSharesWorker(t *testing.T) {
	fake := newFakeExecutor()
	fake.hold = 20 * time.Millisecond
	s := newTestScheduler(t, fake, testOpts{
		workers: []model.WorkerAllocation{
			{Name: "node-0", Cores: 16, MemoryBytes: 64 << 30},
			{Name: "node-1", Cores: 16, MemoryBytes: 64 << 30},
		},
	})
	startScheduler(t, s)

	futures, err := s.Submit(newTestRun(t), makeUnits(t, model.KindImage, 10))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for _, r := range waitAll(t, futures) {
		if !r.Succeeded() {
			t.Fatalf("result = %+v", r)
		}
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for w, max := range fake.maxByWorker {
		if max > 1 {
			t.Errorf("worker %s ran %d process-mode units at once", w, max)
		}
	}
}

func TestSubmit_ThreadModeBoundedPerWorker(t *testing.T) {
	fake := newFakeExecutor()
	fake.hold = 50 * time.Millisecond
	s := newTestScheduler(t, fake, testOpts{})
	startScheduler(t, s)

	futures, err := s.Submit(newTestRun(t), makeUnits(t, model.KindPredict, 7))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitAll(t, futures)
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if got := fake.maxByWorker["node-0"]; got > threadPredict.MaxConcurrentPerWorker || got < 2 {
		t.Errorf("max concurrent predict units = %d, want 2..%d", got, threadPredict.MaxConcurrentPerWorker)
	}
}

func TestSubmit_UnsatisfiableProfileFailsImmediately(t *testing.T) {
	fake := newFakeExecutor()
	huge := model.ResourceProfile{Name: "image", Cores: 64, MemoryBytes: 1 << 40, Mode: model.ModeProcess, MaxConcurrentPerWorker: 1}
	rec := &memRecorder{}
	s := newTestScheduler(t, fake, testOpts{profiles: []model.ResourceProfile{huge}, recorder: rec})

	futures, err := s.Submit(newTestRun(t), makeUnits(t, model.KindImage, 2))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for _, f := range futures {
		r, ok := f.TryResult()
		if !ok {
			t.Fatalf("future %s not resolved at submit time", f.Unit().ID)
		}
		if r.Status != model.TaskStatusFailed || r.Category() != model.CategoryConfiguration {
			t.Errorf("result = %+v, want failed/configuration", r)
		}
		if r.Attempts != 0 {
			t.Errorf("attempts = %d, want 0", r.Attempts)
		}
	}
	s.Tick()
	if n := fake.totalCalls(); n != 0 {
		t.Errorf("executor invoked %d times, want 0", n)
	}
	want := []model.UnitState{model.UnitStatePending, model.UnitStateFailed}
	if got := rec.states("image-ch0000"); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	fake := newFakeExecutor()
	fake.outcome = func(inv *executor.Invocation, call int) error {
		if call == 1 {
			return &model.TransientError{Reason: "worker connection dropped"}
		}
		return nil
	}
	rec := &memRecorder{}
	s := newTestScheduler(t, fake, testOpts{recorder: rec})
	startScheduler(t, s)

	futures, err := s.Submit(newTestRun(t), makeUnits(t, model.KindImage, 1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	r := waitAll(t, futures)[0]
	if !r.Succeeded() {
		t.Fatalf("result = %+v, want succeeded", r)
	}
	if r.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", r.Attempts)
	}
	if n := fake.callsFor("image-ch0000"); n != 2 {
		t.Errorf("invocations = %d, want exactly 2", n)
	}
	want := []model.UnitState{
		model.UnitStatePending, model.UnitStateDispatched, model.UnitStateRetryPending,
		model.UnitStatePending, model.UnitStateDispatched, model.UnitStateSucceeded,
	}
	if got := rec.states("image-ch0000"); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.scratch) != 2 || fake.scratch[0] == fake.scratch[1] {
		t.Errorf("retries must get distinct scratch dirs: %v", fake.scratch)
	}
	if !fake.scratchSeen {
		t.Error("scratch dir did not exist during the invocation")
	}
	for _, dir := range fake.scratch {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("scratch dir %s not removed", dir)
		}
	}
}

func TestRetry_ExhaustedReportsTransient(t *testing.T) {
	fake := newFakeExecutor()
	fake.outcome = func(*executor.Invocation, int) error {
		return &model.TransientError{Reason: "killed for exceeding memory"}
	}
	s := newTestScheduler(t, fake, testOpts{})
	startScheduler(t, s)

	futures, _ := s.Submit(newTestRun(t), makeUnits(t, model.KindImage, 1))
	r := waitAll(t, futures)[0]
	if r.Status != model.TaskStatusFailed || r.Category() != model.CategoryTransient {
		t.Fatalf("result = %+v", r)
	}
	if r.Attempts != 3 || fake.totalCalls() != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", r.Attempts, fake.totalCalls())
	}
}

func TestExecutableFailureIsNotRetried(t *testing.T) {
	fake := newFakeExecutor()
	fake.outcome = func(inv *executor.Invocation, _ int) error {
		if inv.UnitID == "image-ch0002" {
			return &model.ExecutableError{Command: "wsclean", ExitCode: 2, Stderr: "diverged"}
		}
		return nil
	}
	s := newTestScheduler(t, fake, testOpts{})
	startScheduler(t, s)

	futures, _ := s.Submit(newTestRun(t), makeUnits(t, model.KindImage, 4))
	results := waitAll(t, futures)
	for i, r := range results {
		if i == 2 {
			if r.Category() != model.CategoryExecutable || r.Failure.ExitCode == nil || *r.Failure.ExitCode != 2 {
				t.Errorf("channel 2 = %+v", r)
			}
			continue
		}
		if !r.Succeeded() {
			t.Errorf("channel %d should be isolated from channel 2's failure: %+v", i, r)
		}
	}
	if n := fake.callsFor("image-ch0002"); n != 1 {
		t.Errorf("failing unit invoked %d times, want 1", n)
	}
}

func TestMissingOutputIsExecutableFailure(t *testing.T) {
	fake := newFakeExecutor()
	s := newTestScheduler(t, fake, testOpts{})
	startScheduler(t, s)

	u, err := model.NewWorkUnit(model.WorkUnitSpec{
		ID: "image-ch0000", Kind: model.KindImage,
		CommandTemplate: []string{"fake", "$(unit.output)"},
		OutputPath:      filepath.Join(t.TempDir(), "ch0.fits"),
		WeightPath:      filepath.Join(t.TempDir(), "never-written.fits"),
	})
	if err != nil {
		t.Fatal(err)
	}
	futures, _ := s.Submit(newTestRun(t), []model.WorkUnit{u})
	if r := waitAll(t, futures)[0]; r.Category() != model.CategoryExecutable {
		t.Errorf("result = %+v, want executable failure", r)
	}
}

func TestTimeoutIsNotRetried(t *testing.T) {
	fake := newFakeExecutor()
	fake.block = true
	slow := processImage
	slow.Timeout = 50 * time.Millisecond
	s := newTestScheduler(t, fake, testOpts{profiles: []model.ResourceProfile{slow}})
	startScheduler(t, s)

	futures, _ := s.Submit(newTestRun(t), makeUnits(t, model.KindImage, 1))
	r := waitAll(t, futures)[0]
	if r.Status != model.TaskStatusFailed || r.Category() != model.CategoryTimeout {
		t.Fatalf("result = %+v, want failed/timeout", r)
	}
	if fake.totalCalls() != 1 {
		t.Errorf("calls = %d, want 1", fake.totalCalls())
	}
}

func TestRunCancel(t *testing.T) {
	fake := newFakeExecutor()
	fake.block = true
	fake.started = make(chan string, 10)
	s := newTestScheduler(t, fake, testOpts{})
	startScheduler(t, s)
	run := newTestRun(t)

	futures, err := s.Submit(run, makeUnits(t, model.KindImage, 5))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-fake.started:
	case <-time.After(5 * time.Second):
		t.Fatal("no unit started")
	}
	run.Cancel()
	for _, r := range waitAll(t, futures) {
		if r.Status != model.TaskStatusCancelled {
			t.Errorf("%s status = %s, want cancelled", r.WorkUnitID, r.Status)
		}
	}
	if n := fake.totalCalls(); n != 1 {
		t.Errorf("invocations = %d, want 1 (dispatch must stop on cancel)", n)
	}

	// Submitting to a cancelled run resolves immediately.
	more := makeUnits(t, model.KindPredict, 1)
	f, err := s.Submit(run, more)
	if err != nil {
		t.Fatal(err)
	}
	if r, ok := f[0].TryResult(); !ok || r.Status != model.TaskStatusCancelled {
		t.Errorf("late submit = %+v, %v", r, ok)
	}
}

func TestFutureCancel(t *testing.T) {
	fake := newFakeExecutor()
	fake.block = true
	fake.started = make(chan string, 10)
	s := newTestScheduler(t, fake, testOpts{})
	run := newTestRun(t)

	futures, err := s.Submit(run, makeUnits(t, model.KindImage, 2))
	if err != nil {
		t.Fatal(err)
	}
	// Both are pending until the first Tick; cancel one before it can start.
	futures[1].Cancel()
	if r, ok := futures[1].TryResult(); !ok || r.Status != model.TaskStatusCancelled {
		t.Fatalf("pending cancel = %+v, %v", r, ok)
	}
	startScheduler(t, s)
	<-fake.started
	futures[0].Cancel()
	if r := waitAll(t, futures[:1])[0]; r.Status != model.TaskStatusCancelled {
		t.Errorf("running cancel = %+v", r)
	}
	if fake.callsFor("image-ch0001") != 0 {
		t.Error("cancelled pending unit was invoked")
	}
	futures[0].Cancel()
}

func TestSubmit_RejectsDuplicateChannel(t *testing.T) {
	fake := newFakeExecutor()
	s := newTestScheduler(t, fake, testOpts{})
	run := newTestRun(t)

	units := makeUnits(t, model.KindImage, 2)
	dup, _ := model.NewWorkUnit(model.WorkUnitSpec{
		ID: "image-dup", Kind: model.KindImage, ChannelIndex: 1,
		CommandTemplate: []string{"fake"}, OutputPath: "/tmp/x",
	})
	if _, err := s.Submit(run, append(units, dup)); !errors.Is(err, model.ErrDuplicateChannel) {
		t.Fatalf("err = %v, want ErrDuplicateChannel", err)
	}
	if st := s.Stats(); st.Pending != 0 {
		t.Errorf("pending = %d, want nothing submitted", st.Pending)
	}
	if _, err := s.Submit(run, units); err != nil {
		t.Fatalf("resubmit after rejected batch: %v", err)
	}
	if _, err := s.Submit(run, units[:1]); !errors.Is(err, model.ErrDuplicateChannel) {
		t.Errorf("second claim of channel 0: err = %v", err)
	}
}

func TestSubmit_UnknownKindRejected(t *testing.T) {
	s := newTestScheduler(t, newFakeExecutor(), testOpts{profiles: []model.ResourceProfile{processImage}})
	_, err := s.Submit(newTestRun(t), makeUnits(t, model.KindPredict, 1))
	if model.Classify(err) != model.CategoryConfiguration {
		t.Errorf("err = %v, want configuration error", err)
	}
}

func TestDispatchOrdersByDemand(t *testing.T) {
	fake := newFakeExecutor()
	fake.block = true
	fake.started = make(chan string, 10)
	big := model.ResourceProfile{Name: "image", Cores: 4, MemoryBytes: 8 << 30, Mode: model.ModeThread, MaxConcurrentPerWorker: 1}
	s := newTestScheduler(t, fake, testOpts{
		workers:  []model.WorkerAllocation{{Name: "node-0", Cores: 4, MemoryBytes: 16 << 30}},
		profiles: []model.ResourceProfile{big, threadPredict},
	})
	run := newTestRun(t)
	t.Cleanup(func() { run.Cancel(); s.inflight.Wait() })

	// Small units are submitted first; the large one must still be placed first.
	if _, err := s.Submit(run, makeUnits(t, model.KindPredict, 3)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(run, makeUnits(t, model.KindImage, 1)); err != nil {
		t.Fatal(err)
	}
	s.Tick()
	if got := <-fake.started; got != "image-ch0000" {
		t.Errorf("first dispatched = %s, want image-ch0000", got)
	}
	if st := s.Stats(); st.Running != 1 || st.Pending != 3 {
		t.Errorf("stats = %+v, want 1 running, 3 pending", st)
	}
}
