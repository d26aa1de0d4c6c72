package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Command is a fully resolved process to start.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// CommandRunner abstracts process execution for testing.
// A non-nil error means the process could not be started; a process that
// ran and exited non-zero is reported through RunResult.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (*RunResult, error)
}

// maxCapture bounds how much of stdout and stderr is kept per invocation.
const maxCapture = 64 << 10

// processRunner starts the command in its own process group so that
// cancelling ctx kills the executable and every child it spawned.
type processRunner struct {
	// waitDelay bounds how long Wait blocks on inherited pipes after a kill.
	waitDelay time.Duration
}

func (r *processRunner) Run(ctx context.Context, c Command) (*RunResult, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = r.waitDelay

	stdout := newTailBuffer(maxCapture)
	stderr := newTailBuffer(maxCapture)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	waitErr := cmd.Wait()
	res := &RunResult{
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
		Duration:     time.Since(start),
		PeakMemoryKB: peakMemoryKB(cmd.ProcessState),
	}
	res.ExitCode, res.Signal = exitStatus(cmd.ProcessState)

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return res, waitErr
	}
	return res, nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) > t.limit {
		p = p[len(p)-t.limit:]
		t.buf.Reset()
		t.truncated = true
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
		t.truncated = true
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "..." + t.buf.String()
	}
	return t.buf.String()
}

// invocationEnv returns the environment for an invocation: the parent
// environment, TMPDIR pointed at the private scratch dir, then extras.
func invocationEnv(inv *Invocation) []string {
	env := os.Environ()
	if inv.ScratchDir != "" {
		env = append(env, "TMPDIR="+inv.ScratchDir)
	}
	env = append(env, "CUBESCHED_RUN_ID="+inv.RunID, "CUBESCHED_UNIT_ID="+inv.UnitID)
	if inv.Worker != "" {
		env = append(env, "CUBESCHED_WORKER="+inv.Worker)
	}
	return append(env, inv.Env...)
}
