package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/me/cubesched/pkg/model"
)

// exitKilled is the status a shell reports for a process killed by SIGKILL,
// which is how batch systems and the kernel OOM killer enforce memory ceilings.
const exitKilled = 137

// stderrTail bounds the stderr excerpt attached to an ExecutableError.
const stderrTail = 2048

// outcome maps a finished (or unstartable) process to the failure taxonomy.
// ctx is consulted first: a deadline or cancellation explains a kill better
// than the exit status it caused.
func outcome(ctx context.Context, inv *Invocation, name string, res *RunResult, startErr error) error {
	if startErr == nil && res != nil && res.ExitCode == 0 {
		return nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &model.TimeoutError{Limit: inv.Timeout}
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("unit %s: %w", inv.UnitID, context.Canceled)
	}

	if startErr != nil {
		if errors.Is(startErr, exec.ErrNotFound) || errors.Is(startErr, fs.ErrNotExist) || errors.Is(startErr, fs.ErrPermission) {
			return &model.ConfigurationError{Message: fmt.Sprintf("cannot start %s", name), Err: startErr}
		}
		return &model.TransientError{Reason: fmt.Sprintf("start %s", name), Err: startErr}
	}

	if res.Signal == "killed" || res.ExitCode == exitKilled {
		return &model.TransientError{Reason: fmt.Sprintf("%s was killed (exit %d), likely for exceeding its memory ceiling", name, res.ExitCode)}
	}
	return &model.ExecutableError{Command: name, ExitCode: res.ExitCode, Stderr: tail(res.Stderr, stderrTail)}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
