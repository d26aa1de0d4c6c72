package executor

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/me/cubesched/pkg/model"
)

// LocalExecutor runs invocations as local OS processes in their scratch dir.
type LocalExecutor struct {
	logger *slog.Logger
	runner CommandRunner
}

// NewLocalExecutor creates a LocalExecutor.
func NewLocalExecutor(logger *slog.Logger) *LocalExecutor {
	return newLocalExecutorWithRunner(logger, &processRunner{waitDelay: 10 * time.Second})
}

// newLocalExecutorWithRunner is used by tests to inject a mock CommandRunner.
func newLocalExecutorWithRunner(logger *slog.Logger, runner CommandRunner) *LocalExecutor {
	return &LocalExecutor{
		logger: logger.With("component", "local-executor"),
		runner: runner,
	}
}

// Type returns TypeLocal.
func (e *LocalExecutor) Type() Type { return TypeLocal }

// Run executes inv.Argv directly.
func (e *LocalExecutor) Run(ctx context.Context, inv *Invocation) (*RunResult, error) {
	if len(inv.Argv) == 0 {
		return nil, model.NewConfigurationError("unit %s: empty argv", inv.UnitID)
	}
	name := filepath.Base(inv.Argv[0])
	res, startErr := e.runner.Run(ctx, Command{
		Name: inv.Argv[0],
		Args: inv.Argv[1:],
		Dir:  inv.ScratchDir,
		Env:  invocationEnv(inv),
	})
	err := outcome(ctx, inv, name, res, startErr)
	if res != nil {
		e.logger.Debug("process exited",
			"unit_id", inv.UnitID,
			"invocation_id", inv.InvocationID,
			"command", name,
			"exit_code", res.ExitCode,
			"duration", res.Duration,
			"peak_memory_kb", res.PeakMemoryKB,
		)
	}
	return res, err
}
