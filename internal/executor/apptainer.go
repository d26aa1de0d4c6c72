package executor

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/me/cubesched/pkg/model"
)

// ApptainerExecutor runs invocations inside Apptainer (Singularity) containers.
// The scratch dir is bound at the same path and used as the working directory,
// so output paths in the argv stay valid inside the container.
type ApptainerExecutor struct {
	logger *slog.Logger
	runner CommandRunner
	binary string
}

// NewApptainerExecutor creates an ApptainerExecutor using the apptainer CLI.
func NewApptainerExecutor(logger *slog.Logger) *ApptainerExecutor {
	return newApptainerExecutorWithRunner(logger, &processRunner{waitDelay: 30 * time.Second})
}

// newApptainerExecutorWithRunner is used by tests to inject a mock CommandRunner.
func newApptainerExecutorWithRunner(logger *slog.Logger, runner CommandRunner) *ApptainerExecutor {
	return &ApptainerExecutor{
		logger: logger.With("component", "apptainer-executor"),
		runner: runner,
		binary: "apptainer",
	}
}

// Type returns TypeApptainer.
func (e *ApptainerExecutor) Type() Type { return TypeApptainer }

// Run executes inv.Argv in inv.Container.
func (e *ApptainerExecutor) Run(ctx context.Context, inv *Invocation) (*RunResult, error) {
	if inv.Container == "" {
		return nil, model.NewConfigurationError("unit %s: apptainer executor needs a container image", inv.UnitID)
	}
	if len(inv.Argv) == 0 {
		return nil, model.NewConfigurationError("unit %s: empty argv", inv.UnitID)
	}
	args := apptainerArgs(inv)
	res, startErr := e.runner.Run(ctx, Command{
		Name: e.binary,
		Args: args,
		Dir:  inv.ScratchDir,
		Env:  invocationEnv(inv),
	})
	name := filepath.Base(inv.Argv[0])
	err := outcome(ctx, inv, name, res, startErr)
	if res != nil {
		e.logger.Debug("container exited",
			"unit_id", inv.UnitID,
			"invocation_id", inv.InvocationID,
			"image", inv.Container,
			"command", name,
			"exit_code", res.ExitCode,
		)
	}
	return res, err
}

func apptainerArgs(inv *Invocation) []string {
	args := []string{"exec", "--cleanenv"}
	if inv.ScratchDir != "" {
		args = append(args,
			"--bind", inv.ScratchDir+":"+inv.ScratchDir,
			"--pwd", inv.ScratchDir,
			"--env", "TMPDIR="+inv.ScratchDir,
		)
	}
	for _, dir := range inv.BindDirs {
		if dir == "" {
			continue
		}
		if !strings.Contains(dir, ":") {
			dir = dir + ":" + dir
		}
		args = append(args, "--bind", dir)
	}
	args = append(args, containerRef(inv.Container))
	return append(args, inv.Argv...)
}

// containerRef accepts local .sif files and registry references.
func containerRef(image string) string {
	if strings.Contains(image, "://") || strings.HasSuffix(image, ".sif") || strings.HasPrefix(image, "/") {
		return image
	}
	return "docker://" + image
}
