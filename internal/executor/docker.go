package executor

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/me/cubesched/pkg/model"
)

// DockerExecutor runs invocations inside Docker containers.
// Each container is named after its invocation so a cancelled run can be removed.
type DockerExecutor struct {
	logger *slog.Logger
	runner CommandRunner
}

// NewDockerExecutor creates a DockerExecutor using the docker CLI.
func NewDockerExecutor(logger *slog.Logger) *DockerExecutor {
	return newDockerExecutorWithRunner(logger, &processRunner{waitDelay: 30 * time.Second})
}

// newDockerExecutorWithRunner is used by tests to inject a mock CommandRunner.
func newDockerExecutorWithRunner(logger *slog.Logger, runner CommandRunner) *DockerExecutor {
	return &DockerExecutor{
		logger: logger.With("component", "docker-executor"),
		runner: runner,
	}
}

// Type returns TypeDocker.
func (e *DockerExecutor) Type() Type { return TypeDocker }

// Run executes inv.Argv in inv.Container. When ctx ends the container is
// force-removed, since killing the docker client does not stop it.
func (e *DockerExecutor) Run(ctx context.Context, inv *Invocation) (*RunResult, error) {
	if inv.Container == "" {
		return nil, model.NewConfigurationError("unit %s: docker executor needs a container image", inv.UnitID)
	}
	if len(inv.Argv) == 0 {
		return nil, model.NewConfigurationError("unit %s: empty argv", inv.UnitID)
	}
	name := containerName(inv)
	args := []string{"run", "--rm", "--name", name}
	if inv.ScratchDir != "" {
		args = append(args,
			"-v", inv.ScratchDir+":"+inv.ScratchDir,
			"-w", inv.ScratchDir,
			"-e", "TMPDIR="+inv.ScratchDir,
		)
	}
	for _, dir := range inv.BindDirs {
		if dir == "" {
			continue
		}
		if !strings.Contains(dir, ":") {
			dir = dir + ":" + dir
		}
		args = append(args, "-v", dir)
	}
	args = append(args, inv.Container)
	args = append(args, inv.Argv...)

	res, startErr := e.runner.Run(ctx, Command{Name: "docker", Args: args, Env: invocationEnv(inv)})
	if ctx.Err() != nil {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := e.runner.Run(rmCtx, Command{Name: "docker", Args: []string{"rm", "-f", name}}); err != nil {
			e.logger.Warn("remove container", "container", name, "error", err)
		}
		cancel()
	}
	err := outcome(ctx, inv, filepath.Base(inv.Argv[0]), res, startErr)
	if res != nil {
		e.logger.Debug("container exited",
			"unit_id", inv.UnitID,
			"container", name,
			"exit_code", res.ExitCode,
		)
	}
	return res, err
}

func containerName(inv *Invocation) string {
	id := inv.InvocationID
	if id == "" {
		id = inv.UnitID
	}
	return "cubesched-" + strings.ToLower(id)
}
