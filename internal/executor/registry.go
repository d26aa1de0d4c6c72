package executor

import (
	"fmt"
	"log/slog"

	"github.com/me/cubesched/pkg/model"
)

// Registry maps executor types to implementations.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	executors map[Type]Executor
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		executors: make(map[Type]Executor),
		logger:    logger.With("component", "executor-registry"),
	}
}

// Register adds an Executor keyed by its Type().
func (r *Registry) Register(exec Executor) {
	t := exec.Type()
	r.executors[t] = exec
	r.logger.Debug("executor registered", "type", t)
}

// Get returns the Executor for t. An unregistered type is a configuration error.
func (r *Registry) Get(t Type) (Executor, error) {
	exec, ok := r.executors[t]
	if !ok {
		return nil, model.NewConfigurationError("no executor registered for type %q", t)
	}
	return exec, nil
}

// NewDefaultRegistry registers the local, apptainer and docker executors.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(NewLocalExecutor(logger))
	r.Register(NewApptainerExecutor(logger))
	r.Register(NewDockerExecutor(logger))
	return r
}

// ParseType validates an executor name.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeLocal, TypeApptainer, TypeDocker:
		return t, nil
	case "":
		return TypeLocal, nil
	}
	return "", fmt.Errorf("executor: %w", model.NewConfigurationError("unknown executor %q", s))
}
