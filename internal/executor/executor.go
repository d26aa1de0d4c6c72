// Package executor runs one attempt of a work unit as an external process.
package executor

import (
	"context"
	"time"
)

// Type identifies an executor backend.
type Type string

const (
	TypeLocal     Type = "local"
	TypeApptainer Type = "apptainer"
	TypeDocker    Type = "docker"
)

// Invocation is one attempt of one work unit.
type Invocation struct {
	RunID        string
	UnitID       string
	InvocationID string
	Attempt      int
	Worker       string
	Argv         []string
	// ScratchDir is private to this invocation and exported as TMPDIR.
	ScratchDir string
	Env        []string
	Container  string
	BindDirs   []string
	// Timeout is the wall-clock ceiling the caller placed on ctx; it is only
	// used to describe a deadline failure.
	Timeout time.Duration
}

// RunResult describes a finished process.
type RunResult struct {
	ExitCode     int
	Signal       string
	Stdout       string
	Stderr       string
	Duration     time.Duration
	PeakMemoryKB int64
}

// Executor is a pluggable backend that runs invocations.
//
// Run blocks until the process exits. A nil error means exit status 0. Any
// other outcome is returned as a typed error from pkg/model so callers can
// classify it: ExecutableError, TransientError, TimeoutError,
// ConfigurationError, or a wrapped context.Canceled. The RunResult is
// returned whenever the process was started.
type Executor interface {
	Type() Type
	Run(ctx context.Context, inv *Invocation) (*RunResult, error)
}
