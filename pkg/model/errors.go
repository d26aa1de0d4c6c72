package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// FailureCategory classifies why a work unit (or a run) did not succeed.
type FailureCategory string

const (
	CategoryNone          FailureCategory = ""
	CategoryConfiguration FailureCategory = "configuration"
	CategoryTransient     FailureCategory = "transient"
	CategoryExecutable    FailureCategory = "executable"
	CategoryTimeout       FailureCategory = "timeout"
	CategoryCancelled     FailureCategory = "cancelled"
	CategoryAssembly      FailureCategory = "assembly"
)

// Retryable reports whether failures of this category may be attempted again.
func (c FailureCategory) Retryable() bool {
	return c == CategoryTransient
}

// categorised is implemented by every error type in the taxonomy.
type categorised interface {
	error
	Category() FailureCategory
}

// ConfigurationError is fatal and never retried; it cannot succeed without
// operator intervention (unknown kind, unsatisfiable resource request, missing binary).
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Err)
	}
	return "configuration error: " + e.Message
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Category returns CategoryConfiguration.
func (e *ConfigurationError) Category() FailureCategory { return CategoryConfiguration }

// NewConfigurationError builds a ConfigurationError with a formatted message.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// TransientError marks an infrastructure failure worth retrying: a dropped
// worker connection or a process killed for exceeding its memory ceiling.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient infrastructure error: %s: %v", e.Reason, e.Err)
	}
	return "transient infrastructure error: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// Category returns CategoryTransient.
func (e *TransientError) Category() FailureCategory { return CategoryTransient }

// ExecutableError captures an external executable that exited non-zero.
type ExecutableError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExecutableError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// Category returns CategoryExecutable.
func (e *ExecutableError) Category() FailureCategory { return CategoryExecutable }

// TimeoutError reports an invocation that exceeded its wall-clock ceiling.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("invocation exceeded wall-clock limit of %s", e.Limit)
}

// Category returns CategoryTimeout.
func (e *TimeoutError) Category() FailureCategory { return CategoryTimeout }

// AssemblyIntegrityError aborts cube assembly. Either Missing lists every
// absent channel index, or Channel names the corrupt artifact.
type AssemblyIntegrityError struct {
	Missing []int
	Channel int
	Path    string
	Err     error
}

func (e *AssemblyIntegrityError) Error() string {
	if len(e.Missing) > 0 {
		parts := make([]string, len(e.Missing))
		for i, idx := range e.Missing {
			parts[i] = fmt.Sprint(idx)
		}
		return fmt.Sprintf("cube assembly: missing channel(s) %s", strings.Join(parts, ","))
	}
	return fmt.Sprintf("cube assembly: channel %d (%s): %v", e.Channel, e.Path, e.Err)
}

func (e *AssemblyIntegrityError) Unwrap() error { return e.Err }

// Category returns CategoryAssembly.
func (e *AssemblyIntegrityError) Category() FailureCategory { return CategoryAssembly }

// NewMissingChannelsError sorts the indices and returns an AssemblyIntegrityError.
func NewMissingChannelsError(missing []int) *AssemblyIntegrityError {
	sorted := append([]int(nil), missing...)
	sort.Ints(sorted)
	return &AssemblyIntegrityError{Missing: sorted, Channel: -1}
}

// categoryPriority orders categories when more than one applies to the same error.
// Lower value wins.
var categoryPriority = map[FailureCategory]int{
	CategoryCancelled:     0,
	CategoryConfiguration: 1,
	CategoryTimeout:       2,
	CategoryTransient:     3,
	CategoryExecutable:    4,
	CategoryAssembly:      5,
}

// Classify walks the error chain and returns the highest-priority category found.
// A timeout that also carries a memory-kill transient error is a timeout.
// Errors outside the taxonomy are treated as executable failures.
func Classify(err error) FailureCategory {
	if err == nil {
		return CategoryNone
	}
	best := CategoryNone
	consider := func(c FailureCategory) {
		if best == CategoryNone || categoryPriority[c] < categoryPriority[best] {
			best = c
		}
	}
	walk(err, func(e error) {
		if c, ok := e.(categorised); ok {
			consider(c.Category())
		}
		if e == context.Canceled {
			consider(CategoryCancelled)
		}
		if e == context.DeadlineExceeded {
			consider(CategoryTimeout)
		}
	})
	if best == CategoryNone {
		return CategoryExecutable
	}
	return best
}

// walk visits err and every error reachable through Unwrap, including joined errors.
func walk(err error, fn func(error)) {
	if err == nil {
		return
	}
	fn(err)
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			walk(inner, fn)
		}
	case interface{ Unwrap() error }:
		walk(u.Unwrap(), fn)
	}
}

// IsRetryable reports whether err should be attempted again.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// ErrDuplicateChannel is returned when two units in a batch share a channel index.
var ErrDuplicateChannel = errors.New("duplicate channel index")

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}
