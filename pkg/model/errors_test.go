package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureCategory
	}{
		{"nil", nil, CategoryNone},
		{"configuration", NewConfigurationError("no worker fits"), CategoryConfiguration},
		{"transient", &TransientError{Reason: "killed"}, CategoryTransient},
		{"executable", &ExecutableError{Command: "wsclean", ExitCode: 1}, CategoryExecutable},
		{"timeout", &TimeoutError{Limit: time.Minute}, CategoryTimeout},
		{"deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), CategoryTimeout},
		{"cancelled", fmt.Errorf("run: %w", context.Canceled), CategoryCancelled},
		{"unknown", errors.New("boom"), CategoryExecutable},
		{"wrapped configuration", fmt.Errorf("unit u1: %w", NewConfigurationError("bad")), CategoryConfiguration},
		{
			"timeout beats memory kill",
			errors.Join(&TransientError{Reason: "memory exceeded"}, &TimeoutError{Limit: time.Second}),
			CategoryTimeout,
		},
		{
			"cancel beats everything",
			errors.Join(&TimeoutError{Limit: time.Second}, context.Canceled, NewConfigurationError("x")),
			CategoryCancelled,
		},
		{
			"transient beats executable",
			errors.Join(&ExecutableError{ExitCode: 137}, &TransientError{Reason: "oom"}),
			CategoryTransient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&TransientError{Reason: "connection reset"}) {
		t.Error("transient error should be retryable")
	}
	if IsRetryable(&TimeoutError{Limit: time.Second}) {
		t.Error("timeout should not be retryable")
	}
	if IsRetryable(NewConfigurationError("unsatisfiable")) {
		t.Error("configuration error should not be retryable")
	}
}

func TestAssemblyIntegrityError_Missing(t *testing.T) {
	err := NewMissingChannelsError([]int{7, 2, 5})
	want := "cube assembly: missing channel(s) 2,5,7"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if err.Category() != CategoryAssembly {
		t.Errorf("Category() = %q", err.Category())
	}
}

func TestAssemblyIntegrityError_Corrupt(t *testing.T) {
	err := &AssemblyIntegrityError{Channel: 3, Path: "/x/ch3.fits", Err: errors.New("truncated data")}
	if !strings.Contains(err.Error(), "channel 3") {
		t.Errorf("Error() = %q, want channel index", err.Error())
	}
}

func TestExecutableError_Error(t *testing.T) {
	err := &ExecutableError{Command: "wsclean", ExitCode: 2, Stderr: "  diverged\n"}
	want := "wsclean exited with status 2: diverged"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{
		Entity: "WorkUnit",
		ID:     "image-ch0003",
		From:   "SUCCEEDED",
		To:     "PENDING",
	}
	want := "invalid WorkUnit state transition: SUCCEEDED → PENDING (entity image-ch0003)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
