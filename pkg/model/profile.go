package model

import "time"

// ExecutionMode says how an external executable uses its allocation.
type ExecutionMode string

const (
	// ModeProcess gives one external process exclusive ownership of a worker allocation.
	ModeProcess ExecutionMode = "process"
	// ModeThread lets several multi-threaded executables share one allocation.
	ModeThread ExecutionMode = "thread"
)

// ResourceProfile is the compute allocation a work unit requests.
type ResourceProfile struct {
	Name                   string        `json:"name" yaml:"name"`
	Cores                  int           `json:"cores" yaml:"cores"`
	MemoryBytes            uint64        `json:"memory_bytes" yaml:"-"`
	Mode                   ExecutionMode `json:"execution_mode" yaml:"execution_mode"`
	MaxConcurrentPerWorker int           `json:"max_concurrent_per_worker" yaml:"max_concurrent_per_worker"`
	Timeout                time.Duration `json:"timeout" yaml:"timeout"`
}

// Validate enforces the profile invariants.
func (p ResourceProfile) Validate() error {
	if p.Name == "" {
		return NewConfigurationError("resource profile has empty name")
	}
	if p.Cores <= 0 {
		return NewConfigurationError("profile %s: cores must be positive, got %d", p.Name, p.Cores)
	}
	if p.MemoryBytes == 0 {
		return NewConfigurationError("profile %s: memory must be positive", p.Name)
	}
	if p.MaxConcurrentPerWorker <= 0 {
		return NewConfigurationError("profile %s: max_concurrent_per_worker must be positive, got %d", p.Name, p.MaxConcurrentPerWorker)
	}
	switch p.Mode {
	case ModeProcess:
		if p.MaxConcurrentPerWorker != 1 {
			return NewConfigurationError("profile %s: process mode requires max_concurrent_per_worker=1, got %d", p.Name, p.MaxConcurrentPerWorker)
		}
	case ModeThread:
	default:
		return NewConfigurationError("profile %s: unknown execution mode %q", p.Name, p.Mode)
	}
	if p.Timeout < 0 {
		return NewConfigurationError("profile %s: negative timeout", p.Name)
	}
	return nil
}

// WorkerAllocation is the fixed allocation a worker holds for its lifetime.
type WorkerAllocation struct {
	Name        string `json:"name"`
	Cores       int    `json:"cores"`
	MemoryBytes uint64 `json:"memory_bytes"`
}

// Fits reports whether an idle worker with this allocation could ever run p.
func (a WorkerAllocation) Fits(p ResourceProfile) bool {
	return p.Cores <= a.Cores && p.MemoryBytes <= a.MemoryBytes
}
