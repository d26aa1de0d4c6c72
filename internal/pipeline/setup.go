package pipeline

import (
	"log/slog"

	"github.com/me/cubesched/internal/config"
	"github.com/me/cubesched/internal/executor"
	"github.com/me/cubesched/internal/resource"
	"github.com/me/cubesched/internal/scheduler"
)

// NewScheduler builds a scheduler for the worker pool, profiles and retry
// policy in cfg. recorder may be nil.
func NewScheduler(cfg config.Config, registry *executor.Registry, recorder scheduler.StateRecorder, logger *slog.Logger) (*scheduler.Scheduler, error) {
	workers, err := cfg.Workers()
	if err != nil {
		return nil, err
	}
	profiles, err := cfg.ResourceProfiles()
	if err != nil {
		return nil, err
	}
	resolver, err := resource.NewResolver(profiles, cfg.Kinds)
	if err != nil {
		return nil, err
	}
	typ, err := executor.ParseType(cfg.Executor)
	if err != nil {
		return nil, err
	}

	sc := scheduler.DefaultConfig()
	sc.Executor = typ
	if cfg.ScratchRoot != "" {
		sc.ScratchRoot = cfg.ScratchRoot
	}
	sc.Retry = scheduler.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
	}
	return scheduler.New(sc, workers, resolver, registry, recorder, logger)
}
