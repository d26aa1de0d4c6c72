// Package pipeline drives one imaging run: it turns a run file into work
// units, chains model prediction into imaging per channel, and assembles the
// cube once every channel has an image.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/me/cubesched/internal/artifact"
	"github.com/me/cubesched/internal/config"
	"github.com/me/cubesched/internal/cube"
	"github.com/me/cubesched/internal/logging"
	"github.com/me/cubesched/internal/monitor"
	"github.com/me/cubesched/internal/report"
	"github.com/me/cubesched/internal/scheduler"
	"github.com/me/cubesched/internal/store"
	"github.com/me/cubesched/pkg/model"
)

// Options adjust a single run.
type Options struct {
	// Axis overrides the run file's axis when set.
	Axis config.Axis
	// Resume reuses the manifest of an earlier run and only submits the
	// channels it lacks.
	Resume bool
}

// Driver runs pipelines on a started Scheduler. The store may be nil.
type Driver struct {
	cfg     config.Config
	sched   *scheduler.Scheduler
	store   store.Store
	remover artifact.Remover
	logger  *slog.Logger

	mu      sync.Mutex
	current *active
}

// active is the state of the run in progress, exposed through Status.
type active struct {
	run       *scheduler.RunContext
	monitor   *monitor.Monitor
	artifacts *artifact.Manager
	state     model.RunState
}

// Status is a point-in-time view of the run in progress.
type Status struct {
	RunID     string                   `json:"run_id"`
	Name      string                   `json:"name"`
	State     model.RunState           `json:"state"`
	Started   time.Time                `json:"started_at"`
	Progress  monitor.Progress         `json:"progress"`
	Artifacts artifact.Stats           `json:"artifacts"`
	Queue     scheduler.Stats          `json:"queue"`
	Workers   []scheduler.WorkerStatus `json:"workers"`
}

// New creates a Driver.
func New(cfg config.Config, sched *scheduler.Scheduler, st store.Store, logger *slog.Logger) *Driver {
	return &Driver{
		cfg:    cfg,
		sched:  sched,
		store:  st,
		logger: logging.Component(logger, "pipeline"),
	}
}

// SetRemover replaces the function used to delete intermediate artifacts.
func (d *Driver) SetRemover(r artifact.Remover) { d.remover = r }

// Status reports on the current run. ok is false when no run has started.
func (d *Driver) Status() (Status, bool) {
	d.mu.Lock()
	cur := d.current
	var state model.RunState
	if cur != nil {
		state = cur.state
	}
	d.mu.Unlock()
	if cur == nil {
		return Status{Queue: d.sched.Stats(), Workers: d.sched.Workers()}, false
	}
	return Status{
		RunID:     cur.run.ID,
		Name:      cur.run.Name,
		State:     state,
		Started:   cur.run.Started,
		Progress:  cur.monitor.Progress(),
		Artifacts: cur.artifacts.Stats(),
		Queue:     d.sched.Stats(),
		Workers:   d.sched.Workers(),
	}, true
}

// Run executes rf until every channel is resolved, assembles the cube when
// all channels imaged successfully, and returns the run report. A report
// that is not Complete is not an error; the error return is reserved for
// runs that could not be started or whose bookkeeping failed.
func (d *Driver) Run(ctx context.Context, rf config.RunFile, opts Options) (*model.RunReport, error) {
	axis := rf.Axis
	if opts.Axis != "" {
		axis = opts.Axis
	}
	axis, err := config.ParseAxis(string(axis))
	if err != nil {
		return nil, err
	}
	rf.Axis = axis
	if err := rf.Validate(); err != nil {
		return nil, err
	}
	lay := layout{rf}
	expected := len(rf.Datasets)

	run, manifest, err := d.open(ctx, rf, lay, opts.Resume)
	if err != nil {
		return nil, err
	}
	defer run.Close()
	logger := run.Logger().With("component", "pipeline", "name", rf.Name)

	if err := d.recordStart(ctx, run, rf, lay, opts.Resume); err != nil {
		return nil, err
	}

	var artOpts []artifact.Option
	if d.remover != nil {
		artOpts = append(artOpts, artifact.WithRemover(d.remover))
	}
	arts := artifact.NewManager(run.Logger(), artOpts...)
	mon := monitor.New(run, expected, arts, monitor.WithManifest(manifest), monitor.WithConsumers(consumers))
	d.setCurrent(&active{run: run, monitor: mon, artifacts: arts, state: model.RunStateRunning})

	existing := manifest.Existing()
	for idx := range manifest.Artifacts() {
		if _, ok := existing[idx]; !ok {
			logger.Warn("channel artifacts gone, reimaging", "channel", idx)
			if err := manifest.Forget(idx); err != nil {
				return nil, err
			}
		}
	}
	if err := mon.Seed(existing); err != nil {
		return nil, fmt.Errorf("seed existing channels: %w", err)
	}

	todo := make([]int, 0, expected)
	for ch := 0; ch < expected; ch++ {
		if _, ok := existing[ch]; !ok {
			todo = append(todo, ch)
		}
	}
	logger.Info("run started", "axis", axis, "channels", expected,
		"reused", len(existing), "to_image", len(todo), "predict", rf.SkyModel != "")

	builder := unitBuilder{cfg: d.cfg, layout: lay}
	// Futures are watched past cancellation of ctx: cancelled units still
	// resolve and must be accounted for.
	watchCtx := context.WithoutCancel(ctx)
	mon.OnSuccess(d.chainImage(run, mon, arts, builder, watchCtx))

	units, err := builder.first(todo)
	if err == nil && len(units) > 0 {
		var futures []*scheduler.Future
		futures, err = d.sched.Submit(run, units)
		if err == nil {
			mon.Watch(watchCtx, futures)
		}
	}
	if err != nil {
		rep := &model.RunReport{RunID: run.ID, State: model.RunStateIncomplete, Expected: expected,
			Error: err.Error(), StartedAt: run.Started}
		d.finish(ctx, run, rf, rep)
		return rep, err
	}

	if err := mon.Wait(watchCtx); err != nil {
		return nil, err
	}

	rep := mon.Report()
	if rep.State == model.RunStateCompleted && mon.Ready() {
		d.assemble(ctx, run, rf, mon, arts, manifest, rep)
	} else {
		logger.Warn("cube assembly skipped", "state", rep.State, "missing", report.FormatIndices(rep.Missing))
	}

	if n, err := arts.Sweep(); err != nil {
		logger.Warn("artifact sweep", "error", err)
	} else if n > 0 {
		logger.Info("swept unreferenced artifacts", "count", n)
	}
	rep.Duration = time.Since(run.Started)
	d.finish(ctx, run, rf, rep)
	return rep, nil
}

// consumers hands predicted datasets to the image unit of the same channel
// and channel images to the assembler.
func consumers(u model.WorkUnit, _ model.TaskResult) []string {
	switch u.Kind {
	case model.KindPredict:
		return []string{model.UnitID(model.KindImage, u.ChannelIndex)}
	case model.KindImage:
		return []string{artifact.ConcatConsumer}
	}
	return nil
}

// chainImage submits the image unit for each channel whose prediction succeeded.
func (d *Driver) chainImage(run *scheduler.RunContext, mon *monitor.Monitor, arts *artifact.Manager, b unitBuilder, watchCtx context.Context) monitor.SuccessHook {
	return func(_ context.Context, u model.WorkUnit, r model.TaskResult) error {
		if u.Kind != model.KindPredict {
			return nil
		}
		img, err := b.image(u.ChannelIndex, r.OutputPath)
		if err == nil {
			var futures []*scheduler.Future
			futures, err = d.sched.Submit(run, []model.WorkUnit{img})
			if err == nil {
				mon.Watch(watchCtx, futures)
				return nil
			}
		}
		if _, rerr := arts.Release(r.OutputPath, model.UnitID(model.KindImage, u.ChannelIndex)); rerr != nil {
			run.Logger().Warn("release predicted dataset", "path", r.OutputPath, "error", rerr)
		}
		return fmt.Errorf("submit image unit for channel %d: %w", u.ChannelIndex, err)
	}
}

// assemble builds the cube and folds the outcome into rep.
func (d *Driver) assemble(ctx context.Context, run *scheduler.RunContext, rf config.RunFile, mon *monitor.Monitor, arts *artifact.Manager, manifest *artifact.Manifest, rep *model.RunReport) {
	asm := cube.New(cube.Config{
		OutputDir: rf.OutputDir,
		Prefix:    rf.Name,
		Mode:      rf.Mode,
		Axis:      string(rf.Axis),
	}, arts, run.Logger())

	c, err := asm.Assemble(ctx, mon.Artifacts(), rep.Expected)
	if err != nil {
		rep.State = model.RunStateIncomplete
		rep.Error = err.Error()
		var aie *model.AssemblyIntegrityError
		if errors.As(err, &aie) && aie.Channel >= 0 {
			// Forgetting the channel makes a resume reimage it.
			if ferr := manifest.Forget(aie.Channel); ferr != nil {
				run.Logger().Error("update manifest", "error", ferr)
			}
			rep.Succeeded--
			rep.Failed++
			rep.Missing = append(rep.Missing, aie.Channel)
			rep.Failures = append(rep.Failures, model.ChannelFailure{
				ChannelIndex: aie.Channel,
				UnitID:       model.UnitID(model.KindImage, aie.Channel),
				Kind:         model.KindImage,
				Category:     model.CategoryAssembly,
				Detail:       err.Error(),
			})
			rep.SortFailures()
		}
		run.Logger().Error("cube assembly failed", "category", model.Classify(err), "error", err)
		return
	}
	rep.Cube = c
	if err := manifest.SetCube(c); err != nil {
		run.Logger().Error("update manifest", "error", err)
	}
}

// open creates a new run, or rebuilds the one recorded in the manifest.
func (d *Driver) open(ctx context.Context, rf config.RunFile, lay layout, resume bool) (*scheduler.RunContext, *artifact.Manifest, error) {
	path := lay.manifest()
	if !resume {
		run := scheduler.NewRun(ctx, rf.Name, d.logger)
		m := artifact.NewManifest(path, run.ID, rf.Name, string(rf.Axis), len(rf.Datasets))
		if err := m.Save(); err != nil {
			return nil, nil, err
		}
		return run, m, nil
	}
	m, err := artifact.LoadManifest(path)
	if err != nil {
		return nil, nil, fmt.Errorf("resume: %w", err)
	}
	if m.Expected != len(rf.Datasets) {
		return nil, nil, model.NewConfigurationError("resume: manifest %s expects %d channels, run file lists %d",
			path, m.Expected, len(rf.Datasets))
	}
	if m.Axis != "" && m.Axis != string(rf.Axis) {
		return nil, nil, model.NewConfigurationError("resume: manifest %s was built along the %s axis, not %s", path, m.Axis, rf.Axis)
	}
	return scheduler.ResumeRun(ctx, m.RunID, rf.Name, d.logger), m, nil
}

func (d *Driver) recordStart(ctx context.Context, run *scheduler.RunContext, rf config.RunFile, lay layout, resume bool) error {
	if d.store == nil {
		return nil
	}
	if resume {
		prev, err := d.store.GetRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("look up run %s: %w", run.ID, err)
		}
		if prev != nil {
			return d.store.ReopenRun(ctx, run.ID)
		}
	}
	return d.store.CreateRun(ctx, &model.RunRecord{
		ID:           run.ID,
		Name:         rf.Name,
		State:        model.RunStateRunning,
		Axis:         string(rf.Axis),
		Expected:     len(rf.Datasets),
		OutputDir:    rf.OutputDir,
		ManifestPath: lay.manifest(),
		CreatedAt:    run.Started,
	})
}

// finish persists and publishes the final report. Bookkeeping failures are
// logged; the report itself is still returned to the caller.
func (d *Driver) finish(ctx context.Context, run *scheduler.RunContext, rf config.RunFile, rep *model.RunReport) {
	d.mu.Lock()
	if d.current != nil && d.current.run == run {
		d.current.state = rep.State
	}
	d.mu.Unlock()

	logger := run.Logger().With("component", "pipeline")
	if err := report.Save(ReportPath(rf), rep); err != nil {
		logger.Error("write report", "error", err)
	}
	if d.store != nil {
		if err := d.store.FinishRun(context.WithoutCancel(ctx), run.ID, rep.State, rep); err != nil {
			logger.Error("record run result", "error", err)
		}
	}
	logger.Info("run finished", "state", rep.State, "succeeded", rep.Succeeded,
		"failed", rep.Failed, "cancelled", rep.Cancelled, "complete", rep.Complete())
}

func (d *Driver) setCurrent(a *active) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = a
}

// AssembleManifest builds the cube from a manifest alone, without running
// any unit. Channel images are left on disk unless reclaim is set.
func AssembleManifest(ctx context.Context, path, mode string, reclaim bool, logger *slog.Logger) (*model.Cube, error) {
	m, err := artifact.LoadManifest(path)
	if err != nil {
		return nil, err
	}
	var arts *artifact.Manager
	if reclaim {
		arts = artifact.NewManager(logger)
		for _, a := range m.Existing() {
			for _, p := range []string{a.ImagePath, a.WeightPath} {
				if p == "" {
					continue
				}
				if err := arts.Register(model.ArtifactRef{Path: p, ProducerID: a.UnitID,
					Consumers: artifact.Consumers(artifact.ConcatConsumer)}); err != nil {
					return nil, err
				}
			}
		}
	}
	asm := cube.New(cube.Config{
		OutputDir: filepath.Dir(path),
		Prefix:    m.Name,
		Mode:      mode,
		Axis:      m.Axis,
	}, arts, logger)
	c, err := asm.Assemble(ctx, m.Existing(), m.Expected)
	if err != nil {
		return nil, err
	}
	if err := m.SetCube(c); err != nil {
		return c, err
	}
	return c, nil
}
