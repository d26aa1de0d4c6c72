// Package cube stacks per-channel images into one ordered data cube and a
// companion weight cube.
package cube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/me/cubesched/internal/artifact"
	"github.com/me/cubesched/internal/fits"
	"github.com/me/cubesched/internal/logging"
	"github.com/me/cubesched/internal/metrics"
	"github.com/me/cubesched/pkg/model"
)

// Config controls output naming.
type Config struct {
	OutputDir string
	Prefix    string
	Mode      string // image, residual, model, ...
	// Axis is "channel" or "time". Time cubes carry no frequency axis.
	Axis string
	// Concurrency bounds parallel header validation. Zero means GOMAXPROCS.
	Concurrency int
}

// Assembler builds cubes. With a lifecycle manager it retains the cubes and
// releases the channel artifacts once both cubes are published. An assembly
// that stops early leaves every channel in place for a rerun.
type Assembler struct {
	cfg       Config
	artifacts *artifact.Manager
	logger    *slog.Logger
}

// New creates an Assembler. artifacts may be nil, in which case channel
// images are left in place.
func New(cfg Config, artifacts *artifact.Manager, logger *slog.Logger) *Assembler {
	if cfg.Mode == "" {
		cfg.Mode = "image"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "cube"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	return &Assembler{cfg: cfg, artifacts: artifacts, logger: logging.Component(logger, "assembler")}
}

// Paths returns the final data and weight cube paths.
func (a *Assembler) Paths() (data, weight string) {
	return filepath.Join(a.cfg.OutputDir, fmt.Sprintf("%s.%s.cube.fits", a.cfg.Prefix, a.cfg.Mode)),
		filepath.Join(a.cfg.OutputDir, fmt.Sprintf("%s.weight.cube.fits", a.cfg.Prefix))
}

// channel is one validated input.
type channel struct {
	index  int
	art    model.ChannelArtifact
	image  *fits.Image
	weight *fits.Image
	freq   float64
}

// Assemble folds artifacts 0..expected-1 into the cubes in ascending channel
// order. Nothing is written unless every channel is present and every header
// validates; a missing or corrupt channel yields *model.AssemblyIntegrityError.
func (a *Assembler) Assemble(ctx context.Context, artifacts map[int]model.ChannelArtifact, expected int) (*model.Cube, error) {
	if expected <= 0 {
		return nil, model.NewConfigurationError("cube assembly needs at least one channel, got %d", expected)
	}
	var missing []int
	for i := 0; i < expected; i++ {
		if art, ok := artifacts[i]; !ok || art.ImagePath == "" {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return nil, model.NewMissingChannelsError(missing)
	}
	for idx := range artifacts {
		if idx < 0 || idx >= expected {
			return nil, model.NewConfigurationError("channel %d outside 0..%d", idx, expected-1)
		}
	}

	start := time.Now()
	channels, err := a.validate(ctx, artifacts, expected)
	if err != nil {
		return nil, err
	}
	cube, err := a.fold(ctx, channels)
	if err != nil {
		return nil, err
	}
	a.logger.Info("cube assembled", "path", cube.Path, "weight", cube.WeightPath,
		"planes", cube.Planes, "duration", time.Since(start).Round(time.Millisecond))
	return cube, nil
}

// validate opens every header in parallel and checks that all planes stack.
func (a *Assembler) validate(ctx context.Context, artifacts map[int]model.ChannelArtifact, expected int) ([]*channel, error) {
	channels := make([]*channel, expected)
	errs := make([]error, expected)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for i := 0; i < expected; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ch, err := openChannel(i, artifacts[i])
			channels[i], errs[i] = ch, err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// Report the lowest corrupt channel so the error is deterministic.
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	ref := channels[0]
	withWeight := ref.weight != nil
	for _, ch := range channels {
		if !ch.image.SameShape(ref.image) {
			return nil, corrupt(ch.index, ch.art.ImagePath, fmt.Errorf("%w: shape %dx%d bitpix %d differs from channel 0 (%dx%d bitpix %d)",
				fits.ErrCorrupt, ch.image.Width(), ch.image.Height(), ch.image.Bitpix,
				ref.image.Width(), ref.image.Height(), ref.image.Bitpix))
		}
		if err := ch.image.SameScaling(ref.image); err != nil {
			return nil, corrupt(ch.index, ch.art.ImagePath, fmt.Errorf("against channel 0: %w", err))
		}
		if (ch.weight != nil) != withWeight {
			return nil, corrupt(ch.index, ch.art.ImagePath, errors.New("weight image present for some channels only"))
		}
		if withWeight && !ch.weight.SameShape(ref.weight) {
			return nil, corrupt(ch.index, ch.art.WeightPath, fmt.Errorf("%w: weight shape differs from channel 0", fits.ErrCorrupt))
		}
		if withWeight {
			if err := ch.weight.SameScaling(ref.weight); err != nil {
				return nil, corrupt(ch.index, ch.art.WeightPath, fmt.Errorf("against channel 0: %w", err))
			}
		}
	}
	return channels, nil
}

func openChannel(idx int, art model.ChannelArtifact) (*channel, error) {
	im, err := fits.Open(art.ImagePath)
	if err != nil {
		return nil, corrupt(idx, art.ImagePath, err)
	}
	ch := &channel{index: idx, art: art, image: im}
	ch.freq, _ = im.Frequency()
	if art.WeightPath != "" {
		w, err := fits.Open(art.WeightPath)
		if err != nil {
			return nil, corrupt(idx, art.WeightPath, err)
		}
		if w.Width() != im.Width() || w.Height() != im.Height() {
			return nil, corrupt(idx, art.WeightPath, fmt.Errorf("%w: weight is %dx%d, image is %dx%d",
				fits.ErrCorrupt, w.Width(), w.Height(), im.Width(), im.Height()))
		}
		ch.weight = w
	}
	return ch, nil
}

func corrupt(idx int, path string, err error) error {
	return &model.AssemblyIntegrityError{Channel: idx, Path: path, Err: err}
}

// fold streams planes into temp cubes, then publishes them.
func (a *Assembler) fold(ctx context.Context, channels []*channel) (cube *model.Cube, err error) {
	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	dataPath, weightPath := a.Paths()
	ref := channels[0]
	var freqs []float64
	if a.cfg.Axis != "time" {
		freqs = make([]float64, len(channels))
		for i, ch := range channels {
			freqs[i] = ch.freq
		}
	}

	data, err := fits.CreateCube(dataPath+".partial", fits.CubeHeader(ref.image, len(channels), freqs), ref.image.DataBytes(), len(channels))
	if err != nil {
		return nil, err
	}
	defer cleanup(data, dataPath+".partial", &err)

	var weights *fits.CubeWriter
	if ref.weight != nil {
		weights, err = fits.CreateCube(weightPath+".partial", fits.CubeHeader(ref.weight, len(channels), freqs), ref.weight.DataBytes(), len(channels))
		if err != nil {
			return nil, err
		}
		defer cleanup(weights, weightPath+".partial", &err)
	} else {
		weightPath = ""
	}

	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := copyPlane(data, ch.index, ch.art.ImagePath); err != nil {
			return nil, err
		}
		if weights != nil {
			if err := copyPlane(weights, ch.index, ch.art.WeightPath); err != nil {
				return nil, err
			}
		}
		metrics.PlaneWritten()
	}

	if err := publish(data, dataPath); err != nil {
		return nil, err
	}
	if weights != nil {
		if err := publish(weights, weightPath); err != nil {
			return nil, err
		}
	}
	syncDir(a.cfg.OutputDir)
	if a.artifacts != nil {
		for _, p := range []string{dataPath, weightPath} {
			if p == "" {
				continue
			}
			if err := a.artifacts.Retain(p); err != nil {
				a.logger.Warn("retain cube", "path", p, "error", err)
			}
		}
		for _, ch := range channels {
			a.release(ch.art)
		}
	}

	cube = &model.Cube{
		Path:       dataPath,
		WeightPath: weightPath,
		Planes:     len(channels),
		Width:      ref.image.Width(),
		Height:     ref.image.Height(),
		Bitpix:     ref.image.Bitpix,
	}
	known := len(freqs) > 0
	for _, f := range freqs {
		known = known && f != 0
	}
	if known {
		cube.FrequenciesHz = freqs
	}
	return cube, nil
}

func copyPlane(w *fits.CubeWriter, idx int, path string) error {
	p, err := fits.OpenPlane(path)
	if err != nil {
		return corrupt(idx, path, err)
	}
	defer p.Close()
	if err := w.WritePlane(idx, p.Data()); err != nil {
		return corrupt(idx, path, err)
	}
	return nil
}

func (a *Assembler) release(art model.ChannelArtifact) {
	if a.artifacts == nil {
		return
	}
	for _, p := range []string{art.ImagePath, art.WeightPath} {
		if p == "" {
			continue
		}
		if _, err := a.artifacts.Release(p, artifact.ConcatConsumer); err != nil {
			a.logger.Warn("release channel artifact", "channel", art.ChannelIndex, "path", p, "error", err)
		}
	}
}

// publish syncs the temp cube and renames it to its final path.
func publish(w *fits.CubeWriter, final string) error {
	if err := w.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", final, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", final, err)
	}
	if err := os.Rename(final+".partial", final); err != nil {
		return fmt.Errorf("publish %s: %w", final, err)
	}
	return nil
}

// cleanup removes the temp cube if assembly failed.
func cleanup(w *fits.CubeWriter, tmp string, err *error) {
	if *err == nil {
		return
	}
	w.Close()
	os.Remove(tmp)
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}
