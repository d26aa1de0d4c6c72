package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/me/cubesched/internal/config"
	"github.com/me/cubesched/pkg/model"
)

// layout names every file a run produces below its output directory.
type layout struct {
	rf config.RunFile
}

func (l layout) manifest() string {
	return filepath.Join(l.rf.OutputDir, l.rf.Name+".manifest.json")
}

func (l layout) report() string {
	return filepath.Join(l.rf.OutputDir, l.rf.Name+".report.json")
}

func (l layout) channelBase(ch int) string {
	return filepath.Join(l.rf.OutputDir, "channels", fmt.Sprintf("%s-ch%04d", l.rf.Name, ch))
}

func (l layout) predicted(ch int) string {
	return filepath.Join(l.rf.OutputDir, "predict", fmt.Sprintf("%s-ch%04d.ms", l.rf.Name, ch))
}

// ManifestPath returns where the run described by rf keeps its manifest.
func ManifestPath(rf config.RunFile) string { return layout{rf}.manifest() }

// ReportPath returns where the run described by rf writes its final report.
func ReportPath(rf config.RunFile) string { return layout{rf}.report() }

// unitBuilder turns channels into work units using the configured command
// templates and stage parameters.
type unitBuilder struct {
	cfg    config.Config
	layout layout
}

func (b unitBuilder) command(kind model.WorkUnitKind) (config.CommandConfig, error) {
	cmd, ok := b.cfg.Command(kind)
	if !ok {
		return config.CommandConfig{}, model.NewConfigurationError("no command configured for %s units (commands.%s.argv)", kind, kind)
	}
	return cmd, nil
}

// predict builds the model-prediction unit for channel ch. Its output is a
// private copy of the dataset that the channel's image unit reads.
func (b unitBuilder) predict(ch int, dataset string) (model.WorkUnit, error) {
	cmd, err := b.command(model.KindPredict)
	if err != nil {
		return model.WorkUnit{}, err
	}
	params := b.cfg.Predict
	params.SkyModel = b.layout.rf.SkyModel
	return model.NewWorkUnit(model.WorkUnitSpec{
		ID:              model.UnitID(model.KindPredict, ch),
		Kind:            model.KindPredict,
		InputPaths:      []string{dataset, params.SkyModel},
		ChannelIndex:    ch,
		CommandTemplate: cmd.Argv,
		OutputPath:      b.layout.predicted(ch),
		Container:       cmd.Container,
		Params:          params,
	})
}

// image builds the imaging unit for channel ch reading input.
func (b unitBuilder) image(ch int, input string) (model.WorkUnit, error) {
	cmd, err := b.command(model.KindImage)
	if err != nil {
		return model.WorkUnit{}, err
	}
	base := b.layout.channelBase(ch)
	return model.NewWorkUnit(model.WorkUnitSpec{
		ID:              model.UnitID(model.KindImage, ch),
		Kind:            model.KindImage,
		InputPaths:      []string{input},
		ChannelIndex:    ch,
		CommandTemplate: cmd.Argv,
		OutputPath:      base + "-image.fits",
		WeightPath:      base + "-weight.fits",
		Container:       cmd.Container,
		Params:          b.cfg.Imaging,
	})
}

// first builds the units that start each channel's chain: predict units when
// the run has a sky model, image units otherwise.
func (b unitBuilder) first(channels []int) ([]model.WorkUnit, error) {
	units := make([]model.WorkUnit, 0, len(channels))
	for _, ch := range channels {
		dataset := b.layout.rf.Datasets[ch]
		var (
			u   model.WorkUnit
			err error
		)
		if b.layout.rf.SkyModel != "" {
			u, err = b.predict(ch, dataset)
		} else {
			u, err = b.image(ch, dataset)
		}
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}
