package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/cubesched/pkg/model"
)

// Axis selects whether datasets are split by frequency channel or by time step.
type Axis string

const (
	AxisChannel Axis = "channel"
	AxisTime    Axis = "time"
)

// ParseAxis validates an axis selector.
func ParseAxis(s string) (Axis, error) {
	switch a := Axis(strings.ToLower(strings.TrimSpace(s))); a {
	case AxisChannel, AxisTime:
		return a, nil
	case "":
		return AxisChannel, nil
	}
	return "", model.NewConfigurationError("unknown axis %q (want channel or time)", s)
}

// RunFile describes one pipeline run: the dataset collection, in plane order.
type RunFile struct {
	Name      string   `yaml:"name"`
	Axis      Axis     `yaml:"axis"`
	Datasets  []string `yaml:"datasets"`
	SkyModel  string   `yaml:"sky_model"`  // source-component list; enables the predict stage
	OutputDir string   `yaml:"output_dir"` // per-channel products, manifest and cubes
	Mode      string   `yaml:"mode"`       // cube name component, e.g. "image" or "residual"
}

// LoadRunFile reads a run description. Relative paths resolve against the file's directory.
func LoadRunFile(path string) (RunFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunFile{}, fmt.Errorf("read run file %s: %w", path, err)
	}
	var rf RunFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return RunFile{}, fmt.Errorf("parse run file %s: %w", path, err)
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return RunFile{}, fmt.Errorf("run file directory: %w", err)
	}
	rf.resolve(base)
	if err := rf.Validate(); err != nil {
		return RunFile{}, err
	}
	return rf, nil
}

func (rf *RunFile) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i, d := range rf.Datasets {
		rf.Datasets[i] = abs(d)
	}
	rf.SkyModel = abs(rf.SkyModel)
	if rf.OutputDir == "" {
		rf.OutputDir = "."
	}
	rf.OutputDir = abs(rf.OutputDir)
	if rf.Mode == "" {
		rf.Mode = "image"
	}
	if rf.Name == "" {
		rf.Name = "cube"
	}
}

// Validate checks the run description.
func (rf RunFile) Validate() error {
	if len(rf.Datasets) == 0 {
		return model.NewConfigurationError("run file lists no datasets")
	}
	seen := make(map[string]int, len(rf.Datasets))
	for i, d := range rf.Datasets {
		if prev, ok := seen[d]; ok {
			return model.NewConfigurationError("dataset %s listed twice (planes %d and %d)", d, prev, i)
		}
		seen[d] = i
	}
	if _, err := ParseAxis(string(rf.Axis)); err != nil {
		return err
	}
	return nil
}
