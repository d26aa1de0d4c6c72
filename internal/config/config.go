// Package config holds the resolved configuration consumed by the scheduler.
// Values come from DefaultConfig overlaid with a YAML file; the scheduler
// never merges stage overrides itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/me/cubesched/pkg/model"
)

// Config holds configuration for a cubesched run.
type Config struct {
	LogLevel    string `yaml:"log_level"`    // debug, info, warn, error
	LogFormat   string `yaml:"log_format"`   // text, json
	DBPath      string `yaml:"db_path"`      // SQLite path (":memory:" for testing)
	ScratchRoot string `yaml:"scratch_root"` // per-invocation scratch dirs are created below this
	Executor    string `yaml:"executor"`     // local, apptainer or docker

	Cluster  ClusterConfig            `yaml:"cluster"`
	Profiles map[string]ProfileConfig `yaml:"profiles"`
	Kinds    map[string]string        `yaml:"kinds"` // work unit kind -> profile name
	Retry    RetryConfig              `yaml:"retry"`
	Commands map[string]CommandConfig `yaml:"commands"`

	Imaging model.ImagingParams `yaml:"imaging"`
	Predict model.PredictParams `yaml:"predict"`
}

// ClusterConfig describes the fixed worker pool.
type ClusterConfig struct {
	Workers []WorkerConfig `yaml:"workers"`
}

// WorkerConfig describes one worker allocation, optionally replicated Count times.
type WorkerConfig struct {
	Name   string `yaml:"name"`
	Cores  int    `yaml:"cores"`
	Memory string `yaml:"memory"` // e.g. "64GiB"
	Count  int    `yaml:"count"`
}

// ProfileConfig is the YAML form of a model.ResourceProfile.
type ProfileConfig struct {
	Cores                  int           `yaml:"cores"`
	Memory                 string        `yaml:"memory"`
	ExecutionMode          string        `yaml:"execution_mode"`
	MaxConcurrentPerWorker int           `yaml:"max_concurrent_per_worker"`
	Timeout                time.Duration `yaml:"timeout"`
}

// RetryConfig bounds transient-error retries.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CommandConfig is the external command template for one work unit kind.
type CommandConfig struct {
	Argv      []string `yaml:"argv"`
	Container string   `yaml:"container"`
	BindDirs  []string `yaml:"bind_dirs"`
}

// DefaultConfig returns sensible defaults: one local worker sized to this host.
func DefaultConfig() Config {
	return Config{
		LogLevel:    "info",
		LogFormat:   "text",
		ScratchRoot: filepath.Join(os.TempDir(), "cubesched"),
		Executor:    "local",
		Cluster: ClusterConfig{
			Workers: []WorkerConfig{
				{Name: "local", Cores: runtime.NumCPU(), Memory: "8GiB", Count: 1},
			},
		},
		Profiles: map[string]ProfileConfig{
			"predict": {Cores: 1, Memory: "1GiB", ExecutionMode: "thread", MaxConcurrentPerWorker: 4, Timeout: 2 * time.Hour},
			"image":   {Cores: 1, Memory: "2GiB", ExecutionMode: "process", MaxConcurrentPerWorker: 1, Timeout: 12 * time.Hour},
			"concat":  {Cores: 1, Memory: "1GiB", ExecutionMode: "process", MaxConcurrentPerWorker: 1},
		},
		Kinds: map[string]string{
			string(model.KindPredict): "predict",
			string(model.KindImage):   "image",
			string(model.KindConcat):  "concat",
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 5 * time.Second,
			MaxInterval:     2 * time.Minute,
			Multiplier:      2,
		},
		Commands: map[string]CommandConfig{},
		Imaging: model.ImagingParams{
			Size:       4096,
			Scale:      "2.5asec",
			Niter:      50000,
			Mgain:      0.7,
			Weight:     "briggs -0.5",
			DataColumn: "CORRECTED_DATA",
			Pol:        "i",
		},
		Predict: model.PredictParams{ModelColumn: "MODEL_DATA"},
	}
}

// Load reads a YAML file over DefaultConfig. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := Parse(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data into cfg (keeping values not mentioned) and validates it.
func Parse(data []byte, cfg *Config) error {
	// Worker lists replace rather than extend the default pool.
	var probe struct {
		Cluster *struct {
			Workers []WorkerConfig `yaml:"workers"`
		} `yaml:"cluster"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if probe.Cluster != nil && probe.Cluster.Workers != nil {
		cfg.Cluster.Workers = nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return cfg.Validate()
}

// Validate checks the configuration at the boundary so the core only sees valid records.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Workers(); err != nil {
		errs = append(errs, err)
	}
	profiles, err := c.ResourceProfiles()
	if err != nil {
		errs = append(errs, err)
	}
	for kind, name := range c.Kinds {
		if _, err := model.ParseKind(kind); err != nil {
			errs = append(errs, err)
			continue
		}
		if profiles != nil {
			if _, ok := profiles[name]; !ok {
				errs = append(errs, model.NewConfigurationError("kind %s refers to unknown profile %q", kind, name))
			}
		}
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, model.NewConfigurationError("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, model.NewConfigurationError("retry.multiplier must be >= 1, got %g", c.Retry.Multiplier))
	}
	for kind := range c.Commands {
		if _, err := model.ParseKind(kind); err != nil {
			errs = append(errs, fmt.Errorf("commands: %w", err))
		}
	}
	switch strings.ToLower(c.Executor) {
	case "", "local", "apptainer", "docker":
	default:
		errs = append(errs, model.NewConfigurationError("unknown executor %q", c.Executor))
	}
	return errors.Join(errs...)
}

// Workers expands the cluster description into fixed allocations.
// Replicated workers are named name-0, name-1, ...
func (c Config) Workers() ([]model.WorkerAllocation, error) {
	if len(c.Cluster.Workers) == 0 {
		return nil, model.NewConfigurationError("cluster has no workers")
	}
	var out []model.WorkerAllocation
	seen := make(map[string]bool)
	for i, w := range c.Cluster.Workers {
		if w.Cores <= 0 {
			return nil, model.NewConfigurationError("worker %d (%s): cores must be positive", i, w.Name)
		}
		mem, err := humanize.ParseBytes(w.Memory)
		if err != nil || mem == 0 {
			return nil, model.NewConfigurationError("worker %d (%s): invalid memory %q", i, w.Name, w.Memory)
		}
		name := w.Name
		if name == "" {
			name = fmt.Sprintf("worker%d", i)
		}
		count := w.Count
		if count <= 0 {
			count = 1
		}
		for j := 0; j < count; j++ {
			n := name
			if count > 1 {
				n = fmt.Sprintf("%s-%d", name, j)
			}
			if seen[n] {
				return nil, model.NewConfigurationError("duplicate worker name %q", n)
			}
			seen[n] = true
			out = append(out, model.WorkerAllocation{Name: n, Cores: w.Cores, MemoryBytes: mem})
		}
	}
	return out, nil
}

// ResourceProfiles converts and validates the configured profiles.
func (c Config) ResourceProfiles() (map[string]model.ResourceProfile, error) {
	out := make(map[string]model.ResourceProfile, len(c.Profiles))
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pc := c.Profiles[name]
		mem, err := humanize.ParseBytes(pc.Memory)
		if err != nil {
			return nil, model.NewConfigurationError("profile %s: invalid memory %q", name, pc.Memory)
		}
		p := model.ResourceProfile{
			Name:                   name,
			Cores:                  pc.Cores,
			MemoryBytes:            mem,
			Mode:                   model.ExecutionMode(strings.ToLower(pc.ExecutionMode)),
			MaxConcurrentPerWorker: pc.MaxConcurrentPerWorker,
			Timeout:                pc.Timeout,
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}

// Command returns the command template for kind, if configured.
func (c Config) Command(kind model.WorkUnitKind) (CommandConfig, bool) {
	cmd, ok := c.Commands[string(kind)]
	return cmd, ok && len(cmd.Argv) > 0
}

// ResolveDBPath returns DBPath, defaulting to ~/.cubesched/cubesched.db.
func (c Config) ResolveDBPath() (string, error) {
	if c.DBPath != "" {
		return c.DBPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".cubesched")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return filepath.Join(dir, "cubesched.db"), nil
}
