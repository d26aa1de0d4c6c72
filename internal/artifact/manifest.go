package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/me/cubesched/pkg/model"
)

// ChannelEntry is one channel's record in the manifest.
type ChannelEntry struct {
	Image       string  `json:"image"`
	Weight      string  `json:"weight,omitempty"`
	UnitID      string  `json:"unit_id,omitempty"`
	FrequencyHz float64 `json:"frequency_hz,omitempty"`
}

// Manifest maps channel index to the artifacts a run produced. It is
// rewritten atomically on every change so a crashed or partially failed run
// can be resumed from it.
type Manifest struct {
	RunID     string               `json:"run_id"`
	Name      string               `json:"name"`
	Axis      string               `json:"axis"`
	Expected  int                  `json:"expected"`
	Channels  map[int]ChannelEntry `json:"channels"`
	Cube      *model.Cube          `json:"cube,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`

	mu   sync.Mutex
	path string
}

// NewManifest creates an empty manifest that will be saved at path.
func NewManifest(path, runID, name, axis string, expected int) *Manifest {
	return &Manifest{
		RunID:    runID,
		Name:     name,
		Axis:     axis,
		Expected: expected,
		Channels: make(map[int]ChannelEntry),
		path:     path,
	}
}

// LoadManifest reads a manifest written by Save.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Channels == nil {
		m.Channels = make(map[int]ChannelEntry)
	}
	if m.Expected < 0 {
		return nil, fmt.Errorf("manifest %s: negative expected count", path)
	}
	for idx := range m.Channels {
		if idx < 0 || idx >= m.Expected {
			return nil, fmt.Errorf("manifest %s: channel %d outside 0..%d", path, idx, m.Expected-1)
		}
	}
	m.path = path
	return m, nil
}

// Path returns where the manifest is saved.
func (m *Manifest) Path() string { return m.path }

// Record stores a channel's artifacts and saves the manifest.
func (m *Manifest) Record(a model.ChannelArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ChannelIndex < 0 || a.ChannelIndex >= m.Expected {
		return fmt.Errorf("manifest: channel %d outside 0..%d", a.ChannelIndex, m.Expected-1)
	}
	m.Channels[a.ChannelIndex] = ChannelEntry{Image: a.ImagePath, Weight: a.WeightPath, UnitID: a.UnitID}
	return m.saveLocked()
}

// Forget removes a channel, e.g. after its artifact was found corrupt.
func (m *Manifest) Forget(channel int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Channels, channel)
	return m.saveLocked()
}

// SetCube records the assembled cube and the per-channel frequencies.
func (m *Manifest) SetCube(c *model.Cube) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cube = c
	if c != nil {
		for i, f := range c.FrequenciesHz {
			if e, ok := m.Channels[i]; ok {
				e.FrequencyHz = f
				m.Channels[i] = e
			}
		}
	}
	return m.saveLocked()
}

// Artifacts returns every recorded channel.
func (m *Manifest) Artifacts() map[int]model.ChannelArtifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]model.ChannelArtifact, len(m.Channels))
	for idx, e := range m.Channels {
		out[idx] = e.artifact(idx)
	}
	return out
}

// Existing returns the recorded channels whose image (and weight, when
// recorded) are still on disk.
func (m *Manifest) Existing() map[int]model.ChannelArtifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]model.ChannelArtifact)
	for idx, e := range m.Channels {
		if !exists(e.Image) || (e.Weight != "" && !exists(e.Weight)) {
			continue
		}
		out[idx] = e.artifact(idx)
	}
	return out
}

// Missing lists the expected channels without usable artifacts, ascending.
func (m *Manifest) Missing() []int {
	have := m.Existing()
	var missing []int
	for i := 0; i < m.Expected; i++ {
		if _, ok := have[i]; !ok {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing
}

// Save writes the manifest atomically.
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manifest) saveLocked() error {
	if m.path == "" {
		return nil
	}
	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return writeFileAtomic(m.path, append(data, '\n'))
}

func (e ChannelEntry) artifact(idx int) model.ChannelArtifact {
	return model.ChannelArtifact{ChannelIndex: idx, ImagePath: e.Image, WeightPath: e.Weight, UnitID: e.UnitID}
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// writeFileAtomic writes data to a temp file beside path, syncs it and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
