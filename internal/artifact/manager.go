// Package artifact tracks intermediate files on disk and deletes each one as
// soon as no pending work unit needs it.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/cubesched/internal/logging"
	"github.com/me/cubesched/internal/metrics"
	"github.com/me/cubesched/pkg/model"
)

// ConcatConsumer is the consumer id the cube assembler releases channel
// images under.
const ConcatConsumer = "concat"

// ErrDeleted is returned when registering a path that was already reclaimed.
var ErrDeleted = errors.New("artifact already deleted")

// Remover deletes one artifact from disk. Imaging products can be
// directories (measurement sets), so the default is os.RemoveAll.
type Remover func(path string) error

// Stats summarises the registry.
type Stats struct {
	Live           int   `json:"live"`
	LiveBytes      int64 `json:"live_bytes"`
	Deleted        int   `json:"deleted"`
	BytesReclaimed int64 `json:"bytes_reclaimed"`
	Final          int   `json:"final"`
}

// Manager is the lifecycle registry for one run.
type Manager struct {
	mu      sync.Mutex
	refs    map[string]*model.ArtifactRef
	deleted map[string]bool
	stats   Stats
	remover Remover
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRemover replaces os.RemoveAll.
func WithRemover(r Remover) Option {
	return func(m *Manager) { m.remover = r }
}

// NewManager creates an empty registry.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		refs:    make(map[string]*model.ArtifactRef),
		deleted: make(map[string]bool),
		remover: os.RemoveAll,
		logger:  logging.Component(logger, "artifacts"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register starts tracking ref. Registering a tracked path merges the
// consumer sets; a final flag is sticky. An artifact registered with no
// consumers is reclaimable but not deleted until Release or Sweep.
func (m *Manager) Register(ref model.ArtifactRef) error {
	if ref.Path == "" {
		return fmt.Errorf("register artifact from %s: empty path", ref.ProducerID)
	}
	path := filepath.Clean(ref.Path)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleted[path] {
		return fmt.Errorf("register %s: %w", path, ErrDeleted)
	}
	if cur, ok := m.refs[path]; ok {
		for id := range ref.Consumers {
			cur.Consumers[id] = struct{}{}
		}
		if ref.Final && !cur.Final {
			cur.Final = true
			m.stats.Final++
		}
		return nil
	}

	r := ref
	r.Path = path
	r.Consumers = make(map[string]struct{}, len(ref.Consumers))
	for id := range ref.Consumers {
		r.Consumers[id] = struct{}{}
	}
	if r.SizeBytes == 0 {
		r.SizeBytes = diskUsage(path)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.refs[path] = &r
	m.stats.Live++
	m.stats.LiveBytes += r.SizeBytes
	if r.Final {
		m.stats.Final++
	}
	m.logger.Debug("artifact registered", "path", path, "producer", r.ProducerID,
		"consumers", len(r.Consumers), "size", humanize.IBytes(uint64(r.SizeBytes)))
	return nil
}

// Release drops consumerID from the artifact at path and deletes the artifact
// once nothing needs it. It reports whether this call deleted it. Paths that
// are not tracked (original inputs) and consumers not in the set are ignored.
func (m *Manager) Release(path, consumerID string) (bool, error) {
	path = filepath.Clean(path)

	m.mu.Lock()
	ref, ok := m.refs[path]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	if _, pending := ref.Consumers[consumerID]; !pending {
		m.mu.Unlock()
		return false, nil
	}
	delete(ref.Consumers, consumerID)
	if len(ref.Consumers) > 0 || ref.Final {
		m.mu.Unlock()
		return false, nil
	}
	victim := m.takeLocked(ref)
	m.mu.Unlock()

	return true, m.remove(victim, consumerID)
}

// Retain marks path as a final product: it is never deleted. Untracked paths
// are registered as final.
func (m *Manager) Retain(path string) error {
	return m.Register(model.ArtifactRef{Path: path, Final: true})
}

// Reclaimable lists tracked artifacts that no consumer needs and that are not
// final, ordered by path.
func (m *Manager) Reclaimable() []model.ArtifactRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ArtifactRef
	for _, ref := range m.refs {
		if len(ref.Consumers) == 0 && !ref.Final {
			out = append(out, copyRef(ref))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Sweep deletes every reclaimable artifact and returns how many it removed.
func (m *Manager) Sweep() (int, error) {
	m.mu.Lock()
	var victims []model.ArtifactRef
	for _, ref := range m.refs {
		if len(ref.Consumers) == 0 && !ref.Final {
			victims = append(victims, m.takeLocked(ref))
		}
	}
	m.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool { return victims[i].Path < victims[j].Path })
	var errs []error
	for _, v := range victims {
		if err := m.remove(v, "sweep"); err != nil {
			errs = append(errs, err)
		}
	}
	return len(victims), errors.Join(errs...)
}

// Get returns a copy of the tracked artifact at path.
func (m *Manager) Get(path string) (model.ArtifactRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.refs[filepath.Clean(path)]
	if !ok {
		return model.ArtifactRef{}, false
	}
	return copyRef(ref), true
}

// Deleted reports whether the manager has reclaimed path.
func (m *Manager) Deleted(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted[filepath.Clean(path)]
}

// Stats returns a snapshot of the registry counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// takeLocked moves ref from live to deleted. Once taken, no other call can
// delete the same path. Caller holds m.mu.
func (m *Manager) takeLocked(ref *model.ArtifactRef) model.ArtifactRef {
	delete(m.refs, ref.Path)
	m.deleted[ref.Path] = true
	m.stats.Live--
	m.stats.LiveBytes -= ref.SizeBytes
	m.stats.Deleted++
	m.stats.BytesReclaimed += ref.SizeBytes
	return copyRef(ref)
}

func (m *Manager) remove(ref model.ArtifactRef, by string) error {
	if err := m.remover(ref.Path); err != nil {
		m.logger.Error("artifact delete failed", "path", ref.Path, "error", err)
		return fmt.Errorf("delete artifact %s: %w", ref.Path, err)
	}
	metrics.ArtifactDeleted(ref.SizeBytes)
	m.logger.Info("artifact deleted", "path", ref.Path, "producer", ref.ProducerID,
		"released_by", by, "reclaimed", humanize.IBytes(uint64(ref.SizeBytes)))
	return nil
}

func copyRef(ref *model.ArtifactRef) model.ArtifactRef {
	c := *ref
	c.Consumers = make(map[string]struct{}, len(ref.Consumers))
	for id := range ref.Consumers {
		c.Consumers[id] = struct{}{}
	}
	return c
}

// Consumers builds a consumer set.
func Consumers(ids ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// diskUsage sums regular file sizes below path; missing paths count as zero.
func diskUsage(path string) int64 {
	var total int64
	filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
