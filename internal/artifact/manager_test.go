package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/me/cubesched/internal/logging"
	"github.com/me/cubesched/pkg/model"
)

// countingRemover records every deletion instead of touching the disk.
type countingRemover struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (c *countingRemover) remove(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[path]++
	return c.err
}

func (c *countingRemover) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[path]
}

func TestRelease_DeletesAfterLastConsumer(t *testing.T) {
	rm := &countingRemover{}
	m := NewManager(logging.Discard(), WithRemover(rm.remove))
	path := "/scratch/ch0.model.ms"
	if err := m.Register(model.ArtifactRef{Path: path, ProducerID: "predict-ch0000", Consumers: Consumers("image-ch0000", "check-ch0000")}); err != nil {
		t.Fatal(err)
	}

	deleted, err := m.Release(path, "image-ch0000")
	if err != nil || deleted {
		t.Fatalf("first release: deleted=%v err=%v", deleted, err)
	}
	if rm.count(path) != 0 {
		t.Fatal("deleted before the last consumer released")
	}
	deleted, err = m.Release(path, "check-ch0000")
	if err != nil || !deleted {
		t.Fatalf("last release: deleted=%v err=%v", deleted, err)
	}
	// Repeated and unknown releases are no-ops.
	for _, c := range []string{"check-ch0000", "image-ch0000", "someone-else"} {
		if deleted, _ := m.Release(path, c); deleted {
			t.Errorf("release by %s deleted again", c)
		}
	}
	if n := rm.count(path); n != 1 {
		t.Errorf("remover called %d times, want 1", n)
	}
	if !m.Deleted(path) {
		t.Error("Deleted() = false")
	}
	if err := m.Register(model.ArtifactRef{Path: path}); !errors.Is(err, ErrDeleted) {
		t.Errorf("re-register deleted path: err = %v, want ErrDeleted", err)
	}
}

func TestRelease_ConcurrentDeletesAtMostOnce(t *testing.T) {
	rm := &countingRemover{}
	m := NewManager(logging.Discard(), WithRemover(rm.remove))
	const consumers = 50
	ids := make([]string, consumers)
	for i := range ids {
		ids[i] = model.UnitID(model.KindImage, i)
	}
	m.Register(model.ArtifactRef{Path: "/x/shared.ms", Consumers: Consumers(ids...)})

	var wg sync.WaitGroup
	var mu sync.Mutex
	deletions := 0
	for _, id := range ids {
		for rep := 0; rep < 3; rep++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if d, _ := m.Release("/x/shared.ms", id); d {
					mu.Lock()
					deletions++
					mu.Unlock()
				}
			}(id)
		}
	}
	wg.Wait()
	if deletions != 1 || rm.count("/x/shared.ms") != 1 {
		t.Errorf("deletions = %d, remover calls = %d, want 1", deletions, rm.count("/x/shared.ms"))
	}
}

func TestRetain_NeverDeleted(t *testing.T) {
	rm := &countingRemover{}
	m := NewManager(logging.Discard(), WithRemover(rm.remove))
	m.Register(model.ArtifactRef{Path: "/out/cube.fits", Consumers: Consumers("report")})
	if err := m.Retain("/out/cube.fits"); err != nil {
		t.Fatal(err)
	}
	if deleted, _ := m.Release("/out/cube.fits", "report"); deleted {
		t.Error("final artifact deleted")
	}
	if got := m.Reclaimable(); len(got) != 0 {
		t.Errorf("Reclaimable() = %v, want none", got)
	}
	if n, _ := m.Sweep(); n != 0 {
		t.Errorf("Sweep removed %d final artifacts", n)
	}
	if st := m.Stats(); st.Final != 1 || st.Live != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestRelease_UntrackedPathIgnored(t *testing.T) {
	rm := &countingRemover{}
	m := NewManager(logging.Discard(), WithRemover(rm.remove))
	deleted, err := m.Release("/data/original.ms", "image-ch0000")
	if deleted || err != nil {
		t.Errorf("Release(untracked) = %v, %v", deleted, err)
	}
	if len(rm.calls) != 0 {
		t.Error("untracked input deleted")
	}
}

func TestReclaimableAndSweep(t *testing.T) {
	rm := &countingRemover{}
	m := NewManager(logging.Discard(), WithRemover(rm.remove))
	m.Register(model.ArtifactRef{Path: "/s/b", SizeBytes: 10})
	m.Register(model.ArtifactRef{Path: "/s/a", SizeBytes: 5})
	m.Register(model.ArtifactRef{Path: "/s/c", SizeBytes: 7, Consumers: Consumers("u")})

	got := m.Reclaimable()
	if len(got) != 2 || got[0].Path != "/s/a" || got[1].Path != "/s/b" {
		t.Fatalf("Reclaimable() = %v", got)
	}
	n, err := m.Sweep()
	if err != nil || n != 2 {
		t.Fatalf("Sweep() = %d, %v", n, err)
	}
	st := m.Stats()
	if st.Deleted != 2 || st.BytesReclaimed != 15 || st.Live != 1 || st.LiveBytes != 7 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestRegister_MergesConsumers(t *testing.T) {
	m := NewManager(logging.Discard(), WithRemover(func(string) error { return nil }))
	m.Register(model.ArtifactRef{Path: "/s/x/", Consumers: Consumers("a")})
	m.Register(model.ArtifactRef{Path: "/s/x", Consumers: Consumers("b")})
	ref, ok := m.Get("/s/x")
	if !ok || len(ref.Consumers) != 2 {
		t.Fatalf("Get() = %+v, %v", ref, ok)
	}
	if d, _ := m.Release("/s/x", "a"); d {
		t.Error("deleted with consumer b pending")
	}
}

func TestRegister_EmptyPath(t *testing.T) {
	m := NewManager(logging.Discard())
	if err := m.Register(model.ArtifactRef{ProducerID: "u"}); err == nil {
		t.Error("expected error")
	}
}

func TestDefaultRemover_DeletesDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ch0.ms")
	if err := os.MkdirAll(filepath.Join(dir, "table"), 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "table", "data"), make([]byte, 100), 0o644)

	m := NewManager(logging.Discard())
	m.Register(model.ArtifactRef{Path: dir, Consumers: Consumers("image-ch0000")})
	if ref, _ := m.Get(dir); ref.SizeBytes != 100 {
		t.Errorf("SizeBytes = %d, want 100", ref.SizeBytes)
	}
	if d, err := m.Release(dir, "image-ch0000"); !d || err != nil {
		t.Fatalf("Release = %v, %v", d, err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("directory artifact still present: %v", err)
	}
}

func TestRelease_RemoverError(t *testing.T) {
	rm := &countingRemover{err: errors.New("device busy")}
	m := NewManager(logging.Discard(), WithRemover(rm.remove))
	m.Register(model.ArtifactRef{Path: "/s/x", Consumers: Consumers("a")})
	deleted, err := m.Release("/s/x", "a")
	if !deleted || err == nil {
		t.Errorf("Release = %v, %v; want deletion attempted with error", deleted, err)
	}
	m.Release("/s/x", "a")
	if rm.count("/s/x") != 1 {
		t.Error("failed deletion was retried")
	}
}
