package scheduler

import (
	"testing"

	"github.com/me/cubesched/pkg/model"
)

func TestPool_BestFit(t *testing.T) {
	p, err := newPool([]model.WorkerAllocation{
		{Name: "big", Cores: 16, MemoryBytes: 64 << 30},
		{Name: "small", Cores: 4, MemoryBytes: 16 << 30},
	})
	if err != nil {
		t.Fatal(err)
	}
	prof := model.ResourceProfile{Name: "predict", Cores: 4, MemoryBytes: 4 << 30, Mode: model.ModeThread, MaxConcurrentPerWorker: 8}

	w := p.bestFit(prof)
	if w == nil || w.alloc.Name != "small" {
		t.Fatalf("bestFit = %v, want small", w)
	}
	w.reserve(prof)
	if w := p.bestFit(prof); w == nil || w.alloc.Name != "big" {
		t.Fatalf("bestFit after filling small = %v, want big", w)
	}
	p.workers[0].reserve(prof)
	p.workers[0].reserve(prof)
	p.workers[0].reserve(prof)
	p.workers[0].reserve(prof)
	if w := p.bestFit(prof); w != nil {
		t.Fatalf("bestFit on a full pool = %s, want nil", w.alloc.Name)
	}
	p.workers[1].release(prof)
	if w := p.bestFit(prof); w == nil || w.alloc.Name != "small" {
		t.Errorf("bestFit after release = %v", w)
	}
}

func TestWorker_ProcessModeIsExclusive(t *testing.T) {
	p, _ := newPool([]model.WorkerAllocation{{Name: "n", Cores: 32, MemoryBytes: 128 << 30}})
	w := p.workers[0]
	proc := model.ResourceProfile{Name: "image", Cores: 1, MemoryBytes: 1 << 30, Mode: model.ModeProcess, MaxConcurrentPerWorker: 1}
	thread := model.ResourceProfile{Name: "predict", Cores: 1, MemoryBytes: 1 << 30, Mode: model.ModeThread, MaxConcurrentPerWorker: 4}

	w.reserve(thread)
	if w.fits(proc) {
		t.Error("process-mode unit placed beside a running unit")
	}
	w.release(thread)
	w.reserve(proc)
	if w.fits(thread) || w.fits(proc) {
		t.Error("worker running a process-mode unit accepted more work")
	}
	w.release(proc)
	if !w.fits(proc) {
		t.Error("worker not reusable after release")
	}
}

func TestWorker_MaxConcurrentPerWorker(t *testing.T) {
	p, _ := newPool([]model.WorkerAllocation{{Name: "n", Cores: 32, MemoryBytes: 128 << 30}})
	w := p.workers[0]
	thread := model.ResourceProfile{Name: "predict", Cores: 1, MemoryBytes: 1 << 30, Mode: model.ModeThread, MaxConcurrentPerWorker: 2}
	w.reserve(thread)
	w.reserve(thread)
	if w.fits(thread) {
		t.Error("max_concurrent_per_worker exceeded")
	}
}

func TestPool_CanEverFit(t *testing.T) {
	p, _ := newPool([]model.WorkerAllocation{{Name: "n", Cores: 8, MemoryBytes: 16 << 30}})
	ok := model.ResourceProfile{Name: "a", Cores: 8, MemoryBytes: 16 << 30, Mode: model.ModeProcess, MaxConcurrentPerWorker: 1}
	tooMuchMemory := model.ResourceProfile{Name: "b", Cores: 1, MemoryBytes: 17 << 30, Mode: model.ModeProcess, MaxConcurrentPerWorker: 1}
	if !p.canEverFit(ok) {
		t.Error("exact fit rejected")
	}
	if p.canEverFit(tooMuchMemory) {
		t.Error("oversized memory accepted")
	}
}

func TestNewPool_Rejects(t *testing.T) {
	if _, err := newPool(nil); err == nil {
		t.Error("empty pool accepted")
	}
	if _, err := newPool([]model.WorkerAllocation{{Name: "a", Cores: 1, MemoryBytes: 1}, {Name: "a", Cores: 1, MemoryBytes: 1}}); err == nil {
		t.Error("duplicate worker accepted")
	}
}
