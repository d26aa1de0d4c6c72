package scheduler

import (
	"fmt"

	"github.com/me/cubesched/pkg/model"
)

// worker tracks what remains of one fixed allocation.
type worker struct {
	alloc      model.WorkerAllocation
	freeCores  int
	freeMemory uint64
	running    int
	exclusive  bool
	byProfile  map[string]int
}

// fits reports whether p can start on w right now.
func (w *worker) fits(p model.ResourceProfile) bool {
	if w.exclusive {
		return false
	}
	if p.Mode == model.ModeProcess && w.running > 0 {
		return false
	}
	return p.Cores <= w.freeCores &&
		p.MemoryBytes <= w.freeMemory &&
		w.byProfile[p.Name] < p.MaxConcurrentPerWorker
}

func (w *worker) reserve(p model.ResourceProfile) {
	w.freeCores -= p.Cores
	w.freeMemory -= p.MemoryBytes
	w.running++
	w.byProfile[p.Name]++
	if p.Mode == model.ModeProcess {
		w.exclusive = true
	}
}

func (w *worker) release(p model.ResourceProfile) {
	w.freeCores += p.Cores
	w.freeMemory += p.MemoryBytes
	w.running--
	w.byProfile[p.Name]--
	if p.Mode == model.ModeProcess {
		w.exclusive = false
	}
}

// WorkerStatus is a snapshot of one worker's occupancy.
type WorkerStatus struct {
	Name            string `json:"name"`
	Cores           int    `json:"cores"`
	FreeCores       int    `json:"free_cores"`
	MemoryBytes     uint64 `json:"memory_bytes"`
	FreeMemoryBytes uint64 `json:"free_memory_bytes"`
	Running         int    `json:"running"`
	Exclusive       bool   `json:"exclusive"`
}

type pool struct {
	workers []*worker
}

func newPool(allocs []model.WorkerAllocation) (*pool, error) {
	if len(allocs) == 0 {
		return nil, model.NewConfigurationError("worker pool is empty")
	}
	p := &pool{}
	seen := make(map[string]bool)
	for _, a := range allocs {
		if a.Cores <= 0 || a.MemoryBytes == 0 {
			return nil, model.NewConfigurationError("worker %s: allocation must have positive cores and memory", a.Name)
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("worker pool: %w", model.NewConfigurationError("duplicate worker %q", a.Name))
		}
		seen[a.Name] = true
		p.workers = append(p.workers, &worker{
			alloc:      a,
			freeCores:  a.Cores,
			freeMemory: a.MemoryBytes,
			byProfile:  make(map[string]int),
		})
	}
	return p, nil
}

// canEverFit reports whether some idle worker could run prof.
func (p *pool) canEverFit(prof model.ResourceProfile) bool {
	for _, w := range p.workers {
		if w.alloc.Fits(prof) {
			return true
		}
	}
	return false
}

// largest returns the biggest allocation, for error messages.
func (p *pool) largest() model.WorkerAllocation {
	var best model.WorkerAllocation
	for _, w := range p.workers {
		if w.alloc.Cores > best.Cores || (w.alloc.Cores == best.Cores && w.alloc.MemoryBytes > best.MemoryBytes) {
			best = w.alloc
		}
	}
	return best
}

// bestFit returns the worker that would be left with the least free capacity
// after placing prof: fewest spare cores, then least spare memory, then pool order.
func (p *pool) bestFit(prof model.ResourceProfile) *worker {
	var best *worker
	for _, w := range p.workers {
		if !w.fits(prof) {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		wc, bc := w.freeCores-prof.Cores, best.freeCores-prof.Cores
		if wc < bc || (wc == bc && w.freeMemory < best.freeMemory) {
			best = w
		}
	}
	return best
}

func (p *pool) snapshot() []WorkerStatus {
	out := make([]WorkerStatus, len(p.workers))
	for i, w := range p.workers {
		out[i] = WorkerStatus{
			Name:            w.alloc.Name,
			Cores:           w.alloc.Cores,
			FreeCores:       w.freeCores,
			MemoryBytes:     w.alloc.MemoryBytes,
			FreeMemoryBytes: w.freeMemory,
			Running:         w.running,
			Exclusive:       w.exclusive,
		}
	}
	return out
}
