package model

import "testing"

func TestResourceProfile_Validate(t *testing.T) {
	base := ResourceProfile{Name: "img", Cores: 8, MemoryBytes: 32 << 30, Mode: ModeProcess, MaxConcurrentPerWorker: 1}

	tests := []struct {
		name    string
		mutate  func(p *ResourceProfile)
		wantErr bool
	}{
		{"valid process", func(p *ResourceProfile) {}, false},
		{"valid thread", func(p *ResourceProfile) { p.Mode = ModeThread; p.MaxConcurrentPerWorker = 4 }, false},
		{"process with concurrency", func(p *ResourceProfile) { p.MaxConcurrentPerWorker = 2 }, true},
		{"zero cores", func(p *ResourceProfile) { p.Cores = 0 }, true},
		{"zero memory", func(p *ResourceProfile) { p.MemoryBytes = 0 }, true},
		{"zero concurrency", func(p *ResourceProfile) { p.MaxConcurrentPerWorker = 0 }, true},
		{"unknown mode", func(p *ResourceProfile) { p.Mode = "fiber" }, true},
		{"empty name", func(p *ResourceProfile) { p.Name = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && Classify(err) != CategoryConfiguration {
				t.Errorf("Classify() = %q, want configuration", Classify(err))
			}
		})
	}
}

func TestWorkerAllocation_Fits(t *testing.T) {
	w := WorkerAllocation{Name: "w0", Cores: 16, MemoryBytes: 64 << 30}
	if !w.Fits(ResourceProfile{Cores: 16, MemoryBytes: 64 << 30}) {
		t.Error("exact fit should fit")
	}
	if w.Fits(ResourceProfile{Cores: 17, MemoryBytes: 1}) {
		t.Error("too many cores should not fit")
	}
	if w.Fits(ResourceProfile{Cores: 1, MemoryBytes: 65 << 30}) {
		t.Error("too much memory should not fit")
	}
}
