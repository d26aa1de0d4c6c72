package model

import "time"

// RunRecord is the persisted summary of one pipeline run.
type RunRecord struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	State        RunState   `json:"state"`
	Axis         string     `json:"axis"`
	Expected     int        `json:"expected"`
	OutputDir    string     `json:"output_dir"`
	ManifestPath string     `json:"manifest_path"`
	Report       *RunReport `json:"report,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// UnitRecord is the persisted state of one work unit within a run.
type UnitRecord struct {
	RunID        string          `json:"run_id"`
	UnitID       string          `json:"unit_id"`
	Kind         WorkUnitKind    `json:"kind"`
	ChannelIndex int             `json:"channel_index"`
	ProfileID    string          `json:"profile_id"`
	State        UnitState       `json:"state"`
	Attempts     int             `json:"attempts"`
	Worker       string          `json:"worker,omitempty"`
	Category     FailureCategory `json:"category,omitempty"`
	Detail       string          `json:"detail,omitempty"`
	OutputPath   string          `json:"output_path"`
	WeightPath   string          `json:"weight_path,omitempty"`
	Container    string          `json:"container,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// UnitEvent is one entry of a unit's transition history.
type UnitEvent struct {
	RunID    string          `json:"run_id"`
	UnitID   string          `json:"unit_id"`
	From     UnitState       `json:"from,omitempty"`
	To       UnitState       `json:"to"`
	Attempt  int             `json:"attempt"`
	Worker   string          `json:"worker,omitempty"`
	Category FailureCategory `json:"category,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	At       time.Time       `json:"at"`
}
