package model

import (
	"sort"
	"time"
)

// ChannelFailure is one line of the run report.
type ChannelFailure struct {
	ChannelIndex int             `json:"channel_index"`
	UnitID       string          `json:"unit_id"`
	Kind         WorkUnitKind    `json:"kind"`
	Category     FailureCategory `json:"category"`
	Detail       string          `json:"detail"`
	Attempts     int             `json:"attempts"`
}

// RunReport summarises a run for operators and for targeted reruns.
type RunReport struct {
	RunID     string           `json:"run_id"`
	State     RunState         `json:"state"`
	Expected  int              `json:"expected"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Cancelled int              `json:"cancelled"`
	Failures  []ChannelFailure `json:"failures,omitempty"`
	Missing   []int            `json:"missing,omitempty"`
	Cube      *Cube            `json:"cube,omitempty"`
	Error     string           `json:"error,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
}

// Complete is true only when the cube was assembled with every channel.
func (r *RunReport) Complete() bool {
	return r.Cube != nil && len(r.Missing) == 0 && r.State == RunStateCompleted
}

// SortFailures orders failures by channel index then kind.
func (r *RunReport) SortFailures() {
	sort.Slice(r.Failures, func(i, j int) bool {
		if r.Failures[i].ChannelIndex != r.Failures[j].ChannelIndex {
			return r.Failures[i].ChannelIndex < r.Failures[j].ChannelIndex
		}
		return r.Failures[i].Kind < r.Failures[j].Kind
	})
	sort.Ints(r.Missing)
}
