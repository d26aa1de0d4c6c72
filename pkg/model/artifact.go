package model

import "time"

// ArtifactRef tracks one on-disk artifact and the units still needing it.
type ArtifactRef struct {
	Path       string              `json:"path"`
	ProducerID string              `json:"producer_work_unit_id"`
	Consumers  map[string]struct{} `json:"-"`
	Final      bool                `json:"final"`
	SizeBytes  int64               `json:"size_bytes"`
	CreatedAt  time.Time           `json:"created_at"`
}

// ConsumerIDs returns the pending consumer ids (unordered).
func (a ArtifactRef) ConsumerIDs() []string {
	ids := make([]string, 0, len(a.Consumers))
	for id := range a.Consumers {
		ids = append(ids, id)
	}
	return ids
}
