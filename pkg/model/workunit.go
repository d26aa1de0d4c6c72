package model

import (
	"fmt"
	"strings"
)

// WorkUnitKind identifies what a work unit does.
type WorkUnitKind string

const (
	KindPredict WorkUnitKind = "predict"
	KindImage   WorkUnitKind = "image"
	KindConcat  WorkUnitKind = "concat"
)

// ParseKind converts a string to a WorkUnitKind.
func ParseKind(s string) (WorkUnitKind, error) {
	switch k := WorkUnitKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindPredict, KindImage, KindConcat:
		return k, nil
	}
	return "", NewConfigurationError("unknown work unit kind %q", s)
}

// WorkUnit names one independent imaging (or model-prediction) task.
// Build it with NewWorkUnit; the slices it holds are private copies and the
// accessors return copies, so a unit cannot be changed once created.
type WorkUnit struct {
	ID           string       `json:"id"`
	Kind         WorkUnitKind `json:"kind"`
	ChannelIndex int          `json:"channel_index"`
	ProfileID    string       `json:"profile_id"`
	OutputPath   string       `json:"output_path"`
	WeightPath   string       `json:"weight_path,omitempty"`
	Container    string       `json:"container,omitempty"`
	Params       StageParams  `json:"-"`

	inputPaths      []string
	commandTemplate []string
}

// WorkUnitSpec carries the fields used to build a WorkUnit.
type WorkUnitSpec struct {
	ID              string
	Kind            WorkUnitKind
	InputPaths      []string
	ChannelIndex    int
	ProfileID       string
	CommandTemplate []string
	OutputPath      string
	WeightPath      string
	Container       string
	Params          StageParams
}

// NewWorkUnit validates spec and returns an immutable WorkUnit.
func NewWorkUnit(spec WorkUnitSpec) (WorkUnit, error) {
	u := WorkUnit{
		ID:              spec.ID,
		Kind:            spec.Kind,
		ChannelIndex:    spec.ChannelIndex,
		ProfileID:       spec.ProfileID,
		OutputPath:      spec.OutputPath,
		WeightPath:      spec.WeightPath,
		Container:       spec.Container,
		Params:          spec.Params,
		inputPaths:      append([]string(nil), spec.InputPaths...),
		commandTemplate: append([]string(nil), spec.CommandTemplate...),
	}
	if err := u.Validate(); err != nil {
		return WorkUnit{}, err
	}
	return u, nil
}

// InputPaths returns a copy of the ordered input paths.
func (u WorkUnit) InputPaths() []string {
	return append([]string(nil), u.inputPaths...)
}

// CommandTemplate returns a copy of the argv template.
func (u WorkUnit) CommandTemplate() []string {
	return append([]string(nil), u.commandTemplate...)
}

// WithProfile returns a copy of u annotated with a resource profile.
func (u WorkUnit) WithProfile(profileID string) WorkUnit {
	c := u
	c.inputPaths = u.InputPaths()
	c.commandTemplate = u.CommandTemplate()
	c.ProfileID = profileID
	return c
}

// Validate checks the structural invariants of the unit.
func (u WorkUnit) Validate() error {
	if u.ID == "" {
		return NewConfigurationError("work unit has empty id")
	}
	if _, err := ParseKind(string(u.Kind)); err != nil {
		return fmt.Errorf("work unit %s: %w", u.ID, err)
	}
	if u.ChannelIndex < 0 {
		return NewConfigurationError("work unit %s: negative channel index %d", u.ID, u.ChannelIndex)
	}
	if u.Kind != KindConcat && len(u.commandTemplate) == 0 {
		return NewConfigurationError("work unit %s: empty command template", u.ID)
	}
	if u.Kind != KindConcat && u.OutputPath == "" {
		return NewConfigurationError("work unit %s: empty output path", u.ID)
	}
	if u.Params != nil && u.Params.Kind() != u.Kind {
		return NewConfigurationError("work unit %s: %s params attached to %s unit", u.ID, u.Params.Kind(), u.Kind)
	}
	return nil
}

// UnitID builds the conventional id for a unit of the given kind and channel.
func UnitID(kind WorkUnitKind, channel int) string {
	return fmt.Sprintf("%s-ch%04d", kind, channel)
}

// ChannelArtifact is the image/weight pair produced for one channel.
type ChannelArtifact struct {
	ChannelIndex int    `json:"channel_index"`
	ImagePath    string `json:"image"`
	WeightPath   string `json:"weight,omitempty"`
	UnitID       string `json:"unit_id,omitempty"`
}
