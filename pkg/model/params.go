package model

// StageParams is a validated, stage-specific parameter record.
// Exactly one concrete type exists per WorkUnitKind.
type StageParams interface {
	Kind() WorkUnitKind
	// Values exposes the record to command templates.
	Values() map[string]any
}

// ImagingParams are the resolved imager options for one channel image.
type ImagingParams struct {
	Size          int      `yaml:"size" json:"size"`
	Scale         string   `yaml:"scale" json:"scale"`
	Niter         int      `yaml:"niter" json:"niter"`
	Mgain         float64  `yaml:"mgain" json:"mgain"`
	AutoMask      float64  `yaml:"auto_mask" json:"auto_mask"`
	AutoThreshold float64  `yaml:"auto_threshold" json:"auto_threshold"`
	Weight        string   `yaml:"weight" json:"weight"`
	DataColumn    string   `yaml:"data_column" json:"data_column"`
	Pol           string   `yaml:"pol" json:"pol"`
	Extra         []string `yaml:"extra" json:"extra,omitempty"`
}

// Kind returns KindImage.
func (ImagingParams) Kind() WorkUnitKind { return KindImage }

// Values exposes the imaging options to command templates.
func (p ImagingParams) Values() map[string]any {
	extra := make([]any, len(p.Extra))
	for i, e := range p.Extra {
		extra[i] = e
	}
	return map[string]any{
		"size":           p.Size,
		"scale":          p.Scale,
		"niter":          p.Niter,
		"mgain":          p.Mgain,
		"auto_mask":      p.AutoMask,
		"auto_threshold": p.AutoThreshold,
		"weight":         p.Weight,
		"data_column":    p.DataColumn,
		"pol":            p.Pol,
		"extra":          extra,
	}
}

// PredictParams drive model-visibility prediction from a source-component list.
type PredictParams struct {
	SkyModel    string `yaml:"sky_model" json:"sky_model"`
	ModelColumn string `yaml:"model_column" json:"model_column"`
	RowChunks   int    `yaml:"row_chunks" json:"row_chunks"`
	ModelChunks int    `yaml:"model_chunks" json:"model_chunks"`
}

// Kind returns KindPredict.
func (PredictParams) Kind() WorkUnitKind { return KindPredict }

// Values exposes the prediction options to command templates.
func (p PredictParams) Values() map[string]any {
	return map[string]any{
		"sky_model":    p.SkyModel,
		"model_column": p.ModelColumn,
		"row_chunks":   p.RowChunks,
		"model_chunks": p.ModelChunks,
	}
}

// ConcatParams control cube assembly naming.
type ConcatParams struct {
	Prefix string `yaml:"prefix" json:"prefix"`
	Mode   string `yaml:"mode" json:"mode"`
}

// Kind returns KindConcat.
func (ConcatParams) Kind() WorkUnitKind { return KindConcat }

// Values exposes the concat options.
func (p ConcatParams) Values() map[string]any {
	return map[string]any{"prefix": p.Prefix, "mode": p.Mode}
}
