package model

import "io"

// CubePlane is one channel's image and weight data while it is being folded
// into the cube. The readers are only valid during the fold.
type CubePlane struct {
	ChannelIndex int
	Image        io.Reader
	Weight       io.Reader
}

// Cube is the assembled product: an ordered stack of planes 0..Planes-1 and a
// weight volume of identical shape.
type Cube struct {
	Path          string    `json:"path"`
	WeightPath    string    `json:"weight_path"`
	Planes        int       `json:"planes"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	Bitpix        int       `json:"bitpix"`
	FrequenciesHz []float64 `json:"frequencies_hz,omitempty"`
}
