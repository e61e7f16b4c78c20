// Package inference defines the garment measurement capability and its
// interchangeable backends.
package inference

import (
	"context"
	"errors"
)

// Unit is the only unit measurements are reported in.
const Unit = "cm"

// Measurements are garment dimensions in centimetres.
type Measurements struct {
	TotalLength   float64 `json:"total_length"`
	ChestWidth    float64 `json:"chest_width"`
	ShoulderWidth float64 `json:"shoulder_width"`
}

// Result is what a backend returns for one image.
type Result struct {
	Measurements   Measurements
	AnnotatedImage string // transport encoded, usually a JPEG data URL
	Unit           string
}

// Inferencer runs measurement inference on a transport encoded image
// (base64 or data URL). Implementations must be safe for concurrent use.
type Inferencer interface {
	Infer(ctx context.Context, image string) (*Result, error)
}

// ErrResponseInvalid is returned when a backend answers with a payload that
// lacks the expected measurement fields.
var ErrResponseInvalid = errors.New("inference response invalid")
