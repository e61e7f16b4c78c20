// Package preprocess describes what the browser client does to a photo
// before upload. The server publishes the contract and reports deviations;
// it never rejects an image for violating it.
package preprocess

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Contract is the client side resize and re-encode policy.
type Contract struct {
	MaxDimension int     `json:"max_dimension"` // long edge in pixels
	Format       string  `json:"format"`        // MIME type of the re-encoded image
	Quality      float64 `json:"quality"`       // lossy quality in (0, 1]
}

// Default mirrors the browser client's canvas settings.
func Default() Contract {
	return Contract{MaxDimension: 1024, Format: "image/jpeg", Quality: 0.8}
}

// Report describes how a decoded upload compares to the contract.
type Report struct {
	Width     int
	Height    int
	Format    string
	Oversized bool
}

// Inspect reads the image header only. Unknown formats return an error.
func (c Contract) Inspect(data []byte) (Report, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Report{}, err
	}
	longEdge := cfg.Width
	if cfg.Height > longEdge {
		longEdge = cfg.Height
	}
	return Report{
		Width:     cfg.Width,
		Height:    cfg.Height,
		Format:    format,
		Oversized: c.MaxDimension > 0 && longEdge > c.MaxDimension,
	}, nil
}
