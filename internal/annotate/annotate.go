// Package annotate stamps measurement labels onto a garment photo for
// inference backends that return numbers but no rendered image.
package annotate

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

const (
	padding     = 4
	lineSpacing = 3
	// Panel width as a fraction of the photo width.
	panelRatio = 0.45
)

// Options controls the rendered output.
type Options struct {
	MaxDimension int // long edge of the output, 0 keeps the source size
	Quality      int // JPEG quality 1-100
}

// Render decodes src, overlays lines in a dark panel at the top-left corner
// and returns the result as JPEG.
func Render(src []byte, lines []string, opts Options) ([]byte, error) {
	if len(lines) == 0 {
		return nil, errors.New("annotate: no lines to render")
	}
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("annotate: decode image: %w", err)
	}
	if opts.MaxDimension > 0 {
		b := img.Bounds()
		if b.Dx() > opts.MaxDimension || b.Dy() > opts.MaxDimension {
			img = imaging.Fit(img, opts.MaxDimension, opts.MaxDimension, imaging.Lanczos)
		}
	}

	panel := renderPanel(lines)
	width := int(float64(img.Bounds().Dx()) * panelRatio)
	if width > panel.Bounds().Dx() {
		panel = imaging.Resize(panel, width, 0, imaging.NearestNeighbor)
	}
	out := imaging.Overlay(img, panel, image.Pt(0, 0), 0.85)

	quality := opts.Quality
	if quality < 1 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("annotate: encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func renderPanel(lines []string) *image.NRGBA {
	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil() + lineSpacing

	textWidth := 0
	for _, line := range lines {
		if w := font.MeasureString(face, line).Ceil(); w > textWidth {
			textWidth = w
		}
	}

	panel := image.NewNRGBA(image.Rect(0, 0, textWidth+2*padding, len(lines)*lineHeight+2*padding))
	draw.Draw(panel, panel.Bounds(), image.NewUniform(color.NRGBA{A: 255}), image.Point{}, draw.Src)

	drawer := &font.Drawer{Dst: panel, Src: image.White, Face: face}
	for i, line := range lines {
		drawer.Dot = fixed.P(padding, padding+(i+1)*lineHeight-lineSpacing-face.Metrics().Descent.Ceil())
		drawer.DrawString(line)
	}
	return panel
}
