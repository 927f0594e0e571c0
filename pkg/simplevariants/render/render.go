// Package render produces thumbnails and 1-bit renditions of PNG and JPEG
// images. Output is always PNG.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"io"

	"github.com/nfnt/resize"
)

var (
	// ErrDecode indicates the source is not a readable PNG or JPEG image
	ErrDecode = errors.New("cannot decode image")

	// ErrInvalidSize indicates a non-positive bounding box
	ErrInvalidSize = errors.New("invalid thumbnail size")
)

var binaryPalette = color.Palette{color.Black, color.White}

// Renderer renders with a fixed interpolation function.
type Renderer struct {
	Interpolation resize.InterpolationFunction
}

// New returns a Renderer using Lanczos3 resampling.
func New() *Renderer {
	return &Renderer{Interpolation: resize.Lanczos3}
}

// Thumbnail scales src to fit inside a size×size box keeping its aspect
// ratio. Images already inside the box are re-encoded at their own size.
func (r *Renderer) Thumbnail(src io.Reader, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	img, err := decode(src)
	if err != nil {
		return nil, err
	}
	thumb := resize.Thumbnail(uint(size), uint(size), img, r.Interpolation)
	return encode(thumb)
}

// Binary converts src to grayscale and dithers it to black and white with
// Floyd-Steinberg error diffusion.
func (r *Renderer) Binary(src io.Reader) ([]byte, error) {
	img, err := decode(src)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, img, bounds.Min, draw.Src)

	out := image.NewPaletted(bounds, binaryPalette)
	draw.FloydSteinberg.Draw(out, bounds, gray, bounds.Min)
	return encode(out)
}

func decode(src io.Reader) (image.Image, error) {
	img, _, err := image.Decode(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
