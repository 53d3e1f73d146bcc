// Package thumbnail turns decoded pixel arrays into fixed-size grayscale
// JPEG previews.
package thumbnail

import (
	"errors"
	"fmt"
	"image"
	"math"
)

var (
	ErrNoPixelData   = errors.New("thumbnail: no pixel data")
	ErrMultiFrame    = errors.New("thumbnail: multi-frame or multi-sample image")
	ErrShapeMismatch = errors.New("thumbnail: pixel count does not match shape")
)

// normEpsilon keeps the min-max divisor non-zero for constant images.
const normEpsilon = 1e-9

// Rescale is the modality linear transform: out = raw*Slope + Intercept.
type Rescale struct {
	Slope     float64
	Intercept float64
}

// PixelArray is a decoded image in row-major order. A single 2-D frame has
// Shape [rows, columns]; anything with more axes is a volume or a colour
// image and is not converted.
type PixelArray struct {
	Shape   []int
	Data    []float64
	Rescale *Rescale
}

// PixelSource yields the pixel array of one decoded file.
type PixelSource interface {
	PixelArray() (*PixelArray, error)
}

// Validate checks that Data holds exactly the number of samples Shape
// describes.
func (p *PixelArray) Validate() error {
	if p == nil || len(p.Shape) == 0 || len(p.Data) == 0 {
		return ErrNoPixelData
	}
	n := 1
	for _, d := range p.Shape {
		if d <= 0 {
			return fmt.Errorf("%w: shape %v", ErrShapeMismatch, p.Shape)
		}
		n *= d
	}
	if n != len(p.Data) {
		return fmt.Errorf("%w: shape %v wants %d values, have %d", ErrShapeMismatch, p.Shape, n, len(p.Data))
	}
	return nil
}

// Normalize applies the rescale transform and maps the result linearly onto
// 0..255, truncating to uint8. A constant image maps to all zeros.
func Normalize(p *PixelArray) ([]uint8, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	vals := make([]float64, len(p.Data))
	copy(vals, p.Data)
	if p.Rescale != nil {
		for i, v := range vals {
			vals[i] = v*p.Rescale.Slope + p.Rescale.Intercept
		}
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo + normEpsilon

	out := make([]uint8, len(vals))
	for i, v := range vals {
		s := (v - lo) / span * 255.0
		switch {
		case s <= 0 || math.IsNaN(s):
			out[i] = 0
		case s >= 255:
			out[i] = 255
		default:
			out[i] = uint8(s)
		}
	}
	return out, nil
}

// Gray builds an 8-bit grayscale image from a 2-D pixel array.
func Gray(p *PixelArray) (*image.Gray, error) {
	if p != nil && len(p.Shape) > 2 {
		return nil, fmt.Errorf("%w: shape %v", ErrMultiFrame, p.Shape)
	}
	pix, err := Normalize(p)
	if err != nil {
		return nil, err
	}
	rows, cols := p.Shape[0], 1
	if len(p.Shape) == 2 {
		cols = p.Shape[1]
	}
	img := image.NewGray(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+cols], pix[y*cols:(y+1)*cols])
	}
	return img, nil
}
