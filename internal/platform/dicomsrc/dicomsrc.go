// Package dicomsrc reads DICOM part-10 files with github.com/suyashkumar/dicom
// and exposes them as warehouse records and thumbnail pixel sources.
package dicomsrc

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/byluca/ct-medical-images/internal/domain/thumbnail"
	"github.com/byluca/ct-medical-images/internal/domain/warehouse"
	"github.com/byluca/ct-medical-images/pkg/optional"
)

// ErrDecode reports a file that could not be parsed as DICOM.
var ErrDecode = errors.New("dicomsrc: decode failed")

var tagSamplesPerPixel = warehouse.Tag{Group: 0x0028, Element: 0x0002}

// Record is one parsed file.
type Record struct {
	path string
	ds   dicom.Dataset
}

// Open parses the file at path, pixel data included.
func Open(path string) (*Record, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}
	return &Record{path: path, ds: ds}, nil
}

// OpenSource is Open shaped as a warehouse.Opener.
func OpenSource(path string) (warehouse.SourceFile, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// FromDataset wraps an already parsed dataset.
func FromDataset(path string, ds dicom.Dataset) *Record {
	return &Record{path: path, ds: ds}
}

// Path returns the source file path.
func (r *Record) Path() string { return r.path }

// Field returns the element's values as text. String values lose their
// space and NUL padding; numeric values are formatted in decimal. Binary,
// sequence and pixel elements are reported as absent.
func (r *Record) Field(t warehouse.Tag) optional.Value[[]string] {
	el, err := r.ds.FindElementByTag(tag.Tag{Group: t.Group, Element: t.Element})
	if err != nil || el == nil || el.Value == nil {
		return optional.None[[]string]()
	}
	vs := elementStrings(el)
	if len(vs) == 0 {
		return optional.None[[]string]()
	}
	return optional.Some(vs)
}

func elementStrings(el *dicom.Element) []string {
	var out []string
	switch el.Value.ValueType() {
	case dicom.Strings:
		for _, s := range dicom.MustGetStrings(el.Value) {
			out = append(out, strings.Trim(s, " \x00"))
		}
	case dicom.Ints:
		for _, n := range dicom.MustGetInts(el.Value) {
			out = append(out, strconv.Itoa(n))
		}
	case dicom.Floats:
		for _, f := range dicom.MustGetFloats(el.Value) {
			out = append(out, strconv.FormatFloat(f, 'g', -1, 64))
		}
	default:
		return nil
	}
	// A single empty string is how the toolkit presents a zero-length element.
	if len(out) == 1 && out[0] == "" {
		return nil
	}
	return out
}

// PixelArray decodes the pixel data element. Native frames keep their stored
// sample values; encapsulated frames are decoded through the image package
// and read back as 16-bit gray. Rescale slope and intercept are attached
// when either is present, defaulting to 1 and 0.
func (r *Record) PixelArray() (*thumbnail.PixelArray, error) {
	el, err := r.ds.FindElementByTag(tag.PixelData)
	if err != nil || el == nil || el.Value == nil {
		return nil, thumbnail.ErrNoPixelData
	}
	if el.Value.ValueType() != dicom.PixelData {
		return nil, fmt.Errorf("%w: pixel element has value type %v", thumbnail.ErrNoPixelData, el.Value.ValueType())
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if info.IntentionallySkipped || info.IntentionallyUnprocessed || len(info.Frames) == 0 {
		return nil, thumbnail.ErrNoPixelData
	}

	samples := warehouse.Int(r, tagSamplesPerPixel).OrElse(1)
	var (
		rows, cols int
		data       []float64
	)
	for i := range info.Frames {
		fr := info.Frames[i]
		if fr.Encapsulated {
			img, err := fr.EncapsulatedData.GetImage()
			if err != nil {
				return nil, fmt.Errorf("%w: decode frame %d: %v", ErrDecode, i, err)
			}
			var vals []float64
			rows, cols, vals = grayValues(img)
			data = append(data, vals...)
			continue
		}
		nf := fr.NativeData
		rows, cols = nf.Rows, nf.Cols
		if len(nf.Data) > 0 && len(nf.Data[0]) > samples {
			samples = len(nf.Data[0])
		}
		// Data holds one entry per pixel in row-major order.
		for _, px := range nf.Data {
			for _, v := range px {
				data = append(data, float64(v))
			}
		}
	}

	shape := []int{rows, cols}
	if frames := len(info.Frames); frames > 1 {
		shape = []int{frames, rows, cols}
	}
	if samples > 1 {
		shape = append(shape, samples)
	}

	arr := &thumbnail.PixelArray{Shape: shape, Data: data}
	slope := warehouse.Float(r, warehouse.TagRescaleSlope)
	intercept := warehouse.Float(r, warehouse.TagRescaleIntercept)
	if slope.Present() || intercept.Present() {
		arr.Rescale = &thumbnail.Rescale{Slope: slope.OrElse(1), Intercept: intercept.OrElse(0)}
	}
	return arr, nil
}

func grayValues(img image.Image) (rows, cols int, data []float64) {
	b := img.Bounds()
	rows, cols = b.Dy(), b.Dx()
	data = make([]float64, 0, rows*cols)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
			data = append(data, float64(g.Y))
		}
	}
	return rows, cols, data
}
