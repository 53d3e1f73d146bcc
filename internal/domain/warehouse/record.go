package warehouse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/byluca/ct-medical-images/pkg/optional"
)

// Tag identifies a header element by group and element number.
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// Header elements read by the extractor.
var (
	TagAcquisitionDate    = Tag{0x0008, 0x0022}
	TagManufacturer       = Tag{0x0008, 0x0070}
	TagModelName          = Tag{0x0008, 0x1090}
	TagPatientID          = Tag{0x0010, 0x0020}
	TagPatientSex         = Tag{0x0010, 0x0040}
	TagPatientAge         = Tag{0x0010, 0x1010}
	TagContrastBolusAgent = Tag{0x0018, 0x0010}
	TagBodyPartExamined   = Tag{0x0018, 0x0015}
	TagSliceThickness     = Tag{0x0018, 0x0050}
	TagExposureTime       = Tag{0x0018, 0x1150}
	TagXRayTubeCurrent    = Tag{0x0018, 0x1151}
	TagPatientPosition    = Tag{0x0018, 0x5100}
	TagPhotometricInterp  = Tag{0x0028, 0x0004}
	TagRows               = Tag{0x0028, 0x0010}
	TagColumns            = Tag{0x0028, 0x0011}
	TagPixelSpacing       = Tag{0x0028, 0x0030}
	TagRescaleIntercept   = Tag{0x0028, 0x1052}
	TagRescaleSlope       = Tag{0x0028, 0x1053}
)

// Record is a decoded source file seen through its header. Field never fails:
// a missing element, or one without values, is reported as absent.
type Record interface {
	Field(t Tag) optional.Value[[]string]
}

// Text returns the element as one string; multiple values are joined with a
// backslash, the header's own value delimiter.
func Text(rec Record, t Tag) optional.Value[string] {
	return optional.Map(rec.Field(t), func(vs []string) string {
		return strings.Join(vs, `\`)
	})
}

// TextOr returns the element text, or def when it is absent.
func TextOr(rec Record, t Tag, def string) string {
	return Text(rec, t).OrElse(def)
}

// Int returns the first value of the element parsed as an integer.
func Int(rec Record, t Tag) optional.Value[int] {
	return optional.FlatMap(first(rec, t), func(s string) optional.Value[int] {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return optional.None[int]()
		}
		return optional.Some(n)
	})
}

// Float returns the first value of the element parsed as a float.
func Float(rec Record, t Tag) optional.Value[float64] {
	return optional.FlatMap(first(rec, t), func(s string) optional.Value[float64] {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return optional.None[float64]()
		}
		return optional.Some(f)
	})
}

func first(rec Record, t Tag) optional.Value[string] {
	return optional.FlatMap(rec.Field(t), func(vs []string) optional.Value[string] {
		if len(vs) == 0 {
			return optional.None[string]()
		}
		return optional.Some(vs[0])
	})
}

// MapRecord is a Record over an in-memory tag map. Tests and the convert
// command's synthetic inputs use it.
type MapRecord map[Tag][]string

func (m MapRecord) Field(t Tag) optional.Value[[]string] {
	vs, ok := m[t]
	if !ok || len(vs) == 0 {
		return optional.None[[]string]()
	}
	return optional.Some(vs)
}
