package warehouse

import (
	"time"

	"github.com/byluca/ct-medical-images/pkg/optional"
)

// Unknown is the default for descriptive text fields that are missing.
const Unknown = "Unknown"

// Extraction holds the attribute set of every dimension plus the fact
// measures read from one record.
type Extraction struct {
	Patient  Attributes
	Station  Attributes
	Protocol Attributes
	Image    Attributes
	Date     Attributes
	Measures Measures
}

// Extract builds every attribute set from rec. It never fails; missing or
// malformed fields become defaults or explicit nulls.
func Extract(rec Record) Extraction {
	return Extraction{
		Patient:  PatientAttributes(rec),
		Station:  StationAttributes(rec),
		Protocol: ProtocolAttributes(rec),
		Image:    ImageAttributes(rec),
		Date:     DateAttributes(Text(rec, TagAcquisitionDate)),
		Measures: Measures{
			ExposureTime: ptr(Int(rec, TagExposureTime)),
			TubeCurrent:  ptr(Int(rec, TagXRayTubeCurrent)),
		},
	}
}

func PatientAttributes(rec Record) Attributes {
	return Attributes{
		"patient_id": TextOr(rec, TagPatientID, Unknown),
		"sex":        TextOr(rec, TagPatientSex, Unknown),
		"age":        FormatAge(Text(rec, TagPatientAge)).Any(),
	}
}

func StationAttributes(rec Record) Attributes {
	return Attributes{
		"manufacturer": TextOr(rec, TagManufacturer, Unknown),
		"model":        TextOr(rec, TagModelName, Unknown),
	}
}

func ProtocolAttributes(rec Record) Attributes {
	return Attributes{
		"body_part":        TextOr(rec, TagBodyPartExamined, Unknown),
		"contrast_agent":   NormalizeContrastAgent(Text(rec, TagContrastBolusAgent)),
		"patient_position": TextOr(rec, TagPatientPosition, Unknown),
	}
}

// ImageAttributes reads geometry. Pixel spacing is stored as (row, column),
// that is (Y, X); a single value is taken as X with Y left null.
func ImageAttributes(rec Record) Attributes {
	x, y := PixelSpacingXY(rec.Field(TagPixelSpacing))
	return Attributes{
		"rows":               Int(rec, TagRows).Any(),
		"columns":            Int(rec, TagColumns).Any(),
		"pixel_spacing_x":    NormalizePixelSpacing(x).Any(),
		"pixel_spacing_y":    NormalizePixelSpacing(y).Any(),
		"slice_thickness":    Float(rec, TagSliceThickness).Any(),
		"photometric_interp": TextOr(rec, TagPhotometricInterp, Unknown),
	}
}

// PixelSpacingXY unpacks the raw spacing values into (x, y).
func PixelSpacingXY(raw optional.Value[[]string]) (x, y optional.Value[string]) {
	vs, ok := raw.Get()
	switch {
	case !ok || len(vs) == 0:
		return optional.None[string](), optional.None[string]()
	case len(vs) == 1:
		return optional.Some(vs[0]), optional.None[string]()
	default:
		return optional.Some(vs[1]), optional.Some(vs[0])
	}
}

// DateAttributes parses a YYYYMMDD token. Anything else yields the shared
// all-null date row.
func DateAttributes(raw optional.Value[string]) Attributes {
	unknown := Attributes{"year": nil, "month": nil, "full_date": nil}
	s, ok := raw.Get()
	if !ok || len(s) != 8 {
		return unknown
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return unknown
		}
	}
	d, err := time.Parse("20060102", s)
	if err != nil {
		return unknown
	}
	return Attributes{"year": d.Year(), "month": int(d.Month()), "full_date": d}
}

func ptr[T any](o optional.Value[T]) *T {
	v, ok := o.Get()
	if !ok {
		return nil
	}
	return &v
}
