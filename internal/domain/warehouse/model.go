package warehouse

import "github.com/byluca/ct-medical-images/internal/platform/store"

// Attributes is a canonical attribute set: field name to normalized value.
// Values are string, int, float64, time.Time or nil. Absent fields must be
// stored as an explicit nil so they serialize identically on every run.
type Attributes map[string]any

// Document returns the dimension row for these attributes with the surrogate
// key added under keyField.
func (a Attributes) Document(keyField, key string) store.Document {
	doc := make(store.Document, len(a)+1)
	for k, v := range a {
		doc[k] = v
	}
	doc[keyField] = key
	return doc
}

// Dimension names one dimension collection and its surrogate key field.
type Dimension struct {
	Name       string
	Collection string
	KeyField   string
}

var (
	DimPatient  = Dimension{Name: "patient", Collection: "dim_patient", KeyField: "patient_sk"}
	DimStation  = Dimension{Name: "station", Collection: "dim_station", KeyField: "station_sk"}
	DimProtocol = Dimension{Name: "protocol", Collection: "dim_protocol", KeyField: "protocol_sk"}
	DimImage    = Dimension{Name: "image", Collection: "dim_image", KeyField: "image_sk"}
	DimDate     = Dimension{Name: "date", Collection: "dim_date", KeyField: "date_sk"}
)

// Dimensions lists every dimension in resolution order.
var Dimensions = []Dimension{DimPatient, DimStation, DimProtocol, DimImage, DimDate}

// FactCollection holds one row per processed image.
const FactCollection = "fact_study"

// FactKeyField is the natural key of a fact row: the thumbnail output path.
const FactKeyField = "file_path"

// Collections lists every warehouse collection, dimensions first.
func Collections() []string {
	out := make([]string, 0, len(Dimensions)+1)
	for _, d := range Dimensions {
		out = append(out, d.Collection)
	}
	return append(out, FactCollection)
}

// Keys holds the resolved surrogate key of every dimension for one file.
type Keys struct {
	Patient  string
	Station  string
	Protocol string
	Image    string
	Date     string
}

// Measures are the fact-level measurements taken from the source header.
// A nil pointer means the field was absent or unparseable.
type Measures struct {
	ExposureTime *int
	TubeCurrent  *int
}

// Fact is one fact_study row before it is written.
type Fact struct {
	Keys     Keys
	Measures Measures
	FilePath string
}

// Document renders the fact row.
func (f Fact) Document() store.Document {
	return store.Document{
		DimPatient.KeyField:  f.Keys.Patient,
		DimStation.KeyField:  f.Keys.Station,
		DimProtocol.KeyField: f.Keys.Protocol,
		DimImage.KeyField:    f.Keys.Image,
		DimDate.KeyField:     f.Keys.Date,
		"exposure_time":      intOrNil(f.Measures.ExposureTime),
		"tube_current":       intOrNil(f.Measures.TubeCurrent),
		FactKeyField:         f.FilePath,
	}
}

func intOrNil(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
