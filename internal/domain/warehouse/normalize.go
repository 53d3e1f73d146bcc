package warehouse

import (
	"math"
	"strconv"
	"strings"

	"github.com/byluca/ct-medical-images/pkg/optional"
)

// NoContrastAgent replaces missing or meaningless contrast agent values.
const NoContrastAgent = "No contrast agent"

// PixelSpacingBins are the canonical spacings, in mm, that raw values snap to.
var PixelSpacingBins = []float64{0.6, 0.65, 0.7, 0.75, 0.8}

// binTolerance absorbs binary floating point error when two bins are
// equally distant from a decimal input such as 0.675.
const binTolerance = 1e-9

// FormatAge turns an age string such as "061Y" into 61. Absent, empty or
// unparseable input yields an absent value.
func FormatAge(raw optional.Value[string]) optional.Value[int] {
	s, ok := raw.Get()
	if !ok || s == "" {
		return optional.None[int]()
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimRight(s, "Y")))
	if err != nil {
		return optional.None[int]()
	}
	return optional.Some(n)
}

// NormalizePixelSpacing parses a spacing value and snaps it to the nearest
// bin. Ties resolve to the smaller bin.
func NormalizePixelSpacing(raw optional.Value[string]) optional.Value[float64] {
	s, ok := raw.Get()
	if !ok {
		return optional.None[float64]()
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) {
		return optional.None[float64]()
	}
	return optional.Some(SnapToBin(v, PixelSpacingBins))
}

// SnapToBin returns the bin closest to v. bins must be ascending; the first
// bin within binTolerance of the minimum distance wins.
func SnapToBin(v float64, bins []float64) float64 {
	best := 0
	bestDist := math.Abs(bins[0] - v)
	for i := 1; i < len(bins); i++ {
		d := math.Abs(bins[i] - v)
		if d < bestDist-binTolerance {
			best, bestDist = i, d
		}
	}
	return bins[best]
}

// NormalizeContrastAgent trims the value and replaces absent, blank or
// single-character values with NoContrastAgent.
func NormalizeContrastAgent(raw optional.Value[string]) string {
	s, ok := raw.Get()
	if !ok {
		return NoContrastAgent
	}
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= 1 {
		return NoContrastAgent
	}
	return s
}
