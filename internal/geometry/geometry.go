// Package geometry derives directional-survey fields (TVD, lateral offsets,
// vertical section, dogleg severity) from raw measured-depth / inclination /
// azimuth stations using the average-angle method.
//
// Derivation is a pure function of the ordered station sequence plus the
// well's sensor offset and proposed direction: recomputing from scratch over
// the same input reproduces bit-identical output. All angles are degrees.
package geometry

import (
	"math"

	"github.com/shopspring/decimal"
)

// Station is one raw survey reading.
type Station struct {
	MD  decimal.Decimal `json:"md"`
	Inc decimal.Decimal `json:"inc"`
	Azi decimal.Decimal `json:"azi"`
}

// Config carries the per-well constants the derivation depends on.
type Config struct {
	// SensorOffset is the distance from the bit to the survey sensor. The
	// effective station depth is MD minus this offset, floored at surface.
	SensorOffset decimal.Decimal

	// ProposedDirection is the planned wellbore direction in degrees,
	// used for the vertical-section projection.
	ProposedDirection decimal.Decimal
}

// Point is a station with its derived fields. Lateral offsets are magnitudes
// with hemisphere flags; signs never leave this package.
type Point struct {
	Station

	TVD        decimal.Decimal
	NorthSouth decimal.Decimal
	IsNorth    bool
	EastWest   decimal.Decimal
	IsEast     bool
	VS         decimal.Decimal
	DLS        decimal.Decimal

	// Flagged marks a point whose derived value was substituted because the
	// input was degenerate.
	Flagged bool
}

// Derive computes derived fields for the whole station sequence. It is total:
// degenerate input (non-increasing depth, non-finite intermediates) yields a
// carried-forward or zero value and a Flagged point, never an error.
func Derive(stations []Station, cfg Config) []Point {
	if len(stations) == 0 {
		return nil
	}

	offset, _ := cfg.SensorOffset.Float64()
	dir := radians(toFloat(cfg.ProposedDirection))

	points := make([]Point, len(stations))

	var prevMD, prevInc, prevAzi, prevTVD, prevNS, prevEW float64
	for i, st := range stations {
		md := toFloat(st.MD) - offset
		if md < 0 {
			md = 0
		}
		inc := radians(toFloat(st.Inc))
		azi := radians(toFloat(st.Azi))

		var tvd, ns, ew, dls float64
		flagged := false

		if i == 0 {
			tvd = md * math.Cos(inc)
			ns = md * math.Sin(inc) * math.Cos(azi)
			ew = md * math.Sin(inc) * math.Sin(azi)
			dls = 0
		} else {
			interval := md - prevMD
			tvd = prevTVD + interval*math.Cos(inc)
			ns = prevNS + interval*math.Sin(inc)*math.Cos(azi)
			ew = prevEW + interval*math.Sin(inc)*math.Sin(azi)
			if interval > 0 {
				dls = dogleg(prevInc, prevAzi, inc, azi) * 100 / interval
			} else {
				// Repeated or out-of-order depth: no interval to
				// normalize over, define the severity as zero.
				dls = 0
				flagged = true
			}
		}

		if !isFinite(tvd) {
			tvd = prevTVD
			flagged = true
		}
		if !isFinite(ns) {
			ns = prevNS
			flagged = true
		}
		if !isFinite(ew) {
			ew = prevEW
			flagged = true
		}
		if !isFinite(dls) {
			dls = 0
			flagged = true
		}

		vs := math.Abs(math.Abs(ns)*math.Sin(dir) + math.Abs(ew)*math.Cos(dir))
		if !isFinite(vs) {
			vs = 0
			flagged = true
		}

		points[i] = Point{
			Station:    st,
			TVD:        decimal.NewFromFloat(tvd),
			NorthSouth: decimal.NewFromFloat(math.Abs(ns)),
			IsNorth:    ns >= 0,
			EastWest:   decimal.NewFromFloat(math.Abs(ew)),
			IsEast:     ew >= 0,
			VS:         decimal.NewFromFloat(vs),
			DLS:        decimal.NewFromFloat(dls),
			Flagged:    flagged,
		}

		prevMD, prevInc, prevAzi = md, inc, azi
		prevTVD, prevNS, prevEW = tvd, ns, ew
	}

	return points
}

// dogleg returns the total angular change between two stations in degrees,
// handling azimuth wraparound across north.
func dogleg(inc1, azi1, inc2, azi2 float64) float64 {
	dAzi := math.Abs(azi2 - azi1)
	if dAzi > math.Pi {
		dAzi = 2*math.Pi - dAzi
	}
	cosAngle := math.Cos(inc1)*math.Cos(inc2) + math.Sin(inc1)*math.Sin(inc2)*math.Cos(dAzi)
	// Clamp against rounding drift before acos.
	if cosAngle > 1 {
		cosAngle = 1
	}
	if cosAngle < -1 {
		cosAngle = -1
	}
	return degrees(math.Acos(cosAngle))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
