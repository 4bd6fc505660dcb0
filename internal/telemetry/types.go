// Package telemetry defines the canonical drilling-telemetry entities shared
// by the normalizer, the distribution hub, and the wire protocol.
package telemetry

import (
	"time"

	"github.com/shopspring/decimal"
)

// Parameter is the latest known value of one canonical drilling parameter.
// There is one logical Parameter per name; new readings replace the value in
// place, history is left to the persistence collaborator.
type Parameter struct {
	Name      string          `json:"name"`
	Value     decimal.Decimal `json:"value"`
	Unit      string          `json:"unit"`
	Channel   string          `json:"channel"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SurveyPoint is one directional survey station with its derived geometry.
// Offsets are stored as magnitude plus hemisphere flag because the dashboard
// renders magnitude + compass letter.
type SurveyPoint struct {
	Index int             `json:"index"`
	MD    decimal.Decimal `json:"md"`
	Inc   decimal.Decimal `json:"inc"`
	Azi   decimal.Decimal `json:"azi"`

	TVD        decimal.Decimal `json:"tvd"`
	NorthSouth decimal.Decimal `json:"northSouth"`
	IsNorth    bool            `json:"isNorth"`
	EastWest   decimal.Decimal `json:"eastWest"`
	IsEast     bool            `json:"isEast"`
	VS         decimal.Decimal `json:"vs"`
	DLS        decimal.Decimal `json:"dls"`

	// Flagged marks a point whose derived fields were substituted because the
	// input was degenerate (zero depth interval, non-finite intermediate).
	Flagged bool `json:"flagged,omitempty"`
}

// GammaSample is one gamma-ray reading at depth. The hub keeps a bounded
// rolling window of these, not a store of record.
type GammaSample struct {
	Depth decimal.Decimal `json:"depth"`
	Value decimal.Decimal `json:"value"`
	At    time.Time       `json:"at"`
}

// WellInfo is the static description of the well being monitored, supplied by
// the persistence collaborator at startup.
type WellInfo struct {
	Name              string          `json:"name"`
	Operator          string          `json:"operator"`
	Rig               string          `json:"rig"`
	ProposedDirection decimal.Decimal `json:"proposedDirection"`
	SensorOffset      decimal.Decimal `json:"sensorOffset"`
}

// CurveData is the directional-drilling projection snapshot maintained by the
// directional driller through the dashboard.
type CurveData struct {
	MotorYield   decimal.Decimal `json:"motorYield"`
	DoglegNeeded decimal.Decimal `json:"doglegNeeded"`
	SlideSeen    decimal.Decimal `json:"slideSeen"`
	SlideAhead   decimal.Decimal `json:"slideAhead"`
	ProjectedInc decimal.Decimal `json:"projectedInc"`
	ProjectedAzi decimal.Decimal `json:"projectedAzi"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}
