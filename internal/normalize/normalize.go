// Package normalize maps raw telemetry records onto canonical drilling
// entities. Normalization is a pure transformation over in-memory state: no
// I/O, no suspension, so it can sit between the source adapter and the hub
// without reordering the stream.
package normalize

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/westslope/rigfeed/internal/geometry"
	"github.com/westslope/rigfeed/internal/mapping"
	"github.com/westslope/rigfeed/internal/metrics"
	"github.com/westslope/rigfeed/internal/source"
	"github.com/westslope/rigfeed/internal/telemetry"
)

// Update is one canonical entity produced from a raw record. The set of
// implementations is closed: ParameterUpdate, SurveyUpdate, GammaUpdate.
type Update interface {
	update()
}

// ParameterUpdate replaces the latest value of one drilling parameter.
type ParameterUpdate struct {
	Parameter telemetry.Parameter
}

// SurveyUpdate appends or replaces one derived survey point.
type SurveyUpdate struct {
	Point telemetry.SurveyPoint
}

// GammaUpdate appends one gamma sample to the rolling window.
type GammaUpdate struct {
	Sample telemetry.GammaSample
}

func (ParameterUpdate) update() {}
func (SurveyUpdate) update()    {}
func (GammaUpdate) update()     {}

type Config struct {
	Logger *slog.Logger
	Table  *mapping.Table

	// Geometry carries the well's sensor offset and proposed direction for
	// survey derivation.
	Geometry geometry.Config
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Table == nil {
		return errors.New("mapping table is required")
	}
	return nil
}

// Normalizer resolves channels through the mapping table, assembles survey
// stations from md/inc/azi triples, and pairs gamma readings with depth.
// It is not safe for concurrent use; the feed manager calls it from a single
// goroutine in record-arrival order.
type Normalizer struct {
	log *slog.Logger
	cfg *Config

	stations []geometry.Station

	pendingMD  *decimal.Decimal
	pendingInc *decimal.Decimal
	pendingAzi *decimal.Decimal
	gammaDepth *decimal.Decimal
}

func New(cfg *Config) (*Normalizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("normalize config: %w", err)
	}
	return &Normalizer{log: cfg.Logger, cfg: cfg}, nil
}

// Apply normalizes one raw record. Unmapped channels are ignored, not an
// error; feeds routinely send channels this deployment does not use.
func (n *Normalizer) Apply(rec source.Record) []Update {
	// Iterate channels in a fixed order so replaying a record is
	// deterministic.
	channels := make([]string, 0, len(rec.Channels))
	for ch := range rec.Channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	var updates []Update
	for _, ch := range channels {
		value := rec.Channels[ch]
		m, ok := n.cfg.Table.Resolve(ch)
		if !ok {
			metrics.UnmappedChannels.Inc()
			continue
		}

		switch m.Kind {
		case mapping.KindParameter:
			updates = append(updates, ParameterUpdate{Parameter: telemetry.Parameter{
				Name:      m.Name,
				Value:     value,
				Unit:      m.Unit,
				Channel:   ch,
				UpdatedAt: rec.At,
			}})

		case mapping.KindGammaDepth:
			v := value
			n.gammaDepth = &v

		case mapping.KindGammaValue:
			if n.gammaDepth == nil {
				// No depth reference yet; the sample is unusable.
				n.log.Debug("dropping gamma reading before first depth", "channel", ch)
				continue
			}
			updates = append(updates, GammaUpdate{Sample: telemetry.GammaSample{
				Depth: *n.gammaDepth,
				Value: value,
				At:    rec.At,
			}})

		case mapping.KindSurveyMD:
			v := value
			n.pendingMD = &v
		case mapping.KindSurveyInc:
			v := value
			n.pendingInc = &v
		case mapping.KindSurveyAzi:
			v := value
			n.pendingAzi = &v
		}
	}

	if pt, ok := n.tryStation(); ok {
		updates = append(updates, SurveyUpdate{Point: pt})
	}
	return updates
}

// Stations returns the raw station sequence accepted so far.
func (n *Normalizer) Stations() []geometry.Station {
	out := make([]geometry.Station, len(n.stations))
	copy(out, n.stations)
	return out
}

// tryStation completes a pending md/inc/azi triple into a survey station and
// re-derives the sequence. Derivation is idempotent over the full ordered
// history, so only the newest point can change.
func (n *Normalizer) tryStation() (telemetry.SurveyPoint, bool) {
	if n.pendingMD == nil || n.pendingInc == nil || n.pendingAzi == nil {
		return telemetry.SurveyPoint{}, false
	}
	st := geometry.Station{MD: *n.pendingMD, Inc: *n.pendingInc, Azi: *n.pendingAzi}
	n.pendingMD, n.pendingInc, n.pendingAzi = nil, nil, nil

	n.stations = append(n.stations, st)
	points := geometry.Derive(n.stations, n.cfg.Geometry)
	last := points[len(points)-1]

	return toSurveyPoint(len(points)-1, last), true
}

func toSurveyPoint(index int, p geometry.Point) telemetry.SurveyPoint {
	return telemetry.SurveyPoint{
		Index:      index,
		MD:         p.MD,
		Inc:        p.Inc,
		Azi:        p.Azi,
		TVD:        p.TVD,
		NorthSouth: p.NorthSouth,
		IsNorth:    p.IsNorth,
		EastWest:   p.EastWest,
		IsEast:     p.IsEast,
		VS:         p.VS,
		DLS:        p.DLS,
		Flagged:    p.Flagged,
	}
}
