// Package mapping resolves source-native channel identifiers (WITS item
// numbers, WITSML mnemonics) to canonical drilling-parameter entities. The
// table is shared mutable state: the normalizer reads it on every record and
// dashboard sessions edit it live, so access is serialized internally.
package mapping

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Kind classifies what a mapped channel feeds.
type Kind string

const (
	KindParameter  Kind = "parameter"
	KindGammaDepth Kind = "gammaDepth"
	KindGammaValue Kind = "gammaValue"
	KindSurveyMD   Kind = "surveyMD"
	KindSurveyInc  Kind = "surveyInc"
	KindSurveyAzi  Kind = "surveyAzi"
)

func (k Kind) valid() bool {
	switch k {
	case KindParameter, KindGammaDepth, KindGammaValue, KindSurveyMD, KindSurveyInc, KindSurveyAzi:
		return true
	}
	return false
}

// Mapping is the canonical identity of one source channel.
type Mapping struct {
	Name string `json:"name" yaml:"name"`
	Unit string `json:"unit" yaml:"unit"`
	Kind Kind   `json:"kind" yaml:"kind"`
}

// Edit is one live change to the table. An empty Kind defaults to parameter;
// Remove drops the channel entirely.
type Edit struct {
	Channel string `yaml:"channel"`
	Name    string `yaml:"name"`
	Unit    string `yaml:"unit"`
	Kind    Kind   `yaml:"kind"`
	Remove  bool   `yaml:"remove"`
}

// Table maps channel identifiers to canonical mappings.
type Table struct {
	mu        sync.RWMutex
	byChannel map[string]Mapping
}

// standardWITS is the default WITS record-1 item-code map the original rig
// deployments use. Channels 15-19 carry gamma and survey stations on the
// rigs this was built for; overlays replace them where the feed differs.
var standardWITS = map[string]Mapping{
	"1":  {Name: "bitDepth", Unit: "ft", Kind: KindParameter},
	"2":  {Name: "hookLoad", Unit: "klbs", Kind: KindParameter},
	"3":  {Name: "blockPosition", Unit: "ft", Kind: KindParameter},
	"4":  {Name: "ropAvg", Unit: "ft/hr", Kind: KindParameter},
	"5":  {Name: "ropInst", Unit: "ft/hr", Kind: KindParameter},
	"6":  {Name: "wob", Unit: "klbs", Kind: KindParameter},
	"7":  {Name: "surfaceTorque", Unit: "ft-lbs", Kind: KindParameter},
	"8":  {Name: "surfaceRpm", Unit: "rpm", Kind: KindParameter},
	"9":  {Name: "standpipePressure", Unit: "psi", Kind: KindParameter},
	"10": {Name: "flowRateIn", Unit: "gpm", Kind: KindParameter},
	"11": {Name: "totalGas", Unit: "%", Kind: KindParameter},
	"12": {Name: "temperature", Unit: "degF", Kind: KindParameter},
	"13": {Name: "mudDensityIn", Unit: "ppg", Kind: KindParameter},
	"14": {Name: "mudDensityOut", Unit: "ppg", Kind: KindParameter},
	"15": {Name: "gammaDepth", Unit: "ft", Kind: KindGammaDepth},
	"16": {Name: "gamma", Unit: "api", Kind: KindGammaValue},
	"17": {Name: "surveyMD", Unit: "ft", Kind: KindSurveyMD},
	"18": {Name: "surveyInc", Unit: "deg", Kind: KindSurveyInc},
	"19": {Name: "surveyAzi", Unit: "deg", Kind: KindSurveyAzi},
}

// NewTable returns a table seeded with the standard WITS item codes.
func NewTable() *Table {
	byChannel := make(map[string]Mapping, len(standardWITS))
	for ch, m := range standardWITS {
		byChannel[ch] = m
	}
	return &Table{byChannel: byChannel}
}

// Resolve looks up one channel. Unmapped channels are not an error; the
// normalizer ignores them.
func (t *Table) Resolve(channel string) (Mapping, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byChannel[channel]
	return m, ok
}

// Apply applies edits atomically: a concurrent Resolve sees either none or
// all of them.
func (t *Table) Apply(edits ...Edit) error {
	for _, e := range edits {
		if e.Channel == "" {
			return fmt.Errorf("mapping edit without channel")
		}
		if !e.Remove {
			if e.Name == "" {
				return fmt.Errorf("mapping edit for channel %q without name", e.Channel)
			}
			if e.Kind != "" && !e.Kind.valid() {
				return fmt.Errorf("mapping edit for channel %q: unknown kind %q", e.Channel, e.Kind)
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range edits {
		if e.Remove {
			delete(t.byChannel, e.Channel)
			continue
		}
		kind := e.Kind
		if kind == "" {
			kind = KindParameter
		}
		t.byChannel[e.Channel] = Mapping{Name: e.Name, Unit: e.Unit, Kind: kind}
	}
	return nil
}

// Snapshot returns a copy of the current table for broadcast to sessions.
func (t *Table) Snapshot() map[string]Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Mapping, len(t.byChannel))
	for ch, m := range t.byChannel {
		out[ch] = m
	}
	return out
}

// LoadFile reads a YAML overlay of edits, applied on top of the standard
// table at startup.
func LoadFile(path string) ([]Edit, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping overlay: %w", err)
	}
	var doc struct {
		Mappings []Edit `yaml:"mappings"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse mapping overlay %s: %w", path, err)
	}
	return doc.Mappings, nil
}
