// Package wire defines the JSON message protocol between the distribution hub
// and connected dashboard sessions: a closed set of message kinds and an
// envelope carrying one payload per message.
package wire

import (
	"encoding/json"
	"fmt"
)

// Type enumerates every message kind the hub sends or accepts. Unknown types
// on inbound messages are ignored, not rejected as errors, so older servers
// and newer dashboards can coexist.
type Type string

const (
	// Server -> client snapshots and deltas.
	TypeWitsStatus         Type = "wits_status"
	TypeWellInfo           Type = "well_info"
	TypeMappingTable       Type = "mapping_table"
	TypeDrillingParams     Type = "drilling_params"
	TypeDrillingParamDelta Type = "drilling_param_update"
	TypeSurveys            Type = "surveys"
	TypeSurveyDelta        Type = "survey_update"
	TypeCurveData          Type = "curve_data"
	TypeCurveDataDelta     Type = "curve_data_update"
	TypeGammaData          Type = "gamma_data"
	TypeGammaDataDelta     Type = "gamma_data_update"
	TypeRawTelemetry       Type = "raw_wits_data"

	// Client -> server control messages.
	TypeWitsConfig         Type = "wits_config"
	TypeWitsConfigResponse Type = "wits_config_response"
	TypeMappingUpdate      Type = "mapping_update"
	TypeUIAction           Type = "ui_action"
)

// Known reports whether t is part of the protocol.
func (t Type) Known() bool {
	switch t {
	case TypeWitsStatus, TypeWellInfo, TypeMappingTable,
		TypeDrillingParams, TypeDrillingParamDelta,
		TypeSurveys, TypeSurveyDelta,
		TypeCurveData, TypeCurveDataDelta,
		TypeGammaData, TypeGammaDataDelta,
		TypeRawTelemetry,
		TypeWitsConfig, TypeWitsConfigResponse, TypeMappingUpdate, TypeUIAction:
		return true
	}
	return false
}

// Envelope is the single frame format on the session channel.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals a payload into an envelope frame.
func Encode(t Type, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// Decode parses an inbound frame. The envelope is returned even when the type
// is unknown so callers can log what they dropped.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// SourceMode selects the telemetry source adapter variant.
type SourceMode string

const (
	SourceModeWITS   SourceMode = "wits"
	SourceModeWITSML SourceMode = "witsml"
)

// SourceConfig is the payload of a wits_config control message: a request to
// (re)point the source adapter at a rig feed. Last writer wins.
type SourceConfig struct {
	Mode SourceMode `json:"mode"`

	// Raw WITS socket settings.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// WITSML polling settings.
	URL            string `json:"url,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	PollIntervalMs int    `json:"pollIntervalMs,omitempty"`
}

// ConfigResponse answers a wits_config request on the originating session.
type ConfigResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// MappingEdit is the payload of a mapping_update control message.
type MappingEdit struct {
	Channel string `json:"channel"`
	Name    string `json:"name,omitempty"`
	Unit    string `json:"unit,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Remove  bool   `json:"remove,omitempty"`
}
