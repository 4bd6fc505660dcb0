// Package hub owns the set of connected dashboard sessions and the latest
// canonical telemetry snapshots, and fans deltas out to every session.
// Steady-state updates go out as single-entity deltas; only a newly joining
// session receives the full lists, atomically with respect to concurrent
// updates, so a late joiner converges to the same state as long-lived
// clients without duplicated or missing deltas.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/westslope/rigfeed/internal/mapping"
	"github.com/westslope/rigfeed/internal/metrics"
	"github.com/westslope/rigfeed/internal/source"
	"github.com/westslope/rigfeed/internal/telemetry"
	"github.com/westslope/rigfeed/internal/wire"
)

const (
	defaultSendBuffer  = 256
	defaultGammaWindow = 500
)

// ControlHandler receives control operations pushed by dashboard sessions.
// Implemented by the feed manager; configuration is process-wide, not
// session-scoped, and last writer wins.
type ControlHandler interface {
	HandleSourceConfig(cfg wire.SourceConfig) error
	HandleMappingEdit(edit wire.MappingEdit) error
}

type Config struct {
	Logger *slog.Logger

	// Optional configuration.
	Clock   clockwork.Clock
	Control ControlHandler
	// SendBuffer bounds each session's outbound queue. A session whose queue
	// fills is force-closed rather than allowed to exhaust process memory.
	SendBuffer int
	// GammaWindow bounds the rolling gamma sample window replayed to new
	// sessions.
	GammaWindow int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}

	// Optional configuration.
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.GammaWindow <= 0 {
		c.GammaWindow = defaultGammaWindow
	}
	return nil
}

// Hub is the single owner of the session set and the latest-state snapshots.
type Hub struct {
	log *slog.Logger
	cfg *Config

	mu       sync.Mutex
	nextID   uint64
	sessions map[*Session]struct{}
	control  ControlHandler

	status   source.Status
	well     telemetry.WellInfo
	mappings map[string]mapping.Mapping
	params   map[string]telemetry.Parameter
	surveys  []telemetry.SurveyPoint
	gamma    []telemetry.GammaSample
	curve    telemetry.CurveData
}

func New(cfg *Config) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hub config: %w", err)
	}
	return &Hub{
		log:      cfg.Logger,
		cfg:      cfg,
		sessions: make(map[*Session]struct{}),
		control:  cfg.Control,
		status:   source.Status{State: source.StateDisconnected},
		mappings: map[string]mapping.Mapping{},
		params:   map[string]telemetry.Parameter{},
	}, nil
}

// SetControl wires the control-operation handler after construction; the hub
// and the feed manager reference each other.
func (h *Hub) SetControl(c ControlHandler) {
	h.mu.Lock()
	h.control = c
	h.mu.Unlock()
}

func (h *Hub) controlHandler() ControlHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.control
}

// Register bootstraps a new session with the full snapshot of every stateful
// entity and admits it to the broadcast set. Snapshot and admission happen
// under one lock hold: an update during replay is either in the snapshot or
// arrives later as a delta, never both and never neither.
func (h *Hub) Register(conn Conn) *Session {
	h.mu.Lock()
	h.nextID++
	s := newSession(h, h.nextID, conn, h.cfg.SendBuffer)

	for _, msg := range h.snapshotLocked() {
		// A fresh queue cannot overflow on the snapshot: SendBuffer is far
		// larger than the snapshot message count.
		s.enqueue(msg)
	}
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()

	metrics.SessionsCurrent.Set(float64(n))
	s.log.Info("session registered", "sessions", n)
	s.start()
	return s
}

func (h *Hub) deregister(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	delete(h.sessions, s)
	n := len(h.sessions)
	h.mu.Unlock()

	if ok {
		metrics.SessionsCurrent.Set(float64(n))
		s.log.Info("session deregistered", "sessions", n)
	}
}

// Sessions reports how many sessions are currently registered.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) snapshotLocked() [][]byte {
	params := make([]telemetry.Parameter, 0, len(h.params))
	for _, p := range h.params {
		params = append(params, p)
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	surveys := make([]telemetry.SurveyPoint, len(h.surveys))
	copy(surveys, h.surveys)
	gamma := make([]telemetry.GammaSample, len(h.gamma))
	copy(gamma, h.gamma)

	var out [][]byte
	for _, m := range []struct {
		t       wire.Type
		payload any
	}{
		{wire.TypeWitsStatus, h.status},
		{wire.TypeWellInfo, h.well},
		{wire.TypeMappingTable, h.mappings},
		{wire.TypeDrillingParams, params},
		{wire.TypeSurveys, surveys},
		{wire.TypeCurveData, h.curve},
		{wire.TypeGammaData, gamma},
	} {
		b, err := wire.Encode(m.t, m.payload)
		if err != nil {
			h.log.Error("encoding snapshot", "type", m.t, "error", err)
			continue
		}
		out = append(out, b)
	}
	return out
}

// broadcastLocked enqueues one frame on every registered session and returns
// the sessions whose queue overflowed. Callers close those after releasing
// the lock; closing re-enters the hub for deregistration.
func (h *Hub) broadcastLocked(t wire.Type, payload any) []*Session {
	b, err := wire.Encode(t, payload)
	if err != nil {
		h.log.Error("encoding broadcast", "type", t, "error", err)
		return nil
	}
	metrics.Broadcasts.WithLabelValues(string(t)).Inc()

	var slow []*Session
	for s := range h.sessions {
		if !s.enqueue(b) {
			slow = append(slow, s)
		}
	}
	return slow
}

func (h *Hub) broadcast(t wire.Type, payload any) {
	h.mu.Lock()
	slow := h.broadcastLocked(t, payload)
	h.mu.Unlock()
	for _, s := range slow {
		s.closeSlow()
	}
}

// SetStatus records the latest source connectivity and tells every session.
// Sessions keep their last-known parameter values while the source is down;
// the status indicator is the only thing that changes.
func (h *Hub) SetStatus(st source.Status) {
	h.mu.Lock()
	h.status = st
	slow := h.broadcastLocked(wire.TypeWitsStatus, st)
	h.mu.Unlock()
	for _, s := range slow {
		s.closeSlow()
	}
}

func (h *Hub) SetWellInfo(w telemetry.WellInfo) {
	h.mu.Lock()
	h.well = w
	slow := h.broadcastLocked(wire.TypeWellInfo, w)
	h.mu.Unlock()
	for _, s := range slow {
		s.closeSlow()
	}
}

func (h *Hub) SetMappingTable(snap map[string]mapping.Mapping) {
	h.mu.Lock()
	h.mappings = snap
	slow := h.broadcastLocked(wire.TypeMappingTable, snap)
	h.mu.Unlock()
	for _, s := range slow {
		s.closeSlow()
	}
}

// ApplyParameter replaces the latest value of one parameter and broadcasts
// the delta to already-registered sessions.
func (h *Hub) ApplyParameter(p telemetry.Parameter) {
	h.mu.Lock()
	h.params[p.Name] = p
	slow := h.broadcastLocked(wire.TypeDrillingParamDelta, p)
	h.mu.Unlock()
	for _, s := range slow {
		s.closeSlow()
	}
}

// ApplySurveyPoint appends or replaces one derived survey point by index.
func (h *Hub) ApplySurveyPoint(pt telemetry.SurveyPoint) {
	h.mu.Lock()
	switch {
	case pt.Index == len(h.surveys):
		h.surveys = append(h.surveys, pt)
	case pt.Index >= 0 && pt.Index < len(h.surveys):
		h.surveys[pt.Index] = pt
	default:
		h.mu.Unlock()
		h.log.Warn("survey point index out of range", "index", pt.Index, "have", len(h.surveys))
		return
	}
	slow := h.broadcastLocked(wire.TypeSurveyDelta, pt)
	h.mu.Unlock()
	for _, s := range slow {
		s.closeSlow()
	}
}

// ApplyGamma appends one sample to the rolling window and broadcasts it.
func (h *Hub) ApplyGamma(g telemetry.GammaSample) {
	h.mu.Lock()
	h.gamma = append(h.gamma, g)
	if len(h.gamma) > h.cfg.GammaWindow {
		h.gamma = h.gamma[len(h.gamma)-h.cfg.GammaWindow:]
	}
	slow := h.broadcastLocked(wire.TypeGammaDataDelta, g)
	h.mu.Unlock()
	for _, s := range slow {
		s.closeSlow()
	}
}

// SetCurve replaces the directional projection snapshot.
func (h *Hub) SetCurve(c telemetry.CurveData) {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = h.cfg.Clock.Now().UTC()
	}
	h.mu.Lock()
	h.curve = c
	slow := h.broadcastLocked(wire.TypeCurveDataDelta, c)
	h.mu.Unlock()
	for _, s := range slow {
		s.closeSlow()
	}
}

// PublishRaw relays one raw telemetry record to sessions without storing it;
// raw records are ephemeral by contract.
func (h *Hub) PublishRaw(payload any) {
	h.broadcast(wire.TypeRawTelemetry, payload)
}

// handleInbound routes a decoded control message from one session. Unknown
// or server-only kinds are dropped without side effect.
func (h *Hub) handleInbound(s *Session, env wire.Envelope) {
	switch env.Type {
	case wire.TypeWitsConfig:
		var cfg wire.SourceConfig
		if err := json.Unmarshal(env.Data, &cfg); err != nil {
			metrics.InboundRejected.Inc()
			s.log.Debug("malformed wits_config", "error", err)
			return
		}
		resp := wire.ConfigResponse{OK: true}
		if control := h.controlHandler(); control == nil {
			resp = wire.ConfigResponse{Error: "source reconfiguration unavailable"}
		} else if err := control.HandleSourceConfig(cfg); err != nil {
			resp = wire.ConfigResponse{Error: err.Error()}
		}
		s.send(wire.TypeWitsConfigResponse, resp)

	case wire.TypeMappingUpdate:
		var edit wire.MappingEdit
		if err := json.Unmarshal(env.Data, &edit); err != nil {
			metrics.InboundRejected.Inc()
			s.log.Debug("malformed mapping_update", "error", err)
			return
		}
		control := h.controlHandler()
		if control == nil {
			return
		}
		if err := control.HandleMappingEdit(edit); err != nil {
			s.log.Warn("mapping edit rejected", "channel", edit.Channel, "error", err)
		}

	case wire.TypeCurveDataDelta:
		var c telemetry.CurveData
		if err := json.Unmarshal(env.Data, &c); err != nil {
			metrics.InboundRejected.Inc()
			s.log.Debug("malformed curve_data_update", "error", err)
			return
		}
		h.SetCurve(c)

	case wire.TypeUIAction:
		// Relay to every other session; the hub does not interpret UI
		// actions.
		b, err := json.Marshal(env)
		if err != nil {
			return
		}
		h.mu.Lock()
		var slow []*Session
		for other := range h.sessions {
			if other == s {
				continue
			}
			if !other.enqueue(b) {
				slow = append(slow, other)
			}
		}
		h.mu.Unlock()
		for _, o := range slow {
			o.closeSlow()
		}

	default:
		metrics.InboundRejected.Inc()
		s.log.Debug("ignoring inbound message", "type", env.Type)
	}
}
