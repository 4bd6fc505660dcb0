// Package feed owns the active telemetry source: it starts and swaps
// adapters on reconfiguration, pumps raw records through the normalizer into
// the hub in arrival order, and forwards connectivity changes. One source is
// active at a time; configuration is last-writer-wins.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/westslope/rigfeed/internal/hub"
	"github.com/westslope/rigfeed/internal/mapping"
	"github.com/westslope/rigfeed/internal/normalize"
	"github.com/westslope/rigfeed/internal/source"
	"github.com/westslope/rigfeed/internal/store"
	"github.com/westslope/rigfeed/internal/wire"
)

// AdapterFactory builds a source adapter from a requested configuration.
// Overridable in tests.
type AdapterFactory func(cfg wire.SourceConfig) (source.Adapter, error)

type Config struct {
	Logger     *slog.Logger
	Hub        *hub.Hub
	Table      *mapping.Table
	Normalizer *normalize.Normalizer

	// Optional configuration.
	Clock      clockwork.Clock
	Persister  store.Persister
	Retry      source.RetryConfig
	Source     *wire.SourceConfig // initial source, started by Run
	NewAdapter AdapterFactory
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Hub == nil {
		return errors.New("hub is required")
	}
	if c.Table == nil {
		return errors.New("mapping table is required")
	}
	if c.Normalizer == nil {
		return errors.New("normalizer is required")
	}

	// Optional configuration.
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is the source lifecycle owner and the hub's control handler.
type Manager struct {
	log *slog.Logger
	cfg *Config

	mu     sync.Mutex
	runCtx context.Context
	active *activeRun
}

func New(cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("feed config: %w", err)
	}
	m := &Manager{
		log: cfg.Logger.With("component", "feed"),
		cfg: cfg,
	}
	if cfg.NewAdapter == nil {
		cfg.NewAdapter = m.buildAdapter
	}
	return m, nil
}

// Run starts the initial source, if configured, and blocks until ctx ends.
// The manager survives a source that exhausts its retry budget; it waits for
// a session to push a new configuration.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	if m.cfg.Source != nil {
		if err := m.Reconfigure(*m.cfg.Source); err != nil {
			return fmt.Errorf("start initial source: %w", err)
		}
	}

	<-ctx.Done()

	m.mu.Lock()
	active := m.active
	m.active = nil
	m.mu.Unlock()
	if active != nil {
		active.cancel()
		<-active.done
	}
	return nil
}

// Reconfigure stops the current adapter, waits for its pump to drain, and
// starts a new one. The drain matters: the normalizer is single-writer, and
// two pumps running at once would interleave record order.
func (m *Manager) Reconfigure(cfg wire.SourceConfig) error {
	ad, err := m.cfg.NewAdapter(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx == nil || m.runCtx.Err() != nil {
		return errors.New("feed is not running")
	}

	if m.active != nil {
		m.active.cancel()
		<-m.active.done
		m.active = nil
	}

	ctx, cancel := context.WithCancel(m.runCtx)
	done := make(chan struct{})
	m.active = &activeRun{cancel: cancel, done: done}
	m.log.Info("starting source", "mode", cfg.Mode)
	go m.runAdapter(ctx, ad, done)
	return nil
}

// HandleSourceConfig implements hub.ControlHandler.
func (m *Manager) HandleSourceConfig(cfg wire.SourceConfig) error {
	return m.Reconfigure(cfg)
}

// HandleMappingEdit implements hub.ControlHandler: applies one table edit
// and rebroadcasts the table snapshot so every dashboard converges.
func (m *Manager) HandleMappingEdit(edit wire.MappingEdit) error {
	e := mapping.Edit{
		Channel: edit.Channel,
		Name:    edit.Name,
		Unit:    edit.Unit,
		Kind:    mapping.Kind(edit.Kind),
		Remove:  edit.Remove,
	}
	if err := m.cfg.Table.Apply(e); err != nil {
		return err
	}
	m.cfg.Hub.SetMappingTable(m.cfg.Table.Snapshot())
	m.persist(context.Background(), e)
	return nil
}

func (m *Manager) buildAdapter(cfg wire.SourceConfig) (source.Adapter, error) {
	switch cfg.Mode {
	case wire.SourceModeWITS:
		return source.NewWITS(&source.WITSConfig{
			Logger: m.cfg.Logger,
			Clock:  m.cfg.Clock,
			Host:   cfg.Host,
			Port:   cfg.Port,
			Retry:  m.cfg.Retry,
		})
	case wire.SourceModeWITSML:
		return source.NewWITSML(&source.WITSMLConfig{
			Logger:       m.cfg.Logger,
			Clock:        m.cfg.Clock,
			URL:          cfg.URL,
			Username:     cfg.Username,
			Password:     cfg.Password,
			PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
			Retry:        m.cfg.Retry,
		})
	default:
		return nil, fmt.Errorf("unknown source mode %q", cfg.Mode)
	}
}

func (m *Manager) runAdapter(ctx context.Context, ad source.Adapter, done chan struct{}) {
	defer close(done)

	errCh := make(chan error, 1)
	go func() { errCh <- ad.Run(ctx) }()

	m.pump(ctx, ad)

	if err := <-errCh; err != nil {
		if errors.Is(err, source.ErrRetriesExhausted) {
			// Terminal give-up was already broadcast as a status change; a
			// dashboard has to push a fresh wits_config to restart.
			m.log.Error("source gave up; awaiting reconfiguration")
		} else {
			m.log.Error("source stopped", "error", err)
		}
	}
}

// pump drains the adapter until both channels close. Records are normalized
// and broadcast in arrival order from this single goroutine.
func (m *Manager) pump(ctx context.Context, ad source.Adapter) {
	records, status := ad.Records(), ad.Status()
	for records != nil || status != nil {
		select {
		case rec, ok := <-records:
			if !ok {
				records = nil
				continue
			}
			m.ingest(ctx, rec)
		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			m.cfg.Hub.SetStatus(st)
		}
	}
}

// rawPayload mirrors a raw record onto the wire for debugging views.
type rawPayload struct {
	Channels map[string]decimal.Decimal `json:"channels"`
	At       time.Time                  `json:"at"`
}

func (m *Manager) ingest(ctx context.Context, rec source.Record) {
	m.cfg.Hub.PublishRaw(rawPayload{Channels: rec.Channels, At: rec.At})

	for _, u := range m.cfg.Normalizer.Apply(rec) {
		switch u := u.(type) {
		case normalize.ParameterUpdate:
			m.cfg.Hub.ApplyParameter(u.Parameter)
			m.persist(ctx, u.Parameter)
		case normalize.SurveyUpdate:
			m.cfg.Hub.ApplySurveyPoint(u.Point)
			m.persist(ctx, u.Point)
		case normalize.GammaUpdate:
			m.cfg.Hub.ApplyGamma(u.Sample)
			m.persist(ctx, u.Sample)
		}
	}
}

// persist hands an entity to the collaborator after broadcast; failures are
// logged, never propagated.
func (m *Manager) persist(ctx context.Context, entity any) {
	if m.cfg.Persister == nil {
		return
	}
	if err := m.cfg.Persister.Persist(ctx, entity); err != nil {
		m.log.Warn("persist failed", "error", err)
	}
}
