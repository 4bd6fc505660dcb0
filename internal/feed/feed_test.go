package feed

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/westslope/rigfeed/internal/hub"
	"github.com/westslope/rigfeed/internal/mapping"
	"github.com/westslope/rigfeed/internal/normalize"
	"github.com/westslope/rigfeed/internal/source"
	"github.com/westslope/rigfeed/internal/store"
	"github.com/westslope/rigfeed/internal/telemetry"
	"github.com/westslope/rigfeed/internal/wire"
)

// fakeAdapter is a scriptable source: the test feeds records and statuses in
// and decides when the run ends.
type fakeAdapter struct {
	records chan source.Record
	status  chan source.Status
	stop    chan struct{}
	done    chan struct{}
	runErr  error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		records: make(chan source.Record, 8),
		status:  make(chan source.Status, 8),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (f *fakeAdapter) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-f.stop:
	}
	close(f.records)
	close(f.status)
	close(f.done)
	return f.runErr
}

func (f *fakeAdapter) Records() <-chan source.Record { return f.records }
func (f *fakeAdapter) Status() <-chan source.Status  { return f.status }

// viewerConn is a minimal hub.Conn capturing broadcast frames.
type viewerConn struct {
	writes chan []byte
	closed chan struct{}
	once   sync.Once
}

func newViewerConn() *viewerConn {
	return &viewerConn{writes: make(chan []byte, 512), closed: make(chan struct{})}
}

func (c *viewerConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *viewerConn) WriteMessage(messageType int, data []byte) error {
	select {
	case c.writes <- data:
	default:
	}
	return nil
}

func (c *viewerConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func nextEnvelope(t *testing.T, c *viewerConn) wire.Envelope {
	t.Helper()
	select {
	case b := <-c.writes:
		env, err := wire.Decode(b)
		require.NoError(t, err)
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return wire.Envelope{}
	}
}

func skipBootstrap(t *testing.T, c *viewerConn) {
	t.Helper()
	for i := 0; i < 7; i++ {
		nextEnvelope(t, c)
	}
}

type harness struct {
	manager   *Manager
	hub       *hub.Hub
	table     *mapping.Table
	persister *store.Memory
	adapters  chan *fakeAdapter
	cancel    context.CancelFunc
	runDone   chan error
}

func newHarness(t *testing.T, src *wire.SourceConfig) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	h, err := hub.New(&hub.Config{Logger: log})
	require.NoError(t, err)

	table := mapping.NewTable()
	norm, err := normalize.New(&normalize.Config{Logger: log, Table: table})
	require.NoError(t, err)

	persister := store.NewMemory(telemetry.WellInfo{}, nil)
	adapters := make(chan *fakeAdapter, 4)

	m, err := New(&Config{
		Logger:     log,
		Hub:        h,
		Table:      table,
		Normalizer: norm,
		Persister:  persister,
		Source:     src,
		NewAdapter: func(cfg wire.SourceConfig) (source.Adapter, error) {
			ad := newFakeAdapter()
			adapters <- ad
			return ad, nil
		},
	})
	require.NoError(t, err)
	h.SetControl(m)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-runDone:
		case <-time.After(5 * time.Second):
			t.Error("manager did not stop")
		}
	})

	return &harness{
		manager:   m,
		hub:       h,
		table:     table,
		persister: persister,
		adapters:  adapters,
		cancel:    cancel,
		runDone:   runDone,
	}
}

func (hn *harness) nextAdapter(t *testing.T) *fakeAdapter {
	t.Helper()
	select {
	case ad := <-hn.adapters:
		return ad
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for adapter start")
		return nil
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	h, err := hub.New(&hub.Config{Logger: log})
	require.NoError(t, err)
	table := mapping.NewTable()
	norm, err := normalize.New(&normalize.Config{Logger: log, Table: table})
	require.NoError(t, err)

	_, err = New(&Config{Hub: h, Table: table, Normalizer: norm})
	require.ErrorContains(t, err, "logger is required")
	_, err = New(&Config{Logger: log, Table: table, Normalizer: norm})
	require.ErrorContains(t, err, "hub is required")
	_, err = New(&Config{Logger: log, Hub: h, Normalizer: norm})
	require.ErrorContains(t, err, "mapping table is required")
	_, err = New(&Config{Logger: log, Hub: h, Table: table})
	require.ErrorContains(t, err, "normalizer is required")
}

func TestManager_PumpsRecordsThroughToSessions(t *testing.T) {
	t.Parallel()

	hn := newHarness(t, &wire.SourceConfig{Mode: wire.SourceModeWITS, Host: "rig", Port: 5000})
	ad := hn.nextAdapter(t)

	viewer := newViewerConn()
	s := hn.hub.Register(viewer)
	defer s.Close()
	skipBootstrap(t, viewer)

	ad.status <- source.Status{State: source.StateConnected, Connected: true, Addr: "rig:5000"}
	env := nextEnvelope(t, viewer)
	require.Equal(t, wire.TypeWitsStatus, env.Type)

	// Channel 6 is wob in the standard table.
	ad.records <- source.Record{
		Channels: map[string]decimal.Decimal{"6": decimal.RequireFromString("12.5")},
		At:       time.Now().UTC(),
	}

	env = nextEnvelope(t, viewer)
	require.Equal(t, wire.TypeRawTelemetry, env.Type)
	env = nextEnvelope(t, viewer)
	require.Equal(t, wire.TypeDrillingParamDelta, env.Type)

	// The normalized parameter was handed to the persistence collaborator.
	require.Eventually(t, func() bool {
		for _, e := range hn.persister.Persisted() {
			if p, ok := e.(telemetry.Parameter); ok && p.Name == "wob" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_ReconfigureSwapsAdapters(t *testing.T) {
	t.Parallel()

	hn := newHarness(t, &wire.SourceConfig{Mode: wire.SourceModeWITS, Host: "rig", Port: 5000})
	first := hn.nextAdapter(t)

	require.NoError(t, hn.manager.Reconfigure(wire.SourceConfig{
		Mode: wire.SourceModeWITSML,
		URL:  "http://store",
	}))

	// The old run is fully drained before the new one starts.
	select {
	case <-first.done:
	case <-time.After(5 * time.Second):
		t.Fatal("first adapter was not stopped")
	}

	second := hn.nextAdapter(t)
	viewer := newViewerConn()
	s := hn.hub.Register(viewer)
	defer s.Close()
	skipBootstrap(t, viewer)

	second.records <- source.Record{
		Channels: map[string]decimal.Decimal{"6": decimal.RequireFromString("14")},
		At:       time.Now().UTC(),
	}
	env := nextEnvelope(t, viewer)
	require.Equal(t, wire.TypeRawTelemetry, env.Type)
}

func TestManager_SurvivesSourceGiveUp(t *testing.T) {
	t.Parallel()

	hn := newHarness(t, &wire.SourceConfig{Mode: wire.SourceModeWITS, Host: "rig", Port: 5000})
	first := hn.nextAdapter(t)

	// The source burns through its retry budget and stops on its own.
	first.runErr = source.ErrRetriesExhausted
	close(first.stop)
	<-first.done

	// The manager keeps running and accepts a fresh configuration.
	require.NoError(t, hn.manager.HandleSourceConfig(wire.SourceConfig{
		Mode: wire.SourceModeWITS,
		Host: "rig2",
		Port: 5001,
	}))
	hn.nextAdapter(t)
}

func TestManager_ReconfigureBeforeRunFails(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	h, err := hub.New(&hub.Config{Logger: log})
	require.NoError(t, err)
	table := mapping.NewTable()
	norm, err := normalize.New(&normalize.Config{Logger: log, Table: table})
	require.NoError(t, err)

	m, err := New(&Config{
		Logger:     log,
		Hub:        h,
		Table:      table,
		Normalizer: norm,
		NewAdapter: func(cfg wire.SourceConfig) (source.Adapter, error) {
			return newFakeAdapter(), nil
		},
	})
	require.NoError(t, err)

	err = m.Reconfigure(wire.SourceConfig{Mode: wire.SourceModeWITS, Host: "rig", Port: 5000})
	require.ErrorContains(t, err, "feed is not running")
}

func TestManager_BuildAdapterRejectsUnknownMode(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	h, err := hub.New(&hub.Config{Logger: log})
	require.NoError(t, err)
	table := mapping.NewTable()
	norm, err := normalize.New(&normalize.Config{Logger: log, Table: table})
	require.NoError(t, err)

	m, err := New(&Config{Logger: log, Hub: h, Table: table, Normalizer: norm})
	require.NoError(t, err)

	_, err = m.buildAdapter(wire.SourceConfig{Mode: "bogus"})
	require.ErrorContains(t, err, "unknown source mode")
}

func TestManager_HandleMappingEdit(t *testing.T) {
	t.Parallel()

	hn := newHarness(t, nil)

	viewer := newViewerConn()
	s := hn.hub.Register(viewer)
	defer s.Close()
	skipBootstrap(t, viewer)

	require.NoError(t, hn.manager.HandleMappingEdit(wire.MappingEdit{
		Channel: "21",
		Name:    "pumpStrokes",
		Unit:    "spm",
	}))

	m, ok := hn.table.Resolve("21")
	require.True(t, ok)
	require.Equal(t, "pumpStrokes", m.Name)
	require.Equal(t, mapping.KindParameter, m.Kind)

	env := nextEnvelope(t, viewer)
	require.Equal(t, wire.TypeMappingTable, env.Type)

	// An invalid edit is rejected and nothing is broadcast.
	require.Error(t, hn.manager.HandleMappingEdit(wire.MappingEdit{Channel: ""}))
}
