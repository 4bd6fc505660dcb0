package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"

	"github.com/westslope/rigfeed/internal/feed"
	"github.com/westslope/rigfeed/internal/geometry"
	"github.com/westslope/rigfeed/internal/hub"
	"github.com/westslope/rigfeed/internal/mapping"
	"github.com/westslope/rigfeed/internal/metrics"
	"github.com/westslope/rigfeed/internal/normalize"
	"github.com/westslope/rigfeed/internal/source"
	"github.com/westslope/rigfeed/internal/store"
	"github.com/westslope/rigfeed/internal/telemetry"
	"github.com/westslope/rigfeed/internal/wire"

	_ "net/http/pprof"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = ":8080"
	defaultMetricsAddr = ":9090"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	if cfg.EnablePprof {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start metrics listener", "error", err)
				os.Exit(1)
			}
			log.Info("metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("metrics server failed", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mem := store.NewMemory(telemetry.WellInfo{
		Name:              cfg.WellName,
		Operator:          cfg.WellOperator,
		Rig:               cfg.WellRig,
		ProposedDirection: cfg.ProposedDirection,
		SensorOffset:      cfg.SensorOffset,
	}, nil)

	table := mapping.NewTable()
	if cfg.MappingFile != "" {
		edits, err := mapping.LoadFile(cfg.MappingFile)
		if err != nil {
			return err
		}
		if err := table.Apply(edits...); err != nil {
			return fmt.Errorf("apply mapping overlay: %w", err)
		}
	}
	if edits, err := mem.MappingEdits(ctx, cfg.WellName); err == nil && len(edits) > 0 {
		if err := table.Apply(edits...); err != nil {
			return fmt.Errorf("apply stored mappings: %w", err)
		}
	}

	well, err := mem.WellInfo(ctx, cfg.WellName)
	if err != nil {
		return fmt.Errorf("load well info: %w", err)
	}

	norm, err := normalize.New(&normalize.Config{
		Logger: log,
		Table:  table,
		Geometry: geometry.Config{
			SensorOffset:      well.SensorOffset,
			ProposedDirection: well.ProposedDirection,
		},
	})
	if err != nil {
		return err
	}

	h, err := hub.New(&hub.Config{Logger: log})
	if err != nil {
		return err
	}
	h.SetWellInfo(well)
	h.SetMappingTable(table.Snapshot())

	manager, err := feed.New(&feed.Config{
		Logger:     log,
		Hub:        h,
		Table:      table,
		Normalizer: norm,
		Persister:  mem,
		Retry: source.RetryConfig{
			Base:        cfg.RetryBase,
			MaxAttempts: cfg.RetryMaxAttempts,
		},
		Source: cfg.Source,
	})
	if err != nil {
		return err
	}
	h.SetControl(manager)

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Info("websocket server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/ws", h.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	httpSrv := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	errCh := make(chan error, 2)
	go func() {
		if err := manager.Run(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()
	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			cancel()
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("context cancelled, server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

type Config struct {
	ShowVersion bool
	Verbose     bool
	EnablePprof bool

	ListenAddr  string
	MetricsAddr string

	WellName          string
	WellOperator      string
	WellRig           string
	ProposedDirection decimal.Decimal
	SensorOffset      decimal.Decimal
	MappingFile       string

	RetryBase        time.Duration
	RetryMaxAttempts int

	Source *wire.SourceConfig
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func loadConfig() (Config, error) {
	var cfg Config
	var (
		sourceMode     string
		witsHost       string
		witsPort       int
		witsmlURL      string
		witsmlUser     string
		witsmlPass     string
		pollIntervalMs int
		proposedDir    string
		sensorOffset   string
	)

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.BoolVar(&cfg.EnablePprof, "enable-pprof", false, "enable pprof server")

	flag.StringVar(&cfg.ListenAddr, "listen-addr", getenv("LISTEN_ADDR", defaultListenAddr), "websocket listen address (env: LISTEN_ADDR)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "prometheus metrics address (env: METRICS_ADDR)")

	flag.StringVar(&cfg.WellName, "well", getenv("WELL_NAME", "well-1"), "well name (env: WELL_NAME)")
	flag.StringVar(&cfg.WellOperator, "operator", getenv("WELL_OPERATOR", ""), "well operator (env: WELL_OPERATOR)")
	flag.StringVar(&cfg.WellRig, "rig", getenv("WELL_RIG", ""), "rig name (env: WELL_RIG)")
	flag.StringVar(&proposedDir, "proposed-direction", getenv("PROPOSED_DIRECTION", "0"), "proposed wellbore direction in degrees (env: PROPOSED_DIRECTION)")
	flag.StringVar(&sensorOffset, "sensor-offset", getenv("SENSOR_OFFSET", "0"), "survey sensor offset from bit in feet (env: SENSOR_OFFSET)")
	flag.StringVar(&cfg.MappingFile, "mapping-file", getenv("MAPPING_FILE", ""), "YAML mapping overlay file (env: MAPPING_FILE)")

	flag.StringVar(&sourceMode, "source-mode", getenv("SOURCE_MODE", ""), "telemetry source mode: wits or witsml; empty waits for a dashboard to configure one (env: SOURCE_MODE)")
	flag.StringVar(&witsHost, "wits-host", getenv("WITS_HOST", ""), "WITS server host (env: WITS_HOST)")
	flag.IntVar(&witsPort, "wits-port", 0, "WITS server port (env: WITS_PORT)")
	flag.StringVar(&witsmlURL, "witsml-url", getenv("WITSML_URL", ""), "WITSML store endpoint (env: WITSML_URL)")
	flag.StringVar(&witsmlUser, "witsml-username", getenv("WITSML_USERNAME", ""), "WITSML basic auth username (env: WITSML_USERNAME)")
	flag.StringVar(&witsmlPass, "witsml-password", getenv("WITSML_PASSWORD", ""), "WITSML basic auth password (env: WITSML_PASSWORD)")
	flag.IntVar(&pollIntervalMs, "poll-interval-ms", 0, "WITSML poll interval in milliseconds (env: POLL_INTERVAL_MS)")

	flag.DurationVar(&cfg.RetryBase, "retry-base", 0, "base source reconnect backoff; doubles per attempt (default 2s)")
	flag.IntVar(&cfg.RetryMaxAttempts, "retry-max-attempts", 0, "consecutive source failures before giving up (default 10)")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	var err error
	if witsPort == 0 {
		if witsPort, err = getenvInt("WITS_PORT", 0); err != nil {
			return Config{}, err
		}
	}
	if pollIntervalMs == 0 {
		if pollIntervalMs, err = getenvInt("POLL_INTERVAL_MS", 0); err != nil {
			return Config{}, err
		}
	}

	if cfg.ProposedDirection, err = decimal.NewFromString(proposedDir); err != nil {
		return Config{}, fmt.Errorf("invalid proposed direction %q: %w", proposedDir, err)
	}
	if cfg.SensorOffset, err = decimal.NewFromString(sensorOffset); err != nil {
		return Config{}, fmt.Errorf("invalid sensor offset %q: %w", sensorOffset, err)
	}

	switch wire.SourceMode(sourceMode) {
	case "":
		// No initial source; a dashboard pushes wits_config later.
	case wire.SourceModeWITS:
		if witsHost == "" || witsPort == 0 {
			return Config{}, fmt.Errorf("source-mode wits requires --wits-host and --wits-port")
		}
		cfg.Source = &wire.SourceConfig{Mode: wire.SourceModeWITS, Host: witsHost, Port: witsPort}
	case wire.SourceModeWITSML:
		if witsmlURL == "" {
			return Config{}, fmt.Errorf("source-mode witsml requires --witsml-url")
		}
		cfg.Source = &wire.SourceConfig{
			Mode:           wire.SourceModeWITSML,
			URL:            witsmlURL,
			Username:       witsmlUser,
			Password:       witsmlPass,
			PollIntervalMs: pollIntervalMs,
		}
	default:
		return Config{}, fmt.Errorf("unknown source mode %q", sourceMode)
	}

	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
