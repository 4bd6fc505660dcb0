// Package source speaks to the rig's telemetry feed and produces raw
// parameter records. Two adapter variants exist: a raw WITS line protocol
// over a persistent TCP socket, and a WITSML web service polled over HTTP.
// Both share one reconnect supervisor with exponential backoff and a bounded
// retry budget.
package source

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/westslope/rigfeed/internal/metrics"
)

// ErrRetriesExhausted is returned by Run once the reconnect budget is spent.
// The adapter has emitted its terminal StateGaveUp status and will not retry
// on its own; a supervisor has to start a fresh adapter.
var ErrRetriesExhausted = errors.New("source: retry budget exhausted")

// State is the source-connectivity dimension of the subsystem state machine.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	// StateGaveUp is terminal: the retry budget is exhausted and reconnection
	// requires external re-initiation.
	StateGaveUp State = "gave_up"
)

// Status is a connectivity-change event. The latest Status is the only
// externally visible proof the adapter is alive.
type Status struct {
	State     State  `json:"state"`
	Connected bool   `json:"connected"`
	Addr      string `json:"addr"`
	Err       string `json:"error,omitempty"`
}

// Record is one raw telemetry reading: source-native channel identifiers
// mapped to values, plus the arrival timestamp. Records are ephemeral; the
// normalizer consumes them immediately.
type Record struct {
	Channels map[string]decimal.Decimal
	At       time.Time
}

// Adapter is a running telemetry source. Run blocks until the context is
// cancelled or the retry budget is exhausted; Records and Status are closed
// when Run returns.
type Adapter interface {
	Run(ctx context.Context) error
	Records() <-chan Record
	Status() <-chan Status
}

const (
	defaultRetryBase   = 2 * time.Second
	defaultRetryCap    = time.Minute
	defaultMaxAttempts = 10
)

// RetryConfig bounds the reconnect policy.
type RetryConfig struct {
	Base        time.Duration // first backoff interval, doubled each attempt
	Cap         time.Duration // ceiling on a single backoff interval
	MaxAttempts int           // consecutive failures before giving up
}

func (c *RetryConfig) setDefaults() {
	if c.Base <= 0 {
		c.Base = defaultRetryBase
	}
	if c.Cap <= 0 {
		c.Cap = defaultRetryCap
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
}

// newBackOff builds the deterministic doubling sequence base, 2*base, 4*base,
// ... capped at cfg.Cap. Jitter is off so the schedule is verifiable.
func newBackOff(cfg RetryConfig) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Base
	bo.MaxInterval = cfg.Cap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// adapterCore holds the pieces shared by both adapter variants: the output
// channels and the reconnect supervisor.
type adapterCore struct {
	log   *slog.Logger
	clock clockwork.Clock
	mode  string
	addr  string
	retry RetryConfig

	records chan Record
	status  chan Status
}

func newAdapterCore(log *slog.Logger, clock clockwork.Clock, mode, addr string, retry RetryConfig) adapterCore {
	retry.setDefaults()
	return adapterCore{
		log:     log.With("source", mode, "addr", addr),
		clock:   clock,
		mode:    mode,
		addr:    addr,
		retry:   retry,
		records: make(chan Record, 64),
		status:  make(chan Status, 8),
	}
}

func (c *adapterCore) Records() <-chan Record { return c.records }
func (c *adapterCore) Status() <-chan Status  { return c.status }

// connectFunc dials the feed and streams until it fails. Implementations call
// up exactly once after the transport is established. Returning nil means the
// context ended; any error counts against the retry budget.
type connectFunc func(ctx context.Context, up func()) error

// supervise runs connect under the reconnect policy. A successful connection
// resets both the backoff schedule and the attempt budget. After the budget
// is spent it emits exactly one StateGaveUp and returns ErrRetriesExhausted.
// Cancellation stops any pending retry timer and emits nothing further.
func (c *adapterCore) supervise(ctx context.Context, connect connectFunc) error {
	defer close(c.records)
	defer close(c.status)
	defer metrics.SourceConnected.Set(0)

	bo := newBackOff(c.retry)
	attempts := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		c.emitStatus(ctx, Status{State: StateConnecting, Addr: c.addr})

		up := func() {
			attempts = 0
			bo.Reset()
			metrics.SourceConnected.Set(1)
			c.log.Info("source connected")
			c.emitStatus(ctx, Status{State: StateConnected, Connected: true, Addr: c.addr})
		}

		err := connect(ctx, up)
		metrics.SourceConnected.Set(0)
		if ctx.Err() != nil {
			return nil
		}

		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		c.log.Warn("source disconnected", "error", err)
		c.emitStatus(ctx, Status{State: StateDisconnected, Addr: c.addr, Err: errMsg})

		attempts++
		if attempts >= c.retry.MaxAttempts {
			c.log.Error("source retry budget exhausted", "attempts", attempts)
			c.emitStatus(ctx, Status{State: StateGaveUp, Addr: c.addr, Err: errMsg})
			return ErrRetriesExhausted
		}

		wait := bo.NextBackOff()
		metrics.SourceReconnects.WithLabelValues(c.mode).Inc()
		c.log.Info("source reconnecting", "in", wait, "attempt", attempts)

		timer := c.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		}
	}
}

func (c *adapterCore) emitStatus(ctx context.Context, s Status) {
	select {
	case c.status <- s:
	case <-ctx.Done():
	}
}

func (c *adapterCore) emitRecord(ctx context.Context, r Record) {
	metrics.SourceRecords.WithLabelValues(c.mode).Inc()
	select {
	case c.records <- r:
	case <-ctx.Done():
	}
}
