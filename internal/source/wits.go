package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/westslope/rigfeed/internal/metrics"
)

const (
	defaultDialTimeout = 10 * time.Second
	witsReadBufSize    = 4096

	// A frame larger than this without a terminator is a corrupt stream;
	// drop the buffer rather than grow it forever.
	witsMaxFrameBytes = 64 << 10
)

// Dialer creates network connections. Allows custom dialers in tests.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// WITSConfig configures the raw-socket adapter.
type WITSConfig struct {
	Logger *slog.Logger
	Host   string
	Port   int

	// Optional configuration.
	Clock       clockwork.Clock
	Dialer      Dialer
	DialTimeout time.Duration
	Retry       RetryConfig
}

func (c *WITSConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	// Optional configuration.
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Dialer == nil {
		c.Dialer = func(ctx context.Context, network, address string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, network, address)
		}
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	return nil
}

// WITS is the raw-socket adapter: a persistent TCP connection on which the
// rig pushes "&&record,item,value||" frames as readings arrive.
type WITS struct {
	adapterCore
	cfg *WITSConfig
}

func NewWITS(cfg *WITSConfig) (*WITS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("wits config: %w", err)
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	return &WITS{
		adapterCore: newAdapterCore(cfg.Logger, cfg.Clock, "wits", addr, cfg.Retry),
		cfg:         cfg,
	}, nil
}

func (w *WITS) Run(ctx context.Context) error {
	return w.supervise(ctx, w.connect)
}

func (w *WITS) connect(ctx context.Context, up func()) error {
	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	conn, err := w.cfg.Dialer(dialCtx, "tcp", w.addr)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.addr, err)
	}
	defer conn.Close()

	up()

	// Unblock the read below when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	var buf []byte
	chunk := make([]byte, witsReadBufSize)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var frames []string
			frames, buf = splitWITSFrames(buf)
			for _, f := range frames {
				item, value, ok := parseWITSFrame(f)
				if !ok {
					// One bad frame must not abort the stream.
					metrics.SourceParseErrs.WithLabelValues(w.mode).Inc()
					w.log.Debug("dropping malformed wits frame", "frame", f)
					continue
				}
				w.emitRecord(ctx, Record{
					Channels: map[string]decimal.Decimal{item: value},
					At:       w.clock.Now().UTC(),
				})
			}
			if len(buf) > witsMaxFrameBytes {
				metrics.SourceParseErrs.WithLabelValues(w.mode).Inc()
				w.log.Warn("wits frame buffer overflow, discarding", "bytes", len(buf))
				buf = buf[:0]
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s: %w", w.addr, err)
		}
	}
}

// splitWITSFrames cuts complete "...||" frames off the front of buf and
// returns the unterminated remainder for the next read.
func splitWITSFrames(buf []byte) ([]string, []byte) {
	s := string(buf)
	var frames []string
	for {
		i := strings.Index(s, "||")
		if i < 0 {
			break
		}
		if f := strings.TrimSpace(s[:i]); f != "" {
			frames = append(frames, f)
		}
		s = s[i+2:]
	}
	return frames, []byte(s)
}

// parseWITSFrame parses "&&<record>,<item>,<value>". The record number is
// only a grouping hint on this feed and is dropped; the item code keys the
// mapping table.
func parseWITSFrame(f string) (item string, value decimal.Decimal, ok bool) {
	if !strings.HasPrefix(f, "&&") {
		return "", decimal.Decimal{}, false
	}
	parts := strings.Split(f[2:], ",")
	if len(parts) != 3 {
		return "", decimal.Decimal{}, false
	}
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return "", decimal.Decimal{}, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", decimal.Decimal{}, false
	}
	// Canonical item codes have no leading zeros; "08" keys the table as "8".
	item = strconv.Itoa(n)
	value, err = decimal.NewFromString(strings.TrimSpace(parts[2]))
	if err != nil {
		return "", decimal.Decimal{}, false
	}
	return item, value, true
}
