package source

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/westslope/rigfeed/internal/metrics"
)

const (
	defaultPollInterval = 5 * time.Second
	witsmlMaxBodySize   = 4 << 20

	witsmlVersionQuery = `<?xml version="1.0" encoding="UTF-8"?>
<WMLS_GetVersion xmlns="http://www.witsml.org/message/120"/>`

	witsmlDefaultQuery = `<?xml version="1.0" encoding="UTF-8"?>
<WMLS_GetFromStore xmlns="http://www.witsml.org/message/120">
  <WMLtypeIn>log</WMLtypeIn>
  <QueryIn><logs xmlns="http://www.witsml.org/schemas/1series" version="1.4.1.1"><log/></logs></QueryIn>
  <OptionsIn>returnElements=latest-change-only</OptionsIn>
</WMLS_GetFromStore>`
)

// WITSMLConfig configures the polled-service adapter.
type WITSMLConfig struct {
	Logger   *slog.Logger
	URL      string
	Username string
	Password string

	// Optional configuration.
	Clock        clockwork.Clock
	HTTPClient   *http.Client
	PollInterval time.Duration
	Retry        RetryConfig

	// Query overrides the WMLS_GetFromStore request body, bounding what the
	// store returns.
	Query string
}

func (c *WITSMLConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.URL == "" {
		return errors.New("url is required")
	}

	// Optional configuration.
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Query == "" {
		c.Query = witsmlDefaultQuery
	}
	return nil
}

// WITSML is the polled-service adapter: a version probe on connect, then a
// WMLS_GetFromStore request every poll interval. An empty reply is normal; a
// transport or HTTP failure ends the session and counts against the retry
// budget.
type WITSML struct {
	adapterCore
	cfg *WITSMLConfig
}

func NewWITSML(cfg *WITSMLConfig) (*WITSML, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("witsml config: %w", err)
	}
	return &WITSML{
		adapterCore: newAdapterCore(cfg.Logger, cfg.Clock, "witsml", cfg.URL, cfg.Retry),
		cfg:         cfg,
	}, nil
}

func (c *WITSML) Run(ctx context.Context) error {
	return c.supervise(ctx, c.connect)
}

func (c *WITSML) connect(ctx context.Context, up func()) error {
	// Connectivity probe before declaring the session up.
	if _, err := c.post(ctx, witsmlVersionQuery); err != nil {
		return fmt.Errorf("version probe: %w", err)
	}

	up()

	if err := c.poll(ctx); err != nil {
		return err
	}

	ticker := c.clock.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := c.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (c *WITSML) poll(ctx context.Context) error {
	body, err := c.post(ctx, c.cfg.Query)
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	for _, rec := range c.parseLogs(body) {
		c.emitRecord(ctx, rec)
	}
	return nil
}

func (c *WITSML) post(ctx context.Context, query string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(query))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, witsmlMaxBodySize))
}

type witsmlLogs struct {
	XMLName xml.Name `xml:"logs"`
	Logs    []struct {
		Curves []struct {
			Mnemonic string `xml:"mnemonic"`
		} `xml:"logCurveInfo"`
		LogData struct {
			MnemonicList string   `xml:"mnemonicList"`
			Data         []string `xml:"data"`
		} `xml:"logData"`
	} `xml:"log"`
}

// parseLogs turns a WITSML log document into records, one per data row,
// channel-keyed by curve mnemonic. Malformed rows are dropped and logged;
// they never abort the polling loop.
func (c *WITSML) parseLogs(body []byte) []Record {
	var doc witsmlLogs
	if err := xml.Unmarshal(body, &doc); err != nil {
		metrics.SourceParseErrs.WithLabelValues(c.mode).Inc()
		c.log.Debug("dropping unparseable witsml response", "error", err)
		return nil
	}

	now := c.clock.Now().UTC()
	var out []Record
	for _, lg := range doc.Logs {
		mnemonics := splitCSV(lg.LogData.MnemonicList)
		if len(mnemonics) == 0 {
			for _, curve := range lg.Curves {
				mnemonics = append(mnemonics, curve.Mnemonic)
			}
		}
		if len(mnemonics) == 0 {
			continue
		}

		for _, row := range lg.LogData.Data {
			cells := strings.Split(row, ",")
			if len(cells) != len(mnemonics) {
				metrics.SourceParseErrs.WithLabelValues(c.mode).Inc()
				c.log.Debug("dropping witsml row with cell count mismatch",
					"cells", len(cells), "mnemonics", len(mnemonics))
				continue
			}
			channels := make(map[string]decimal.Decimal, len(cells))
			for i, cell := range cells {
				cell = strings.TrimSpace(cell)
				if cell == "" {
					continue
				}
				v, err := decimal.NewFromString(cell)
				if err != nil {
					continue
				}
				channels[mnemonics[i]] = v
			}
			if len(channels) == 0 {
				continue
			}
			out = append(out, Record{Channels: channels, At: now})
		}
	}
	return out
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
