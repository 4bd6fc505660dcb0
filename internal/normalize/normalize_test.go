package normalize

import (
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/westslope/rigfeed/internal/mapping"
	"github.com/westslope/rigfeed/internal/source"
)

func newNormalizerForTest(t *testing.T) *Normalizer {
	t.Helper()
	n, err := New(&Config{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Table:  mapping.NewTable(),
	})
	require.NoError(t, err)
	return n
}

func record(at time.Time, pairs map[string]string) source.Record {
	channels := make(map[string]decimal.Decimal, len(pairs))
	for ch, v := range pairs {
		channels[ch] = decimal.RequireFromString(v)
	}
	return source.Record{Channels: channels, At: at}
}

func TestNormalize_ConfigValidate(t *testing.T) {
	t.Parallel()

	_, err := New(&Config{})
	require.Error(t, err)

	_, err = New(&Config{Logger: slog.New(slog.NewTextHandler(os.Stderr, nil))})
	require.Error(t, err)
}

func TestNormalize_ParameterUpdate(t *testing.T) {
	t.Parallel()

	n := newNormalizerForTest(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	updates := n.Apply(record(at, map[string]string{"6": "22.5"}))
	require.Len(t, updates, 1)

	pu, ok := updates[0].(ParameterUpdate)
	require.True(t, ok)
	require.Equal(t, "wob", pu.Parameter.Name)
	require.Equal(t, "klbs", pu.Parameter.Unit)
	require.Equal(t, "6", pu.Parameter.Channel)
	require.True(t, pu.Parameter.Value.Equal(decimal.RequireFromString("22.5")))
	require.Equal(t, at, pu.Parameter.UpdatedAt)
}

func TestNormalize_UnmappedChannelsIgnored(t *testing.T) {
	t.Parallel()

	n := newNormalizerForTest(t)
	updates := n.Apply(record(time.Now(), map[string]string{
		"99":      "1.0",
		"UNKNOWN": "2.0",
	}))
	require.Empty(t, updates)
}

func TestNormalize_GammaPairsValueWithDepth(t *testing.T) {
	t.Parallel()

	n := newNormalizerForTest(t)
	at := time.Now().UTC()

	// A gamma reading before any depth reference is unusable.
	updates := n.Apply(record(at, map[string]string{"16": "45.2"}))
	require.Empty(t, updates)

	// Depth arrives, then a value: one sample.
	require.Empty(t, n.Apply(record(at, map[string]string{"15": "5000"})))
	updates = n.Apply(record(at, map[string]string{"16": "46.1"}))
	require.Len(t, updates, 1)

	gu, ok := updates[0].(GammaUpdate)
	require.True(t, ok)
	require.True(t, gu.Sample.Depth.Equal(decimal.NewFromInt(5000)))
	require.True(t, gu.Sample.Value.Equal(decimal.RequireFromString("46.1")))

	// The depth reference rolls forward until replaced.
	updates = n.Apply(record(at, map[string]string{"16": "47.0"}))
	require.Len(t, updates, 1)
	require.True(t, updates[0].(GammaUpdate).Sample.Depth.Equal(decimal.NewFromInt(5000)))
}

func TestNormalize_SurveyTripleAcrossRecords(t *testing.T) {
	t.Parallel()

	n := newNormalizerForTest(t)
	at := time.Now().UTC()

	require.Empty(t, n.Apply(record(at, map[string]string{"17": "1000"})))
	require.Empty(t, n.Apply(record(at, map[string]string{"18": "10"})))
	updates := n.Apply(record(at, map[string]string{"19": "45"}))
	require.Len(t, updates, 1)

	su, ok := updates[0].(SurveyUpdate)
	require.True(t, ok)
	require.Equal(t, 0, su.Point.Index)
	require.True(t, su.Point.DLS.IsZero())

	wantTVD := 1000 * math.Cos(10*math.Pi/180)
	tvd, _ := su.Point.TVD.Float64()
	require.InDelta(t, wantTVD, tvd, 1e-9)
}

func TestNormalize_SurveyTripleInOneRecord(t *testing.T) {
	t.Parallel()

	n := newNormalizerForTest(t)
	at := time.Now().UTC()

	updates := n.Apply(record(at, map[string]string{
		"17": "1000",
		"18": "10",
		"19": "45",
	}))
	require.Len(t, updates, 1)
	require.Equal(t, 0, updates[0].(SurveyUpdate).Point.Index)

	updates = n.Apply(record(at, map[string]string{
		"17": "1100",
		"18": "12",
		"19": "47",
	}))
	require.Len(t, updates, 1)

	pt := updates[0].(SurveyUpdate).Point
	require.Equal(t, 1, pt.Index)
	require.True(t, pt.DLS.IsPositive())
	require.Len(t, n.Stations(), 2)
}

func TestNormalize_PartialTripleDoesNotLeak(t *testing.T) {
	t.Parallel()

	n := newNormalizerForTest(t)
	at := time.Now().UTC()

	// md arrives twice before inc/azi: the second md replaces the first.
	require.Empty(t, n.Apply(record(at, map[string]string{"17": "1000"})))
	require.Empty(t, n.Apply(record(at, map[string]string{"17": "1050"})))
	updates := n.Apply(record(at, map[string]string{"18": "10", "19": "45"}))
	require.Len(t, updates, 1)
	require.True(t, updates[0].(SurveyUpdate).Point.MD.Equal(decimal.NewFromInt(1050)))
}

func TestNormalize_MixedRecord(t *testing.T) {
	t.Parallel()

	n := newNormalizerForTest(t)
	at := time.Now().UTC()

	updates := n.Apply(record(at, map[string]string{
		"1":  "9050.5", // bitDepth
		"8":  "120",    // surfaceRpm
		"99": "1",      // unmapped
	}))
	require.Len(t, updates, 2)

	// Channels resolve in sorted order, so replay is deterministic.
	first := updates[0].(ParameterUpdate)
	second := updates[1].(ParameterUpdate)
	require.Equal(t, "bitDepth", first.Parameter.Name)
	require.Equal(t, "surfaceRpm", second.Parameter.Name)
}
