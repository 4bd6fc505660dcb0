package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rigfeed_build_info",
		Help: "Build information of the rigfeed service.",
	}, []string{"version", "commit", "date"})

	SourceRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rigfeed_source_records_total", Help: "Raw telemetry records received, by source mode.",
	}, []string{"mode"})
	SourceParseErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rigfeed_source_parse_errors_total", Help: "Malformed records dropped, by source mode.",
	}, []string{"mode"})
	SourceReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rigfeed_source_reconnects_total", Help: "Reconnect attempts against the rig feed.",
	}, []string{"mode"})
	SourceConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rigfeed_source_connected", Help: "Whether the source adapter is currently connected.",
	})

	UnmappedChannels = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rigfeed_normalize_unmapped_channels_total", Help: "Channel readings ignored for lack of a mapping.",
	})

	SessionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rigfeed_hub_sessions", Help: "Dashboard sessions currently registered.",
	})
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rigfeed_hub_broadcasts_total", Help: "Messages broadcast to sessions, by message type.",
	}, []string{"type"})
	SlowConsumerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rigfeed_hub_slow_consumer_drops_total", Help: "Sessions force-closed for an overfull outbound queue.",
	})
	InboundRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rigfeed_hub_inbound_rejected_total", Help: "Inbound session messages dropped as unknown or malformed.",
	})
)
