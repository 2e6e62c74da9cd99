package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ChannelsEstablished prometheus.Counter
	ChannelsRemoved     prometheus.Counter
	ActiveChannels      prometheus.Gauge
	MessagesReceived    prometheus.Counter
	MessagesSent        prometheus.Counter
	SyncRequestsSent    prometheus.Counter
	SyncResponsesSent   prometheus.Counter
	DocsImported        prometheus.Counter
	ImportDuration      prometheus.Histogram
	RuleRejections      prometheus.Counter
	MiddlewareRejections prometheus.Counter
	FragmentTimeouts    prometheus.Counter
	EphemeralRelayed    prometheus.Counter
	EphemeralPeersEvicted prometheus.Counter
	ErrorCount          prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ChannelsEstablished: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncbase_channels_established_total",
			Help: "Total number of channels that completed the establish handshake",
		}),
		ChannelsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncbase_channels_removed_total",
			Help: "Total number of channels torn down",
		}),
		ActiveChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "syncbase_active_channels",
			Help: "Number of currently attached channels",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncbase_messages_received_total",
			Help: "Total channel messages delivered into the synchronizer",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncbase_messages_sent_total",
			Help: "Total channel messages handed to adapters",
		}),
		SyncRequestsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncbase_sync_requests_sent_total",
			Help: "Total sync-requests sent to peers",
		}),
		SyncResponsesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncbase_sync_responses_sent_total",
			Help: "Total sync-responses sent to peers",
		}),
		DocsImported: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncbase_docs_imported_total",
			Help: "Total inbound snapshot/update payloads imported",
		}),
		ImportDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncbase_import_duration_seconds",
			Help:    "Time taken to import one inbound payload",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		RuleRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncbase_rule_rejections_total",
			Help: "Total sync-requests answered unavailable by rule denial or missing doc",
		}),
		MiddlewareRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncbase_middleware_rejections_total",
			Help: "Total inbound messages dropped by the middleware chain",
		}),
		FragmentTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncbase_fragment_timeouts_total",
			Help: "Total fragmented messages discarded before completion",
		}),
		EphemeralRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncbase_ephemeral_relayed_total",
			Help: "Total ephemeral messages relayed to other channels",
		}),
		EphemeralPeersEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncbase_ephemeral_peers_evicted_total",
			Help: "Total (doc, namespace) presence sets that lost stale peer entries on heartbeat",
		}),
		ErrorCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "syncbase_errors_total",
			Help: "Total number of errors",
		}),
	}
}
