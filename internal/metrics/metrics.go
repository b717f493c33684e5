// Package metrics registers the prometheus collectors for live traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lexreport",
		Name:      "live_connections",
		Help:      "Open realtime websocket connections.",
	})

	JoinedTopics = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lexreport",
		Name:      "joined_topics",
		Help:      "Topic memberships held by websocket connections, by topic kind.",
	}, []string{"kind"})

	Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexreport",
		Name:      "frames_total",
		Help:      "Frames received on the realtime endpoint, by type and outcome.",
	}, []string{"type", "status"})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lexreport",
		Name:      "broadcasts_rate_limited_total",
		Help:      "Broadcasts rejected by the per-connection limiter.",
	})

	SyncDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexreport",
		Name:      "sync_events_dropped_total",
		Help:      "Inbound sync events dropped as malformed, by reason.",
	}, []string{"reason"})

	SectionWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lexreport",
		Name:      "section_writes_total",
		Help:      "Section content writes, by outcome.",
	}, []string{"status"})

	RelayedChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lexreport",
		Name:      "relayed_changes_total",
		Help:      "Persisted section changes relayed onto sync topics.",
	})
)

func init() {
	prometheus.MustRegister(
		LiveConnections,
		JoinedTopics,
		Frames,
		RateLimited,
		SyncDropped,
		SectionWrites,
		RelayedChanges,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
