// Package metrics provides Prometheus instrumentation for the crash
// game server: round throughput, wager volume, price-oracle fetch
// latency, and hub connection counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RoundsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashgame_rounds_started_total",
		Help: "Total number of rounds started (entered the betting state)",
	})

	RoundsCrashed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashgame_rounds_crashed_total",
		Help: "Total number of rounds that reached the crashed state",
	})

	WagersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashgame_wagers_placed_total",
		Help: "Total wagers placed, partitioned by asset",
	}, []string{"asset"})

	WagerVolumeFiat = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashgame_wager_volume_fiat_total",
		Help: "Cumulative wager stake in fiat units, partitioned by asset",
	}, []string{"asset"})

	CashoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashgame_cashouts_total",
		Help: "Total successful cashouts, partitioned by asset and auto/manual",
	}, []string{"asset", "trigger"})

	OracleFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashgame_oracle_fetches_total",
		Help: "Upstream price fetch attempts, partitioned by outcome",
	}, []string{"outcome"})

	OracleFetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crashgame_oracle_fetch_latency_seconds",
		Help:    "Upstream price fetch latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crashgame_hub_connections",
		Help: "Number of currently registered websocket observers",
	})

	HubDroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashgame_hub_dropped_messages_total",
		Help: "Outbound messages dropped because the hub's publish queue or an observer's queue was full",
	})
)

// Handler returns the Prometheus metrics HTTP handler for mounting
// behind an adaptor on the Fiber app's /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}
