// Package obsmetrics exposes Prometheus metrics for the fabric, grounded
// on ws/internal/single/monitoring/metrics.go's counter/gauge/histogram
// layout (scraped by Prometheus, same naming convention: "<domain>_<noun>_<unit>").
package obsmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_sends_total",
		Help: "Total number of send() calls, by specialist id and outcome.",
	}, []string{"specialist_id", "outcome"})

	SendLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fabric_send_latency_seconds",
		Help:    "Observed on-wire send() latency (frame write to response) by specialist id.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"specialist_id"})

	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_broadcasts_total",
		Help: "Total number of broadcast() calls.",
	})

	BroadcastTargets = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fabric_broadcast_targets",
		Help:    "Number of specialists addressed per broadcast() call.",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})

	ChannelState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_channel_state",
		Help: "Current SpecialistChannel state (1 = in this state, 0 = not), by specialist id and state.",
	}, []string{"specialist_id", "state"})

	ChannelQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_channel_queue_depth",
		Help: "Current number of Pending requests queued on a channel.",
	}, []string{"specialist_id"})

	QueueFullTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_queue_full_total",
		Help: "Total enqueue() calls rejected with QueueFull, by specialist id.",
	}, []string{"specialist_id"})

	ReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_reconnects_total",
		Help: "Total reconnect attempts by specialist id and result.",
	}, []string{"specialist_id", "result"})
)

func init() {
	prometheus.MustRegister(
		SendsTotal,
		SendLatencySeconds,
		BroadcastsTotal,
		BroadcastTargets,
		ChannelState,
		ChannelQueueDepth,
		QueueFullTotal,
		ReconnectsTotal,
	)
}

// Handler returns the promhttp handler for mounting under /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
