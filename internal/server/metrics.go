// Package server exposes Prometheus metrics for the presence service.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the presence service.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	ObserversActive    prometheus.Gauge
	FramesTotal        *prometheus.CounterVec
	PublishesTotal     prometheus.Counter
	FeedsDropped       prometheus.Counter
	StoreWriteFailures prometheus.Counter
}

// metrics is the process-wide instance; promauto registers each collector
// with the default registry exactly once.
var metrics = newMetrics()

func newMetrics() *Metrics {
	return &Metrics{
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "presencehub_sessions_active",
			Help: "Number of currently open client sessions",
		}),
		ObserversActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "presencehub_observers_active",
			Help: "Number of currently subscribed observer feeds",
		}),
		FramesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "presencehub_frames_total",
			Help: "Inbound frames processed, by command",
		}, []string{"command"}),
		PublishesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_publishes_total",
			Help: "Snapshot publishes fanned out to observers",
		}),
		FeedsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_feeds_dropped_total",
			Help: "Observer feeds dropped because their delivery buffer was full",
		}),
		StoreWriteFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_store_write_failures_total",
			Help: "Failed attempts to persist the identity registry",
		}),
	}
}
