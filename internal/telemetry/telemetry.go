// Package telemetry wires up structured logging and Prometheus metrics
// shared by all three binaries (C14, ambient).
package telemetry

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Logger returns a tint-formatted logger writing to stderr, at debug
// level when verbose is set and info level otherwise.
func Logger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
	}))
}

// Metrics bundles the counters and histograms the stream state machines
// and the NDP proxy increment as they run.
type Metrics struct {
	registry *prometheus.Registry

	PacketsSentTotal       prometheus.Counter
	PacketsReceivedTotal   prometheus.Counter
	PacketsDroppedTotal    *prometheus.CounterVec
	RetransmitsTotal       prometheus.Counter
	HandshakeDuration      prometheus.Histogram
	WindowBytesInflight    prometheus.Gauge
	AdvertisementsSent     prometheus.Counter
	SolicitationsRejected  *prometheus.CounterVec
}

// NewMetrics constructs a fresh Metrics bundle over its own registry, so
// multiple instances (e.g. in tests) never collide on global registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PacketsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ping6_packets_sent_total",
			Help: "Total stream packets sent on the wire.",
		}),
		PacketsReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ping6_packets_received_total",
			Help: "Total stream packets accepted after validation.",
		}),
		PacketsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ping6_packets_dropped_total",
			Help: "Total stream packets silently dropped, by reason.",
		}, []string{"reason"}),
		RetransmitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ping6_retransmits_total",
			Help: "Total packet retransmissions issued.",
		}),
		HandshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ping6_handshake_duration_seconds",
			Help:    "Time to complete the connection handshake.",
			Buckets: prometheus.DefBuckets,
		}),
		WindowBytesInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ping6_window_bytes_inflight",
			Help: "Bytes currently outstanding, awaiting acknowledgement.",
		}),
		AdvertisementsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ndp6proxy_advertisements_sent_total",
			Help: "Total Neighbor Advertisements sent by the proxy.",
		}),
		SolicitationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndp6proxy_solicitations_rejected_total",
			Help: "Total Neighbor Solicitations rejected, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.PacketsSentTotal,
		m.PacketsReceivedTotal,
		m.PacketsDroppedTotal,
		m.RetransmitsTotal,
		m.HandshakeDuration,
		m.WindowBytesInflight,
		m.AdvertisementsSent,
		m.SolicitationsRejected,
	)
	return m
}

// Handler returns an HTTP handler serving this bundle's metrics in the
// Prometheus exposition format, for wiring to --metrics-addr.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
