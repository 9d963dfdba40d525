// Package api provides Prometheus metrics for the ChronoMesh node.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the node.
type Metrics struct {
	// Network metrics
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	PeersConnected   prometheus.Gauge
	PeersLost        prometheus.Counter

	// Time sync metrics
	SyncSamplesAccepted prometheus.Counter
	SyncSamplesRejected *prometheus.CounterVec
	SyncOffsetMs        *prometheus.GaugeVec
	SyncDelayMs         prometheus.Histogram

	// Heartbeat metrics
	HeartbeatProbes prometheus.Counter
}

// DefaultMetrics creates metrics with default settings.
var DefaultMetrics = NewMetrics("chronomesh")

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		MessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages sent to peers",
		}),
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received from peers",
		}),
		PeersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Current number of connected peers",
		}),
		PeersLost: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_lost_total",
			Help:      "Total number of peers declared lost",
		}),

		SyncSamplesAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_samples_accepted_total",
			Help:      "Total number of accepted time sync samples",
		}),
		SyncSamplesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_samples_rejected_total",
			Help:      "Total number of rejected time sync samples by reason",
		}, []string{"reason"}),
		SyncOffsetMs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_offset_ms",
			Help:      "Latest measured clock offset per peer in milliseconds",
		}, []string{"peer"}),
		SyncDelayMs: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_delay_ms",
			Help:      "Round-trip delay of accepted sync samples in milliseconds",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		HeartbeatProbes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_probes_total",
			Help:      "Total number of heartbeat probes sent",
		}),
	}
}

// MetricsServer runs an HTTP server exposing /metrics endpoint.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a new metrics server on the given address.
func NewMetricsServer(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server (blocking).
func (s *MetricsServer) Start() error {
	return s.server.ListenAndServe()
}

// StartAsync starts the metrics server in a goroutine.
func (s *MetricsServer) StartAsync() {
	go func() {
		_ = s.server.ListenAndServe()
	}()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
