package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sender and receiver.
type Metrics struct {
	TransfersTotal        *prometheus.CounterVec
	TransfersActive       prometheus.Gauge
	TransferDuration      prometheus.Histogram
	BytesTransferredTotal *prometheus.CounterVec
	ChunksSentTotal       prometheus.Counter
	ChunksReceivedTotal   prometheus.Counter
	ChunksRetransmitted   *prometheus.CounterVec

	BusConnectionsTotal *prometheus.CounterVec
	BusConnected        prometheus.Gauge
	BusPublishDuration  prometheus.Histogram

	IntegrityFailuresTotal *prometheus.CounterVec

	TransferIndexOperationsTotal *prometheus.CounterVec
	DiskSpaceUsedBytes           prometheus.Gauge

	activeTransfers int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orca_transfers_total",
				Help: "Total transfers initiated",
			},
			[]string{"status"},
		),
		TransfersActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orca_transfers_active",
				Help: "Currently active transfers",
			},
		),
		TransferDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orca_transfer_duration_seconds",
				Help:    "Transfer completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			},
		),
		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orca_bytes_transferred_total",
				Help: "Total bytes transferred",
			},
			[]string{"direction"},
		),
		ChunksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orca_chunks_sent_total",
				Help: "Total chunks sent",
			},
		),
		ChunksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "orca_chunks_received_total",
				Help: "Total chunks received",
			},
		),
		ChunksRetransmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orca_chunks_retransmitted_total",
				Help: "Chunks requiring retransmission",
			},
			[]string{"reason"},
		),
		BusConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orca_bus_connections_total",
				Help: "Bus connection attempts",
			},
			[]string{"result"},
		),
		BusConnected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orca_bus_connected",
				Help: "Whether the bus connection is currently established (0/1)",
			},
		),
		BusPublishDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orca_bus_publish_duration_seconds",
				Help:    "Bus publish call latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),
		IntegrityFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orca_integrity_failures_total",
				Help: "Chunk and whole-file digest mismatches",
			},
			[]string{"scope"},
		),
		TransferIndexOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orca_transfer_index_operations_total",
				Help: "Secondary transfer-catalog database operation count",
			},
			[]string{"operation", "result"},
		),
		DiskSpaceUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orca_disk_space_used_bytes",
				Help: "Disk space used by received files",
			},
		),
	}
}

// RecordTransferStart increments active transfer counters.
func (m *Metrics) RecordTransferStart() {
	atomic.AddInt64(&m.activeTransfers, 1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))
}

// RecordTransferComplete records transfer completion metrics.
func (m *Metrics) RecordTransferComplete(success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeTransfers, -1)
	m.TransfersActive.Set(float64(atomic.LoadInt64(&m.activeTransfers)))

	status := "success"
	if !success {
		status = "failure"
	}
	m.TransfersTotal.WithLabelValues(status).Inc()
	m.TransferDuration.Observe(durationSeconds)
}

// RecordChunkSent updates metrics for a sent chunk.
func (m *Metrics) RecordChunkSent(bytes int) {
	m.ChunksSentTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordChunkReceived updates metrics for a received chunk.
func (m *Metrics) RecordChunkReceived(bytes int) {
	m.ChunksReceivedTotal.Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordChunkRetransmit increments retransmit counters.
func (m *Metrics) RecordChunkRetransmit(reason string) {
	m.ChunksRetransmitted.WithLabelValues(reason).Inc()
}

// RecordBusConnection logs bus connection attempts.
func (m *Metrics) RecordBusConnection(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.BusConnectionsTotal.WithLabelValues(result).Inc()
	if success {
		m.BusConnected.Set(1)
	}
}

// RecordBusDisconnect marks the bus connection as down.
func (m *Metrics) RecordBusDisconnect() {
	m.BusConnected.Set(0)
}

// RecordIntegrityFailure increments the integrity-failure counter for a
// given scope ("chunk" or "whole_file").
func (m *Metrics) RecordIntegrityFailure(scope string) {
	m.IntegrityFailuresTotal.WithLabelValues(scope).Inc()
}

// RecordTransferIndexOperation records a secondary-catalog database call.
func (m *Metrics) RecordTransferIndexOperation(operation string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.TransferIndexOperationsTotal.WithLabelValues(operation, result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
