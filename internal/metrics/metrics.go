// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package metrics exposes Prometheus collectors for the sync gateway:
// push/pull/flush throughput, buffer occupancy, WebSocket fan-out, and
// the HTTP pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync operation counters, labeled by terminal status.
	PushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lakesync_push_total",
			Help: "Total number of push operations",
		},
		[]string{"status"}, // "ok", "error"
	)

	PullTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lakesync_pull_total",
			Help: "Total number of pull operations",
		},
		[]string{"status"},
	)

	FlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lakesync_flush_total",
			Help: "Total number of buffer flush attempts",
		},
		[]string{"status"}, // "ok", "error", "skipped"
	)

	PushLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lakesync_push_duration_seconds",
			Help:    "Push handling duration in seconds",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lakesync_flush_duration_seconds",
			Help:    "Buffer flush duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// Buffer occupancy gauges, updated after every mutation.
	BufferBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lakesync_buffer_bytes",
			Help: "Current byte size of the in-memory delta buffer",
		},
	)

	BufferDeltas = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lakesync_buffer_deltas",
			Help: "Current number of deltas in the in-memory buffer",
		},
	)

	DuplicateDeltas = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lakesync_duplicate_deltas_total",
			Help: "Deltas skipped because their deltaId was already buffered",
		},
	)

	// WebSocket fan-out.
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lakesync_websocket_connections",
			Help: "Current number of WebSocket connections",
		},
	)

	WSBroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lakesync_websocket_broadcast_drops_total",
			Help: "Broadcast frames dropped due to slow or dead connections",
		},
	)

	WSRateLimitCloses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lakesync_websocket_rate_limit_closes_total",
			Help: "Connections closed for exceeding the per-connection message rate",
		},
	)

	// HTTP pipeline.
	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lakesync_http_active_requests",
			Help: "Current number of in-flight HTTP requests",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lakesync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// Source pollers.
	PollerRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lakesync_poller_rows_total",
			Help: "Rows fetched by source pollers",
		},
		[]string{"connector"},
	)

	PollerDeltas = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lakesync_poller_deltas_total",
			Help: "Deltas produced by source pollers",
		},
		[]string{"connector"},
	)

	// Cluster coordination.
	SharedWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lakesync_shared_write_errors_total",
			Help: "Write-through failures against the shared table adapter",
		},
	)

	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lakesync_lock_acquire_total",
			Help: "Distributed lock acquisition attempts",
		},
		[]string{"result"}, // "acquired", "contended", "error"
	)
)

// RecordPush records one push outcome and its latency in seconds.
func RecordPush(ok bool, seconds float64) {
	PushTotal.WithLabelValues(statusLabel(ok)).Inc()
	PushLatency.Observe(seconds)
}

// RecordPull records one pull outcome.
func RecordPull(ok bool) {
	PullTotal.WithLabelValues(statusLabel(ok)).Inc()
}

// RecordFlush records one flush outcome and its duration in seconds.
func RecordFlush(ok bool, seconds float64) {
	FlushTotal.WithLabelValues(statusLabel(ok)).Inc()
	FlushDuration.Observe(seconds)
}

// RecordFlushSkipped records a flush skipped because another instance holds
// the flush lock.
func RecordFlushSkipped() {
	FlushTotal.WithLabelValues("skipped").Inc()
}

// UpdateBuffer updates the buffer occupancy gauges.
func UpdateBuffer(bytes int64, deltas int) {
	BufferBytes.Set(float64(bytes))
	BufferDeltas.Set(float64(deltas))
}

func statusLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
