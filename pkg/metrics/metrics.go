// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// MessagesSentTotal tracks messages published to the relay.
	MessagesSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Total messages published to the relay",
		},
	)

	// MessagesReceivedTotal tracks inbound messages from the live feed.
	MessagesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_received_total",
			Help: "Total inbound messages delivered by the live feed",
		},
	)

	// DuplicateDeliveriesTotal tracks live deliveries rejected by the
	// reconciler as already present.
	DuplicateDeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duplicate_deliveries_total",
			Help: "Live deliveries suppressed as duplicates",
		},
	)

	// TempPromotionsTotal tracks optimistic placeholders retired by a
	// confirmed copy, labeled by how the match was made.
	TempPromotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "temp_promotions_total",
			Help: "Optimistic placeholders retired by a confirmed message",
		},
		[]string{"mode"},
	)

	// MessagesReconciledTotal tracks messages accepted into a store,
	// labeled by delivery source.
	MessagesReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_reconciled_total",
			Help: "Messages accepted into a conversation store",
		},
		[]string{"source"},
	)

	// CacheWriteFailuresTotal tracks failed conversation summary writes.
	CacheWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_write_failures_total",
			Help: "Conversation summary writes that failed",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// RelayStreamMessages tracks messages in the relay stream.
	RelayStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_stream_messages",
			Help: "Number of messages in the relay stream",
		},
		[]string{"stream"},
	)

	// RelayStreamBytes tracks bytes in the relay stream.
	RelayStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_stream_bytes",
			Help: "Bytes in the relay stream",
		},
		[]string{"stream"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}

// RecordStreamInfo updates the relay stream gauges.
func RecordStreamInfo(stream string, messages, bytes uint64) {
	RelayStreamMessages.WithLabelValues(stream).Set(float64(messages))
	RelayStreamBytes.WithLabelValues(stream).Set(float64(bytes))
}
