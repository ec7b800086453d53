// Package metric provides the Prometheus metrics registry shared by
// FleetStream components. Core pipeline metrics live here; components
// register their own metrics through the MetricsRegistry.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not vendor-specific)
type Metrics struct {
	// Pipeline metrics
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	DecodeErrors       *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	QueueDepth         prometheus.Gauge

	// Session and connection metrics
	SessionsActive    prometheus.Gauge
	ConnectionsActive prometheus.Gauge
	SessionsEvicted   prometheus.Counter

	// Transport metrics
	BrokerConnected  prometheus.Gauge
	BrokerReconnects prometheus.Counter
	CommandsSent     *prometheus.CounterVec
	EncodeErrors     *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total device messages received from transports",
			},
			[]string{"vendor", "transport"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total device messages processed by vendor handlers",
			},
			[]string{"vendor", "status"},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "messages",
				Name:      "dropped_total",
				Help:      "Messages dropped on unrecoverable processing errors",
			},
			[]string{"vendor", "reason"},
		),

		DecodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "codec",
				Name:      "decode_errors_total",
				Help:      "Payloads the vendor codec failed to decode",
			},
			[]string{"vendor", "transport"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fleetstream",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Message processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"vendor"},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetstream",
				Subsystem: "ingest",
				Name:      "queue_depth",
				Help:      "Current ingestion queue depth",
			},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetstream",
				Subsystem: "sessions",
				Name:      "active",
				Help:      "Device sessions currently tracked",
			},
		),

		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetstream",
				Subsystem: "connections",
				Name:      "active",
				Help:      "Device connections currently marked connected",
			},
		),

		SessionsEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "sessions",
				Name:      "evicted_total",
				Help:      "Sessions removed by the timeout sweeper",
			},
		),

		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fleetstream",
				Subsystem: "transport",
				Name:      "broker_connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
		),

		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "transport",
				Name:      "broker_reconnects_total",
				Help:      "Total broker reconnections",
			},
		),

		CommandsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "commands",
				Name:      "sent_total",
				Help:      "Outbound device commands published",
			},
			[]string{"vendor"},
		),

		EncodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetstream",
				Subsystem: "codec",
				Name:      "encode_errors_total",
				Help:      "Commands the vendor codec failed to encode",
			},
			[]string{"vendor"},
		),
	}
}

// RecordMessageReceived increments the received message counter
func (c *Metrics) RecordMessageReceived(vendor, transport string) {
	c.MessagesReceived.WithLabelValues(vendor, transport).Inc()
}

// RecordMessageProcessed increments the processed message counter
func (c *Metrics) RecordMessageProcessed(vendor, status string) {
	c.MessagesProcessed.WithLabelValues(vendor, status).Inc()
}

// RecordMessageDropped increments the dropped message counter
func (c *Metrics) RecordMessageDropped(vendor, reason string) {
	c.MessagesDropped.WithLabelValues(vendor, reason).Inc()
}

// RecordDecodeError increments the decode error counter
func (c *Metrics) RecordDecodeError(vendor, transport string) {
	c.DecodeErrors.WithLabelValues(vendor, transport).Inc()
}

// RecordProcessingDuration records handler processing time
func (c *Metrics) RecordProcessingDuration(vendor string, duration time.Duration) {
	c.ProcessingDuration.WithLabelValues(vendor).Observe(duration.Seconds())
}

// RecordQueueDepth updates the ingestion queue depth gauge
func (c *Metrics) RecordQueueDepth(depth int) {
	c.QueueDepth.Set(float64(depth))
}

// RecordSessionCount updates the active session gauge
func (c *Metrics) RecordSessionCount(count int) {
	c.SessionsActive.Set(float64(count))
}

// RecordConnectionCount updates the active connection gauge
func (c *Metrics) RecordConnectionCount(count int) {
	c.ConnectionsActive.Set(float64(count))
}

// RecordSessionsEvicted adds to the eviction counter
func (c *Metrics) RecordSessionsEvicted(count int) {
	c.SessionsEvicted.Add(float64(count))
}

// RecordBrokerStatus updates the broker connection gauge
func (c *Metrics) RecordBrokerStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.BrokerConnected.Set(value)
}

// RecordBrokerReconnect increments the reconnection counter
func (c *Metrics) RecordBrokerReconnect() {
	c.BrokerReconnects.Inc()
}

// RecordCommandSent increments the outbound command counter
func (c *Metrics) RecordCommandSent(vendor string) {
	c.CommandsSent.WithLabelValues(vendor).Inc()
}

// RecordEncodeError increments the encode error counter
func (c *Metrics) RecordEncodeError(vendor string) {
	c.EncodeErrors.WithLabelValues(vendor).Inc()
}
