// Package metrics exposes Prometheus instrumentation for topology connections.
//
// All recording methods accept a nil receiver so callers can leave metrics
// unconfigured without guarding every call site.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "mmate_topology"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	// Object kinds for setup failures
	KindExchange = "exchange"
	KindQueue    = "queue"
	KindBinding  = "binding"
	KindConsumer = "consumer"

	// Delivery outcomes
	OutcomeAcked    = "acked"
	OutcomeRejected = "rejected"
	OutcomeUnacked  = "unacked"
)

type Metrics struct {
	// Connection lifecycle
	connectAttempts *prometheus.CounterVec // by status
	connected       prometheus.Gauge
	rebuilds        *prometheus.CounterVec // by status
	rebuildDuration prometheus.Histogram

	// Topology state
	setupFailures *prometheus.CounterVec // by kind
	declared      *prometheus.GaugeVec   // by kind

	// Message flow
	published      *prometheus.CounterVec // by exchange, status
	publishRetries prometheus.Counter
	deliveries     *prometheus.CounterVec // by queue, outcome
	consumers      prometheus.Gauge
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connect_attempts_total",
			Help:      "Transport connect attempts by status",
		}, []string{"status"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "connected",
			Help:      "1 while a transport session is open",
		}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rebuilds_total",
			Help:      "Topology rebuilds after connection loss by status",
		}, []string{"status"}),
		rebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "rebuild_duration_seconds",
			Help:      "Time from connection loss to completed topology rebuild",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		setupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "setup_failures_total",
			Help:      "Failed exchange, queue, binding and consumer setups",
		}, []string{"kind"}),
		declared: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "declared_objects",
			Help:      "Registered topology objects by kind",
		}, []string{"kind"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_published_total",
			Help:      "Published messages by exchange and status",
		}, []string{"exchange", "status"}),
		publishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "publish_retries_total",
			Help:      "Publishes retried after a topology rebuild",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "deliveries_total",
			Help:      "Consumed deliveries by queue and outcome",
		}, []string{"queue", "outcome"}),
		consumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_consumers",
			Help:      "Consumers currently started",
		}),
	}

	err := errors.Join(
		reg.Register(m.connectAttempts),
		reg.Register(m.connected),
		reg.Register(m.rebuilds),
		reg.Register(m.rebuildDuration),
		reg.Register(m.setupFailures),
		reg.Register(m.declared),
		reg.Register(m.published),
		reg.Register(m.publishRetries),
		reg.Register(m.deliveries),
		reg.Register(m.consumers),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// RecordConnectAttempt counts one dial attempt
func (m *Metrics) RecordConnectAttempt(err error) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(status(err)).Inc()
}

// SetConnected flips the connected gauge
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

// RecordRebuild counts a finished rebuild and observes its duration in seconds
func (m *Metrics) RecordRebuild(err error, seconds float64) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(status(err)).Inc()
	m.rebuildDuration.Observe(seconds)
}

// IncSetupFailure counts a failed setup for the given object kind
func (m *Metrics) IncSetupFailure(kind string) {
	if m == nil {
		return
	}
	m.setupFailures.WithLabelValues(kind).Inc()
}

// SetDeclared records how many objects of kind are registered
func (m *Metrics) SetDeclared(kind string, n int) {
	if m == nil {
		return
	}
	m.declared.WithLabelValues(kind).Set(float64(n))
}

// RecordPublish counts one publish to exchange. The default exchange is
// reported as "(default)".
func (m *Metrics) RecordPublish(exchange string, err error) {
	if m == nil {
		return
	}
	if exchange == "" {
		exchange = "(default)"
	}
	m.published.WithLabelValues(exchange, status(err)).Inc()
}

// IncPublishRetry counts a publish retried after rebuild
func (m *Metrics) IncPublishRetry() {
	if m == nil {
		return
	}
	m.publishRetries.Inc()
}

// RecordDelivery counts one delivery handled on queue
func (m *Metrics) RecordDelivery(queue, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, outcome).Inc()
}

// IncConsumers tracks a started consumer
func (m *Metrics) IncConsumers() {
	if m == nil {
		return
	}
	m.consumers.Inc()
}

// DecConsumers tracks a stopped consumer
func (m *Metrics) DecConsumers() {
	if m == nil {
		return
	}
	m.consumers.Dec()
}
