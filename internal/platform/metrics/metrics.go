// Package metrics registers the Prometheus metrics the operational
// surface exposes. DLQ depth, circuit states, and integrity results are
// continuously visible so failures don't wait for an audit to surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chronicle/pkg/platform/circuit"
)

// Metrics holds all Prometheus metrics for the bus and ledger.
type Metrics struct {
	PublishesTotal    prometheus.Counter
	PublishFailures   prometheus.Counter
	DeliveriesTotal   *prometheus.CounterVec
	DeliveryFailures  *prometheus.CounterVec
	DeliveryRetries   *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	CircuitState      *prometheus.GaugeVec
	DeadLettersTotal  *prometheus.CounterVec
	DLQDepth          prometheus.Gauge
	AuditAppendsTotal prometheus.Counter
	AuditAppendErrors prometheus.Counter
	ExportBatches     prometheus.Counter
	ExportedRecords   prometheus.Counter
	IntegrityValid    prometheus.Gauge
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on reg. Tests pass a private registry
// so parallel suites don't collide on duplicate registration.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PublishesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_publishes_total",
			Help: "Total events accepted by Publish.",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_publish_failures_total",
			Help: "Total publishes rejected or failed before broadcast.",
		}),
		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_deliveries_total",
			Help: "Total successful deliveries per subscriber.",
		}, []string{"subscriber"}),
		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_delivery_failures_total",
			Help: "Total failed delivery attempts per subscriber.",
		}, []string{"subscriber"}),
		DeliveryRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_delivery_retries_total",
			Help: "Total delivery retries per subscriber.",
		}, []string{"subscriber"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chronicle_subscriber_queue_depth",
			Help: "Pending deliveries per subscriber queue.",
		}, []string{"subscriber"}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chronicle_circuit_state",
			Help: "Circuit state per subscriber: 0 closed, 1 half-open, 2 open.",
		}, []string{"subscriber"}),
		DeadLettersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_dead_letters_total",
			Help: "Dead-lettered deliveries per subscriber and reason.",
		}, []string{"subscriber", "reason"}),
		DLQDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chronicle_dlq_depth",
			Help: "Current number of dead-letter entries.",
		}),
		AuditAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_audit_appends_total",
			Help: "Total audit ledger entries written.",
		}),
		AuditAppendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_audit_append_errors_total",
			Help: "Total failed ledger appends; each one failed its triggering publish.",
		}),
		ExportBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_export_batches_total",
			Help: "Total exported compliance batches.",
		}),
		ExportedRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_exported_records_total",
			Help: "Total exported audit records.",
		}),
		IntegrityValid: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chronicle_integrity_last_check_valid",
			Help: "1 when the last integrity verification found no violations.",
		}),
	}
}

// SetCircuitState records a breaker state change for the subscriber.
func (m *Metrics) SetCircuitState(subscriber string, state circuit.State) {
	var v float64
	switch state {
	case circuit.StateHalfOpen:
		v = 1
	case circuit.StateOpen:
		v = 2
	}
	m.CircuitState.WithLabelValues(subscriber).Set(v)
}
