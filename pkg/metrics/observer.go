package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nutriplan/mqkit/pkg/observability"
)

// Observer turns observability.OperationContext notifications into
// Prometheus series:
//
//	mq_operations_total{component, operation, resource, status}
//	mq_operation_duration_seconds{component, operation}
//	mq_payload_bytes{component, operation}
type Observer struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	payload    *prometheus.HistogramVec
}

var _ observability.Observer = (*Observer)(nil)

// NewObserver registers the operation series on m.
func NewObserver(m *Metrics) *Observer {
	return &Observer{
		operations: m.CreateCounter("mq_operations_total",
			"Broker operations by outcome", []string{"component", "operation", "resource", "status"}),
		duration: m.CreateHistogram("mq_operation_duration_seconds",
			"Duration of broker operations in seconds", []string{"component", "operation"}, prometheus.DefBuckets),
		payload: m.CreateHistogram("mq_payload_bytes",
			"Size of published and consumed payloads", []string{"component", "operation"},
			prometheus.ExponentialBuckets(64, 4, 8)),
	}
}

// ObserveOperation implements observability.Observer.
func (o *Observer) ObserveOperation(op observability.OperationContext) {
	status := "success"
	if op.Error != nil {
		status = "error"
	}
	o.operations.WithLabelValues(op.Component, op.Operation, op.Resource, status).Inc()
	o.duration.WithLabelValues(op.Component, op.Operation).Observe(op.Duration.Seconds())
	if op.Size > 0 {
		o.payload.WithLabelValues(op.Component, op.Operation).Observe(float64(op.Size))
	}
}
