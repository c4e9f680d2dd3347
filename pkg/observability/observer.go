// Package observability defines the contract between instrumented components
// and whatever backend records their operations (metrics, audit logs, tests).
//
// Components such as rabbit report every broker operation through an Observer
// without depending on Prometheus directly:
//
//	type recorder struct{}
//
//	func (recorder) ObserveOperation(op observability.OperationContext) {
//		fmt.Println(op.Component, op.Operation, op.Resource, op.Error)
//	}
package observability

import "time"

// OperationContext describes a single finished operation.
type OperationContext struct {
	// Component is the reporting package, e.g. "rabbit".
	Component string

	// Operation is the verb, e.g. "declare", "publish", "ack", "reject".
	Operation string

	// Resource is the primary target (exchange or queue name).
	Resource string

	// SubResource narrows the target (routing key, dead-letter queue).
	SubResource string

	// Duration is how long the operation took.
	Duration time.Duration

	// Error is the failure, nil on success.
	Error error

	// Size is the payload size in bytes when it applies.
	Size int64

	// Metadata carries component specific labels.
	Metadata map[string]string
}

// Observer receives operation notifications. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	ObserveOperation(ctx OperationContext)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(ctx OperationContext)

// ObserveOperation calls f(ctx).
func (f ObserverFunc) ObserveOperation(ctx OperationContext) {
	f(ctx)
}
