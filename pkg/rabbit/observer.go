package rabbit

import (
	"time"

	"github.com/nutriplan/mqkit/pkg/observability"
)

const component = "rabbit"

// observeOperation notifies the observer about an operation if one is configured.
func observeOperation(obs observability.Observer, operation, resource, subResource string, start time.Time, err error, size int64) {
	if obs == nil {
		return
	}
	obs.ObserveOperation(observability.OperationContext{
		Component:   component,
		Operation:   operation,
		Resource:    resource,
		SubResource: subResource,
		Duration:    time.Since(start),
		Error:       err,
		Size:        size,
	})
}
