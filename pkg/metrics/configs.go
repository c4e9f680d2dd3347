package metrics

// Default port for metrics server if none is specified.
const DefaultMetricsAddress = ":9090"

// Config defines the configuration structure for the Prometheus metrics server.
// It contains settings that control how metrics are exposed and collected.
type Config struct {
	// Address determines the network address where the Prometheus
	// metrics HTTP server listens.
	//
	// Example values:
	//   - ":9090"   → Listen on all interfaces, port 9090
	//   - "127.0.0.1:9100" → Listen only on localhost, port 9100
	//
	// Environment variable: METRICS_ADDRESS
	//
	// Default: ":9090"
	Address string `koanf:"address"`

	// EnableDefaultCollectors controls whether the built-in Go runtime
	// and process metrics are automatically registered.
	//
	// Environment variable: METRICS_ENABLE_DEFAULT_COLLECTORS
	//
	// Default: true
	EnableDefaultCollectors bool `koanf:"enable_default_collectors"`

	// Namespace sets a global prefix for all metrics registered by this service.
	//
	// Example:
	//   Namespace: "nutriplan"
	//   → Metric name becomes "nutriplan_mq_operations_total"
	//
	// Environment variable: METRICS_NAMESPACE
	Namespace string `koanf:"namespace"`

	// ServiceName identifies the service exposing metrics and is attached as
	// the constant "service" label.
	//
	// Environment variable: METRICS_SERVICE_NAME
	ServiceName string `koanf:"service_name"`
}
