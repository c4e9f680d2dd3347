package tracer

// Config controls how spans are produced and exported.
type Config struct {
	// ServiceName is recorded as the service.name resource attribute.
	//
	// Environment variable: TRACER_SERVICE_NAME
	ServiceName string `koanf:"service_name"`

	// AppEnv is recorded as deployment.environment.
	//
	// Environment variable: TRACER_APP_ENV
	AppEnv string `koanf:"app_env"`

	// EnableExport sends spans to an OTLP/HTTP collector. The endpoint is
	// taken from the standard OTEL_EXPORTER_OTLP_* variables.
	//
	// Environment variable: TRACER_ENABLE_EXPORT
	EnableExport bool `koanf:"enable_export"`
}
