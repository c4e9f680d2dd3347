package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// PathEnvVar names the environment variable holding an optional YAML file.
	PathEnvVar = "CONFIG_PATH"

	// ServiceNameEnvVar sets the service name of the logger, metrics and
	// tracer sections at once.
	ServiceNameEnvVar = "SERVICE_NAME"
)

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_PATH if set, then environment variables, and validates the result.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(PathEnvVar))
}

// LoadFile is Load with an explicit file path; an empty path skips the file
// layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := applyServiceName(k, os.Getenv(ServiceNameEnvVar)); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the struct tags of every section.
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

var envMappings = map[string]string{
	"rabbit_host":             "rabbit.connection.host",
	"rabbit_port":             "rabbit.connection.port",
	"rabbit_user":             "rabbit.connection.user",
	"rabbit_password":         "rabbit.connection.password",
	"rabbit_vhost":            "rabbit.connection.vhost",
	"rabbit_ssl_enabled":      "rabbit.connection.is_ssl_enabled",
	"rabbit_use_cert":         "rabbit.connection.use_cert",
	"rabbit_ca_cert_path":     "rabbit.connection.ca_cert_path",
	"rabbit_client_cert_path": "rabbit.connection.client_cert_path",
	"rabbit_client_key_path":  "rabbit.connection.client_key_path",
	"rabbit_server_name":      "rabbit.connection.server_name",
	"rabbit_heartbeat":        "rabbit.connection.heartbeat",
	"rabbit_reconnect_delay":  "rabbit.reconnect_delay",

	"worker_max_concurrency": "worker.max_concurrency",
	"worker_work_timeout":    "worker.work_timeout",
	"worker_cleanup_timeout": "worker.cleanup_timeout",

	"logger_level":          "logger.level",
	"logger_enable_tracing": "logger.enable_tracing",

	"metrics_address":                   "metrics.address",
	"metrics_enable_default_collectors": "metrics.enable_default_collectors",
	"metrics_namespace":                 "metrics.namespace",

	"tracer_enable_export": "tracer.enable_export",
	"app_env":              "tracer.app_env",
}

// envTransformFunc maps known environment variables to config paths.
// Unknown variables map to "" and are dropped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

var serviceNamePaths = []string{"logger.service_name", "metrics.service_name", "tracer.service_name"}

func applyServiceName(k *koanf.Koanf, name string) error {
	if name == "" {
		return nil
	}
	for _, path := range serviceNamePaths {
		if err := k.Set(path, name); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
