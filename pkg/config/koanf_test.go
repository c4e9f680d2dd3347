package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/nutriplan/mqkit/pkg/rabbit"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Rabbit.Connection.Host)
	assert.Equal(t, uint(5672), cfg.Rabbit.Connection.Port)
	assert.Equal(t, rabbit.DefaultReconnectDelay, cfg.Rabbit.ReconnectDelay)
	assert.Equal(t, rabbit.DefaultWorkTimeout, cfg.Worker.WorkTimeout)
	assert.Equal(t, rabbit.DefaultCleanupTimeout, cfg.Worker.CleanupTimeout)
	assert.Zero(t, cfg.Worker.MaxConcurrency)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeYAML(t, `
rabbit:
  connection:
    host: rabbit.internal
    port: 5671
    is_ssl_enabled: true
worker:
  max_concurrency: 6
  work_timeout: 45s
logger:
  level: debug
`)
	t.Setenv("RABBIT_HOST", "rabbit.prod")
	t.Setenv("WORKER_CLEANUP_TIMEOUT", "2s")
	t.Setenv("SERVICE_NAME", "receipt-scraper")
	t.Setenv("UNRELATED_VARIABLE", "ignored")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "rabbit.prod", cfg.Rabbit.Connection.Host, "env beats file")
	assert.Equal(t, uint(5671), cfg.Rabbit.Connection.Port, "file beats defaults")
	assert.True(t, cfg.Rabbit.Connection.IsSSLEnabled)
	assert.Equal(t, "guest", cfg.Rabbit.Connection.User, "defaults survive")
	assert.Equal(t, int64(6), cfg.Worker.MaxConcurrency)
	assert.Equal(t, 45*time.Second, cfg.Worker.WorkTimeout)
	assert.Equal(t, 2*time.Second, cfg.Worker.CleanupTimeout)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "receipt-scraper", cfg.Logger.ServiceName)
	assert.Equal(t, "receipt-scraper", cfg.Metrics.ServiceName)
	assert.Equal(t, "receipt-scraper", cfg.Tracer.ServiceName)
}

func TestLoadUsesConfigPath(t *testing.T) {
	t.Setenv(PathEnvVar, writeYAML(t, "rabbit:\n  connection:\n    vhost: scrapers\n"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "scrapers", cfg.Rabbit.Connection.VHost)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port out of range", map[string]string{"RABBIT_PORT": "70000"}},
		{"empty user", map[string]string{"RABBIT_USER": ""}},
		{"bad host", map[string]string{"RABBIT_HOST": "not a host"}},
		{"unknown log level", map[string]string{"LOGGER_LEVEL": "verbose"}},
		{"certificates without paths", map[string]string{"RABBIT_USE_CERT": "true"}},
		{"negative concurrency", map[string]string{"WORKER_MAX_CONCURRENCY": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFile("")
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestFXModuleProvidesSections(t *testing.T) {
	t.Setenv("RABBIT_HOST", "10.0.0.7")

	var (
		rabbitCfg rabbit.Config
		workerCfg rabbit.WorkerConfig
	)
	app := fxtest.New(t,
		FXModule,
		fx.Populate(&rabbitCfg, &workerCfg),
	)
	app.RequireStart()
	defer app.RequireStop()

	assert.Equal(t, "10.0.0.7", rabbitCfg.Connection.Host)
	assert.Equal(t, rabbit.DefaultWorkTimeout, workerCfg.WorkTimeout)
}
