package config

import (
	"github.com/nutriplan/mqkit/pkg/logger"
	"github.com/nutriplan/mqkit/pkg/metrics"
	"github.com/nutriplan/mqkit/pkg/rabbit"
	"github.com/nutriplan/mqkit/pkg/tracer"
)

// Config is the full configuration of a worker process.
type Config struct {
	Rabbit  rabbit.Config       `koanf:"rabbit"`
	Worker  rabbit.WorkerConfig `koanf:"worker"`
	Logger  logger.Config       `koanf:"logger"`
	Metrics metrics.Config      `koanf:"metrics"`
	Tracer  tracer.Config       `koanf:"tracer"`
}

func defaultConfig() *Config {
	return &Config{
		Rabbit: rabbit.Config{
			Connection: rabbit.ConnectionConfig{
				Host:      "localhost",
				Port:      5672,
				User:      "guest",
				Password:  "guest",
				VHost:     "/",
				Heartbeat: rabbit.DefaultHeartbeat,
			},
			ReconnectDelay: rabbit.DefaultReconnectDelay,
		},
		Worker: rabbit.WorkerConfig{
			// zero picks rabbit.DefaultMaxConcurrency at runtime
			MaxConcurrency: 0,
			WorkTimeout:    rabbit.DefaultWorkTimeout,
			CleanupTimeout: rabbit.DefaultCleanupTimeout,
		},
		Logger: logger.Config{
			Level:       logger.Info,
			ServiceName: "mqkit",
		},
		Metrics: metrics.Config{
			Address:                 metrics.DefaultMetricsAddress,
			EnableDefaultCollectors: true,
			ServiceName:             "mqkit",
		},
		Tracer: tracer.Config{
			ServiceName: "mqkit",
			AppEnv:      "development",
		},
	}
}
