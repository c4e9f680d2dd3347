package config

import (
	"go.uber.org/fx"

	"github.com/nutriplan/mqkit/pkg/logger"
	"github.com/nutriplan/mqkit/pkg/metrics"
	"github.com/nutriplan/mqkit/pkg/rabbit"
	"github.com/nutriplan/mqkit/pkg/tracer"
)

// FXModule loads the configuration once and hands each section to the
// module that consumes it.
var FXModule = fx.Module("config",
	fx.Provide(
		Load,
		Sections,
	),
)

// SectionsResult exposes every section of Config as its own fx value.
type SectionsResult struct {
	fx.Out

	Rabbit  rabbit.Config
	Worker  rabbit.WorkerConfig
	Logger  logger.Config
	Metrics metrics.Config
	Tracer  tracer.Config
}

// Sections splits cfg into its sections.
func Sections(cfg *Config) SectionsResult {
	return SectionsResult{
		Rabbit:  cfg.Rabbit,
		Worker:  cfg.Worker,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
		Tracer:  cfg.Tracer,
	}
}
