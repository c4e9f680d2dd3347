package tracer

import (
	"context"

	"go.uber.org/fx"

	"github.com/nutriplan/mqkit/pkg/logger"
)

// FXModule provides *Tracer and flushes it on shutdown. It expects a
// tracer.Config and a *logger.Logger in the graph.
var FXModule = fx.Module("tracer",
	fx.Provide(
		func(cfg Config, log *logger.Logger) (*Tracer, error) {
			return NewClient(cfg, log)
		},
	),
	fx.Invoke(RegisterTracerLifecycle),
)

func RegisterTracerLifecycle(lc fx.Lifecycle, tracer *Tracer) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			tracer.logger.Info("shutting down tracer...", nil, nil)
			if tracer.tracer == nil {
				tracer.logger.Warn("tracer was nil during shutdown", nil, nil)
				return nil
			}
			return tracer.Shutdown(ctx)
		},
	})
}
