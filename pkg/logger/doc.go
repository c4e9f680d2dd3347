// Package logger provides structured logging for the mqkit workers.
//
// The logger wraps Uber's zap with a small map-based field API that the other
// packages (rabbit, metrics, tracer) log through. Entries are JSON encoded and
// always carry the process id and the configured service name.
//
// Basic Usage:
//
//	import "github.com/nutriplan/mqkit/pkg/logger"
//
//	log := logger.NewLoggerClient(logger.Config{
//		Level:         logger.Info,
//		ServiceName:   "product-image-scraper",
//		EnableTracing: true,
//	})
//
//	log.Info("worker started", nil, map[string]interface{}{
//		"queue": "product_image_scraper.scrape",
//	})
//
//	// Adds trace_id and span_id of the span in ctx
//	log.ErrorWithContext(ctx, "dispatch failed", err, map[string]interface{}{
//		"delivery_tag": 42,
//	})
//
// FX Module Integration:
//
//	app := fx.New(
//		logger.FXModule,
//		fx.Provide(func() logger.Config { return cfg.Logger }),
//	)
//
// Configuration:
//
//	LOGGER_LEVEL=debug            # debug, info, warning, error
//	LOGGER_SERVICE_NAME=my-worker
//	LOGGER_ENABLE_TRACING=true
//
// Thread Safety:
//
// All methods on Logger are safe for concurrent use by multiple goroutines.
package logger
