// Package tracer configures OpenTelemetry for mqkit services.
//
// NewClient installs a global TracerProvider and a TraceContext+Baggage
// propagator. The rabbit package relies on those globals: publishers inject
// the current span context into AMQP headers and consumers extract it, so a
// scrape triggered by a message shows up under the span of the service that
// published it.
//
//	tr, err := tracer.NewClient(tracer.Config{ServiceName: "image-scraper"}, log)
//	if err != nil {
//		return err
//	}
//	defer tr.Shutdown(ctx)
//
//	ctx, span := tr.StartSpan(ctx, "fetch-image")
//	defer span.End()
//
// Cross-service propagation over non-AMQP transports uses GetCarrier and
// SetCarrierOnContext.
//
// All methods on Tracer are safe for concurrent use.
package tracer
