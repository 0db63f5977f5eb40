// Package middleware provides observability for the pianoroll relay.
//
// This package includes:
//   - Prometheus collectors for messages, connections and persistence
//   - OpenTelemetry tracing for HTTP requests and WebSocket messages
//   - A structured request logger
//
// # Prometheus Metrics
//
// Metrics are registered once and shared by the server and the session
// manager:
//
//	metrics := middleware.NewMetrics(middleware.WithRegistry(prometheus.NewRegistry()))
//	r.Use(metrics.HTTP)
//	r.Method(http.MethodGet, "/metrics", metrics.Handler())
//
// *Metrics satisfies session.Observer, so flushes and evictions are counted
// without the session package importing Prometheus.
//
// # OpenTelemetry
//
// HTTP requests get a server span from the OpenTelemetry middleware:
//
//	r.Use(middleware.OpenTelemetry(middleware.WithTracerName("pianoroll")))
//
// WebSocket messages are traced one span per message:
//
//	ctx, span := middleware.StartMessageSpan(ctx, tracer, "note-create", sessionID)
//	err := handle(ctx)
//	middleware.EndSpan(span, err)
//
// The tracer uses the global OpenTelemetry tracer provider; configure it in
// main() to export spans.
package middleware
