// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for labforge. All components receive their logger and
// metrics handles explicitly; nothing in this package is process-global
// except the zerolog level and the otel tracer provider registration.
package telemetry
