// Package telemetry wraps OpenTelemetry SDK setup, giving fire-box a single
// TracerProvider/MeterProvider configuration. When telemetry is disabled it
// falls back to the noop implementations rather than reaching out to any
// collector.
package telemetry
