// Package telemetry wraps OpenTelemetry SDK setup for taskflow, providing
// centrally configured tracer and meter providers. When telemetry is
// disabled no exporters are created and the global providers stay noop.
package telemetry
