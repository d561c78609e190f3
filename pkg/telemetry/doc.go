// Package telemetry bootstraps the process-wide OpenTelemetry tracer provider
// and records the otel metrics that describe node invocation behaviour.
package telemetry
