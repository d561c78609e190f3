package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome classifies one node invocation for metric partitioning.
type Outcome string

const (
	// OutcomeSuccess indicates the invocation completed and all emissions
	// were forwarded.
	OutcomeSuccess Outcome = "success"
	// OutcomeError indicates the invocation failed; the packet was dropped
	// and the node task moved on.
	OutcomeError Outcome = "error"
)

var (
	metricsOnce       sync.Once
	metricsInitErr    error
	invocationCounter metric.Int64Counter
	emissionCounter   metric.Int64Counter
	errorCounter      metric.Int64Counter
	latencyHistogram  metric.Float64Histogram
)

// InvocationMetrics captures the fields needed to record node invocation
// telemetry.
type InvocationMetrics struct {
	SessionID string
	NodeID    string
	NodeType  string
	Outcome   Outcome
	Duration  time.Duration
	Emitted   int
}

// RecordInvocation emits counters and a histogram describing one node
// invocation.
func RecordInvocation(ctx context.Context, metrics InvocationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("session.id", metrics.SessionID),
		attribute.String("node.id", metrics.NodeID),
		attribute.String("node.type", metrics.NodeType),
		attribute.String("node.outcome", string(metrics.Outcome)),
	}

	invocationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		latencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Emitted > 0 {
		emissionCounter.Add(ctx, int64(metrics.Emitted), metric.WithAttributes(attrs...))
	}

	if metrics.Outcome == OutcomeError {
		errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("rivulet.session")

		invocationCounter, metricsInitErr = meter.Int64Counter(
			"rivulet.node.invocations_total",
			metric.WithDescription("Node invocations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		emissionCounter, metricsInitErr = meter.Int64Counter(
			"rivulet.node.emissions_total",
			metric.WithDescription("Outputs emitted by node invocations"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		errorCounter, metricsInitErr = meter.Int64Counter(
			"rivulet.node.errors_total",
			metric.WithDescription("Per-packet processing errors isolated by the node task loop"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		latencyHistogram, metricsInitErr = meter.Float64Histogram(
			"rivulet.node.duration_ms",
			metric.WithDescription("Observed node invocation latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
