package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/Mindburn-Labs/helm-dispatch/pkg/gateway"

type metrics struct {
	calls      metric.Int64Counter
	rejections metric.Int64Counter
	tokens     metric.Int64Counter
	latency    metric.Float64Histogram
}

// newMetrics registers instruments on the global meter provider. Without an
// installed provider they are no-ops; registration errors leave them nil.
func newMetrics() *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	m.calls, _ = meter.Int64Counter("dispatch.gateway.calls",
		metric.WithDescription("Gateway calls by outcome"))
	m.rejections, _ = meter.Int64Counter("dispatch.gateway.rejections",
		metric.WithDescription("Gateway rejections by code"))
	m.tokens, _ = meter.Int64Counter("dispatch.gateway.tokens",
		metric.WithDescription("Provider-reported tokens"), metric.WithUnit("{token}"))
	m.latency, _ = meter.Float64Histogram("dispatch.gateway.latency",
		metric.WithDescription("Provider round-trip latency"), metric.WithUnit("ms"))
	return m
}

func (m *metrics) record(ctx context.Context, contract string, r Result) {
	attrs := metric.WithAttributes(
		attribute.String("contract", contract),
		attribute.String("outcome", r.Outcome.String()),
	)
	if m.calls != nil {
		m.calls.Add(ctx, 1, attrs)
	}
	if r.Outcome == OutcomeRejected && m.rejections != nil {
		m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(r.ErrorCode))))
	}
	if m.tokens != nil {
		if r.Usage.InputTokens > 0 {
			m.tokens.Add(ctx, int64(r.Usage.InputTokens), metric.WithAttributes(attribute.String("direction", "input")))
		}
		if r.Usage.OutputTokens > 0 {
			m.tokens.Add(ctx, int64(r.Usage.OutputTokens), metric.WithAttributes(attribute.String("direction", "output")))
		}
	}
	if r.Latency > 0 && m.latency != nil {
		m.latency.Record(ctx, float64(r.Latency)/float64(time.Millisecond), attrs)
	}
}
