// inlinecomplete/telemetry.go
// OpenTelemetry instruments for the completion pipeline.
package inlinecomplete

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/shehackedyou/inlinecomplete"

// Cache lookup results reported by RecordCacheLookup.
const (
	lookupHit   = "hit"
	lookupMiss  = "miss"
	lookupStale = "stale"
)

// Telemetry records request outcomes, cache lookups and model calls.
// It is safe for concurrent use.
type Telemetry struct {
	tracer        trace.Tracer
	requests      metric.Int64Counter
	cacheLookups  metric.Int64Counter
	modelCalls    metric.Int64Counter
	modelDuration metric.Float64Histogram
}

// NewTelemetry creates the instruments on the given providers. Nil providers
// fall back to no-op implementations.
func NewTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*Telemetry, error) {
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	meter := mp.Meter(instrumentationName)

	requests, err := meter.Int64Counter(
		"inlinecomplete.requests",
		metric.WithDescription("Completion requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	cacheLookups, err := meter.Int64Counter(
		"inlinecomplete.cache.lookups",
		metric.WithDescription("Completion cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}
	modelCalls, err := meter.Int64Counter(
		"inlinecomplete.model.calls",
		metric.WithDescription("Model service calls by status"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}
	modelDuration, err := meter.Float64Histogram(
		"inlinecomplete.model.duration_ms",
		metric.WithDescription("Model call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		tracer:        tp.Tracer(instrumentationName),
		requests:      requests,
		cacheLookups:  cacheLookups,
		modelCalls:    modelCalls,
		modelDuration: modelDuration,
	}, nil
}

func noopTelemetry() *Telemetry {
	t, _ := NewTelemetry(nil, nil) // no-op instruments never fail
	return t
}

// RecordRequest counts one resolved request.
func (t *Telemetry) RecordRequest(ctx context.Context, outcome Outcome) {
	t.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

// RecordCacheLookup counts one cache lookup (hit, miss or stale).
func (t *Telemetry) RecordCacheLookup(ctx context.Context, result string) {
	t.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// StartModelSpan opens the span wrapping one model call.
func (t *Telemetry) StartModelSpan(ctx context.Context, model, sessionID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "inlinecomplete.model.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("model", model),
			attribute.String("session.id", sessionID),
		),
	)
}

// EndModelSpan closes span and records the call's status and duration.
// status is one of ok, cancelled or error.
func (t *Telemetry) EndModelSpan(ctx context.Context, span trace.Span, status string, duration time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("status", status))
	t.modelCalls.Add(ctx, 1, opt)
	t.modelDuration.Record(ctx, float64(duration.Milliseconds()), opt)

	span.SetAttributes(attribute.String("status", status))
	if err != nil && status == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
