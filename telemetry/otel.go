package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// otelTelemetry adapts the OpenTelemetry SDK to the Telemetry interface.
// One instance is constructed by the Orchestrator at startup and handed to
// every component; nothing here is package-global.
type otelTelemetry struct {
	tracer  oteltrace.Tracer
	meter   metric.Meter
	metrics map[string]metric.Float64Counter
}

// NewOTel builds a Telemetry backed by the given tracer provider (typically
// constructed with the stdout exporter, per SPEC_FULL.md's dependency
// table) and the global meter provider.
func NewOTel(tp *sdktrace.TracerProvider, serviceName string) Telemetry {
	otel.SetTracerProvider(tp)
	return &otelTelemetry{
		tracer:  tp.Tracer(serviceName),
		meter:   otel.Meter(serviceName),
		metrics: make(map[string]metric.Float64Counter),
	}
}

func (t *otelTelemetry) RecordMetric(name string, value float64, tags map[string]string) {
	counter, ok := t.metrics[name]
	if !ok {
		c, err := t.meter.Float64Counter(name)
		if err != nil {
			return
		}
		t.metrics[name] = c
		counter = c
	}
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

func (t *otelTelemetry) RecordEvent(name string, attrs map[string]interface{}) {
	_, span := t.StartSpan(context.Background(), name)
	for k, v := range attrs {
		span.SetAttribute(k, v)
	}
	span.End()
}

func (t *otelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

var _ Telemetry = (*otelTelemetry)(nil)
