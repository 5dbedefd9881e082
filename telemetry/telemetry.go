// Package telemetry provides the metrics/tracing abstraction every
// component accepts at construction. There is no package-level registry:
// spec §9 explicitly calls out the teacher's global MetricsRegistry
// singleton as a pattern to avoid reintroducing, so every component here
// is wired with an explicit Telemetry instance by the Orchestrator.
package telemetry

import "context"

// Span represents an in-flight trace span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Telemetry is the metrics/tracing facade components depend on.
type Telemetry interface {
	RecordMetric(name string, value float64, tags map[string]string)
	RecordEvent(name string, attrs map[string]interface{})
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// NoOpSpan satisfies Span without recording anything.
type NoOpSpan struct{}

func (NoOpSpan) End()                                {}
func (NoOpSpan) SetAttribute(string, interface{})    {}
func (NoOpSpan) RecordError(error)                   {}

// NoOp satisfies Telemetry without recording anything; components default
// to it when constructed without an explicit Telemetry.
type NoOp struct{}

func (NoOp) RecordMetric(string, float64, map[string]string) {}
func (NoOp) RecordEvent(string, map[string]interface{})      {}
func (NoOp) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, NoOpSpan{}
}

var (
	_ Telemetry = NoOp{}
	_ Span      = NoOpSpan{}
)
