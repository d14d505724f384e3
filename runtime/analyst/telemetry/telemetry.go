// Package telemetry defines the logging, metrics and tracing hooks used by the
// orchestration runtime, with Clue/OpenTelemetry and no-op implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. keyvals alternate string keys and
	// values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. tags alternate keys and values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is an in-flight span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Set groups the three hooks. Nil fields are replaced by no-ops in
	// WithDefaults.
	Set struct {
		Logger  Logger
		Metrics Metrics
		Tracer  Tracer
	}
)

// Metric names.
const (
	MetricSessionsStarted     = "analyst.sessions.started"
	MetricSessionsFinished    = "analyst.sessions.finished"
	MetricStepsExecuted       = "analyst.steps.executed"
	MetricResolverInvocations = "analyst.resolver.invocations"
	MetricStepDuration        = "analyst.step.duration"
)

// WithDefaults returns s with nil hooks replaced by no-ops.
func (s Set) WithDefaults() Set {
	if s.Logger == nil {
		s.Logger = NewNoopLogger()
	}
	if s.Metrics == nil {
		s.Metrics = NewNoopMetrics()
	}
	if s.Tracer == nil {
		s.Tracer = NewNoopTracer()
	}
	return s
}

// NewClue returns a Set backed by Clue logging and the global OpenTelemetry
// providers.
func NewClue() Set {
	return Set{Logger: NewClueLogger(), Metrics: NewClueMetrics(), Tracer: NewClueTracer()}
}
