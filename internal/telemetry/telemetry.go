// Package telemetry provides the logging, metrics, and tracing seams used
// throughout the router. Interfaces are kept intentionally small so tests can
// supply lightweight stubs without pulling in Clue or OpenTelemetry.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the router.
// Implementations typically delegate to Clue.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer and gauge helpers for router instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so router code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names shared across the router so dashboards and tests agree on
// spelling.
const (
	MetricDispatch       = "tabrouter.command.dispatch"
	MetricResolved       = "tabrouter.command.resolved"
	MetricTimeout        = "tabrouter.command.timeout"
	MetricCancelled      = "tabrouter.command.cancelled"
	MetricConflict       = "tabrouter.tab.conflict"
	MetricQueueOverflow  = "tabrouter.queue.overflow"
	MetricSaturated      = "tabrouter.pending.saturated"
	MetricLinkBind       = "tabrouter.link.bind"
	MetricLinkLost       = "tabrouter.link.lost"
	MetricLatency        = "tabrouter.command.latency"
	MetricPendingGauge   = "tabrouter.pending.count"
	MetricQueueDepth     = "tabrouter.queue.depth"
	MetricLinkSendQueue  = "tabrouter.link.send_queue_depth"
	MetricMalformedFrame = "tabrouter.link.malformed_frame"
	MetricEventDropped   = "tabrouter.event.dropped"
)
