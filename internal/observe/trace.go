package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope under which turn, tool, and HTTP
// spans are reported.
const tracerName = "github.com/SDCalvo/godot-llm-agent-framework-sub000"

// Tracer returns the framework tracer from the globally registered provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan opens a span on the framework tracer. Callers own span.End;
// long-lived spans, like a streaming turn's, may end from a different
// goroutine than the one that started them.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the active trace ID, or "" outside a recording
// trace. It is the identifier surfaced to game clients in X-Correlation-ID,
// so a reported misbehaving turn can be matched to its spans and logs.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger tagged with the active trace and span
// IDs. Outside a trace it is just [slog.Default].
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
