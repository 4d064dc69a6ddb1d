// Package observe provides application-wide observability primitives for the
// agent framework: OpenTelemetry metrics, structured logging helpers, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all framework metrics.
const meterName = "github.com/SDCalvo/godot-llm-agent-framework-sub000"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation. The Record* helpers tolerate a nil receiver so
// callers can thread an optional *Metrics without guarding every call site.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-to-end turn latency, blocking and streaming.
	TurnDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool handler execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// TransportRequestDuration tracks individual model round-trip latency.
	TransportRequestDuration metric.Float64Histogram

	// --- Counters ---

	// TransportRequests counts model API calls. Use with attributes:
	//   attribute.String("transport", ...), attribute.String("status", ...)
	TransportRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// InboxMessages counts agent-to-agent messages delivered.
	InboxMessages metric.Int64Counter

	// --- Error counters ---

	// TurnErrors counts failed turns by taxonomy kind.
	TurnErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveAgents tracks the number of registered agents.
	ActiveAgents metric.Int64UpDownCounter

	// ActiveStreams tracks the number of live streaming sessions.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM round-trip latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("agentd.turn.duration",
		metric.WithDescription("End-to-end turn latency by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("agentd.tool_execution.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TransportRequestDuration, err = m.Float64Histogram("agentd.transport.request.duration",
		metric.WithDescription("Latency of individual model round trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TransportRequests, err = m.Int64Counter("agentd.transport.requests",
		metric.WithDescription("Total model API requests by transport and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("agentd.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.InboxMessages, err = m.Int64Counter("agentd.inbox.messages",
		metric.WithDescription("Total agent-to-agent messages delivered."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TurnErrors, err = m.Int64Counter("agentd.turn.errors",
		metric.WithDescription("Total failed turns by error kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveAgents, err = m.Int64UpDownCounter("agentd.active_agents",
		metric.WithDescription("Number of registered agents."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("agentd.active_streams",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("agentd.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn records one completed turn's duration and outcome. outcome is
// either "ok" or the taxonomy error kind. No-op on a nil receiver.
func (m *Metrics) RecordTurn(ctx context.Context, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	if outcome != "ok" {
		m.TurnErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", outcome)),
		)
	}
}

// RecordToolExecution records one tool handler run. status is "ok" or the
// taxonomy error kind. No-op on a nil receiver.
func (m *Metrics) RecordToolExecution(ctx context.Context, tool string, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.ToolExecutionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTransportRequest records one model round trip. No-op on a nil
// receiver.
func (m *Metrics) RecordTransportRequest(ctx context.Context, transport string, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.TransportRequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("transport", transport)),
	)
	m.TransportRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("status", status),
		),
	)
}

// RecordInboxMessage records one delivered agent-to-agent message. No-op on
// a nil receiver.
func (m *Metrics) RecordInboxMessage(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.InboxMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// AddActiveAgents adjusts the active agent gauge. No-op on a nil receiver.
func (m *Metrics) AddActiveAgents(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveAgents.Add(ctx, delta)
}

// AddActiveStreams adjusts the live stream gauge. No-op on a nil receiver.
func (m *Metrics) AddActiveStreams(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveStreams.Add(ctx, delta)
}
