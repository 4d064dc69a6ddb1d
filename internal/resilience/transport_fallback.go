package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/observe"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// TransportFallback implements [transport.Transport] with automatic failover
// across multiple model backends. Each backend has its own circuit breaker;
// when the primary fails or its breaker is open, the next healthy fallback
// is tried. Breakers trip on backend faults only ([IsBackendFault]), so an
// agent sending malformed history cannot bench a healthy backend.
//
// Failover covers the initial call of a turn or stream only. Once a turn is
// pinned to a backend its continuations — ResubmitToolResults,
// ResumeStreamWithResult, AbortStream — route to that same backend, because
// the in-flight conversation state lives there.
type TransportFallback struct {
	group *FallbackGroup[transport.Transport]
	mx    *observe.Metrics
}

// Compile-time interface assertion.
var _ transport.Transport = (*TransportFallback)(nil)

// NewTransportFallback creates a [TransportFallback] with primary as the
// preferred backend. Unless cfg overrides it, breakers classify faults with
// [IsBackendFault].
func NewTransportFallback(primary transport.Transport, primaryName string, cfg FallbackConfig) *TransportFallback {
	if cfg.CircuitBreaker.TripOn == nil {
		cfg.CircuitBreaker.TripOn = IsBackendFault
	}
	return &TransportFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		mx:    cfg.Metrics,
	}
}

// AddFallback registers an additional backend as a fallback.
func (f *TransportFallback) AddFallback(name string, tr transport.Transport) {
	f.group.AddFallback(name, tr)
}

// boundTurnHandle pins a turn handle to the backend that produced it.
type boundTurnHandle struct {
	inner   transport.TurnHandle
	tr      transport.Transport
	backend string
}

func (h *boundTurnHandle) ID() string { return h.inner.ID() }

// boundStreamHandle pins a stream handle to the backend that produced it.
type boundStreamHandle struct {
	inner   transport.StreamHandle
	tr      transport.Transport
	backend string
}

func (h *boundStreamHandle) ID() string { return h.inner.ID() }

// record reports one backend request to the metrics pipeline, attributing it
// to the backend that served it.
func (f *TransportFallback) record(ctx context.Context, backend string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = string(classify(err).Kind)
	}
	f.mx.RecordTransportRequest(ctx, backend, time.Since(start), status)
}

// SendTurn submits the turn to the first healthy backend. A result of kind
// error counts as a backend failure and advances to the next entry; when
// every entry fails, the last classified failure is returned as an error
// result so callers still observe the taxonomy.
func (f *TransportFallback) SendTurn(ctx context.Context, req transport.TurnRequest) (*transport.TurnResult, error) {
	res, err := ExecuteWithResult(f.group, func(name string, tr transport.Transport) (*transport.TurnResult, error) {
		start := time.Now()
		res, err := tr.SendTurn(ctx, req)
		if err == nil && res.Kind == transport.ResultError {
			err = res.Err
		}
		f.record(ctx, name, start, err)
		if err != nil {
			return nil, err
		}
		if res.Kind == transport.ResultToolCalls {
			res.Handle = &boundTurnHandle{inner: res.Handle, tr: tr, backend: name}
		}
		return res, nil
	})
	if err != nil {
		return &transport.TurnResult{Kind: transport.ResultError, Err: classify(err)}, nil
	}
	return res, nil
}

// ResubmitToolResults routes the continuation to the backend that owns the
// turn. No failover: a paused turn cannot move between backends.
func (f *TransportFallback) ResubmitToolResults(ctx context.Context, h transport.TurnHandle, results []types.ToolResult) (*transport.TurnResult, error) {
	bound, ok := h.(*boundTurnHandle)
	if !ok {
		return nil, fmt.Errorf("resilience: turn handle %q was not issued by this transport", h.ID())
	}
	start := time.Now()
	res, err := bound.tr.ResubmitToolResults(ctx, bound.inner, results)
	recErr := err
	if recErr == nil && res.Kind == transport.ResultError {
		recErr = res.Err
	}
	f.record(ctx, bound.backend, start, recErr)
	if err != nil {
		return nil, err
	}
	if res.Kind == transport.ResultToolCalls {
		res.Handle = &boundTurnHandle{inner: res.Handle, tr: bound.tr, backend: bound.backend}
	}
	return res, nil
}

// OpenStream opens the stream on the first healthy backend.
func (f *TransportFallback) OpenStream(ctx context.Context, req transport.TurnRequest, ev transport.StreamEvents) (transport.StreamHandle, error) {
	return ExecuteWithResult(f.group, func(name string, tr transport.Transport) (transport.StreamHandle, error) {
		start := time.Now()
		h, err := tr.OpenStream(ctx, req, ev)
		f.record(ctx, name, start, err)
		if err != nil {
			return nil, err
		}
		return &boundStreamHandle{inner: h, tr: tr, backend: name}, nil
	})
}

// ResumeStreamWithResult routes the tool result to the backend that owns the
// stream.
func (f *TransportFallback) ResumeStreamWithResult(ctx context.Context, h transport.StreamHandle, result types.ToolResult) error {
	bound, ok := h.(*boundStreamHandle)
	if !ok {
		return fmt.Errorf("resilience: stream handle %q was not issued by this transport", h.ID())
	}
	start := time.Now()
	err := bound.tr.ResumeStreamWithResult(ctx, bound.inner, result)
	f.record(ctx, bound.backend, start, err)
	return err
}

// AbortStream routes the abort to the backend that owns the stream. Foreign
// handles are ignored, matching the interface's no-op contract for unknown
// streams.
func (f *TransportFallback) AbortStream(h transport.StreamHandle) {
	if bound, ok := h.(*boundStreamHandle); ok {
		bound.tr.AbortStream(bound.inner)
	}
}

// classify coerces a failover error into the turn taxonomy, preserving an
// already-classified failure when one is in the chain. Exhausting every
// backend without a classified cause reports as transport_error.
func classify(err error) *types.Error {
	var terr *types.Error
	if errors.As(err, &terr) {
		return terr
	}
	return types.Errf(types.KindTransportError, "%s", err.Error())
}
