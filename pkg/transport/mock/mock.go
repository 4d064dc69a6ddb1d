// Package mock provides a test double for the transport.Transport interface.
//
// Use Transport in unit tests to verify that the orchestrator submits correct
// TurnRequests and tool results, and to feed controlled model responses
// without a live backend. SendTurn and ResubmitToolResults consume from a
// shared scripted queue of results, so a multi-step turn is scripted as the
// ordered sequence of model responses. All fields are safe to set before
// calling any method; mutating them during a concurrent call is the caller's
// responsibility.
//
// Example:
//
//	tr := &mock.Transport{
//	    Results: []*transport.TurnResult{
//	        {Kind: transport.ResultFinal, Text: "Hello!"},
//	    },
//	}
//	res, err := tr.SendTurn(ctx, req)
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// SendCall records a single invocation of SendTurn.
type SendCall struct {
	// Ctx is the context passed to SendTurn.
	Ctx context.Context
	// Req is the TurnRequest passed to SendTurn.
	Req transport.TurnRequest
}

// ResubmitCall records a single invocation of ResubmitToolResults.
type ResubmitCall struct {
	// Handle is the TurnHandle passed to ResubmitToolResults.
	Handle transport.TurnHandle
	// Results is the tool result batch passed to ResubmitToolResults.
	Results []types.ToolResult
}

// OpenStreamCall records a single invocation of OpenStream.
type OpenStreamCall struct {
	// Ctx is the context passed to OpenStream.
	Ctx context.Context
	// Req is the TurnRequest passed to OpenStream.
	Req transport.TurnRequest
	// Events is the sink passed to OpenStream. Tests drive the stream by
	// invoking its methods.
	Events transport.StreamEvents
}

// ResumeCall records a single invocation of ResumeStreamWithResult.
type ResumeCall struct {
	// Handle is the StreamHandle passed to ResumeStreamWithResult.
	Handle transport.StreamHandle
	// Result is the tool result passed to ResumeStreamWithResult.
	Result types.ToolResult
}

// Handle is the mock's TurnHandle and StreamHandle implementation.
type Handle struct {
	// HandleID is returned by ID.
	HandleID string
}

// ID returns the configured handle identifier.
func (h *Handle) ID() string { return h.HandleID }

// Transport is a mock implementation of transport.Transport.
// Zero values for response fields cause methods to return zero values and
// nil errors. Set Err fields to inject caller-level errors.
type Transport struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Results is the scripted queue of model responses. SendTurn and
	// ResubmitToolResults each pop the next entry; a tool-calls entry with a
	// nil Handle is given a generated one. Popping an empty queue returns a
	// ResultError result rather than panicking.
	Results []*transport.TurnResult

	// SendErr, if non-nil, is returned as the error from SendTurn instead of
	// consuming the queue.
	SendErr error

	// ResubmitErr, if non-nil, is returned as the error from
	// ResubmitToolResults instead of consuming the queue.
	ResubmitErr error

	// OpenStreamErr, if non-nil, is returned from OpenStream without
	// recording a handle.
	OpenStreamErr error

	// ResumeErr, if non-nil, is returned from ResumeStreamWithResult.
	ResumeErr error

	// OnResume, if non-nil, is invoked synchronously inside
	// ResumeStreamWithResult after the call is recorded. Tests use it to
	// deliver follow-up stream events at the exact point of resumption.
	OnResume func(h transport.StreamHandle, result types.ToolResult)

	// --- Call records (read after test) ---

	// SendCalls records every invocation of SendTurn in order.
	SendCalls []SendCall

	// ResubmitCalls records every invocation of ResubmitToolResults in order.
	ResubmitCalls []ResubmitCall

	// OpenStreamCalls records every invocation of OpenStream in order.
	OpenStreamCalls []OpenStreamCall

	// ResumeCalls records every invocation of ResumeStreamWithResult in order.
	ResumeCalls []ResumeCall

	// AbortedStreams records the handle IDs passed to AbortStream in order.
	AbortedStreams []string

	nextHandle int
}

func (t *Transport) pop() *transport.TurnResult {
	if len(t.Results) == 0 {
		return &transport.TurnResult{
			Kind: transport.ResultError,
			Err:  types.Errf(types.KindTransportError, "mock: scripted result queue exhausted"),
		}
	}
	res := t.Results[0]
	t.Results = t.Results[1:]
	if res.Kind == transport.ResultToolCalls && res.Handle == nil {
		t.nextHandle++
		res.Handle = &Handle{HandleID: fmt.Sprintf("mock-turn-%d", t.nextHandle)}
	}
	return res
}

// SendTurn records the call and pops the next scripted result.
func (t *Transport) SendTurn(ctx context.Context, req transport.TurnRequest) (*transport.TurnResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SendCalls = append(t.SendCalls, SendCall{Ctx: ctx, Req: req})
	if t.SendErr != nil {
		return nil, t.SendErr
	}
	return t.pop(), nil
}

// ResubmitToolResults records the call and pops the next scripted result.
func (t *Transport) ResubmitToolResults(_ context.Context, h transport.TurnHandle, results []types.ToolResult) (*transport.TurnResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := make([]types.ToolResult, len(results))
	copy(rs, results)
	t.ResubmitCalls = append(t.ResubmitCalls, ResubmitCall{Handle: h, Results: rs})
	if t.ResubmitErr != nil {
		return nil, t.ResubmitErr
	}
	return t.pop(), nil
}

// OpenStream records the call and returns a fresh handle. It delivers no
// events on its own: tests drive the recorded Events sink directly.
func (t *Transport) OpenStream(ctx context.Context, req transport.TurnRequest, ev transport.StreamEvents) (transport.StreamHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.OpenStreamCalls = append(t.OpenStreamCalls, OpenStreamCall{Ctx: ctx, Req: req, Events: ev})
	if t.OpenStreamErr != nil {
		return nil, t.OpenStreamErr
	}
	t.nextHandle++
	return &Handle{HandleID: fmt.Sprintf("mock-stream-%d", t.nextHandle)}, nil
}

// ResumeStreamWithResult records the call, invokes OnResume if set, and
// returns ResumeErr.
func (t *Transport) ResumeStreamWithResult(_ context.Context, h transport.StreamHandle, result types.ToolResult) error {
	t.mu.Lock()
	t.ResumeCalls = append(t.ResumeCalls, ResumeCall{Handle: h, Result: result})
	cb := t.OnResume
	err := t.ResumeErr
	t.mu.Unlock()
	if cb != nil {
		cb(h, result)
	}
	return err
}

// AbortStream records the aborted handle's ID.
func (t *Transport) AbortStream(h transport.StreamHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.AbortedStreams = append(t.AbortedStreams, h.ID())
}

// Reset clears all recorded calls and the scripted queue. Thread-safe.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Results = nil
	t.SendCalls = nil
	t.ResubmitCalls = nil
	t.OpenStreamCalls = nil
	t.ResumeCalls = nil
	t.AbortedStreams = nil
	t.nextHandle = 0
}

// Ensure Transport implements transport.Transport at compile time.
var _ transport.Transport = (*Transport)(nil)
