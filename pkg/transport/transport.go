// Package transport defines the Transport interface between the orchestration
// core and LLM provider backends.
//
// A transport wraps a remote or local model API (e.g., OpenAI chat
// completions, or any backend reachable through any-llm) and exposes a
// uniform request/response and streaming surface to the turn controller
// without coupling it to any specific SDK. The core never constructs
// provider-specific payloads, parses wire responses, or handles retries —
// all of that lives below this boundary.
//
// Implementations must be safe for concurrent use. Failures crossing the
// boundary are classified into the [types.ErrorKind] taxonomy; a transport
// never surfaces a raw SDK error to the core.
package transport

import (
	"context"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// ResultKind identifies the shape of a completed model round trip.
type ResultKind string

const (
	// ResultFinal means the model produced a final assistant message with no
	// outstanding tool calls.
	ResultFinal ResultKind = "assistant_final"

	// ResultToolCalls means the model requested one or more tool
	// invocations and is waiting for their results.
	ResultToolCalls ResultKind = "tool_calls"

	// ResultError means the round trip failed. Err carries the classified
	// failure.
	ResultError ResultKind = "error"
)

// TurnRequest carries everything the backend needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type TurnRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically user-role and drives the response.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model for this
	// turn. The model may request any subset of them in its response.
	Tools []types.ToolDefinition

	// Model selects the backend model (e.g., "gpt-4o-mini"). Empty means
	// use the transport's configured default.
	Model string

	// Temperature controls output randomness. Nil means use the backend
	// default.
	Temperature *float64

	// MaxTokens caps completion tokens. Zero means backend default.
	MaxTokens int
}

// TurnResult is the outcome of a single model round trip — either the
// initial submission of a turn or a resubmission with tool results.
type TurnResult struct {
	// Kind identifies which of the fields below are meaningful.
	Kind ResultKind

	// Text is the assistant's text content. Set for ResultFinal; may also
	// be set alongside ResultToolCalls when the model emitted text before
	// requesting tools.
	Text string

	// ToolCalls lists the invocations the model requested. Set only for
	// ResultToolCalls, and always non-empty in that case.
	ToolCalls []types.ToolCall

	// Usage holds token accounting for this round trip.
	Usage types.Usage

	// Err carries the classified failure when Kind is ResultError.
	Err *types.Error

	// Handle identifies the in-flight turn for resubmission. Set when Kind
	// is ResultToolCalls; nil otherwise.
	Handle TurnHandle
}

// TurnHandle identifies an in-flight non-streaming turn that is paused
// awaiting tool results. Handles are opaque to the core: it holds one only
// to pass it back to the same transport.
type TurnHandle interface {
	// ID returns a stable identifier for logging and debugging.
	ID() string
}

// StreamHandle identifies an open streaming response. The core uses it to
// resume the stream with tool results or to abort it.
type StreamHandle interface {
	// ID returns a stable identifier for logging and debugging.
	ID() string
}

// StreamEvents receives the callbacks of one streaming response, in wire
// order. A transport invokes the methods sequentially from a single
// goroutine: no two callbacks for the same stream overlap, and no callback
// is delivered after OnFinished or OnError.
type StreamEvents interface {
	// OnStarted is called once when the backend acknowledges the stream,
	// before any delta.
	OnStarted(responseID string)

	// OnTextDelta is called for each incremental text fragment, in order.
	OnTextDelta(text string)

	// OnToolCallDelta is called for each incremental argument fragment of a
	// tool call the model is composing.
	OnToolCallDelta(callID, name, fragment string)

	// OnToolCallDone is called when one tool call's arguments are complete,
	// which may be well before the overall stream finishes. args is the full
	// accumulated argument text.
	OnToolCallDone(callID, name, args string)

	// OnFinished is called once when the stream ends without a transport
	// failure. text is the complete assistant text accumulated across deltas.
	OnFinished(text string, usage types.Usage)

	// OnError is called once with a classified failure, terminating the
	// stream. No further callbacks follow.
	OnError(err *types.Error)
}

// Transport is the abstraction over any model backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly. Every failure crossing
// this boundary is classified: transport_error for connectivity failures,
// rate_limited for HTTP 429, http_error for other HTTP-level failures.
type Transport interface {
	// SendTurn submits a conversation and blocks until the model responds.
	// A response requesting tools carries a TurnHandle for
	// ResubmitToolResults; a final response does not.
	//
	// The error return is non-nil only for caller mistakes (nil request
	// fields); backend failures are reported as a TurnResult with Kind
	// ResultError so the caller always observes the taxonomy.
	SendTurn(ctx context.Context, req TurnRequest) (*TurnResult, error)

	// ResubmitToolResults continues the paused turn identified by h with
	// the complete batch of tool results — one per call the model
	// requested — and blocks until the model responds again. The returned
	// result may request further tools, carrying a fresh handle.
	ResubmitToolResults(ctx context.Context, h TurnHandle, results []types.ToolResult) (*TurnResult, error)

	// OpenStream submits a conversation as a streaming request. Events are
	// delivered to ev until OnFinished or OnError. The returned handle is
	// live until then and remains valid across resumptions.
	//
	// The error return is non-nil only for failures that prevent the stream
	// from starting; later failures arrive via ev.OnError.
	OpenStream(ctx context.Context, req TurnRequest, ev StreamEvents) (StreamHandle, error)

	// ResumeStreamWithResult feeds one tool result into the open stream
	// identified by h. Unlike the non-streaming path, results are submitted
	// per call as each completes; the transport continues the same logical
	// stream, delivering further events to the ev passed to OpenStream.
	ResumeStreamWithResult(ctx context.Context, h StreamHandle, result types.ToolResult) error

	// AbortStream tears down the stream identified by h. No further events
	// are delivered after AbortStream returns. Aborting an already-finished
	// stream is a no-op.
	AbortStream(h StreamHandle)
}
