package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/observe"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// StreamState is the lifecycle state of a [StreamSession].
type StreamState string

const (
	// StreamStarted means the stream is open but no event has arrived yet.
	StreamStarted StreamState = "started"

	// StreamStreaming means at least one delta has been delivered.
	StreamStreaming StreamState = "streaming"

	// StreamFinished means the model completed its final message.
	StreamFinished StreamState = "finished"

	// StreamErrored means the stream terminated with a classified failure.
	StreamErrored StreamState = "errored"

	// StreamCancelled means the caller tore the stream down. No events are
	// emitted at or after cancellation.
	StreamCancelled StreamState = "cancelled"
)

// StreamSession is one live streaming turn. It receives transport events,
// relays text deltas to the turn's hooks, and handles tool calls with
// per-call resumption: each call is executed the moment its arguments
// complete and its result is fed back into the stream immediately, without
// waiting for sibling calls. This differs deliberately from the blocking
// path, which collects a full batch before resubmitting.
//
// Sessions are created by [TurnController.Stream]. Cancel is safe to call
// from any goroutine; the event callbacks are driven by the transport.
type StreamSession struct {
	id    string
	ctx   context.Context
	tr    transport.Transport
	exec  *Executor
	hooks Hooks
	log   *slog.Logger
	mx    *observe.Metrics

	maxSteps int

	mu      sync.Mutex
	state   StreamState
	handle  transport.StreamHandle
	steps   int
	pending map[string]*strings.Builder // call ID → accumulated argument text
	acc     strings.Builder             // assistant text rebuilt from deltas
	text    string
	usage   types.Usage
	failure *types.Error
	started time.Time
	span    trace.Span
	done    chan struct{}
}

// ID returns the session's unique identifier.
func (s *StreamSession) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *StreamSession) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel closed when the session reaches a terminal state.
func (s *StreamSession) Done() <-chan struct{} { return s.done }

// Outcome returns the final result after Done is closed. It returns the
// accumulated outcome for a finished stream, or the classified failure for
// an errored one. A cancelled stream reports kind interrupted.
func (s *StreamSession) Outcome() (*TurnOutcome, *types.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StreamFinished:
		return &TurnOutcome{Text: s.text, Usage: s.usage, Steps: s.steps}, nil
	case StreamCancelled:
		return nil, types.Errf(types.KindInterrupted, "stream cancelled")
	default:
		return nil, s.failure
	}
}

// Cancel tears the session down. The transport stream is aborted and no
// event — delta, finish, or error — is emitted at or after this call.
// Cancelling a terminal session is a no-op.
func (s *StreamSession) Cancel() {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	s.state = StreamCancelled
	h := s.handle
	s.closeOutLocked(string(types.KindInterrupted))
	s.mu.Unlock()

	if h != nil {
		s.tr.AbortStream(h)
	}
	s.log.Debug("stream cancelled", "stream_id", s.id)
	s.mx.RecordTurn(s.ctx, time.Since(s.started), string(types.KindInterrupted))
}

// closeOutLocked settles the session's accounting at a terminal transition:
// the done channel, the active-streams gauge, and the stream span. Each
// terminal site calls it exactly once. Must be called with s.mu held.
func (s *StreamSession) closeOutLocked(outcome string) {
	close(s.done)
	s.mx.AddActiveStreams(s.ctx, -1)
	if s.span != nil {
		s.span.SetAttributes(attribute.String("outcome", outcome))
		s.span.End()
	}
}

func (s *StreamSession) terminalLocked() bool {
	switch s.state {
	case StreamFinished, StreamErrored, StreamCancelled:
		return true
	}
	return false
}

// ─── transport.StreamEvents ───

// OnStarted records the backend's acknowledgement.
func (s *StreamSession) OnStarted(responseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() {
		return
	}
	s.log.Debug("stream started", "stream_id", s.id, "response_id", responseID)
}

// OnTextDelta relays one text fragment to the turn hooks, in arrival order.
// The session also rebuilds the full assistant text from the fragments, so
// the final outcome does not depend on the transport echoing it back.
func (s *StreamSession) OnTextDelta(text string) {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	s.state = StreamStreaming
	s.acc.WriteString(text)
	s.mu.Unlock()

	s.hooks.delta(text)
}

// OnToolCallDelta accumulates one argument fragment for an in-progress call.
func (s *StreamSession) OnToolCallDelta(callID, name, fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() {
		return
	}
	s.state = StreamStreaming
	b, ok := s.pending[callID]
	if !ok {
		b = &strings.Builder{}
		s.pending[callID] = b
	}
	b.WriteString(fragment)
}

// OnToolCallDone executes the completed call and resumes the stream with its
// result before returning. Execution happens in the event path so results
// re-enter the stream in completion order: a call whose arguments finish
// early is answered before a later sibling even completes.
func (s *StreamSession) OnToolCallDone(callID, name, args string) {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	s.state = StreamStreaming
	if args == "" {
		if b, ok := s.pending[callID]; ok {
			args = b.String()
		}
	}
	delete(s.pending, callID)
	if s.steps >= s.maxSteps {
		terr := types.Errf(types.KindStepLimitExceeded,
			"stream exceeded %d model round trips", s.maxSteps)
		s.failLocked(terr)
		h := s.handle
		s.mu.Unlock()
		if h != nil {
			s.tr.AbortStream(h)
		}
		s.hooks.failed(terr)
		return
	}
	s.steps++
	h := s.handle
	s.mu.Unlock()

	result := s.executeCall(callID, name, args)
	s.hooks.debug(DebugEvent{Stage: StageToolResult, Result: &result})

	if err := s.tr.ResumeStreamWithResult(s.ctx, h, result); err != nil {
		terr := asTurnError(err)
		s.mu.Lock()
		if s.terminalLocked() {
			s.mu.Unlock()
			return
		}
		s.failLocked(terr)
		s.mu.Unlock()
		s.hooks.failed(terr)
	}
}

// executeCall turns one completed wire call into a normalized result.
// Argument text that fails to parse produces a tool_error result that is
// still resumed into the stream, so the model learns the call failed instead
// of waiting forever.
func (s *StreamSession) executeCall(callID, name, args string) types.ToolResult {
	parsed, err := parseArguments(args)
	if err != nil {
		s.log.Warn("tool arguments unparseable", "stream_id", s.id, "tool", name, "call_id", callID, "error", err)
		return types.ToolResult{
			CallID: callID,
			Name:   name,
			Err:    types.Errf(types.KindToolError, "%s", err.Error()),
		}
	}

	start := time.Now()
	result := s.exec.Execute(s.ctx, ToolCallRequest{CallID: callID, Name: name, Arguments: parsed})
	status := "ok"
	if !result.OK {
		status = string(result.Err.Kind)
	}
	s.mx.RecordToolExecution(s.ctx, name, time.Since(start), status)
	return result
}

// OnFinished completes the session. The transport's final text wins when it
// supplies one; otherwise the session falls back to the text it rebuilt from
// deltas, so a transport that only streams fragments still yields a complete
// outcome.
func (s *StreamSession) OnFinished(text string, usage types.Usage) {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	if text == "" {
		text = s.acc.String()
	}
	s.state = StreamFinished
	s.text = text
	s.usage = usage
	s.closeOutLocked("ok")
	s.mu.Unlock()

	s.mx.RecordTurn(s.ctx, time.Since(s.started), "ok")
	s.hooks.finished(text, usage)
}

// OnError terminates the session with a classified failure.
func (s *StreamSession) OnError(err *types.Error) {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	s.failLocked(err)
	s.mu.Unlock()
	s.hooks.failed(err)
}

// failLocked moves the session to StreamErrored. Callers fire the failure
// hook after releasing s.mu. Must be called with s.mu held.
func (s *StreamSession) failLocked(err *types.Error) {
	s.state = StreamErrored
	s.failure = err
	s.closeOutLocked(string(err.Kind))
	s.log.Warn("stream failed", "stream_id", s.id, "kind", err.Kind, "error", err.Message)
	s.mx.RecordTurn(s.ctx, time.Since(s.started), string(err.Kind))
}

// Ensure StreamSession satisfies the transport event sink.
var _ transport.StreamEvents = (*StreamSession)(nil)

// Stream opens one streaming turn over messages. Validation and system
// prompt handling match [TurnController.Invoke]; on success the returned
// session is live and events flow to hooks until it reaches a terminal
// state.
func (c *TurnController) Stream(ctx context.Context, messages []types.Message, hooks Hooks) (*StreamSession, error) {
	prepared, err := c.prepare(messages)
	if err != nil {
		terr := asTurnError(err)
		hooks.failed(terr)
		return nil, terr
	}

	req := transport.TurnRequest{
		Messages:    prepared,
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
	}
	if c.cfg.Tools != nil {
		req.Tools = c.cfg.Tools.Definitions()
	}

	// The span covers the whole streamed turn; it ends at the terminal
	// transition, wherever that fires from.
	ctx, span := observe.StartSpan(ctx, "agent.stream_turn",
		trace.WithAttributes(attribute.String("model", c.cfg.Model)))

	s := &StreamSession{
		id:       uuid.NewString(),
		ctx:      ctx,
		tr:       c.cfg.Transport,
		exec:     c.exec,
		hooks:    hooks,
		log:      c.log,
		mx:       c.cfg.Metrics,
		maxSteps: c.cfg.MaxSteps,
		state:    StreamStarted,
		steps:    1,
		pending:  make(map[string]*strings.Builder),
		started:  time.Now(),
		span:     span,
		done:     make(chan struct{}),
	}

	// Count the stream before opening it: a transport may reach a terminal
	// event (and decrement) before OpenStream even returns.
	c.cfg.Metrics.AddActiveStreams(ctx, 1)

	handle, err := c.cfg.Transport.OpenStream(ctx, req, s)
	if err != nil {
		terr := asTurnError(err)
		s.mu.Lock()
		if !s.terminalLocked() {
			s.state = StreamErrored
			s.failure = terr
			s.closeOutLocked(string(terr.Kind))
		}
		s.mu.Unlock()
		hooks.failed(terr)
		return nil, terr
	}

	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	c.log.Debug("stream opened", "stream_id", s.id, "handle", handle.ID())
	return s, nil
}
