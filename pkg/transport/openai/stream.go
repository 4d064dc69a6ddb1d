package openai

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// stream tracks one logical streamed turn. A logical turn may span several
// wire streams: each round of tool calls closes the current wire stream, and
// the resumed results open the next one.
type stream struct {
	id     string
	t      *Transport
	events transport.StreamEvents
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	params  oai.ChatCompletionNewParams
	resumed []types.ToolResult
	aborted bool
}

func (s *stream) ID() string { return s.id }

// ─── transport.Transport streaming methods ───────────────────────────────────

// OpenStream implements [transport.Transport]. Events are delivered from a
// single goroutine until OnFinished or OnError.
func (t *Transport) OpenStream(ctx context.Context, req transport.TurnRequest, events transport.StreamEvents) (transport.StreamHandle, error) {
	params, err := t.buildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &stream{
		id:     "oai-stream-" + uuid.NewString(),
		t:      t,
		events: events,
		ctx:    sctx,
		cancel: cancel,
		params: params,
	}

	t.mu.Lock()
	t.streams[s.id] = s
	t.mu.Unlock()

	go s.run()
	return s, nil
}

// ResumeStreamWithResult implements [transport.Transport]. It queues the
// result for the current tool-call round; once every call in the round has a
// result, the next wire stream opens.
func (t *Transport) ResumeStreamWithResult(_ context.Context, h transport.StreamHandle, result types.ToolResult) error {
	s, ok := h.(*stream)
	if !ok || s.t != t {
		return fmt.Errorf("openai: stream handle %q was not issued by this transport", h.ID())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return fmt.Errorf("openai: stream %s is aborted", s.id)
	}
	s.resumed = append(s.resumed, result)
	return nil
}

// AbortStream implements [transport.Transport]. Foreign or already-finished
// handles are ignored.
func (t *Transport) AbortStream(h transport.StreamHandle) {
	s, ok := h.(*stream)
	if !ok || s.t != t {
		return
	}

	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	s.cancel()

	t.mu.Lock()
	delete(t.streams, s.id)
	t.mu.Unlock()
}

// ─── stream consumption ──────────────────────────────────────────────────────

// run drives the logical turn across wire streams.
func (s *stream) run() {
	defer func() {
		s.cancel()
		s.t.mu.Lock()
		delete(s.t.streams, s.id)
		s.t.mu.Unlock()
	}()

	started := false
	var text string
	var usage types.Usage

	for {
		round, err := s.consumeOnce(&started)
		if err != nil {
			if !s.isAborted() {
				s.events.OnError(classify(err))
			}
			return
		}

		text += round.text
		usage.Add(round.usage)

		if len(round.calls) == 0 {
			s.events.OnFinished(text, usage)
			return
		}

		// Fold the assistant message into the params, then hand each call
		// to the event sink. The sink resumes the stream with each result
		// before OnToolCallDone returns.
		s.mu.Lock()
		s.params.Messages = append(s.params.Messages, assistantToolCallMessage(round.text, round.calls))
		s.resumed = s.resumed[:0]
		s.mu.Unlock()

		for _, call := range round.calls {
			if s.isAborted() {
				return
			}
			s.events.OnToolCallDone(call.ID, call.Name, call.Arguments)
		}

		s.mu.Lock()
		complete := len(s.resumed) == len(round.calls) && !s.aborted
		if complete {
			s.params.Messages = append(s.params.Messages, toolMessages(s.resumed)...)
		}
		s.mu.Unlock()

		// A short round means the sink gave up on the turn (failed or
		// cancelled) and no continuation is wanted.
		if !complete {
			return
		}
	}
}

// roundResult is the outcome of one wire stream.
type roundResult struct {
	text  string
	calls []types.ToolCall
	usage types.Usage
}

// consumeOnce opens one wire stream and consumes it to completion.
func (s *stream) consumeOnce(started *bool) (roundResult, error) {
	s.mu.Lock()
	params := s.params
	s.mu.Unlock()

	wire := s.t.client.Chat.Completions.NewStreaming(s.ctx, params)
	defer wire.Close()

	var round roundResult
	accum := map[int]*types.ToolCall{}
	maxIdx := -1

	for wire.Next() {
		chunk := wire.Current()

		if !*started {
			*started = true
			s.events.OnStarted(chunk.ID)
		}

		if chunk.Usage.TotalTokens > 0 {
			round.usage = types.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			round.text += delta.Content
			s.events.OnTextDelta(delta.Content)
		}

		for _, tc := range delta.ToolCalls {
			idx := int(tc.Index)
			if idx > maxIdx {
				maxIdx = idx
			}
			call, ok := accum[idx]
			if !ok {
				call = &types.ToolCall{}
				accum[idx] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
			if tc.Function.Arguments != "" || tc.Function.Name != "" {
				s.events.OnToolCallDelta(call.ID, call.Name, tc.Function.Arguments)
			}
		}
	}
	if err := wire.Err(); err != nil {
		return roundResult{}, err
	}

	for i := 0; i <= maxIdx; i++ {
		if call, ok := accum[i]; ok {
			round.calls = append(round.calls, *call)
		}
	}
	return round, nil
}

func (s *stream) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}
