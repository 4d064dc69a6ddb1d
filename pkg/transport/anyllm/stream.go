package anyllm

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// stream tracks one logical streamed turn. Each round of tool calls closes
// the current wire stream; the resumed results open the next one.
type stream struct {
	id     string
	t      *Transport
	events transport.StreamEvents
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	params  anyllmlib.CompletionParams
	resumed []types.ToolResult
	aborted bool
}

func (s *stream) ID() string { return s.id }

// OpenStream implements [transport.Transport]. Events are delivered from a
// single goroutine until OnFinished or OnError.
func (t *Transport) OpenStream(ctx context.Context, req transport.TurnRequest, events transport.StreamEvents) (transport.StreamHandle, error) {
	sctx, cancel := context.WithCancel(ctx)
	s := &stream{
		id:     "anyllm-stream-" + uuid.NewString(),
		t:      t,
		events: events,
		ctx:    sctx,
		cancel: cancel,
		params: t.buildParams(req),
	}

	t.mu.Lock()
	t.streams[s.id] = s
	t.mu.Unlock()

	go s.run()
	return s, nil
}

// ResumeStreamWithResult implements [transport.Transport].
func (t *Transport) ResumeStreamWithResult(_ context.Context, h transport.StreamHandle, result types.ToolResult) error {
	s, ok := h.(*stream)
	if !ok || s.t != t {
		return fmt.Errorf("anyllm: stream handle %q was not issued by this transport", h.ID())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return fmt.Errorf("anyllm: stream %s is aborted", s.id)
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

	for {
		round, err := s.consumeOnce(&started)
		if err != nil {
			if !s.isAborted() {
				s.events.OnError(classify(err))
			}
			return
		}

		text += round.text

		if len(round.calls) == 0 {
			s.events.OnFinished(text, types.Usage{})
			return
		}

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

		if !complete {
			return
		}
	}
}

type roundResult struct {
	text  string
	calls []types.ToolCall
}

// consumeOnce opens one wire stream and consumes it to completion.
func (s *stream) consumeOnce(started *bool) (roundResult, error) {
	s.mu.Lock()
	params := s.params
	s.mu.Unlock()

	chunks, errs := s.t.backend.CompletionStream(s.ctx, params)

	var round roundResult
	accum := map[int]*types.ToolCall{}
	maxIdx := -1

	for chunk := range chunks {
		if !*started {
			*started = true
			s.events.OnStarted(s.id)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			round.text += delta.Content
			s.events.OnTextDelta(delta.Content)
		}

		// Fragments are keyed by their position within the chunk's delta.
		for i, tc := range delta.ToolCalls {
			if i > maxIdx {
				maxIdx = i
			}
			call, ok := accum[i]
			if !ok {
				call = &types.ToolCall{}
				accum[i] = call
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
	if err := <-errs; err != nil {
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
