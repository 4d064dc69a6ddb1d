package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/observe"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport/mock"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// ── helpers ───────────────────────────────────────────────────────────────────

// openSession starts a streaming turn against tr and returns the session
// together with the event sink recorded by the mock, which tests drive to
// simulate backend activity.
func openSession(t *testing.T, tr *mock.Transport, tools ToolSource, hooks Hooks, opts ...func(*Config)) (*StreamSession, transport.StreamEvents) {
	t.Helper()
	c := newController(t, tr, tools, opts...)
	s, err := c.Stream(context.Background(), []types.Message{types.UserMessage("hi")}, hooks)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(tr.OpenStreamCalls) != 1 {
		t.Fatalf("OpenStream called %d times, want 1", len(tr.OpenStreamCalls))
	}
	return s, tr.OpenStreamCalls[0].Events
}

// ── lifecycle ─────────────────────────────────────────────────────────────────

func TestStream_DeltasArriveInOrder(t *testing.T) {
	t.Parallel()

	var deltas []string
	var finished string
	tr := &mock.Transport{}
	s, ev := openSession(t, tr, nil, Hooks{
		OnDelta:    func(text string) { deltas = append(deltas, text) },
		OnFinished: func(text string, _ types.Usage) { finished = text },
	})

	ev.OnStarted("resp-1")
	ev.OnTextDelta("Hel")
	ev.OnTextDelta("lo")
	ev.OnFinished("Hello", types.Usage{TotalTokens: 5})

	if got := strings.Join(deltas, ""); got != "Hello" {
		t.Errorf("joined deltas = %q, want Hello", got)
	}
	if finished != "Hello" {
		t.Errorf("OnFinished text = %q, want Hello", finished)
	}
	if s.State() != StreamFinished {
		t.Errorf("State = %q, want finished", s.State())
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after finish")
	}
	outcome, terr := s.Outcome()
	if terr != nil {
		t.Fatalf("Outcome error: %v", terr)
	}
	if outcome.Text != "Hello" || outcome.Usage.TotalTokens != 5 {
		t.Errorf("Outcome = %+v", outcome)
	}
}

func TestStream_ValidationFailsBeforeOpen(t *testing.T) {
	t.Parallel()

	tr := &mock.Transport{}
	c := newController(t, tr, nil)

	var failed *types.Error
	_, err := c.Stream(context.Background(), nil, Hooks{OnFailed: func(e *types.Error) { failed = e }})

	wantKind(t, err, types.KindInvalidMessages)
	if failed == nil {
		t.Error("OnFailed not called")
	}
	if len(tr.OpenStreamCalls) != 0 {
		t.Errorf("OpenStream called %d times, want 0", len(tr.OpenStreamCalls))
	}
}

func TestStream_OpenFailure(t *testing.T) {
	t.Parallel()

	tr := &mock.Transport{OpenStreamErr: errors.New("dial tcp: connection refused")}
	c := newController(t, tr, nil)

	_, err := c.Stream(context.Background(), []types.Message{types.UserMessage("hi")}, Hooks{})
	wantKind(t, err, types.KindTransportError)
}

// ── tool rounds ──────────────────────────────────────────────────────────────

func TestStream_PerCallResumption(t *testing.T) {
	t.Parallel()

	tr := &mock.Transport{}
	s, ev := openSession(t, tr, echoTools(), Hooks{})

	// Arguments arrive in fragments; completion triggers execution and an
	// immediate resume, before any sibling call is touched.
	ev.OnToolCallDelta("c1", "echo", `{"text":`)
	ev.OnToolCallDelta("c1", "echo", `"ping"}`)
	ev.OnToolCallDone("c1", "echo", `{"text":"ping"}`)

	if len(tr.ResumeCalls) != 1 {
		t.Fatalf("ResumeStreamWithResult called %d times, want 1", len(tr.ResumeCalls))
	}
	got := tr.ResumeCalls[0].Result
	if !got.OK || got.CallID != "c1" || got.Data != `"ping"` {
		t.Errorf("resumed result = %+v, want OK c1 %q", got, `"ping"`)
	}

	// A second call in the same round resumes independently.
	ev.OnToolCallDone("c2", "echo", `{"text":"pong"}`)
	if len(tr.ResumeCalls) != 2 {
		t.Fatalf("ResumeStreamWithResult called %d times, want 2", len(tr.ResumeCalls))
	}

	ev.OnFinished("both handled", types.Usage{})
	outcome, terr := s.Outcome()
	if terr != nil {
		t.Fatalf("Outcome error: %v", terr)
	}
	if outcome.Text != "both handled" {
		t.Errorf("Text = %q", outcome.Text)
	}
}

func TestStream_DoneWithoutArgumentsFallsBackToFragments(t *testing.T) {
	t.Parallel()

	tr := &mock.Transport{}
	_, ev := openSession(t, tr, echoTools(), Hooks{})

	// Some backends deliver argument text only as deltas and leave the
	// completion event empty.
	ev.OnToolCallDelta("c1", "echo", `{"text":`)
	ev.OnToolCallDelta("c1", "echo", `"ping"}`)
	ev.OnToolCallDone("c1", "echo", "")

	if len(tr.ResumeCalls) != 1 {
		t.Fatalf("ResumeStreamWithResult called %d times, want 1", len(tr.ResumeCalls))
	}
	got := tr.ResumeCalls[0].Result
	if !got.OK || got.Data != `"ping"` {
		t.Errorf("resumed result = %+v, want OK with buffered arguments", got)
	}
}

func TestStream_UnparseableArgumentsResumeAsToolError(t *testing.T) {
	t.Parallel()

	tr := &mock.Transport{}
	_, ev := openSession(t, tr, echoTools(), Hooks{})

	ev.OnToolCallDone("c1", "echo", `{"text":`)

	if len(tr.ResumeCalls) != 1 {
		t.Fatalf("ResumeStreamWithResult called %d times, want 1", len(tr.ResumeCalls))
	}
	got := tr.ResumeCalls[0].Result
	if got.OK || got.Err.Kind != types.KindToolError {
		t.Errorf("resumed result = %+v, want tool_error", got)
	}
}

func TestStream_UnknownToolResumes(t *testing.T) {
	t.Parallel()

	tr := &mock.Transport{}
	_, ev := openSession(t, tr, echoTools(), Hooks{})

	ev.OnToolCallDone("c1", "missing", `{}`)

	if len(tr.ResumeCalls) != 1 {
		t.Fatalf("ResumeStreamWithResult called %d times, want 1", len(tr.ResumeCalls))
	}
	got := tr.ResumeCalls[0].Result
	if got.OK || got.Err.Kind != types.KindUnknownTool {
		t.Errorf("resumed result = %+v, want unknown_tool", got)
	}
}

func TestStream_ResumeFailureEndsSession(t *testing.T) {
	t.Parallel()

	var failed *types.Error
	tr := &mock.Transport{ResumeErr: errors.New("stream torn down")}
	s, ev := openSession(t, tr, echoTools(), Hooks{
		OnFailed: func(e *types.Error) { failed = e },
	})

	ev.OnToolCallDone("c1", "echo", `{"text":"x"}`)

	if s.State() != StreamErrored {
		t.Fatalf("State = %q, want errored", s.State())
	}
	if failed == nil || failed.Kind != types.KindTransportError {
		t.Errorf("OnFailed got %v, want transport_error", failed)
	}
}

func TestStream_StepLimit(t *testing.T) {
	t.Parallel()

	var failed *types.Error
	tr := &mock.Transport{}
	s, ev := openSession(t, tr, echoTools(), Hooks{
		OnFailed: func(e *types.Error) { failed = e },
	}, func(cfg *Config) { cfg.MaxSteps = 1 })

	ev.OnToolCallDone("c1", "echo", `{"text":"x"}`)

	if failed == nil || failed.Kind != types.KindStepLimitExceeded {
		t.Fatalf("OnFailed got %v, want step_limit_exceeded", failed)
	}
	if len(tr.ResumeCalls) != 0 {
		t.Errorf("ResumeStreamWithResult called %d times past the limit, want 0", len(tr.ResumeCalls))
	}
	if len(tr.AbortedStreams) != 1 {
		t.Errorf("AbortStream called %d times, want 1", len(tr.AbortedStreams))
	}
	_, terr := s.Outcome()
	if terr == nil || terr.Kind != types.KindStepLimitExceeded {
		t.Errorf("Outcome error = %v", terr)
	}
}

// ── failure and cancellation ─────────────────────────────────────────────────

func TestStream_ErrorTerminates(t *testing.T) {
	t.Parallel()

	var failed *types.Error
	finishedCalls := 0
	tr := &mock.Transport{}
	s, ev := openSession(t, tr, nil, Hooks{
		OnFailed:   func(e *types.Error) { failed = e },
		OnFinished: func(string, types.Usage) { finishedCalls++ },
	})

	ev.OnError(types.Errf(types.KindHTTPError, "502 bad gateway"))
	// Late events after the terminal state are dropped.
	ev.OnTextDelta("stray")
	ev.OnFinished("stray", types.Usage{})

	if failed == nil || failed.Kind != types.KindHTTPError {
		t.Fatalf("OnFailed got %v, want http_error", failed)
	}
	if finishedCalls != 0 {
		t.Errorf("OnFinished fired %d times after error, want 0", finishedCalls)
	}
	if s.State() != StreamErrored {
		t.Errorf("State = %q, want errored", s.State())
	}
	_, terr := s.Outcome()
	if terr == nil || terr.Kind != types.KindHTTPError {
		t.Errorf("Outcome error = %v", terr)
	}
}

func TestStream_CancelSuppressesEverything(t *testing.T) {
	t.Parallel()

	var deltas []string
	var failed *types.Error
	finishedCalls := 0
	tr := &mock.Transport{}
	s, ev := openSession(t, tr, echoTools(), Hooks{
		OnDelta:    func(text string) { deltas = append(deltas, text) },
		OnFailed:   func(e *types.Error) { failed = e },
		OnFinished: func(string, types.Usage) { finishedCalls++ },
	})

	ev.OnTextDelta("before")
	s.Cancel()
	ev.OnTextDelta("after")
	ev.OnToolCallDone("c1", "echo", `{"text":"x"}`)
	ev.OnFinished("after", types.Usage{})
	ev.OnError(types.Errf(types.KindTransportError, "late"))

	if len(deltas) != 1 || deltas[0] != "before" {
		t.Errorf("deltas = %v, want only the pre-cancel delta", deltas)
	}
	if finishedCalls != 0 || failed != nil {
		t.Errorf("post-cancel hooks fired: finished=%d failed=%v", finishedCalls, failed)
	}
	if len(tr.AbortedStreams) != 1 {
		t.Errorf("AbortStream called %d times, want 1", len(tr.AbortedStreams))
	}
	if len(tr.ResumeCalls) != 0 {
		t.Errorf("ResumeStreamWithResult called %d times after cancel, want 0", len(tr.ResumeCalls))
	}
	if s.State() != StreamCancelled {
		t.Errorf("State = %q, want cancelled", s.State())
	}
	_, terr := s.Outcome()
	if terr == nil || terr.Kind != types.KindInterrupted {
		t.Errorf("Outcome error = %v, want interrupted", terr)
	}
}

func TestStream_CancelTwiceIsNoop(t *testing.T) {
	t.Parallel()

	tr := &mock.Transport{}
	s, _ := openSession(t, tr, nil, Hooks{})

	s.Cancel()
	s.Cancel()

	if len(tr.AbortedStreams) != 1 {
		t.Errorf("AbortStream called %d times, want 1", len(tr.AbortedStreams))
	}
}

func TestStream_FinishWithoutTextUsesAccumulatedDeltas(t *testing.T) {
	t.Parallel()

	// Some backends stream every fragment and then finish with an empty
	// final message; the session's own accumulation must carry the outcome.
	var finished string
	tr := &mock.Transport{}
	s, ev := openSession(t, tr, nil, Hooks{
		OnFinished: func(text string, _ types.Usage) { finished = text },
	})

	ev.OnTextDelta("Once upon ")
	ev.OnTextDelta("a time")
	ev.OnFinished("", types.Usage{TotalTokens: 3})

	if finished != "Once upon a time" {
		t.Errorf("OnFinished text = %q, want the accumulated deltas", finished)
	}
	outcome, terr := s.Outcome()
	if terr != nil {
		t.Fatalf("Outcome error: %v", terr)
	}
	if outcome.Text != "Once upon a time" {
		t.Errorf("Outcome.Text = %q, want the accumulated deltas", outcome.Text)
	}
}

func TestStream_FinalTextWinsOverDeltas(t *testing.T) {
	t.Parallel()

	tr := &mock.Transport{}
	s, ev := openSession(t, tr, nil, Hooks{})

	ev.OnTextDelta("partial")
	ev.OnFinished("the full reply", types.Usage{})

	outcome, terr := s.Outcome()
	if terr != nil {
		t.Fatalf("Outcome error: %v", terr)
	}
	if outcome.Text != "the full reply" {
		t.Errorf("Outcome.Text = %q, want the transport's final text", outcome.Text)
	}
}

// activeStreams reads the agentd.active_streams gauge.
func activeStreams(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "agentd.active_streams" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatalf("unexpected gauge data: %+v", m.Data)
			}
			return sum.DataPoints[0].Value
		}
	}
	return 0
}

func TestStream_ActiveStreamsGauge(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mx, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}

	tr := &mock.Transport{}
	_, ev := openSession(t, tr, nil, Hooks{}, func(cfg *Config) { cfg.Metrics = mx })

	if got := activeStreams(t, reader); got != 1 {
		t.Fatalf("gauge while live = %d, want 1", got)
	}
	ev.OnFinished("done", types.Usage{})
	if got := activeStreams(t, reader); got != 0 {
		t.Errorf("gauge after finish = %d, want 0", got)
	}

	// Cancellation settles the gauge the same way, exactly once.
	s2, _ := openSession(t, &mock.Transport{}, nil, Hooks{}, func(cfg *Config) { cfg.Metrics = mx })
	s2.Cancel()
	s2.Cancel()
	if got := activeStreams(t, reader); got != 0 {
		t.Errorf("gauge after cancel = %d, want 0", got)
	}
}

func TestStream_StateTransitions(t *testing.T) {
	t.Parallel()

	tr := &mock.Transport{}
	s, ev := openSession(t, tr, nil, Hooks{})

	if s.State() != StreamStarted {
		t.Fatalf("initial State = %q, want started", s.State())
	}
	ev.OnTextDelta("x")
	if s.State() != StreamStreaming {
		t.Fatalf("State after delta = %q, want streaming", s.State())
	}
	ev.OnFinished("x", types.Usage{})
	if s.State() != StreamFinished {
		t.Fatalf("State after finish = %q, want finished", s.State())
	}
}
