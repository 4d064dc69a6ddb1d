package anyllm

import (
	"context"
	"errors"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("New accepted an empty provider name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("New accepted an empty model")
	}
	if _, err := New("carrier-pigeon", "coo-1"); err == nil {
		t.Error("New accepted an unsupported provider")
	}
}

func TestToolMessages(t *testing.T) {
	t.Parallel()

	results := []types.ToolResult{
		{CallID: "c1", OK: true, Data: `{"sum":5}`},
		{CallID: "c2", OK: false, Err: types.Errf(types.KindToolError, "boom")},
	}

	msgs := toolMessages(results)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != anyllmlib.RoleTool || msgs[0].ToolCallID != "c1" || msgs[0].Content != `{"sum":5}` {
		t.Errorf("ok result rendered as %+v", msgs[0])
	}
	if msgs[1].ToolCallID != "c2" || msgs[1].Content != `{"error":"boom"}` {
		t.Errorf("failed result rendered as %+v", msgs[1])
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{"context canceled", context.Canceled, types.KindInterrupted},
		{"deadline exceeded", context.DeadlineExceeded, types.KindInterrupted},
		{"status text 429", errors.New("unexpected status 429"), types.KindRateLimited},
		{"rate limit text", errors.New("Rate Limit exceeded, retry later"), types.KindRateLimited},
		{"plain failure", errors.New("dial tcp: connection refused"), types.KindTransportError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tc.err)
			if got.Kind != tc.want {
				t.Errorf("classify(%v).Kind = %q, want %q", tc.err, got.Kind, tc.want)
			}
		})
	}
}

func TestClassify_PreclassifiedErrorPassesThrough(t *testing.T) {
	t.Parallel()

	orig := types.Errf(types.KindStepLimitExceeded, "too many rounds")
	if got := classify(orig); got != orig {
		t.Errorf("classify returned %+v, want the original error unchanged", got)
	}
}
