package openai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("New accepted an empty api key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("New accepted an empty model")
	}

	tr, err := New("sk-test", "gpt-4o-mini",
		WithBaseURL("http://localhost:8080/v1"),
		WithOrganization("org-test"),
		WithTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("New with options: %v", err)
	}
	if tr == nil {
		t.Fatal("New returned a nil transport")
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
		{"wrapped cancellation", errors.Join(errors.New("send"), context.Canceled), types.KindInterrupted},
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

	orig := types.Errf(types.KindRateLimited, "slow down")
	if got := classify(orig); got != orig {
		t.Errorf("classify returned %+v, want the original error unchanged", got)
	}
}
