package orchestrator

import "github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"

// DebugStage identifies where in the turn lifecycle a debug event was
// produced.
type DebugStage string

const (
	// StageSubmit marks a request leaving for the backend.
	StageSubmit DebugStage = "submit"

	// StageToolCalls marks a batch of tool calls received from the model.
	StageToolCalls DebugStage = "tool_calls"

	// StageToolResult marks one tool result produced by the executor.
	StageToolResult DebugStage = "tool_result"

	// StageResubmit marks tool results leaving for the backend.
	StageResubmit DebugStage = "resubmit"
)

// DebugEvent carries structured turn progress for loggers and UIs. Fields
// beyond Stage are populated per stage and may be zero.
type DebugEvent struct {
	// Stage identifies the lifecycle point.
	Stage DebugStage

	// Step is the 1-based round-trip count within the turn.
	Step int

	// ToolCalls is set at StageToolCalls.
	ToolCalls []types.ToolCall

	// Result is set at StageToolResult.
	Result *types.ToolResult
}

// Hooks bundles the optional progress callbacks of a turn. Any field may be
// nil; the orchestrator checks before invoking. Callbacks are invoked
// synchronously from the goroutine driving the turn and must not block for
// long.
//
// Exactly one of OnFinished or OnFailed fires per turn, always last.
type Hooks struct {
	// OnDelta receives incremental assistant text (streaming turns only).
	OnDelta func(text string)

	// OnDebug receives structured lifecycle events.
	OnDebug func(ev DebugEvent)

	// OnFinished fires once with the final assistant text and total usage.
	OnFinished func(text string, usage types.Usage)

	// OnFailed fires once with the classified failure that ended the turn.
	OnFailed func(err *types.Error)
}

func (h Hooks) delta(text string) {
	if h.OnDelta != nil {
		h.OnDelta(text)
	}
}

func (h Hooks) debug(ev DebugEvent) {
	if h.OnDebug != nil {
		h.OnDebug(ev)
	}
}

func (h Hooks) finished(text string, usage types.Usage) {
	if h.OnFinished != nil {
		h.OnFinished(text, usage)
	}
}

func (h Hooks) failed(err *types.Error) {
	if h.OnFailed != nil {
		h.OnFailed(err)
	}
}
