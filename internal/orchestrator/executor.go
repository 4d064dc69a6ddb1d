// Package orchestrator implements the turn state machine at the heart of the
// agent framework: tool execution, blocking turn control, and streaming
// session management.
//
// The package sits between a [transport.Transport] below and the agent layer
// above. It owns the tool-calling loop — submit, collect tool calls, execute,
// resubmit — and normalizes every failure into the error taxonomy so that a
// misbehaving tool or a dropped connection never crashes a turn host.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/observe"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// ToolHandler executes one tool invocation. args is the parsed argument
// object. A nil error with any JSON-encodable value is a success; a non-nil
// error becomes a tool_error result. Handlers run on orchestrator goroutines
// and must honor ctx.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// HandlerLookup resolves tool names to handlers. Implemented by the tool
// registry; defined here so the executor does not depend on registry
// internals.
type HandlerLookup interface {
	// Find returns the handler registered under name, or false when none is.
	Find(name string) (ToolHandler, bool)
}

// ToolCallRequest is one parsed tool invocation handed to the executor.
type ToolCallRequest struct {
	// CallID is the provider-assigned call identifier, echoed in the result.
	CallID string

	// Name is the requested tool.
	Name string

	// Arguments is the parsed argument object. May be nil for tools that
	// take no arguments.
	Arguments map[string]any
}

// Executor runs tool handlers and normalizes their outcomes. Every failure
// mode — unknown tool, handler error, handler panic — produces a failed
// [types.ToolResult] rather than an error return, so a batch always yields
// exactly one result per request.
//
// The zero value is not usable; construct with [NewExecutor].
type Executor struct {
	lookup HandlerLookup
	log    *slog.Logger
}

// NewExecutor creates an Executor resolving tools through lookup.
// A nil logger defaults to [slog.Default].
func NewExecutor(lookup HandlerLookup, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{lookup: lookup, log: log}
}

// Execute runs a single tool call and returns its normalized result.
//
// An unregistered name yields an unknown_tool result; a handler error or
// panic yields a tool_error result. Neither is fatal to the surrounding
// turn. Success payloads are JSON-encoded into the result.
func (e *Executor) Execute(ctx context.Context, req ToolCallRequest) types.ToolResult {
	ctx, span := observe.StartSpan(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool", req.Name)))
	defer span.End()

	handler, ok := e.lookup.Find(req.Name)
	if !ok {
		e.log.Warn("tool not registered", "tool", req.Name, "call_id", req.CallID)
		return types.ToolResult{
			CallID: req.CallID,
			Name:   req.Name,
			Err:    types.Errf(types.KindUnknownTool, "no handler registered for tool %q", req.Name),
		}
	}

	data, err := e.run(ctx, handler, req)
	if err != nil {
		e.log.Warn("tool execution failed", "tool", req.Name, "call_id", req.CallID, "error", err)
		return types.ToolResult{
			CallID: req.CallID,
			Name:   req.Name,
			Err:    types.Errf(types.KindToolError, "%s", err.Error()),
		}
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return types.ToolResult{
			CallID: req.CallID,
			Name:   req.Name,
			Err:    types.Errf(types.KindToolError, "encode result: %v", err),
		}
	}

	return types.ToolResult{
		CallID: req.CallID,
		Name:   req.Name,
		OK:     true,
		Data:   string(encoded),
	}
}

// run invokes handler with panic recovery. A panicking handler is reported
// as an ordinary error so sibling calls in the same batch are unaffected.
func (e *Executor) run(ctx context.Context, handler ToolHandler, req ToolCallRequest) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, req.Arguments)
}

// ExecuteBatch runs all requests concurrently and blocks until every one has
// completed. Results are returned in request order, one per request,
// regardless of individual failures. An empty batch returns an empty slice.
func (e *Executor) ExecuteBatch(ctx context.Context, reqs []ToolCallRequest) []types.ToolResult {
	results := make([]types.ToolResult, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req ToolCallRequest) {
			defer wg.Done()
			results[i] = e.Execute(ctx, req)
		}(i, req)
	}
	wg.Wait()

	return results
}

// parseArguments decodes a tool call's raw JSON argument text. Empty text
// parses as no arguments.
func parseArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("orchestrator: parse tool arguments: %w", err)
	}
	return args, nil
}
