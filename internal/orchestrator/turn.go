package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/observe"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// DefaultMaxSteps bounds the number of model round trips in a single turn
// when the config does not set one.
const DefaultMaxSteps = 8

// ToolSource supplies a turn's callable tools: the definitions offered to
// the model and the handlers that back them. Implemented by the tool
// registry.
type ToolSource interface {
	HandlerLookup

	// Definitions returns the tool definitions to offer the model.
	Definitions() []types.ToolDefinition
}

// Config carries the collaborators and defaults of a [TurnController].
type Config struct {
	// Transport is the model backend. Required.
	Transport transport.Transport

	// Tools supplies tool definitions and handlers. Nil means the turn
	// offers no tools.
	Tools ToolSource

	// SystemPrompt, when non-empty, is prepended as a system message to any
	// turn whose history does not already carry one.
	SystemPrompt string

	// Model is the default model identifier passed to the transport.
	Model string

	// Temperature is the default sampling temperature. Nil means backend
	// default.
	Temperature *float64

	// MaxSteps bounds model round trips per turn. Zero means
	// [DefaultMaxSteps].
	MaxSteps int

	// Logger receives turn lifecycle logs. Nil means [slog.Default].
	Logger *slog.Logger

	// Metrics receives turn and tool measurements. Optional.
	Metrics *observe.Metrics
}

// TurnOutcome is the result of a completed blocking turn.
type TurnOutcome struct {
	// Text is the final assistant message.
	Text string

	// Usage totals token accounting across all round trips of the turn.
	Usage types.Usage

	// Steps is the number of model round trips the turn took.
	Steps int
}

// TurnController drives complete conversational turns against a transport:
// it validates input history, offers tools, executes requested calls through
// the executor, resubmits results, and enforces the step limit. One
// controller serves one agent; a controller runs at most one turn at a time,
// though distinct controllers are independent.
//
// Construct with [NewTurnController].
type TurnController struct {
	cfg  Config
	exec *Executor
	log  *slog.Logger

	// interrupted is latched by Interrupt and checked at every state
	// transition of the running turn. Reset when a new turn starts.
	interrupted atomic.Bool
}

// NewTurnController creates a controller from cfg. It returns an error when
// cfg.Transport is nil.
func NewTurnController(cfg Config) (*TurnController, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("orchestrator: config requires a transport")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var lookup HandlerLookup = noTools{}
	if cfg.Tools != nil {
		lookup = cfg.Tools
	}
	return &TurnController{
		cfg:  cfg,
		exec: NewExecutor(lookup, cfg.Logger),
		log:  cfg.Logger,
	}, nil
}

// noTools is the HandlerLookup used when no tool source is configured.
type noTools struct{}

func (noTools) Find(string) (ToolHandler, bool) { return nil, false }

// Interrupt requests cooperative cancellation of the turn currently running
// on this controller. The turn observes the request at its next state
// transition and fails with kind interrupted. Interrupting an idle
// controller has no effect on its next turn.
func (c *TurnController) Interrupt() {
	c.interrupted.Store(true)
}

// Invoke runs one blocking turn over messages and returns the final
// assistant outcome. Tool-calling rounds are handled internally: requested
// calls are executed concurrently, and the complete result batch is
// resubmitted before the model continues.
//
// Failures are returned as [*types.Error] so callers can branch on the
// taxonomy kind. hooks may be the zero value.
func (c *TurnController) Invoke(ctx context.Context, messages []types.Message, hooks Hooks) (*TurnOutcome, error) {
	c.interrupted.Store(false)
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "agent.turn",
		trace.WithAttributes(attribute.String("model", c.cfg.Model)))
	defer span.End()

	outcome, err := c.run(ctx, messages, hooks)
	if err != nil {
		terr := asTurnError(err)
		c.log.Warn("turn failed", "kind", terr.Kind, "error", terr.Message)
		span.SetAttributes(attribute.String("outcome", string(terr.Kind)))
		c.cfg.Metrics.RecordTurn(ctx, time.Since(start), string(terr.Kind))
		hooks.failed(terr)
		return nil, terr
	}

	c.log.Debug("turn finished", "steps", outcome.Steps, "total_tokens", outcome.Usage.TotalTokens)
	span.SetAttributes(attribute.String("outcome", "ok"), attribute.Int("steps", outcome.Steps))
	c.cfg.Metrics.RecordTurn(ctx, time.Since(start), "ok")
	hooks.finished(outcome.Text, outcome.Usage)
	return outcome, nil
}

func (c *TurnController) run(ctx context.Context, messages []types.Message, hooks Hooks) (*TurnOutcome, error) {
	prepared, err := c.prepare(messages)
	if err != nil {
		return nil, err
	}

	req := transport.TurnRequest{
		Messages:    prepared,
		Model:       c.cfg.Model,
		Temperature: c.cfg.Temperature,
	}
	if c.cfg.Tools != nil {
		req.Tools = c.cfg.Tools.Definitions()
	}

	var (
		total types.Usage
		steps int
		// executed remembers results by call ID so a backend that replays
		// a continuation cannot trigger a second execution of the same call.
		executed = make(map[string]types.ToolResult)
	)

	if err := c.checkpoint(ctx); err != nil {
		return nil, err
	}

	steps++
	hooks.debug(DebugEvent{Stage: StageSubmit, Step: steps})
	res, err := c.cfg.Transport.SendTurn(ctx, req)
	if err != nil {
		return nil, types.Errf(types.KindTransportError, "%s", err.Error())
	}

	for {
		if err := c.checkpoint(ctx); err != nil {
			return nil, err
		}

		switch res.Kind {
		case transport.ResultFinal:
			total.Add(res.Usage)
			return &TurnOutcome{Text: res.Text, Usage: total, Steps: steps}, nil

		case transport.ResultError:
			return nil, res.Err

		case transport.ResultToolCalls:
			total.Add(res.Usage)
			if steps >= c.cfg.MaxSteps {
				return nil, types.Errf(types.KindStepLimitExceeded,
					"turn exceeded %d model round trips", c.cfg.MaxSteps)
			}

			hooks.debug(DebugEvent{Stage: StageToolCalls, Step: steps, ToolCalls: res.ToolCalls})
			results := c.executeCalls(ctx, res.ToolCalls, executed, hooks)

			if err := c.checkpoint(ctx); err != nil {
				return nil, err
			}

			steps++
			hooks.debug(DebugEvent{Stage: StageResubmit, Step: steps})
			res, err = c.cfg.Transport.ResubmitToolResults(ctx, res.Handle, results)
			if err != nil {
				return nil, types.Errf(types.KindTransportError, "%s", err.Error())
			}

		default:
			return nil, types.Errf(types.KindTransportError,
				"transport returned unknown result kind %q", res.Kind)
		}
	}
}

// executeCalls resolves a batch of model-requested calls into exactly one
// result per call. Calls already executed earlier in the turn are answered
// from the recorded result instead of running again.
func (c *TurnController) executeCalls(ctx context.Context, calls []types.ToolCall, executed map[string]types.ToolResult, hooks Hooks) []types.ToolResult {
	reqs := make([]ToolCallRequest, 0, len(calls))
	cached := make(map[string]bool, len(calls))
	for _, call := range calls {
		if _, done := executed[call.ID]; done {
			cached[call.ID] = true
			continue
		}
		args, err := parseArguments(call.Arguments)
		if err != nil {
			executed[call.ID] = types.ToolResult{
				CallID: call.ID,
				Name:   call.Name,
				Err:    types.Errf(types.KindToolError, "%s", err.Error()),
			}
			continue
		}
		reqs = append(reqs, ToolCallRequest{CallID: call.ID, Name: call.Name, Arguments: args})
	}

	for _, result := range c.execBatch(ctx, reqs) {
		executed[result.CallID] = result
	}

	results := make([]types.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = executed[call.ID]
		if !cached[call.ID] {
			hooks.debug(DebugEvent{Stage: StageToolResult, Result: &results[i]})
		}
	}
	return results
}

func (c *TurnController) execBatch(ctx context.Context, reqs []ToolCallRequest) []types.ToolResult {
	if len(reqs) == 0 {
		return nil
	}
	start := time.Now()
	results := c.exec.ExecuteBatch(ctx, reqs)
	for _, r := range results {
		status := "ok"
		if !r.OK {
			status = string(r.Err.Kind)
		}
		c.cfg.Metrics.RecordToolExecution(ctx, r.Name, time.Since(start), status)
	}
	return results
}

// prepare validates history shape and injects the configured system prompt.
// A system message anywhere but index zero, or more than one of them, fails
// with invalid_messages before any transport call.
func (c *TurnController) prepare(messages []types.Message) ([]types.Message, error) {
	if len(messages) == 0 {
		return nil, types.Errf(types.KindInvalidMessages, "empty message history")
	}
	for i, m := range messages {
		if !m.Role.IsValid() {
			return nil, types.Errf(types.KindInvalidMessages,
				"message %d has unknown role %q", i, m.Role)
		}
		if m.Role == types.RoleSystem && i != 0 {
			return nil, types.Errf(types.KindInvalidMessages,
				"system message at index %d; must be first and unique", i)
		}
	}

	if c.cfg.SystemPrompt == "" || messages[0].Role == types.RoleSystem {
		return messages, nil
	}
	prepared := make([]types.Message, 0, len(messages)+1)
	prepared = append(prepared, types.SystemMessage(c.cfg.SystemPrompt))
	prepared = append(prepared, messages...)
	return prepared, nil
}

// checkpoint observes interruption and context cancellation between state
// transitions.
func (c *TurnController) checkpoint(ctx context.Context) error {
	if c.interrupted.Load() {
		return types.Errf(types.KindInterrupted, "turn interrupted")
	}
	if err := ctx.Err(); err != nil {
		return types.Errf(types.KindInterrupted, "%s", err.Error())
	}
	return nil
}

// asTurnError coerces any error into the taxonomy, defaulting to
// transport_error for errors that arrive unclassified.
func asTurnError(err error) *types.Error {
	if terr, ok := err.(*types.Error); ok {
		return terr
	}
	return types.Errf(types.KindTransportError, "%s", err.Error())
}
