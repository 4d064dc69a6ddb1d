// Package anyllm provides a turn transport backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	tr, err := anyllm.New("ollama", "llama3.1")
//	tr, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// Transport implements [transport.Transport] by wrapping any-llm-go.
type Transport struct {
	backend anyllmlib.Provider
	model   string

	mu      sync.Mutex
	streams map[string]*stream
}

var _ transport.Transport = (*Transport)(nil)

// New creates a new Transport backed by the given LLM provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// model is the specific model to use (e.g., "gpt-4o", "claude-3-5-sonnet-latest").
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the provider falls
// back to the relevant environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Transport, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Transport{
		backend: backend,
		model:   model,
		streams: make(map[string]*stream),
	}, nil
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// turnHandle carries the accumulated conversation so tool results can extend
// the same exchange.
type turnHandle struct {
	id     string
	params anyllmlib.CompletionParams
}

func (h *turnHandle) ID() string { return h.id }

// ─── blocking turns ──────────────────────────────────────────────────────────

// SendTurn implements [transport.Transport].
func (t *Transport) SendTurn(ctx context.Context, req transport.TurnRequest) (*transport.TurnResult, error) {
	return t.complete(ctx, t.buildParams(req)), nil
}

// ResubmitToolResults implements [transport.Transport].
func (t *Transport) ResubmitToolResults(ctx context.Context, h transport.TurnHandle, results []types.ToolResult) (*transport.TurnResult, error) {
	th, ok := h.(*turnHandle)
	if !ok {
		return nil, fmt.Errorf("anyllm: handle %q was not issued by this transport", h.ID())
	}

	params := th.params
	params.Messages = append(params.Messages[:len(params.Messages):len(params.Messages)],
		toolMessages(results)...)
	return t.complete(ctx, params), nil
}

func (t *Transport) complete(ctx context.Context, params anyllmlib.CompletionParams) *transport.TurnResult {
	resp, err := t.backend.Completion(ctx, params)
	if err != nil {
		return &transport.TurnResult{Kind: transport.ResultError, Err: classify(err)}
	}
	if len(resp.Choices) == 0 {
		return &transport.TurnResult{
			Kind: transport.ResultError,
			Err:  types.Errf(types.KindTransportError, "anyllm: empty choices in response"),
		}
	}

	choice := resp.Choices[0]
	var usage types.Usage
	if resp.Usage != nil {
		usage = types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	if len(choice.Message.ToolCalls) > 0 {
		calls := make([]types.ToolCall, 0, len(choice.Message.ToolCalls))
		for _, tc := range choice.Message.ToolCalls {
			calls = append(calls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}

		params.Messages = append(params.Messages, assistantToolCallMessage(choice.Message.ContentString(), calls))
		return &transport.TurnResult{
			Kind:      transport.ResultToolCalls,
			ToolCalls: calls,
			Usage:     usage,
			Handle:    &turnHandle{id: "anyllm-" + uuid.NewString(), params: params},
		}
	}

	return &transport.TurnResult{
		Kind:  transport.ResultFinal,
		Text:  choice.Message.ContentString(),
		Usage: usage,
	}
}

// ─── param conversion ────────────────────────────────────────────────────────

func (t *Transport) buildParams(req transport.TurnRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	model := req.Model
	if model == "" {
		model = t.model
	}

	params := anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature != nil {
		temp := *req.Temperature
		params.Temperature = &temp
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	return params
}

func convertMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       string(m.Role),
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

func assistantToolCallMessage(content string, calls []types.ToolCall) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:    anyllmlib.RoleAssistant,
		Content: content,
	}
	for _, tc := range calls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

// toolMessages renders tool results as wire messages. Failed executions are
// reported to the model as error text so it can react.
func toolMessages(results []types.ToolResult) []anyllmlib.Message {
	msgs := make([]anyllmlib.Message, 0, len(results))
	for _, res := range results {
		content := res.Data
		if !res.OK && res.Err != nil {
			content = fmt.Sprintf(`{"error":%q}`, res.Err.Message)
		}
		msgs = append(msgs, anyllmlib.Message{
			Role:       anyllmlib.RoleTool,
			Content:    content,
			ToolCallID: res.CallID,
		})
	}
	return msgs
}

// ─── error classification ────────────────────────────────────────────────────

// classify maps backend and context errors onto the turn error taxonomy.
// any-llm-go does not expose structured HTTP errors, so rate limits are
// detected from the message text.
func classify(err error) *types.Error {
	var terr *types.Error
	if errors.As(err, &terr) {
		return terr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.Errf(types.KindInterrupted, "anyllm: %v", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "rate limit") {
		return types.Errf(types.KindRateLimited, "anyllm: %v", err)
	}
	return types.Errf(types.KindTransportError, "anyllm: %v", err)
}
