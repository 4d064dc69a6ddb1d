// Package openai provides a turn transport backed by the OpenAI chat
// completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// Transport implements [transport.Transport] using the OpenAI API.
type Transport struct {
	client oai.Client
	model  string

	mu      sync.Mutex
	streams map[string]*stream
}

// config holds optional configuration for the transport.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Transport.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI [Transport].
func New(apiKey string, model string, opts ...Option) (*Transport, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Transport{
		client:  oai.NewClient(reqOpts...),
		model:   model,
		streams: make(map[string]*stream),
	}, nil
}

var _ transport.Transport = (*Transport)(nil)

// turnHandle carries the accumulated conversation params so the next round
// of tool results can extend the same exchange.
type turnHandle struct {
	id     string
	params oai.ChatCompletionNewParams
	calls  []types.ToolCall
}

func (h *turnHandle) ID() string { return h.id }

// ─── blocking turns ──────────────────────────────────────────────────────────

// SendTurn implements [transport.Transport]. Backend failures come back as
// error results, not Go errors.
func (t *Transport) SendTurn(ctx context.Context, req transport.TurnRequest) (*transport.TurnResult, error) {
	params, err := t.buildParams(req)
	if err != nil {
		return &transport.TurnResult{Kind: transport.ResultError, Err: classify(err)}, nil
	}
	return t.complete(ctx, params), nil
}

// ResubmitToolResults implements [transport.Transport]. It extends the
// conversation captured by h with one tool message per result and requests
// the next completion.
func (t *Transport) ResubmitToolResults(ctx context.Context, h transport.TurnHandle, results []types.ToolResult) (*transport.TurnResult, error) {
	th, ok := h.(*turnHandle)
	if !ok {
		return nil, fmt.Errorf("openai: handle %q was not issued by this transport", h.ID())
	}

	params := th.params
	params.Messages = append(params.Messages[:len(params.Messages):len(params.Messages)],
		toolMessages(results)...)
	return t.complete(ctx, params), nil
}

// complete performs one wire round trip and maps the response to a result.
func (t *Transport) complete(ctx context.Context, params oai.ChatCompletionNewParams) *transport.TurnResult {
	resp, err := t.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return &transport.TurnResult{Kind: transport.ResultError, Err: classify(err)}
	}
	if len(resp.Choices) == 0 {
		return &transport.TurnResult{
			Kind: transport.ResultError,
			Err:  types.Errf(types.KindTransportError, "openai: empty choices in response"),
		}
	}

	choice := resp.Choices[0]
	usage := types.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
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

		// Fold the assistant tool-call message into the handle so the
		// resubmission carries the full exchange.
		params.Messages = append(params.Messages, assistantToolCallMessage(choice.Message.Content, calls))
		return &transport.TurnResult{
			Kind:      transport.ResultToolCalls,
			ToolCalls: calls,
			Usage:     usage,
			Handle:    &turnHandle{id: "oai-" + uuid.NewString(), params: params, calls: calls},
		}
	}

	return &transport.TurnResult{
		Kind:  transport.ResultFinal,
		Text:  choice.Message.Content,
		Usage: usage,
	}
}

// ─── param conversion ────────────────────────────────────────────────────────

func (t *Transport) buildParams(req transport.TurnRequest) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	model := req.Model
	if model == "" {
		model = t.model
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}
	return params, nil
}

func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case types.RoleUser:
		return oai.UserMessage(m.Content), nil

	case types.RoleAssistant:
		if len(m.ToolCalls) > 0 {
			return assistantToolCallMessage(m.Content, m.ToolCalls), nil
		}
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case types.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

func assistantToolCallMessage(content string, calls []types.ToolCall) oai.ChatCompletionMessageParamUnion {
	asst := oai.ChatCompletionAssistantMessageParam{}
	if content != "" {
		asst.Content.OfString = oai.String(content)
	}
	for _, tc := range calls {
		asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: oai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

// toolMessages renders tool results as wire messages. Failed executions are
// reported to the model as error text so it can react.
func toolMessages(results []types.ToolResult) []oai.ChatCompletionMessageParamUnion {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(results))
	for _, res := range results {
		content := res.Data
		if !res.OK && res.Err != nil {
			content = fmt.Sprintf(`{"error":%q}`, res.Err.Message)
		}
		msgs = append(msgs, oai.ToolMessage(content, res.CallID))
	}
	return msgs
}

// ─── error classification ────────────────────────────────────────────────────

// classify maps SDK and context errors onto the turn error taxonomy.
func classify(err error) *types.Error {
	var terr *types.Error
	if errors.As(err, &terr) {
		return terr
	}
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == http.StatusTooManyRequests {
			return types.Errf(types.KindRateLimited, "openai: rate limited: %v", apierr)
		}
		return types.Errf(types.KindHTTPError, "openai: http %d: %v", apierr.StatusCode, apierr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.Errf(types.KindInterrupted, "openai: %v", err)
	}
	return types.Errf(types.KindTransportError, "openai: %v", err)
}
