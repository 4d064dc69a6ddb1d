// Package types defines the shared conversation types used across all packages
// of the agent framework.
//
// These types form the lingua franca between transports, the orchestration
// core, the tool registry, and the agent layer. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import (
	"fmt"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleSystem is the high-priority instruction role. A conversation may
	// contain at most one system message, and it must be the first message.
	RoleSystem Role = "system"

	// RoleUser is a message authored by the player or calling application.
	RoleUser Role = "user"

	// RoleAssistant is a message authored by the model.
	RoleAssistant Role = "assistant"

	// RoleTool carries the result of a tool invocation back to the model.
	RoleTool Role = "tool"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// PartKind identifies the payload type of a ContentPart.
type PartKind string

const (
	// PartText is plain text content.
	PartText PartKind = "text"

	// PartImage is an image reference (URL or data URI).
	PartImage PartKind = "image"

	// PartAudio is a raw audio payload.
	PartAudio PartKind = "audio"
)

// ContentPart is one element of a message's ordered content sequence.
// Text content normally lives in [Message.Content]; parts carry the non-text
// attachments (image references, audio payloads) some models accept.
type ContentPart struct {
	// Kind selects which of the payload fields below is meaningful.
	Kind PartKind

	// Text is the text payload when Kind is PartText.
	Text string

	// URL is the image reference when Kind is PartImage.
	URL string

	// Audio is the raw audio payload when Kind is PartAudio.
	Audio []byte

	// MIME is the media type of Audio (e.g., "audio/wav"). Empty for text.
	MIME string
}

// Message represents a single entry of conversation history. Messages are
// treated as immutable once appended to a history: callers construct a new
// message rather than mutating an appended one.
type Message struct {
	// Role is the author of the message.
	Role Role

	// Content is the text content of the message. Empty when the assistant
	// responds exclusively with tool calls.
	Content string

	// Parts holds ordered non-text content (image references, audio
	// payloads). Nil for plain text messages, which is the common case.
	Parts []ContentPart

	// Name is an optional participant name for multi-agent contexts.
	Name string

	// ToolCalls contains the tool invocations requested by the assistant.
	// Only set when Role is RoleAssistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is RoleTool, identifying which tool call
	// this message responds to.
	ToolCallID string
}

// SystemMessage returns a system-role message with the given text.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage returns a user-role message with the given text.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage returns an assistant-role message with the given text.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolMessage returns a tool-role message carrying a result for callID.
func ToolMessage(content, callID string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned identifier for this call, unique within
	// its turn.
	ID string

	// Name is the tool the model wants to invoke.
	Name string

	// Arguments is the JSON-encoded argument text as received from the wire.
	// Parsing into a structured map is the orchestrator's concern.
	Arguments string
}

// ToolDefinition describes a callable capability offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier within a registry.
	Name string

	// Description explains what the tool does. Included in model prompts.
	Description string

	// Parameters is the JSON Schema describing the tool's accepted arguments.
	Parameters map[string]any
}

// ToolResult is the normalized outcome of executing one tool call.
// Exactly one ToolResult is produced per requested call, matched by CallID.
type ToolResult struct {
	// CallID echoes the ToolCall.ID this result answers.
	CallID string

	// Name is the tool name, echoed for logging and wire encoding.
	Name string

	// OK reports whether the handler completed successfully.
	OK bool

	// Data is the JSON-encoded payload returned by the handler. Empty when
	// OK is false.
	Data string

	// Err describes the failure when OK is false. Nil on success.
	Err *Error
}

// Usage holds token accounting returned by the model backend. Counts are in
// the model's native token unit and may differ between providers for the
// same textual content.
type Usage struct {
	// PromptTokens were consumed by the input messages and tool schemas.
	PromptTokens int

	// CompletionTokens were generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// Add accumulates other into u. Used to total usage across the steps of a
// multi-step turn.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ErrorKind classifies a failure within the turn error taxonomy. Kinds are
// stable strings suitable for wire encoding and metric attributes.
type ErrorKind string

const (
	// KindInvalidMessages marks malformed input history (multiple or
	// misplaced system messages). Detected before any network call.
	KindInvalidMessages ErrorKind = "invalid_messages"

	// KindUnknownTool marks a model request for a tool with no registered
	// handler. Non-fatal: the turn continues with a failed ToolResult.
	KindUnknownTool ErrorKind = "unknown_tool"

	// KindToolError marks a registered handler that returned or panicked
	// with a failure. Non-fatal: the turn continues with a failed ToolResult.
	KindToolError ErrorKind = "tool_error"

	// KindTransportError marks a connectivity failure below the core
	// boundary (dial, read, protocol).
	KindTransportError ErrorKind = "transport_error"

	// KindHTTPError marks a non-retryable HTTP-level failure from the
	// remote endpoint.
	KindHTTPError ErrorKind = "http_error"

	// KindRateLimited marks an HTTP 429 from the remote endpoint.
	KindRateLimited ErrorKind = "rate_limited"

	// KindStepLimitExceeded guards against runaway tool-calling loops.
	KindStepLimitExceeded ErrorKind = "step_limit_exceeded"

	// KindInterrupted marks cooperative cancellation observed at a
	// state-transition checkpoint.
	KindInterrupted ErrorKind = "interrupted"

	// KindParseError marks tool-call argument text that failed to parse as
	// structured data.
	KindParseError ErrorKind = "parse_error"
)

// Error is a classified failure carried through the turn state machine and
// across the transport boundary.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Errf constructs an [*Error] with the given kind and message. With no args
// the format string is used verbatim, so pre-rendered messages are safe.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Message: msg}
}

// InboxMessage is one agent-to-agent message delivered through an inbox
// store.
type InboxMessage struct {
	// ID uniquely identifies the message within the store.
	ID string

	// From is the sending agent's ID.
	From string

	// To is the receiving agent's ID.
	To string

	// Body is the message text.
	Body string

	// SentAt is when the message was delivered to the store.
	SentAt time.Time

	// Read reports whether the recipient has consumed the message.
	Read bool
}
