// Package agent binds the turn machinery into long-lived conversational
// agents: each agent owns a persona, a retained conversation history, a tool
// registry, and an inbox for messages from other agents.
//
// The two primary types are:
//
//   - [Agent] — one conversational identity. It drives turns through its
//     [orchestrator.TurnController] and folds finished turns back into its
//     retained history.
//   - [Manager] — the process-wide agent directory. It creates agents,
//     shares the transport and inbox store between them, and wires the
//     built-in messaging tools so agents can reach each other by ID.
//
// This package lives under internal/ because it encapsulates
// application-private orchestration logic and is not intended to be imported
// by external code.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/inbox"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/observe"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/orchestrator"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/tools"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// defaultMaxHistory bounds retained history when a persona does not set one.
const defaultMaxHistory = 50

// Persona describes the static identity of an agent. Personas are loaded at
// startup from configuration and are immutable once an agent is created.
type Persona struct {
	// ID is the stable, unique identifier for this agent. Must not be empty.
	ID string

	// Name is the agent's display name (e.g., "Greymantle the Sage").
	Name string

	// SystemPrompt is the persona instruction injected as the system message
	// of every turn.
	SystemPrompt string

	// Model overrides the transport's default model when non-empty.
	Model string

	// Temperature overrides the backend sampling default when non-nil.
	Temperature *float64

	// MaxSteps bounds model round trips per turn. Zero means the
	// orchestrator default.
	MaxSteps int

	// MaxHistory bounds the retained conversation history in messages.
	// Zero means the package default. The system prompt does not count; it
	// is synthesized fresh each turn.
	MaxHistory int
}

// Agent is one live conversational identity. Methods are safe for
// concurrent use, but an agent runs at most one turn at a time: Say and
// StartStream serialize on the agent's history lock.
//
// Create agents through [Manager.Add].
type Agent struct {
	persona Persona
	ctrl    *orchestrator.TurnController
	reg     *tools.Registry
	store   inbox.Store
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	history []types.Message
}

// ID returns the agent's unique identifier.
func (a *Agent) ID() string { return a.persona.ID }

// Name returns the agent's display name.
func (a *Agent) Name() string { return a.persona.Name }

// Registry returns the agent's tool registry. Callers may register
// additional tools at any time; changes take effect on the next turn.
func (a *Agent) Registry() *tools.Registry { return a.reg }

// Interrupt requests cooperative cancellation of the agent's running
// blocking turn.
func (a *Agent) Interrupt() { a.ctrl.Interrupt() }

// Say runs one blocking turn: text is appended to the retained history as a
// user message, unread inbox messages are surfaced to the model as context,
// and the final assistant reply is folded back into the history.
//
// On failure the history keeps the user message but no assistant reply, so
// the caller may retry.
func (a *Agent) Say(ctx context.Context, text string, hooks orchestrator.Hooks) (*orchestrator.TurnOutcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	messages := a.turnMessagesLocked(ctx, text)

	outcome, err := a.ctrl.Invoke(ctx, messages, hooks)
	if err != nil {
		return nil, err
	}

	a.history = append(a.history, types.AssistantMessage(outcome.Text))
	a.trimLocked()
	return outcome, nil
}

// StartStream runs one streaming turn. History handling matches [Agent.Say];
// the assistant reply is folded in when the stream finishes. The returned
// session is live: cancel it to stop the turn.
func (a *Agent) StartStream(ctx context.Context, text string, hooks orchestrator.Hooks) (*orchestrator.StreamSession, error) {
	a.mu.Lock()
	messages := a.turnMessagesLocked(ctx, text)
	a.mu.Unlock()

	userFinished := hooks.OnFinished
	hooks.OnFinished = func(final string, usage types.Usage) {
		a.mu.Lock()
		a.history = append(a.history, types.AssistantMessage(final))
		a.trimLocked()
		a.mu.Unlock()
		if userFinished != nil {
			userFinished(final, usage)
		}
	}

	return a.ctrl.Stream(ctx, messages, hooks)
}

// History returns a snapshot of the retained conversation history.
func (a *Agent) History() []types.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Message, len(a.history))
	copy(out, a.history)
	return out
}

// ResetHistory clears the retained conversation history.
func (a *Agent) ResetHistory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
}

// turnMessagesLocked appends the user message to history, surfaces unread
// inbox messages, and returns the message slice for the next turn. Must be
// called with a.mu held.
func (a *Agent) turnMessagesLocked(ctx context.Context, text string) []types.Message {
	if note := a.drainInbox(ctx); note != "" {
		a.history = append(a.history, types.UserMessage(note))
	}
	a.history = append(a.history, types.UserMessage(text))
	a.trimLocked()

	messages := make([]types.Message, len(a.history))
	copy(messages, a.history)
	return messages
}

// drainInbox collects unread inbox messages into a context note and marks
// them read. Inbox failures are logged and skipped: messaging must never
// block a turn.
func (a *Agent) drainInbox(ctx context.Context) string {
	if a.store == nil {
		return ""
	}
	unread, err := a.store.Unread(ctx, a.persona.ID)
	if err != nil {
		a.log.Warn("inbox read failed", "agent", a.persona.ID, "error", err)
		return ""
	}
	if len(unread) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("You have received messages from other agents:\n")
	ids := make([]string, len(unread))
	for i, m := range unread {
		fmt.Fprintf(&sb, "- from %s: %s\n", m.From, m.Body)
		ids[i] = m.ID
	}
	if err := a.store.MarkRead(ctx, a.persona.ID, ids); err != nil {
		a.log.Warn("inbox mark read failed", "agent", a.persona.ID, "error", err)
	}
	return sb.String()
}

// trimLocked caps the retained history at the persona's limit, dropping the
// oldest messages first. Must be called with a.mu held.
func (a *Agent) trimLocked() {
	limit := a.persona.MaxHistory
	if limit <= 0 {
		limit = defaultMaxHistory
	}
	if len(a.history) > limit {
		a.history = a.history[len(a.history)-limit:]
	}
}

// newAgent wires an agent from its persona and shared infrastructure.
func newAgent(persona Persona, tr transport.Transport, store inbox.Store, log *slog.Logger, metrics *observe.Metrics) (*Agent, error) {
	if persona.ID == "" {
		return nil, fmt.Errorf("agent: persona must have a non-empty ID")
	}
	if log == nil {
		log = slog.Default()
	}

	reg := tools.NewRegistry()
	ctrl, err := orchestrator.NewTurnController(orchestrator.Config{
		Transport:    tr,
		Tools:        reg,
		SystemPrompt: persona.SystemPrompt,
		Model:        persona.Model,
		Temperature:  persona.Temperature,
		MaxSteps:     persona.MaxSteps,
		Logger:       log.With("agent", persona.ID),
		Metrics:      metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: build controller for %q: %w", persona.ID, err)
	}

	return &Agent{
		persona: persona,
		ctrl:    ctrl,
		reg:     reg,
		store:   store,
		log:     log.With("agent", persona.ID),
		metrics: metrics,
	}, nil
}
