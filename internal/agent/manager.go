package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/inbox"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/observe"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/tools"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/transport"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// Manager is the process-wide agent directory. It creates agents over a
// shared transport and inbox store and wires the built-in messaging tools
// into each agent's registry so agents can reach each other by ID.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	tr      transport.Transport
	store   inbox.Store
	log     *slog.Logger
	metrics *observe.Metrics

	mu     sync.RWMutex
	agents map[string]*Agent
}

// ManagerOption configures a [Manager] during construction.
type ManagerOption func(*Manager)

// WithLogger sets the logger passed to created agents. The default is
// [slog.Default].
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithMetrics sets the metrics sink passed to created agents.
func WithMetrics(metrics *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a Manager whose agents share tr and store. A nil store
// disables agent-to-agent messaging: agents are still created but without
// the messaging tools.
func NewManager(tr transport.Transport, store inbox.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		tr:     tr,
		store:  store,
		log:    slog.Default(),
		agents: make(map[string]*Agent),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add creates and registers an agent from persona. Returns an error if an
// agent with the same ID is already registered.
func (m *Manager) Add(persona Persona) (*Agent, error) {
	a, err := newAgent(persona, m.tr, m.store, m.log, m.metrics)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[persona.ID]; ok {
		return nil, fmt.Errorf("agent: %q already registered", persona.ID)
	}
	m.agents[persona.ID] = a

	if m.store != nil {
		if err := m.registerMessagingTools(a); err != nil {
			delete(m.agents, persona.ID)
			return nil, err
		}
	}

	m.metrics.AddActiveAgents(context.Background(), 1)
	m.log.Info("agent registered", "agent", persona.ID, "name", persona.Name)
	return a, nil
}

// Get returns the agent registered under id.
func (m *Manager) Get(id string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

// Remove unregisters an agent. Returns an error if not found.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return fmt.Errorf("agent: %q not found", id)
	}
	delete(m.agents, id)
	m.metrics.AddActiveAgents(context.Background(), -1)
	m.log.Info("agent removed", "agent", id)
	return nil
}

// IDs returns the sorted IDs of all registered agents.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// registerMessagingTools installs send_message and check_inbox on the
// agent's registry, with the sender identity bound by closure so a tool call
// can never spoof another agent. Must be called with m.mu held.
func (m *Manager) registerMessagingTools(a *Agent) error {
	selfID := a.ID()

	sendDef := types.ToolDefinition{
		Name:        "send_message",
		Description: "Send a message to another agent's inbox. The recipient sees it at the start of their next turn.",
		Parameters: tools.NewSchema().
			String("target", "ID of the agent to message", true).
			String("body", "Message text", true).
			Build(),
	}
	sendHandler := func(ctx context.Context, args map[string]any) (any, error) {
		target, _ := args["target"].(string)
		body, _ := args["body"].(string)
		if target == selfID {
			return nil, fmt.Errorf("cannot send a message to yourself")
		}
		m.mu.RLock()
		_, known := m.agents[target]
		m.mu.RUnlock()
		if !known {
			return nil, fmt.Errorf("unknown agent %q", target)
		}
		msg, err := m.store.Deliver(ctx, types.InboxMessage{From: selfID, To: target, Body: body})
		if err != nil {
			return nil, fmt.Errorf("deliver to %q: %w", target, err)
		}
		m.metrics.RecordInboxMessage(ctx, selfID, target)
		return map[string]any{"delivered": true, "message_id": msg.ID}, nil
	}
	if err := a.Registry().Register(sendDef, sendHandler); err != nil {
		return err
	}

	checkDef := types.ToolDefinition{
		Name:        "check_inbox",
		Description: "Read and consume the unread messages in your inbox.",
		Parameters:  tools.NewSchema().Build(),
	}
	checkHandler := func(ctx context.Context, _ map[string]any) (any, error) {
		unread, err := m.store.Unread(ctx, selfID)
		if err != nil {
			return nil, fmt.Errorf("read inbox: %w", err)
		}
		out := make([]map[string]any, len(unread))
		ids := make([]string, len(unread))
		for i, msg := range unread {
			out[i] = map[string]any{"from": msg.From, "body": msg.Body, "sent_at": msg.SentAt}
			ids[i] = msg.ID
		}
		if err := m.store.MarkRead(ctx, selfID, ids); err != nil {
			return nil, fmt.Errorf("mark read: %w", err)
		}
		return map[string]any{"messages": out}, nil
	}
	return a.Registry().Register(checkDef, checkHandler)
}
