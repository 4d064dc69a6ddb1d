package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// MCPTransport selects how an MCP server is reached.
type MCPTransport string

const (
	// MCPTransportStdio launches the server as a child process speaking MCP
	// over stdin/stdout.
	MCPTransportStdio MCPTransport = "stdio"

	// MCPTransportStreamableHTTP connects to a server's streamable-HTTP
	// endpoint.
	MCPTransportStreamableHTTP MCPTransport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t MCPTransport) IsValid() bool {
	return t == MCPTransportStdio || t == MCPTransportStreamableHTTP
}

// MCPServerConfig describes one MCP server whose tools should be imported.
type MCPServerConfig struct {
	// Name identifies the server in logs and errors.
	Name string

	// Transport selects stdio or streamable-http.
	Transport MCPTransport

	// Command is the child process command line for stdio servers, split on
	// spaces into executable and arguments.
	Command string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string

	// URL is the endpoint address for streamable-http servers.
	URL string
}

// MCPHost connects to MCP servers and imports their tool catalogues into a
// [Registry]. Imported tools execute by routing the call to the owning
// server session; results come back as the concatenated text content of the
// MCP response.
//
// Create instances with [NewMCPHost] and Close when done.
type MCPHost struct {
	client *mcpsdk.Client
	reg    *Registry

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession // key: server name
	owned    map[string][]string              // server name → imported tool names
}

// NewMCPHost creates a host that imports tools into reg.
func NewMCPHost(reg *Registry) *MCPHost {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "agentd-mcphost", Version: "1.0.0"},
		nil,
	)
	return &MCPHost{
		client:   client,
		reg:      reg,
		sessions: make(map[string]*mcpsdk.ClientSession),
		owned:    make(map[string][]string),
	}
}

// Connect establishes a session with the server described by cfg and
// registers every tool it advertises. Reconnecting a server with the same
// Name replaces its previously imported tools.
func (h *MCPHost) Connect(ctx context.Context, cfg MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: mcp server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("tools: unknown mcp transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case MCPTransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("tools: stdio mcp server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case MCPTransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http mcp server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to mcp server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools for mcp server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.sessions[cfg.Name]; ok {
		_ = old.Close()
		for _, name := range h.owned[cfg.Name] {
			h.reg.Unregister(name)
		}
		delete(h.owned, cfg.Name)
	}
	h.sessions[cfg.Name] = session

	for _, tool := range discovered {
		def := types.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		}
		if err := h.reg.Register(def, h.callHandler(cfg.Name, tool.Name)); err != nil {
			return fmt.Errorf("tools: register mcp tool %q from server %q: %w", tool.Name, cfg.Name, err)
		}
		h.owned[cfg.Name] = append(h.owned[cfg.Name], tool.Name)
	}

	return nil
}

// callHandler builds the registry handler that routes one imported tool to
// its owning server session.
func (h *MCPHost) callHandler(server, tool string) func(ctx context.Context, args map[string]any) (any, error) {
	return func(ctx context.Context, args map[string]any) (any, error) {
		h.mu.Lock()
		session, ok := h.sessions[server]
		h.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("mcp server %q is not connected", server)
		}

		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      tool,
			Arguments: args,
		})
		if err != nil {
			return nil, fmt.Errorf("mcp call %q failed: %w", tool, err)
		}

		var sb strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return nil, fmt.Errorf("mcp tool %q reported an error: %s", tool, sb.String())
		}
		return sb.String(), nil
	}
}

// Close shuts down all server sessions and unregisters their tools. After
// Close returns the host must not be used again.
func (h *MCPHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close mcp server %q: %w", name, err)
		}
		for _, tool := range h.owned[name] {
			h.reg.Unregister(tool)
		}
		delete(h.sessions, name)
		delete(h.owned, name)
	}
	return firstErr
}

// schemaToMap converts any schema value to a map[string]any, falling back to
// a permissive object schema when conversion fails.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
