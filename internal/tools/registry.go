// Package tools maintains the per-agent registry of callable tools.
//
// A registry pairs tool definitions with their Go handlers and validates
// incoming arguments against each tool's JSON Schema before the handler
// runs. Registries are concurrent-safe and implement the lookup interfaces
// the orchestrator consumes, so an agent's tool set can be mutated between
// turns without rebuilding the controller.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/SDCalvo/godot-llm-agent-framework-sub000/internal/orchestrator"
	"github.com/SDCalvo/godot-llm-agent-framework-sub000/pkg/types"
)

// entry pairs one registered tool's definition, compiled schema, and handler.
type entry struct {
	def     types.ToolDefinition
	schema  *jsonschema.Schema // nil when the tool declares no parameters
	handler orchestrator.ToolHandler
}

// Registry is a concurrent-safe map of tool name to definition and handler.
//
// The zero value is not usable; create instances with [NewRegistry].
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Compile-time check: Registry must satisfy the orchestrator's tool source.
var _ orchestrator.ToolSource = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a tool under def.Name. The definition's Parameters schema is
// compiled eagerly so malformed schemas fail at registration rather than
// mid-turn. Registering an existing name replaces the previous tool.
func (r *Registry) Register(def types.ToolDefinition, handler orchestrator.ToolHandler) error {
	if def.Name == "" {
		return fmt.Errorf("tools: definition must have a non-empty name")
	}
	if handler == nil {
		return fmt.Errorf("tools: tool %q requires a handler", def.Name)
	}

	var schema *jsonschema.Schema
	if def.Parameters != nil {
		compiled, err := compileSchema(def.Name, def.Parameters)
		if err != nil {
			return fmt.Errorf("tools: compile schema for %q: %w", def.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = entry{def: def, schema: schema, handler: handler}
	return nil
}

// Unregister removes the named tool. Removing an absent name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Find returns the named tool's handler, wrapped with schema validation.
// Arguments that fail validation produce a handler error, which the
// orchestrator reports as a tool_error result.
func (r *Registry) Find(name string) (orchestrator.ToolHandler, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if e.schema == nil {
		return e.handler, true
	}

	schema, handler := e.schema, e.handler
	return func(ctx context.Context, args map[string]any) (any, error) {
		var doc any = map[string]any{}
		if args != nil {
			doc = args
		}
		if err := schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("arguments for %q rejected by schema: %w", name, err)
		}
		return handler(ctx, args)
	}, true
}

// Definitions returns a snapshot of all registered tool definitions, sorted
// by name for stable prompt ordering.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]types.ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// compileSchema turns a Parameters map into a compiled JSON Schema.
func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "inmem://tools/" + name + ".json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
