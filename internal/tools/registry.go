// Package tools holds locally executed tools offered to the model.
//
// The model proposes tool calls; the engine executes them here. Execution
// honors the turn's abort signal via ctx. A tool may stream intermediate
// chunks through the Emit callback; the returned value is the final output.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/courier/internal/providers"
)

// Call is one tool invocation proposed by the model.
type Call struct {
	ID   string
	Name string
	Args json.RawMessage
}

// EmitFunc streams an intermediate execution chunk to subscribers.
type EmitFunc func(chunk string)

// ApprovalFunc gates execution. Returning false denies the call; the engine
// records an error-text tool result instead of executing.
type ApprovalFunc func(ctx context.Context, call Call) bool

// Tool is one locally executable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any

	// NeedsApproval, when set, is consulted before every execution.
	NeedsApproval ApprovalFunc

	// Execute runs the tool. emit may be nil.
	Execute func(ctx context.Context, args json.RawMessage, emit EmitFunc) (string, error)
}

// Registry is a named set of tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns provider tool definitions, sorted by name. Local-execute
// metadata (approval predicates) never leaves this package.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ErrUnknownTool is returned for calls naming an unregistered tool.
type ErrUnknownTool struct{ Name string }

func (e *ErrUnknownTool) Error() string { return fmt.Sprintf("unknown tool %q", e.Name) }
