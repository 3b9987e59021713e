// Package tools implements the internal tool registry: in-process tools the
// platform always carries, merged into the catalog alongside externally
// discovered ones.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/clawinfra/toolmesh/internal/types"
)

// Handler executes one internal tool.
type Handler func(ctx context.Context, input map[string]any) (*types.ToolOutput, error)

type registeredTool struct {
	spec    types.ToolSpec
	handler Handler
}

// Registry maintains the internal tool set.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*registeredTool),
		logger: logger.With("component", "tool_registry"),
	}
}

// Register adds one tool. Fails on a duplicate name.
func (r *Registry) Register(spec types.ToolSpec, handler Handler) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name required")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler required", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("tool %q already registered", spec.Name)
	}
	r.tools[spec.Name] = &registeredTool{spec: spec, handler: handler}
	r.logger.Debug("internal tool registered", "tool", spec.Name)
	return nil
}

// Specs returns the specs of every registered tool, sorted by name.
func (r *Registry) Specs() []types.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]types.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs the named tool in process.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (*types.ToolOutput, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("internal tool %q not found", name)
	}
	out, err := t.handler(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}
	return out, nil
}
