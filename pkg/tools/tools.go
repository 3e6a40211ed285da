// Package tools exposes automation surfaces to the model and dispatches the
// calls it makes.
package tools

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/store"
)

// Output is what a tool returns on success. When Image is set the result is
// an image result and Text is an optional caption.
type Output struct {
	Text  string
	Image *store.ImageSource
}

// Tool defines the interface that all agent tools must implement.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any // Simple representation of JSON schema
	// Modes lists the agent modes the tool is offered in.
	Modes() []models.Mode
	Execute(ctx context.Context, input map[string]any) (Output, error)
}

// Registry manages the available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Lookup returns the named tool if it is offered in mode.
func (r *Registry) Lookup(mode models.Mode, name string) (Tool, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	if !slices.Contains(t.Modes(), mode) {
		return nil, fmt.Errorf("tool %q is not available in %s mode", name, mode)
	}
	return t, nil
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// Specs declares the tools offered in mode.
func (r *Registry) Specs(mode models.Mode) []models.ToolSpec {
	var specs []models.ToolSpec
	for _, t := range r.List() {
		if !slices.Contains(t.Modes(), mode) {
			continue
		}
		specs = append(specs, models.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return specs
}
