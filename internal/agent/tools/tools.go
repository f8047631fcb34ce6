package tools

import (
	"context"
	"fmt"

	"anima/config"
	"anima/internal/agent/core"
)

// Adapter executes one kind of plan step.
type Adapter interface {
	// Tag returns the tool tag this adapter serves.
	Tag() core.ToolTag
	// Execute runs the step query and returns the raw output.
	Execute(ctx context.Context, query string) (string, error)
}

// ErrAdapterMissing indicates a required tool has no registered adapter.
var ErrAdapterMissing = fmt.Errorf("required tool adapter missing")

// Registry holds adapters keyed by tool tag. The tool set is closed: a
// registry is only valid when every required tag is covered.
type Registry struct {
	adapters map[core.ToolTag]Adapter
}

// NewRegistry validates the adapter set. A nil required list means every
// known tool must be present.
func NewRegistry(adapters []Adapter, required []core.ToolTag) (*Registry, error) {
	reg := &Registry{adapters: make(map[core.ToolTag]Adapter)}
	for _, a := range adapters {
		reg.adapters[a.Tag()] = a
	}
	if required == nil {
		required = core.KnownTools()
	}
	for _, tag := range required {
		if _, ok := reg.adapters[tag]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrAdapterMissing, tag)
		}
	}
	return reg, nil
}

// Lookup returns the adapter for a tag.
func (r *Registry) Lookup(tag core.ToolTag) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.adapters[tag]
	return a, ok
}

// Tags lists the registered tool tags.
func (r *Registry) Tags() []core.ToolTag {
	if r == nil {
		return nil
	}
	out := make([]core.ToolTag, 0, len(r.adapters))
	for tag := range r.adapters {
		out = append(out, tag)
	}
	return out
}

// DefaultRegistry wires the standard adapter set from configuration.
func DefaultRegistry(cfg *config.Config, llm core.LLMProvider) (*Registry, error) {
	search, err := NewWebSearch(cfg.Tools.WebSearch)
	if err != nil {
		return nil, fmt.Errorf("web search adapter: %w", err)
	}
	return NewRegistry([]Adapter{
		search,
		NewShell(cfg.Tools.Shell),
		NewPython(cfg.Tools.Python),
		NewDataProcessing(cfg, llm),
	}, nil)
}
