package tools

import (
	"context"

	"anima/config"
	"anima/internal/agent/core"
	"anima/tools/python"
)

// Python answers script execution steps.
type Python struct {
	runner python.Runner
}

var _ Adapter = (*Python)(nil)

func NewPython(cfg config.PythonConfig) *Python {
	return &Python{runner: python.Runner{
		Interpreter: cfg.Interpreter,
		Timeout:     cfg.Timeout,
	}}
}

func (p *Python) Tag() core.ToolTag { return core.ToolPythonCode }

func (p *Python) Execute(ctx context.Context, query string) (string, error) {
	return p.runner.Exec(ctx, query)
}
