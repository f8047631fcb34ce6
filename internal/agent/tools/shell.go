package tools

import (
	"context"

	"anima/config"
	"anima/internal/agent/core"
	"anima/tools/shell"
)

// Shell answers terminal command steps.
type Shell struct {
	runner shell.Runner
}

var _ Adapter = (*Shell)(nil)

func NewShell(cfg config.ShellConfig) *Shell {
	return &Shell{runner: shell.Runner{Timeout: cfg.Timeout, WorkDir: cfg.WorkDir}}
}

func (s *Shell) Tag() core.ToolTag { return core.ToolShell }

func (s *Shell) Execute(ctx context.Context, query string) (string, error) {
	return s.runner.Exec(ctx, query)
}
