package executor

import (
	"context"
	"fmt"
	"log"

	"anima/internal/agent/core"
	"anima/internal/agent/telemetry"
	"anima/internal/agent/tools"
)

// PackageInstaller installs a missing runtime dependency.
type PackageInstaller interface {
	Install(ctx context.Context, pkg string) error
}

// Executor resolves plan steps to tool adapters and runs them. Python steps
// that fail on a missing module get the package installed and one re-run;
// anything beyond that is the repair loop's problem.
type Executor struct {
	registry  *tools.Registry
	installer PackageInstaller
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

var _ core.StepRunner = (*Executor)(nil)

// Option configures executor behaviour.
type Option func(*Executor)

// WithInstaller enables missing-module recovery for Python steps.
func WithInstaller(p PackageInstaller) Option {
	return func(ex *Executor) {
		ex.installer = p
	}
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(ex *Executor) {
		ex.telemetry = t
	}
}

// New creates a new Executor instance.
func New(registry *tools.Registry, opts ...Option) *Executor {
	ex := &Executor{
		registry: registry,
		logger:   log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

// RunStep executes one plan step and folds the outcome into a StepResult.
// Unknown tools never reach an adapter.
func (e *Executor) RunStep(ctx context.Context, step core.Step) core.StepResult {
	adapter, ok := e.registry.Lookup(step.Tool)
	if !ok {
		return core.ErrorOf(fmt.Sprintf("unknown tool: %s", step.Tool))
	}

	out, err := adapter.Execute(ctx, step.Query)
	if err == nil {
		return core.ResultOf(out)
	}

	if step.Tool == core.ToolPythonCode && e.installer != nil {
		if result, handled := e.repairDependencies(ctx, adapter, step, err); handled {
			return result
		}
	}
	return core.ErrorOf(err.Error())
}

// repairDependencies installs every missing module named in the error and
// re-runs the step exactly once. A second missing-module failure is
// returned as-is.
func (e *Executor) repairDependencies(ctx context.Context, adapter tools.Adapter, step core.Step, runErr error) (core.StepResult, bool) {
	missing := MissingModules(runErr.Error())
	if len(missing) == 0 {
		return core.StepResult{}, false
	}

	for _, mod := range missing {
		pkg := PipPackageName(mod)
		e.logger.Printf("installing missing package %s (module %s)", pkg, mod)
		if err := e.installer.Install(ctx, pkg); err != nil {
			e.logger.Printf("install %s failed: %v", pkg, err)
			return core.StepResult{}, false
		}
		if e.telemetry != nil {
			e.telemetry.RecordDependencyInstall(pkg)
		}
	}

	out, err := adapter.Execute(ctx, step.Query)
	if err != nil {
		return core.ErrorOf(err.Error()), true
	}
	return core.ResultOf(out), true
}
