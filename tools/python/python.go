package python

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"anima/tools/shell"
)

const (
	DefaultInterpreter = "python3"
	DefaultTimeout     = 120 * time.Second
	DefaultPipTimeout  = 180 * time.Second
)

// Runner writes a script to a temporary file and executes it with the
// configured interpreter.
type Runner struct {
	Interpreter string
	Timeout     time.Duration
	WorkDir     string
}

func (r Runner) interpreter() string {
	if r.Interpreter == "" {
		return DefaultInterpreter
	}
	return r.Interpreter
}

// Exec runs the script source and returns its combined output. Errors carry
// the process output, which is where missing-module tracebacks surface.
func (r Runner) Exec(ctx context.Context, script string) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", errors.New("empty script")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	f, err := os.CreateTemp("", "anima-*.py")
	if err != nil {
		return "", fmt.Errorf("create script file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		return "", fmt.Errorf("write script file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close script file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.interpreter(), path)
	cmd.Dir = r.WorkDir
	out, runErr := cmd.CombinedOutput()
	text := shell.Clip(strings.TrimSpace(string(out)))
	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("script timed out after %s: %s", timeout, text)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return "", fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), text)
		}
		return "", runErr
	}
	return text, nil
}

// PipInstaller installs packages with the interpreter's pip module.
type PipInstaller struct {
	Interpreter string
	Timeout     time.Duration
}

func (p PipInstaller) Install(ctx context.Context, pkg string) error {
	if strings.TrimSpace(pkg) == "" {
		return errors.New("empty package name")
	}
	interpreter := p.Interpreter
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultPipTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, interpreter, "-m", "pip", "install", pkg)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pip install %s: %w: %s", pkg, err, shell.Clip(strings.TrimSpace(string(out))))
	}
	return nil
}
