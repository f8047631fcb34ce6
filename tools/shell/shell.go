package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultTimeout = 60 * time.Second
	// MaxOutputBytes caps how much combined output a command may return.
	MaxOutputBytes = 64 * 1024
)

// Runner executes command lines through the system shell.
type Runner struct {
	Timeout time.Duration
	WorkDir string
}

// Exec runs the command and returns its combined output. A non-zero exit
// becomes an error carrying the output, so later correction stages can see
// what the process printed.
func (r Runner) Exec(ctx context.Context, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", errors.New("empty command")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.WorkDir
	out, err := cmd.CombinedOutput()
	text := Clip(strings.TrimSpace(string(out)))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("command timed out after %s: %s", timeout, text)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), text)
		}
		return "", err
	}
	return text, nil
}

// Clip truncates oversized output, marking the cut.
func Clip(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	return s[:MaxOutputBytes] + "\n... (output truncated)"
}
