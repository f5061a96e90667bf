package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrToolMissing is returned when an external conversion tool is not installed
var ErrToolMissing = errors.New("conversion tool not available")

const stderrTail = 512

// Runner executes external conversion tools
type Runner interface {
	LookPath(name string) (string, error)
	Run(ctx context.Context, dir, name string, args ...string) error
}

// ExecRunner runs tools with os/exec
type ExecRunner struct{}

func (ExecRunner) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolMissing, name)
	}
	return path, nil
}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", name, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > stderrTail {
			msg = msg[len(msg)-stderrTail:]
		}
		return fmt.Errorf("%s failed: %w: %s", name, err, msg)
	}
	return nil
}

// lookup resolves a tool through the runner
func lookup(r Runner, name string) (string, error) {
	path, err := r.LookPath(name)
	if err != nil {
		if errors.Is(err, ErrToolMissing) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %v", ErrToolMissing, name, err)
	}
	return path, nil
}
