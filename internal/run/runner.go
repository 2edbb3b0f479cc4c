// Package run wraps external command execution so collaborators that shell
// out (process enumeration, the accessibility helper, script injection) can
// be tested with fakes.
package run

import (
	"context"
	"fmt"
	"os/exec"
)

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Func adapts a function to the Runner interface for tests.
type Func func(ctx context.Context, name string, args ...string) ([]byte, error)

func (f Func) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f(ctx, name, args...)
}

// Split validates a command configured as argv and returns name and args.
func Split(argv []string) (string, []string, error) {
	if len(argv) == 0 || argv[0] == "" {
		return "", nil, fmt.Errorf("empty command")
	}
	return argv[0], argv[1:], nil
}
