package hook

import (
	"context"
	"fmt"
	"strings"

	"warden/internal/run"
)

// Injector delivers the hook script into a target instance. The concrete
// automation sequence is inherently fragile and platform-specific, so the
// transport only depends on this capability.
type Injector interface {
	Inject(ctx context.Context, script string, pid int) error
}

// ExecInjector drives UI automation through an external interpreter
// (osascript by default): it asks the target process to open its developer
// console and evaluate the script there. Best-effort by nature; failures
// surface as typed errors, never panics.
type ExecInjector struct {
	argv   []string
	runner run.Runner
}

func NewExecInjector(argv []string) *ExecInjector {
	return &ExecInjector{argv: argv, runner: run.OSRunner{}}
}

func NewExecInjectorWithRunner(argv []string, runner run.Runner) *ExecInjector {
	return &ExecInjector{argv: argv, runner: runner}
}

func (i *ExecInjector) Inject(ctx context.Context, script string, pid int) error {
	name, base, err := run.Split(i.argv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInjectionFailed, err)
	}
	args := append(append([]string{}, base...), injectionSource(script, pid))
	out, err := i.runner.Run(ctx, name, args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if isAutomationDenied(msg) {
			return fmt.Errorf("%w: %s", ErrAutomationDenied, msg)
		}
		return fmt.Errorf("%w: %v: %s", ErrInjectionFailed, err, msg)
	}
	return nil
}

// injectionSource builds the automation program that types the hook script
// into the target's developer console. The script travels as a quoted
// literal so the console receives it verbatim.
func injectionSource(script string, pid int) string {
	quoted := strings.ReplaceAll(script, "\\", "\\\\")
	quoted = strings.ReplaceAll(quoted, "\"", "\\\"")
	quoted = strings.ReplaceAll(quoted, "\n", "\\n")
	return fmt.Sprintf(`
tell application "System Events"
	set targetProc to first process whose unix id is %d
	set frontmost of targetProc to true
	keystroke "i" using {command down, option down}
	delay 0.8
	keystroke "%s"
	keystroke return
end tell`, pid, quoted)
}

func isAutomationDenied(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not authorized") ||
		strings.Contains(lower, "not allowed assistive access") ||
		strings.Contains(msg, "-1743") ||
		strings.Contains(msg, "-25211")
}
