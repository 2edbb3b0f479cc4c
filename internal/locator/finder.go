package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"warden/internal/run"
)

// ElementHandle is an opaque reference to a located UI element plus the
// attributes the supervisor inspects.
type ElementHandle struct {
	Ref     string `json:"ref"`
	Role    string `json:"role"`
	Title   string `json:"title,omitempty"`
	Value   string `json:"value,omitempty"`
	Enabled bool   `json:"enabled"`
}

// ElementFinder is the accessibility-tree query primitive. Implementations
// live outside the supervision core; the core only selects roles and
// fallback chains.
type ElementFinder interface {
	// Query runs one strategy within the target process and returns the
	// first matching element, or nil when nothing matched.
	Query(ctx context.Context, strategy Strategy, pid int) (*ElementHandle, error)
	// PerformAction performs a named action (press, focus, setValue) on a
	// previously located element.
	PerformAction(ctx context.Context, action string, el ElementHandle) error
}

// Locate resolves role through the registry and tries each strategy in
// order, returning the first element found. A nil result with nil error
// means the role resolved but nothing matched.
func Locate(ctx context.Context, finder ElementFinder, reg *Registry, role string, pid int) (*ElementHandle, error) {
	desc := reg.Resolve(role)
	if desc == nil {
		return nil, fmt.Errorf("unknown locator role %q", role)
	}
	var lastErr error
	for _, strategy := range desc.Strategies {
		el, err := finder.Query(ctx, strategy, pid)
		if err != nil {
			lastErr = err
			continue
		}
		if el != nil {
			return el, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("locate %s: %w", role, lastErr)
	}
	return nil, nil
}

// ExecFinder queries the accessibility tree through an external helper
// binary that speaks JSON on stdout. The helper owns all platform-specific
// accessibility API usage.
type ExecFinder struct {
	argv   []string
	runner run.Runner
}

func NewExecFinder(argv []string) *ExecFinder {
	return &ExecFinder{argv: argv, runner: run.OSRunner{}}
}

func NewExecFinderWithRunner(argv []string, runner run.Runner) *ExecFinder {
	return &ExecFinder{argv: argv, runner: runner}
}

type helperResult struct {
	Found   bool          `json:"found"`
	Element ElementHandle `json:"element"`
	Error   string        `json:"error,omitempty"`
}

func (f *ExecFinder) Query(ctx context.Context, strategy Strategy, pid int) (*ElementHandle, error) {
	name, base, err := run.Split(f.argv)
	if err != nil {
		return nil, fmt.Errorf("locator helper: %w", err)
	}
	args := append(append([]string{}, base...),
		"query",
		"--pid", strconv.Itoa(pid),
		"--role", strategy.ElementRole,
	)
	if strategy.TextContains != "" {
		args = append(args, "--text-contains", strategy.TextContains)
	}
	if strategy.MaxDepth > 0 {
		args = append(args, "--max-depth", strconv.Itoa(strategy.MaxDepth))
	}
	out, err := f.runner.Run(ctx, name, args...)
	if err != nil {
		return nil, fmt.Errorf("locator helper query: %w: %s", err, strings.TrimSpace(string(out)))
	}
	var res helperResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("locator helper output: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("locator helper: %s", res.Error)
	}
	if !res.Found {
		return nil, nil
	}
	el := res.Element
	return &el, nil
}

func (f *ExecFinder) PerformAction(ctx context.Context, action string, el ElementHandle) error {
	name, base, err := run.Split(f.argv)
	if err != nil {
		return fmt.Errorf("locator helper: %w", err)
	}
	args := append(append([]string{}, base...), "action", action, "--ref", el.Ref)
	out, err := f.runner.Run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("locator helper action %s: %w: %s", action, err, strings.TrimSpace(string(out)))
	}
	var res helperResult
	if err := json.Unmarshal(out, &res); err != nil {
		return fmt.Errorf("locator helper output: %w", err)
	}
	if res.Error != "" {
		return fmt.Errorf("locator helper action %s: %s", action, res.Error)
	}
	return nil
}
