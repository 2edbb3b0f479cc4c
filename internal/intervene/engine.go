// Package intervene decides what happened in a supervised window and which
// corrective action, if any, to take.
package intervene

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"warden/internal/config"
	"warden/internal/hook"
	"warden/internal/locator"
	"warden/internal/model"
	"warden/internal/state"
)

// continuationScript nudges a wedged conversation along from inside the
// instance: click resume if offered, otherwise re-submit the composer.
const continuationScript = `(() => {
  const resume = document.querySelector('[aria-label*="Resume" i], [aria-label*="Try again" i]');
  if (resume) { resume.click(); return "resumed"; }
  const input = document.querySelector('textarea, [contenteditable="true"]');
  if (input) { input.focus(); input.dispatchEvent(new KeyboardEvent("keydown", {key: "Enter", metaKey: true, bubbles: true})); return "nudged"; }
  return "no-surface";
})();`

// forceStopScript abandons a generation that no longer reacts to the stop
// button.
const forceStopScript = `(() => {
  const stop = document.querySelector('[aria-label*="Stop" i], [aria-label*="Cancel" i]');
  if (stop) { stop.click(); return "stopped"; }
  window.stop();
  return "forced";
})();`

type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionLocator
	ActionHookCommand
	ActionEscalate
)

// Action is the engine's decision for one observation. Fallback, when set,
// is tried if the primary dispatch cannot be performed.
type Action struct {
	Kind     ActionKind
	Recovery model.RecoveryType
	Role     string
	Command  string
	Fallback *Action
}

// CommandRunner is the slice of the hook transport the engine needs.
type CommandRunner interface {
	RunCommand(ctx context.Context, windowID string, source string) (string, error)
	Connected(windowID string) bool
}

type Engine struct {
	cfg    config.Config
	logger *zap.Logger
	store  *state.Store
	reg    *locator.Registry
	finder locator.ElementFinder
	hooks  CommandRunner
}

func NewEngine(cfg config.Config, store *state.Store, reg *locator.Registry, finder locator.ElementFinder, hooks CommandRunner, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger,
		store:  store,
		reg:    reg,
		finder: finder,
		hooks:  hooks,
	}
}

// Decide is the pure decision table: classification plus attempt number in,
// action out. Attempts beyond the configured maximum escalate.
func Decide(t model.InterventionType, attempt, maxAttempts int) Action {
	if t.Category() != model.CategoryError {
		return Action{Kind: ActionNone}
	}
	if attempt > maxAttempts {
		return Action{Kind: ActionEscalate, Recovery: recoveryTypeFor(t)}
	}
	switch t {
	case model.InterventionConnectionIssue:
		return Action{
			Kind:     ActionLocator,
			Recovery: model.RecoveryConnection,
			Role:     locator.RoleResumeLink,
			Fallback: &Action{
				Kind:     ActionHookCommand,
				Recovery: model.RecoveryConnection,
				Command:  continuationScript,
			},
		}
	case model.InterventionStuckGeneration:
		return Action{
			Kind:     ActionLocator,
			Recovery: model.RecoveryStopGenerating,
			Role:     locator.RoleStopGenerating,
			Fallback: &Action{
				Kind:     ActionHookCommand,
				Recovery: model.RecoveryStopGenerating,
				Command:  forceStopScript,
			},
		}
	case model.InterventionForceStopNeeded:
		return Action{
			Kind:     ActionHookCommand,
			Recovery: model.RecoveryForceStop,
			Command:  forceStopScript,
		}
	default: // general error
		return Action{
			Kind:     ActionHookCommand,
			Recovery: model.RecoveryStuck,
			Command:  continuationScript,
			Fallback: &Action{
				Kind:     ActionLocator,
				Recovery: model.RecoveryStuck,
				Role:     locator.RoleResumeLink,
			},
		}
	}
}

// Process feeds one window observation through classify/decide/dispatch and
// applies the resulting status transition. Errors are absorbed here: a
// failed dispatch is a failed attempt, never a halted loop.
func (e *Engine) Process(ctx context.Context, pid int, window model.MonitoredWindow, obs Observation) {
	t := Classify(obs, Thresholds{StuckAfter: e.cfg.StuckAfter, ForceStopAfter: e.cfg.ForceStopAfter})

	status, ok := e.store.Status(pid)
	if !ok {
		return
	}
	if status.Terminal() {
		// Paused and unrecoverable instances receive no automatic actions
		// until an explicit reset.
		return
	}

	switch t.Category() {
	case model.CategoryPositive:
		e.applyHealthy(ctx, pid, t, obs)
	case model.CategoryError:
		e.applyRecovery(ctx, pid, window, t)
	case model.CategoryUnknown:
		if status.Healthy() || status.Kind == model.StatusUnknown {
			e.store.Transition(ctx, pid, model.Unknown())
		}
	}
}

func (e *Engine) applyHealthy(ctx context.Context, pid int, t model.InterventionType, obs Observation) {
	switch {
	case t == model.InterventionPositiveWork:
		detail := "generating"
		if !obs.Generating {
			detail = "busy"
		}
		e.store.Transition(ctx, pid, model.Working(detail))
	case t == model.InterventionSidebarActivity:
		e.store.Transition(ctx, pid, model.Working("sidebar activity"))
	default:
		e.store.Transition(ctx, pid, model.Idle())
	}
}

func (e *Engine) applyRecovery(ctx context.Context, pid int, window model.MonitoredWindow, t model.InterventionType) {
	rt := recoveryTypeFor(t)
	attempt := e.store.RecoveryAttempt(pid, rt)
	action := Decide(t, attempt, e.cfg.MaxRecoveryAttempts)

	if action.Kind == ActionEscalate {
		reason := fmt.Sprintf("%s persisted after %d attempts", t, attempt-1)
		e.store.Transition(ctx, pid, model.Unrecoverable(reason))
		return
	}

	if err := e.dispatch(ctx, pid, window, action); err != nil {
		// Counts toward the max-attempts threshold via the streak counter;
		// the next observation of the same condition escalates one step.
		e.logger.Warn("intervention dispatch failed",
			zap.Int("pid", pid),
			zap.String("window", window.ID),
			zap.String("classification", string(t)),
			zap.Int("attempt", attempt),
			zap.Error(err))
	} else if e.store.RecordIntervention(ctx, pid, window.ID, t) {
		return
	}
	e.store.Transition(ctx, pid, model.Recovering(rt, attempt))
}

func (e *Engine) dispatch(ctx context.Context, pid int, window model.MonitoredWindow, action Action) error {
	err := e.dispatchOne(ctx, pid, window, action)
	if err != nil && action.Fallback != nil {
		e.logger.Debug("primary action unavailable, trying fallback",
			zap.String("window", window.ID), zap.Error(err))
		if fbErr := e.dispatchOne(ctx, pid, window, *action.Fallback); fbErr != nil {
			return errors.Join(err, fbErr)
		}
		return nil
	}
	return err
}

func (e *Engine) dispatchOne(ctx context.Context, pid int, window model.MonitoredWindow, action Action) error {
	switch action.Kind {
	case ActionNone:
		return nil
	case ActionLocator:
		el, err := locator.Locate(ctx, e.finder, e.reg, action.Role, pid)
		if err != nil {
			return err
		}
		if el == nil {
			return fmt.Errorf("element %s not located", action.Role)
		}
		return e.finder.PerformAction(ctx, "press", *el)
	case ActionHookCommand:
		if !e.hooks.Connected(window.ID) {
			return fmt.Errorf("%w: window %s", hook.ErrNotConnected, window.ID)
		}
		out, err := e.hooks.RunCommand(ctx, window.ID, action.Command)
		if err != nil {
			return err
		}
		e.logger.Debug("hook command result", zap.String("window", window.ID), zap.String("result", out))
		return nil
	default:
		return fmt.Errorf("unhandled action kind %d", action.Kind)
	}
}
