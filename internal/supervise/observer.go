package supervise

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"warden/internal/intervene"
	"warden/internal/locator"
)

// Observer produces one observation for a window. Implementations must be
// time-bounded by the passed context.
type Observer interface {
	Observe(ctx context.Context, pid int, windowID string) (intervene.Observation, error)
}

// LocatorObserver builds observations by querying the fixed role set
// through the locator registry. It also tracks a per-window activity
// signature so classification can see how long a window has looked the
// same.
type LocatorObserver struct {
	reg    *locator.Registry
	finder locator.ElementFinder
	clock  func() time.Time

	mu       sync.Mutex
	lastSeen map[string]activityMark
}

type activityMark struct {
	signature string
	at        time.Time
}

func NewLocatorObserver(reg *locator.Registry, finder locator.ElementFinder) *LocatorObserver {
	return &LocatorObserver{
		reg:      reg,
		finder:   finder,
		clock:    time.Now,
		lastSeen: map[string]activityMark{},
	}
}

func (o *LocatorObserver) Observe(ctx context.Context, pid int, windowID string) (intervene.Observation, error) {
	var obs intervene.Observation
	var sig strings.Builder

	probe := func(role string, hit func(el *locator.ElementHandle)) error {
		el, err := locator.Locate(ctx, o.finder, o.reg, role, pid)
		if err != nil {
			return fmt.Errorf("observe %s: %w", role, err)
		}
		if el != nil {
			hit(el)
			sig.WriteString(role)
			sig.WriteByte('=')
			sig.WriteString(el.Value)
			sig.WriteByte('|')
		}
		return nil
	}

	steps := []struct {
		role string
		hit  func(el *locator.ElementHandle)
	}{
		{locator.RoleGeneratingIndicator, func(el *locator.ElementHandle) { obs.Generating = true }},
		{locator.RoleErrorBanner, func(el *locator.ElementHandle) { obs.ErrorBanner = true }},
		{locator.RoleStopGenerating, func(el *locator.ElementHandle) { obs.StopButton = el.Enabled }},
		{locator.RoleConnectionError, func(el *locator.ElementHandle) { obs.ConnectionError = true }},
		{locator.RoleResumeLink, func(el *locator.ElementHandle) { obs.ResumeLink = true }},
		{locator.RoleMainInput, func(el *locator.ElementHandle) { obs.InputField = true }},
		{locator.RoleSidebar, func(el *locator.ElementHandle) { obs.SidebarActivity = el.Value != "" }},
	}
	for _, step := range steps {
		if err := probe(step.role, step.hit); err != nil {
			return intervene.Observation{}, err
		}
	}

	obs.IdleFor = o.idleFor(windowID, sig.String())
	return obs, nil
}

// idleFor returns how long the window's observable signature has been
// unchanged. A changed signature restarts the clock.
func (o *LocatorObserver) idleFor(windowID, signature string) time.Duration {
	now := o.clock()
	o.mu.Lock()
	defer o.mu.Unlock()
	mark, ok := o.lastSeen[windowID]
	if !ok || mark.signature != signature {
		o.lastSeen[windowID] = activityMark{signature: signature, at: now}
		return 0
	}
	return now.Sub(mark.at)
}

// Forget drops activity tracking for a window that went away.
func (o *LocatorObserver) Forget(windowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.lastSeen, windowID)
}
