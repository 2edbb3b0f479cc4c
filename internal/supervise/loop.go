// Package supervise runs the polling loop that drives observation,
// classification, and intervention for every monitored instance.
package supervise

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"warden/internal/config"
	"warden/internal/intervene"
	"warden/internal/model"
	"warden/internal/state"
)

// InstanceSource supplies the current set of monitored instances. The
// process/window enumeration behind it is an external collaborator.
type InstanceSource interface {
	Instances(ctx context.Context) ([]model.MonitoredInstance, error)
}

// WindowReleaser is the slice of the hook transport the loop needs when
// windows disappear.
type WindowReleaser interface {
	ReleaseWindow(windowID string)
}

type Loop struct {
	cfg      config.Config
	logger   *zap.Logger
	source   InstanceSource
	observer Observer
	engine   *intervene.Engine
	store    *state.Store
	hooks    WindowReleaser

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewLoop(cfg config.Config, source InstanceSource, observer Observer, engine *intervene.Engine, store *state.Store, hooks WindowReleaser, logger *zap.Logger) *Loop {
	return &Loop{
		cfg:      cfg,
		logger:   logger,
		source:   source,
		observer: observer,
		engine:   engine,
		store:    store,
		hooks:    hooks,
	}
}

// Start begins ticking. Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(loopCtx, l.done)
	l.logger.Info("supervision loop started", zap.Duration("interval", l.cfg.PollInterval))
}

// Stop halts ticking and waits for an in-flight tick to finish. Calling
// Stop on a stopped loop is a no-op; Stop is safe concurrently with a tick.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	done := l.done
	l.running = false
	l.cancel = nil
	l.done = nil
	l.mu.Unlock()

	cancel()
	<-done
	l.logger.Info("supervision loop stopped")
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Already-dispatched work finishes even if Stop lands during
			// the tick; every step carries its own timeout.
			l.RunCycleOnce(context.WithoutCancel(ctx))
		}
	}
}

// RunCycleOnce performs one supervision pass. One instance's failure never
// prevents the others from being processed.
func (l *Loop) RunCycleOnce(ctx context.Context) {
	instances, err := l.source.Instances(ctx)
	if err != nil {
		l.logger.Warn("instance enumeration failed", zap.Error(err))
		return
	}

	for _, windowID := range l.store.Sync(instances) {
		if l.hooks != nil {
			l.hooks.ReleaseWindow(windowID)
		}
		if forgetter, ok := l.observer.(interface{ Forget(string) }); ok {
			forgetter.Forget(windowID)
		}
	}

	if len(instances) == 0 {
		l.logger.Info("no monitored apps")
		return
	}

	for _, inst := range l.store.Snapshot() {
		if inst.Status.Kind == model.StatusPaused {
			continue
		}
		for _, window := range inst.Windows {
			if window.Paused {
				continue
			}
			l.superviseWindow(ctx, inst.PID, window)
		}
	}

	l.logger.Debug("supervision tick complete",
		zap.Int("instances", len(instances)),
		zap.Uint64("session_interventions", l.store.SessionInterventions()))
}

func (l *Loop) superviseWindow(ctx context.Context, pid int, window model.MonitoredWindow) {
	obsCtx, cancel := context.WithTimeout(ctx, l.cfg.ObservationTimeout)
	obs, err := l.observer.Observe(obsCtx, pid, window.ID)
	cancel()
	if err != nil {
		// Absent or malformed observations demote to unknown, but never
		// clobber an in-flight recovery streak.
		l.logger.Warn("observation failed",
			zap.Int("pid", pid), zap.String("window", window.ID), zap.Error(err))
		if st, ok := l.store.Status(pid); ok && (st.Healthy() || st.Kind == model.StatusUnknown) {
			l.store.Transition(ctx, pid, model.Unknown())
		}
		return
	}
	l.engine.Process(ctx, pid, window, obs)
}
