// Package state is the sole authority on per-instance supervision state:
// status transitions, recovery attempt streaks, and intervention rate
// limiting. External observers only ever see immutable snapshots.
package state

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"warden/internal/config"
	"warden/internal/model"
)

// Journal receives an audit record for every transition and intervention.
// Journal failures are logged and never block supervision.
type Journal interface {
	RecordTransition(ctx context.Context, pid int, name string, from, to model.InstanceStatus) error
	RecordIntervention(ctx context.Context, pid int, windowID string, kind model.InterventionType) error
}

type windowRecord struct {
	id        string
	title     string
	docPath   string
	paused    bool
	hookPort  int
	heartbeat model.HeartbeatStatus
}

type record struct {
	pid           int
	name          string
	status        model.InstanceStatus
	interventions int
	attempts      map[model.RecoveryType]int
	windowOrder   []string
	windows       map[string]*windowRecord
}

type Store struct {
	cfg     config.Config
	logger  *zap.Logger
	journal Journal

	session atomic.Uint64

	mu        sync.Mutex
	instances map[int]*record
	byWindow  map[string]int
}

func NewStore(cfg config.Config, journal Journal, logger *zap.Logger) *Store {
	return &Store{
		cfg:       cfg,
		logger:    logger,
		journal:   journal,
		instances: map[int]*record{},
		byWindow:  map[string]int{},
	}
}

// Sync reconciles the store with an enumeration snapshot: new instances are
// adopted with unknown status, metadata is refreshed, and instances that
// disappeared are dropped. It returns the window ids that went away so the
// caller can release their hooks.
func (s *Store) Sync(instances []model.MonitoredInstance) (removedWindows []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int]bool, len(instances))
	for _, inst := range instances {
		seen[inst.PID] = true
		rec, ok := s.instances[inst.PID]
		if !ok {
			rec = &record{
				pid:      inst.PID,
				status:   model.Unknown(),
				attempts: map[model.RecoveryType]int{},
				windows:  map[string]*windowRecord{},
			}
			s.instances[inst.PID] = rec
			s.logger.Info("instance adopted",
				zap.Int("pid", inst.PID), zap.String("name", inst.DisplayName))
		}
		rec.name = inst.DisplayName

		windowsSeen := make(map[string]bool, len(inst.Windows))
		for _, w := range inst.Windows {
			windowsSeen[w.ID] = true
			wr, ok := rec.windows[w.ID]
			if !ok {
				wr = &windowRecord{id: w.ID}
				rec.windows[w.ID] = wr
				rec.windowOrder = append(rec.windowOrder, w.ID)
				s.byWindow[w.ID] = inst.PID
			}
			wr.title = w.Title
			wr.docPath = w.DocumentPath
		}
		for id := range rec.windows {
			if !windowsSeen[id] {
				removedWindows = append(removedWindows, id)
				s.dropWindowLocked(rec, id)
			}
		}
	}

	for pid, rec := range s.instances {
		if seen[pid] {
			continue
		}
		for id := range rec.windows {
			removedWindows = append(removedWindows, id)
			delete(s.byWindow, id)
		}
		delete(s.instances, pid)
		s.logger.Info("instance gone", zap.Int("pid", pid), zap.String("name", rec.name))
	}
	sort.Strings(removedWindows)
	return removedWindows
}

func (s *Store) dropWindowLocked(rec *record, windowID string) {
	delete(rec.windows, windowID)
	delete(s.byWindow, windowID)
	for i, id := range rec.windowOrder {
		if id == windowID {
			rec.windowOrder = append(rec.windowOrder[:i], rec.windowOrder[i+1:]...)
			break
		}
	}
}

// Transition applies a new status. A transition from a terminal status back
// to a healthy one is rejected to guard against flapping; only Reset can
// leave a terminal status. Returns whether the transition was applied.
func (s *Store) Transition(ctx context.Context, pid int, to model.InstanceStatus) bool {
	s.mu.Lock()
	rec, ok := s.instances[pid]
	if !ok {
		s.mu.Unlock()
		return false
	}
	from := rec.status
	if from == to {
		s.mu.Unlock()
		return true
	}
	if from.Terminal() && !to.Terminal() {
		s.mu.Unlock()
		s.logger.Warn("transition out of terminal status rejected",
			zap.Int("pid", pid),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		return false
	}
	rec.status = to
	if to.Healthy() {
		// A healthy sighting ends every recovery streak.
		rec.attempts = map[model.RecoveryType]int{}
	}
	name := rec.name
	s.mu.Unlock()

	s.logger.Info("status transition",
		zap.Int("pid", pid),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	s.recordTransition(ctx, pid, name, from, to)
	return true
}

// RecordIntervention bumps the instance and session counters. Reaching the
// configured maximum forces the instance into paused and reports true; the
// caller must stop dispatching actions for it.
func (s *Store) RecordIntervention(ctx context.Context, pid int, windowID string, kind model.InterventionType) (limitReached bool) {
	s.mu.Lock()
	rec, ok := s.instances[pid]
	if !ok {
		s.mu.Unlock()
		return false
	}
	rec.interventions++
	count := rec.interventions
	s.session.Add(1)
	var from model.InstanceStatus
	var name string
	if count >= s.cfg.MaxInterventionsBeforePause && rec.status.Kind != model.StatusPaused {
		from = rec.status
		name = rec.name
		rec.status = model.Paused()
		limitReached = true
	}
	s.mu.Unlock()

	s.recordIntervention(ctx, pid, windowID, kind)
	if limitReached {
		s.logger.Warn("intervention limit reached, pausing instance",
			zap.Int("pid", pid), zap.Int("count", count))
		s.recordTransition(ctx, pid, name, from, model.Paused())
		s.recordIntervention(ctx, pid, windowID, model.InterventionLimitReached)
	}
	return limitReached
}

// RecoveryAttempt returns the next attempt number for the (instance, type)
// streak, starting at 1. Streaks reset when the instance transitions back
// to a healthy status.
func (s *Store) RecoveryAttempt(pid int, rt model.RecoveryType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.instances[pid]
	if !ok {
		return 0
	}
	rec.attempts[rt]++
	return rec.attempts[rt]
}

// Reset is the explicit user action that clears a terminal status and the
// instance's intervention counter.
func (s *Store) Reset(ctx context.Context, pid int) bool {
	s.mu.Lock()
	rec, ok := s.instances[pid]
	if !ok {
		s.mu.Unlock()
		return false
	}
	from := rec.status
	name := rec.name
	rec.status = model.Unknown()
	rec.interventions = 0
	rec.attempts = map[model.RecoveryType]int{}
	s.mu.Unlock()

	s.logger.Info("instance reset", zap.Int("pid", pid), zap.String("from", from.String()))
	s.recordTransition(ctx, pid, name, from, model.Unknown())
	return true
}

// Status returns the current status of pid.
func (s *Store) Status(pid int) (model.InstanceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.instances[pid]
	if !ok {
		return model.InstanceStatus{}, false
	}
	return rec.status, true
}

// SetHeartbeat records a heartbeat observation for a window.
func (s *Store) SetHeartbeat(windowID string, hb model.HeartbeatStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wr := s.windowLocked(windowID); wr != nil {
		wr.heartbeat = hb
	}
}

// MarkHookDown flips the window's liveness off, keeping the last-seen time.
func (s *Store) MarkHookDown(windowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wr := s.windowLocked(windowID); wr != nil {
		wr.heartbeat.Alive = false
	}
}

// SetHookPort records the allocated hook port on the window.
func (s *Store) SetHookPort(windowID string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wr := s.windowLocked(windowID); wr != nil {
		wr.hookPort = port
	}
}

// SetWindowPaused suspends or resumes supervision for one window.
func (s *Store) SetWindowPaused(windowID string, paused bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wr := s.windowLocked(windowID)
	if wr == nil {
		return false
	}
	wr.paused = paused
	return true
}

func (s *Store) windowLocked(windowID string) *windowRecord {
	pid, ok := s.byWindow[windowID]
	if !ok {
		return nil
	}
	rec, ok := s.instances[pid]
	if !ok {
		return nil
	}
	return rec.windows[windowID]
}

// SessionInterventions is the session-wide monotonic intervention counter.
func (s *Store) SessionInterventions() uint64 {
	return s.session.Load()
}

// Snapshot returns immutable copies of every monitored instance, windows in
// discovery order, instances ordered by pid.
func (s *Store) Snapshot() []model.MonitoredInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.MonitoredInstance, 0, len(s.instances))
	for _, rec := range s.instances {
		inst := model.MonitoredInstance{
			PID:               rec.pid,
			DisplayName:       rec.name,
			Status:            rec.status,
			InterventionCount: uint64(rec.interventions),
			Windows:           make([]model.MonitoredWindow, 0, len(rec.windowOrder)),
		}
		for _, id := range rec.windowOrder {
			wr := rec.windows[id]
			inst.Windows = append(inst.Windows, model.MonitoredWindow{
				ID:           wr.id,
				Title:        wr.title,
				DocumentPath: wr.docPath,
				Paused:       wr.paused,
				HookPort:     wr.hookPort,
				Heartbeat:    wr.heartbeat,
			})
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func (s *Store) recordTransition(ctx context.Context, pid int, name string, from, to model.InstanceStatus) {
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordTransition(ctx, pid, name, from, to); err != nil {
		s.logger.Warn("journal transition failed", zap.Int("pid", pid), zap.Error(err))
	}
}

func (s *Store) recordIntervention(ctx context.Context, pid int, windowID string, kind model.InterventionType) {
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordIntervention(ctx, pid, windowID, kind); err != nil {
		s.logger.Warn("journal intervention failed", zap.Int("pid", pid), zap.Error(err))
	}
}
