package state_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"warden/internal/config"
	"warden/internal/model"
	"warden/internal/state"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	return state.NewStore(config.DefaultConfig(), nil, zap.NewNop())
}

func adopt(t *testing.T, s *state.Store, pid int, windows ...string) {
	t.Helper()
	inst := model.MonitoredInstance{PID: pid, DisplayName: "Cursor"}
	for _, w := range windows {
		inst.Windows = append(inst.Windows, model.MonitoredWindow{ID: w})
	}
	if removed := s.Sync([]model.MonitoredInstance{inst}); len(removed) != 0 {
		t.Fatalf("unexpected removed windows on adopt: %v", removed)
	}
}

func TestSyncAdoptsWithUnknownStatus(t *testing.T) {
	s := newStore(t)
	adopt(t, s, 100, model.WindowID(100, "main"))

	status, ok := s.Status(100)
	if !ok {
		t.Fatalf("expected instance 100 to exist")
	}
	if status != model.Unknown() {
		t.Fatalf("expected unknown status on adoption, got %s", status)
	}
}

func TestSyncReportsRemovedWindows(t *testing.T) {
	s := newStore(t)
	adopt(t, s, 100, model.WindowID(100, "main"))
	adopt(t, s, 200, model.WindowID(200, "main"))

	removed := s.Sync([]model.MonitoredInstance{{
		PID:         100,
		DisplayName: "Cursor",
		Windows:     []model.MonitoredWindow{{ID: model.WindowID(100, "main")}},
	}})
	if len(removed) != 1 || removed[0] != model.WindowID(200, "main") {
		t.Fatalf("expected removed window for pid 200, got %v", removed)
	}
	if _, ok := s.Status(200); ok {
		t.Fatalf("expected instance 200 to be dropped")
	}
}

func TestInterventionLimitForcesPause(t *testing.T) {
	s := newStore(t)
	adopt(t, s, 100, model.WindowID(100, "main"))
	max := config.DefaultConfig().MaxInterventionsBeforePause

	for i := 1; i < max; i++ {
		if s.RecordIntervention(context.Background(), 100, model.WindowID(100, "main"), model.InterventionGeneralError) {
			t.Fatalf("intervention %d must not hit the limit", i)
		}
		status, _ := s.Status(100)
		if status.Kind == model.StatusPaused {
			t.Fatalf("paused too early at intervention %d", i)
		}
	}

	if !s.RecordIntervention(context.Background(), 100, model.WindowID(100, "main"), model.InterventionGeneralError) {
		t.Fatalf("intervention %d must report the limit", max)
	}
	status, _ := s.Status(100)
	if status != model.Paused() {
		t.Fatalf("expected paused after %d interventions, got %s", max, status)
	}
	if got := s.SessionInterventions(); got != uint64(max) {
		t.Fatalf("expected session counter %d, got %d", max, got)
	}
}

func TestRecoveryAttemptsAreMonotonicPerType(t *testing.T) {
	s := newStore(t)
	adopt(t, s, 100, model.WindowID(100, "main"))

	for want := 1; want <= 4; want++ {
		if got := s.RecoveryAttempt(100, model.RecoveryConnection); got != want {
			t.Fatalf("expected connection attempt %d, got %d", want, got)
		}
	}
	// Streaks are independent per recovery type.
	if got := s.RecoveryAttempt(100, model.RecoveryStuck); got != 1 {
		t.Fatalf("expected stuck streak to start at 1, got %d", got)
	}
}

func TestHealthyTransitionResetsStreaks(t *testing.T) {
	s := newStore(t)
	adopt(t, s, 100, model.WindowID(100, "main"))

	s.RecoveryAttempt(100, model.RecoveryConnection)
	s.RecoveryAttempt(100, model.RecoveryConnection)
	if !s.Transition(context.Background(), 100, model.Idle()) {
		t.Fatalf("transition to idle rejected")
	}
	if got := s.RecoveryAttempt(100, model.RecoveryConnection); got != 1 {
		t.Fatalf("expected streak reset after healthy transition, got %d", got)
	}
}

func TestTerminalStatusRejectsAutomaticTransitions(t *testing.T) {
	s := newStore(t)
	adopt(t, s, 100, model.WindowID(100, "main"))

	if !s.Transition(context.Background(), 100, model.Unrecoverable("gave up")) {
		t.Fatalf("transition to unrecoverable rejected")
	}
	if s.Transition(context.Background(), 100, model.Working("generating")) {
		t.Fatalf("terminal status must reject automatic transitions")
	}
	status, _ := s.Status(100)
	if status.Kind != model.StatusUnrecoverable {
		t.Fatalf("expected unrecoverable to stick, got %s", status)
	}
}

func TestResetClearsTerminalStatusAndCounters(t *testing.T) {
	s := newStore(t)
	adopt(t, s, 100, model.WindowID(100, "main"))

	s.Transition(context.Background(), 100, model.Unrecoverable("gave up"))
	s.RecoveryAttempt(100, model.RecoveryStuck)
	if !s.Reset(context.Background(), 100) {
		t.Fatalf("reset of known pid failed")
	}
	status, _ := s.Status(100)
	if status != model.Unknown() {
		t.Fatalf("expected unknown after reset, got %s", status)
	}
	if got := s.RecoveryAttempt(100, model.RecoveryStuck); got != 1 {
		t.Fatalf("expected attempt streak cleared by reset, got %d", got)
	}
	// Supervision may transition again once reset.
	if !s.Transition(context.Background(), 100, model.Idle()) {
		t.Fatalf("transition after reset rejected")
	}
}

func TestResetUnknownPID(t *testing.T) {
	s := newStore(t)
	if s.Reset(context.Background(), 9999) {
		t.Fatalf("reset of unknown pid must report false")
	}
}

func TestWindowMutatorsIgnoreUnknownWindows(t *testing.T) {
	s := newStore(t)
	adopt(t, s, 100, model.WindowID(100, "main"))

	s.SetHeartbeat("no-such-window", model.HeartbeatStatus{Alive: true})
	s.MarkHookDown("no-such-window")
	s.SetHookPort("no-such-window", 52700)
	if s.SetWindowPaused("no-such-window", true) {
		t.Fatalf("pausing an unknown window must report false")
	}
}

func TestSnapshotReflectsWindowState(t *testing.T) {
	s := newStore(t)
	wid := model.WindowID(100, "main")
	adopt(t, s, 100, wid)

	s.SetHookPort(wid, 52701)
	s.SetHeartbeat(wid, model.HeartbeatStatus{Alive: true, ResumeNeeded: true})
	if !s.SetWindowPaused(wid, true) {
		t.Fatalf("pause known window failed")
	}

	snap := s.Snapshot()
	if len(snap) != 1 || len(snap[0].Windows) != 1 {
		t.Fatalf("unexpected snapshot shape: %+v", snap)
	}
	w := snap[0].Windows[0]
	if w.HookPort != 52701 || !w.Heartbeat.Alive || !w.Heartbeat.ResumeNeeded || !w.Paused {
		t.Fatalf("snapshot window missing mutations: %+v", w)
	}

	// Snapshot copies must not alias store internals.
	snap[0].Windows[0].HookPort = 1
	again := s.Snapshot()
	if again[0].Windows[0].HookPort != 52701 {
		t.Fatalf("snapshot mutation leaked into the store")
	}
}

func TestSnapshotOrdersInstancesByPID(t *testing.T) {
	s := newStore(t)
	adopt(t, s, 300, model.WindowID(300, "main"))
	s.Sync([]model.MonitoredInstance{
		{PID: 300, DisplayName: "Cursor", Windows: []model.MonitoredWindow{{ID: model.WindowID(300, "main")}}},
		{PID: 100, DisplayName: "Cursor", Windows: []model.MonitoredWindow{{ID: model.WindowID(100, "main")}}},
	})
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].PID != 100 || snap[1].PID != 300 {
		t.Fatalf("expected snapshot ordered by pid, got %+v", snap)
	}
}
