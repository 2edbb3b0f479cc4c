package ports_test

import (
	"errors"
	"testing"

	"warden/internal/ports"
)

func TestAllocateAssignsLowestFreePort(t *testing.T) {
	m, err := ports.NewManager(52700, 3)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	p1, err := m.Allocate("w1")
	if err != nil {
		t.Fatalf("allocate w1: %v", err)
	}
	if p1 != 52700 {
		t.Fatalf("expected lowest port 52700, got %d", p1)
	}
	p2, err := m.Allocate("w2")
	if err != nil {
		t.Fatalf("allocate w2: %v", err)
	}
	if p2 != 52701 {
		t.Fatalf("expected 52701, got %d", p2)
	}
}

func TestAllocateIsIdempotentPerWindow(t *testing.T) {
	m, err := ports.NewManager(52700, 3)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	first, err := m.Allocate("w1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	again, err := m.Allocate("w1")
	if err != nil {
		t.Fatalf("re-allocate: %v", err)
	}
	if first != again {
		t.Fatalf("expected same port for same window, got %d then %d", first, again)
	}
	if m.InUse() != 1 {
		t.Fatalf("expected 1 port in use, got %d", m.InUse())
	}
}

func TestNoTwoWindowsShareAPort(t *testing.T) {
	m, err := ports.NewManager(52700, 10)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	seen := map[int]string{}
	for _, w := range []string{"a", "b", "c", "d", "e"} {
		port, err := m.Allocate(w)
		if err != nil {
			t.Fatalf("allocate %s: %v", w, err)
		}
		if prev, dup := seen[port]; dup {
			t.Fatalf("port %d assigned to both %s and %s", port, prev, w)
		}
		seen[port] = w
	}
}

func TestReleaseAllowsReuse(t *testing.T) {
	m, err := ports.NewManager(52700, 1)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	port, err := m.Allocate("w1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	m.Release("w1")
	reused, err := m.Allocate("w2")
	if err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
	if reused != port {
		t.Fatalf("expected released port %d to be reused, got %d", port, reused)
	}
}

func TestExhaustionIsTypedError(t *testing.T) {
	m, err := ports.NewManager(52700, 2)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.Allocate("w1"); err != nil {
		t.Fatalf("allocate w1: %v", err)
	}
	if _, err := m.Allocate("w2"); err != nil {
		t.Fatalf("allocate w2: %v", err)
	}
	_, err = m.Allocate("w3")
	if !errors.Is(err, ports.ErrNoFreePorts) {
		t.Fatalf("expected ErrNoFreePorts, got %v", err)
	}
	// Exhaustion must not disturb existing allocations.
	if m.InUse() != 2 {
		t.Fatalf("expected 2 ports in use, got %d", m.InUse())
	}
}

func TestReleaseUnknownWindowIsNoop(t *testing.T) {
	m, err := ports.NewManager(52700, 2)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.Release("never-allocated")
	if m.InUse() != 0 {
		t.Fatalf("expected empty pool, got %d in use", m.InUse())
	}
}
