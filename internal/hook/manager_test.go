package hook

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"warden/internal/config"
	"warden/internal/ports"
)

var dialPortRe = regexp.MustCompile(`net\.connect\((\d+),`)

// scriptInjector stands in for the real UI automation: instead of typing
// the script into a developer console it runs the script's network behavior
// directly, dialing back, handshaking, and answering command frames.
type scriptInjector struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	fail     error
	silent   bool // deliver "successfully" but never dial back
	injected int
}

func (i *scriptInjector) Inject(ctx context.Context, script string, pid int) error {
	i.mu.Lock()
	i.injected++
	fail, silent := i.fail, i.silent
	i.mu.Unlock()
	if fail != nil {
		return fail
	}
	if silent {
		return nil
	}
	m := dialPortRe.FindStringSubmatch(script)
	if m == nil {
		return fmt.Errorf("rendered script has no dial-back port")
	}
	addr := "127.0.0.1:" + m[1]
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck
		_, _ = conn.Write([]byte("ready\n"))
		_, _ = conn.Write([]byte(`{"type":"heartbeat","version":"2","location":"main","resumeNeeded":true}` + "\n"))
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, `"`) {
				continue
			}
			var src string
			if json.Unmarshal([]byte(line), &src) != nil {
				continue
			}
			fmt.Fprintf(conn, "eval:%d\n", len(src))
		}
	}()
	return nil
}

func (i *scriptInjector) injections() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.injected
}

type managerFixture struct {
	mgr      *Manager
	ports    *ports.Manager
	injector *scriptInjector
	hbs      chan Heartbeat
	downs    chan string
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HookPortBase = 56410
	cfg.HookPortCount = 10
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.CommandTimeout = 2 * time.Second

	portMgr, err := ports.NewManager(cfg.HookPortBase, cfg.HookPortCount)
	if err != nil {
		t.Fatalf("port manager: %v", err)
	}
	injector := &scriptInjector{}
	mgr := NewManager(cfg, portMgr, injector, zap.NewNop())
	hbs := make(chan Heartbeat, 16)
	downs := make(chan string, 16)
	mgr.SetObservers(
		func(windowID string, hb Heartbeat) { hbs <- hb },
		func(windowID string, reason error) { downs <- windowID },
	)
	t.Cleanup(func() {
		mgr.Shutdown()
		injector.wg.Wait()
	})
	return &managerFixture{mgr: mgr, ports: portMgr, injector: injector, hbs: hbs, downs: downs}
}

func TestInjectHookHandshakesAndRunsCommands(t *testing.T) {
	f := newManagerFixture(t)
	port, err := f.mgr.InjectHook(context.Background(), 100, "100:main")
	if err != nil {
		t.Fatalf("inject hook: %v", err)
	}
	if port != 56410 {
		t.Fatalf("expected first pool port, got %d", port)
	}
	if !f.mgr.Connected("100:main") {
		t.Fatalf("window not connected after handshake")
	}

	out, err := f.mgr.RunCommand(context.Background(), "100:main", "1+1")
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if out != "eval:3" {
		t.Fatalf("unexpected command result %q", out)
	}

	select {
	case hb := <-f.hbs:
		if !hb.ResumeNeeded {
			t.Fatalf("heartbeat lost resumeNeeded: %+v", hb)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("heartbeat not forwarded to observer")
	}
}

func TestInjectHookIsIdempotentWhileConnected(t *testing.T) {
	f := newManagerFixture(t)
	first, err := f.mgr.InjectHook(context.Background(), 100, "100:main")
	if err != nil {
		t.Fatalf("inject hook: %v", err)
	}
	again, err := f.mgr.InjectHook(context.Background(), 100, "100:main")
	if err != nil {
		t.Fatalf("re-inject hook: %v", err)
	}
	if first != again {
		t.Fatalf("expected stable port, got %d then %d", first, again)
	}
	if got := f.injector.injections(); got != 1 {
		t.Fatalf("connected window must not be re-injected, saw %d injections", got)
	}
}

func TestInjectionFailureKeepsPortForRetry(t *testing.T) {
	f := newManagerFixture(t)
	f.injector.fail = fmt.Errorf("%w: console did not open", ErrInjectionFailed)

	_, err := f.mgr.InjectHook(context.Background(), 100, "100:main")
	if !errors.Is(err, ErrInjectionFailed) {
		t.Fatalf("expected ErrInjectionFailed, got %v", err)
	}
	port, held := f.ports.Lookup("100:main")
	if !held {
		t.Fatalf("port must stay allocated for the retry")
	}

	f.injector.fail = nil
	got, err := f.mgr.InjectHook(context.Background(), 100, "100:main")
	if err != nil {
		t.Fatalf("retry inject: %v", err)
	}
	if got != port {
		t.Fatalf("retry must reuse the window's port: had %d, got %d", port, got)
	}
}

func TestAutomationDeniedSurfacesTyped(t *testing.T) {
	f := newManagerFixture(t)
	f.injector.fail = fmt.Errorf("%w: osascript is not authorized", ErrAutomationDenied)

	_, err := f.mgr.InjectHook(context.Background(), 100, "100:main")
	if !errors.Is(err, ErrAutomationDenied) {
		t.Fatalf("expected ErrAutomationDenied, got %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	f := newManagerFixture(t)
	f.mgr.cfg.HandshakeTimeout = 100 * time.Millisecond
	f.injector.silent = true

	_, err := f.mgr.InjectHook(context.Background(), 100, "100:main")
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	if f.mgr.Connected("100:main") {
		t.Fatalf("window must not be connected after handshake timeout")
	}
	if _, held := f.ports.Lookup("100:main"); !held {
		t.Fatalf("port must survive a handshake timeout for re-injection")
	}
}

func TestReleaseWindowReturnsPort(t *testing.T) {
	f := newManagerFixture(t)
	if _, err := f.mgr.InjectHook(context.Background(), 100, "100:main"); err != nil {
		t.Fatalf("inject hook: %v", err)
	}
	f.mgr.ReleaseWindow("100:main")
	if f.mgr.Connected("100:main") {
		t.Fatalf("released window still connected")
	}
	if f.ports.InUse() != 0 {
		t.Fatalf("released window still holds a port")
	}
	select {
	case <-f.downs:
	case <-time.After(2 * time.Second):
		t.Fatalf("down observer not notified on release")
	}
}

func TestRunCommandWithoutHook(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.mgr.RunCommand(context.Background(), "100:main", "1+1")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestShutdownRejectsFurtherInjection(t *testing.T) {
	f := newManagerFixture(t)
	if _, err := f.mgr.InjectHook(context.Background(), 100, "100:main"); err != nil {
		t.Fatalf("inject hook: %v", err)
	}
	f.mgr.Shutdown()
	if _, err := f.mgr.InjectHook(context.Background(), 200, "200:main"); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled after shutdown, got %v", err)
	}
}
