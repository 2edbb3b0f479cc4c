// Package api serves the supervisor's read-only status surface and the
// manual reset/pause controls over a unix domain socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"warden/internal/config"
	"warden/internal/journal"
	"warden/internal/state"
)

// HookInstaller triggers script injection for one window. Injection and
// re-injection are always caller-initiated through this surface, never
// automatic, to avoid runaway automation loops.
type HookInstaller interface {
	InjectHook(ctx context.Context, pid int, windowID string) (int, error)
}

type Server struct {
	cfg     config.Config
	store   *state.Store
	journal *journal.Store
	hooks   HookInstaller
	logger  *zap.Logger
	httpSrv *http.Server
}

func NewServer(cfg config.Config, store *state.Store, jnl *journal.Store, hooks HookInstaller, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:     cfg,
		store:   store,
		journal: jnl,
		hooks:   hooks,
		logger:  logger,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/reset", s.handleReset)
	mux.HandleFunc("/v1/windows/pause", s.handlePause)
	mux.HandleFunc("/v1/hooks/inject", s.handleInject)
	return s
}

// Start listens on the configured unix socket and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api listening", zap.String("socket", s.cfg.SocketPath))
	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "e_method", "GET required")
		return
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "e_method", "GET required")
		return
	}
	s.writeJSON(w, http.StatusOK, StatusEnvelope{
		SchemaVersion:        SchemaVersion,
		GeneratedAt:          time.Now().UTC(),
		SessionInterventions: s.store.SessionInterventions(),
		Instances:            s.store.Snapshot(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "e_method", "GET required")
		return
	}
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "e_no_journal", "journal disabled")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "e_bad_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	events, err := s.journal.RecentEvents(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "e_journal", err.Error())
		return
	}
	items := make([]EventItem, 0, len(events))
	for _, ev := range events {
		items = append(items, EventItem{
			EventID:   ev.EventID,
			PID:       ev.PID,
			WindowID:  ev.WindowID,
			Kind:      ev.Kind,
			Category:  ev.Category,
			Detail:    ev.Detail,
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	s.writeJSON(w, http.StatusOK, EventsEnvelope{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Events:        items,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "e_method", "POST required")
		return
	}
	pid, err := strconv.Atoi(r.URL.Query().Get("pid"))
	if err != nil || pid <= 0 {
		s.writeError(w, http.StatusBadRequest, "e_bad_pid", "pid must be a positive integer")
		return
	}
	if !s.store.Reset(r.Context(), pid) {
		s.writeError(w, http.StatusNotFound, "e_not_found", fmt.Sprintf("no monitored instance with pid %d", pid))
		return
	}
	s.writeJSON(w, http.StatusOK, ResetResponse{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		PID:           pid,
		ResultCode:    "reset",
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "e_method", "POST required")
		return
	}
	windowID := r.URL.Query().Get("window")
	if windowID == "" {
		s.writeError(w, http.StatusBadRequest, "e_bad_window", "window is required")
		return
	}
	paused := r.URL.Query().Get("paused") != "false"
	if !s.store.SetWindowPaused(windowID, paused) {
		s.writeError(w, http.StatusNotFound, "e_not_found", fmt.Sprintf("no monitored window %s", windowID))
		return
	}
	s.writeJSON(w, http.StatusOK, PauseResponse{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		WindowID:      windowID,
		Paused:        paused,
		ResultCode:    "updated",
	})
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "e_method", "POST required")
		return
	}
	if s.hooks == nil {
		s.writeError(w, http.StatusNotFound, "e_no_hooks", "hook transport disabled")
		return
	}
	pid, err := strconv.Atoi(r.URL.Query().Get("pid"))
	if err != nil || pid <= 0 {
		s.writeError(w, http.StatusBadRequest, "e_bad_pid", "pid must be a positive integer")
		return
	}
	windowID := r.URL.Query().Get("window")
	if windowID == "" {
		s.writeError(w, http.StatusBadRequest, "e_bad_window", "window is required")
		return
	}
	port, err := s.hooks.InjectHook(r.Context(), pid, windowID)
	if err != nil {
		// Hook unavailability is window-local and recoverable; report it,
		// don't crash the caller's view.
		s.writeError(w, http.StatusBadGateway, "e_inject", err.Error())
		return
	}
	s.store.SetHookPort(windowID, port)
	s.writeJSON(w, http.StatusOK, InjectResponse{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		WindowID:      windowID,
		Port:          port,
		ResultCode:    "connected",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error:         APIError{Code: code, Message: message},
	})
}
