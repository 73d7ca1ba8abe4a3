// Package web serves a small local status API over the orchestrator.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mtomr3/nordmac/pkg/cleanup"
	"github.com/mtomr3/nordmac/pkg/health"
	"github.com/mtomr3/nordmac/pkg/metrics"
	"github.com/mtomr3/nordmac/pkg/session"
)

// SessionSource is what the API reads from the session layer.
type SessionSource interface {
	Status() session.Status
	LastCleanup() *cleanup.Record
	Metrics() metrics.Snapshot
}

// HealthSource reports recent tunnel checks. Optional.
type HealthSource interface {
	Snapshot() health.Status
}

// Server is the HTTP status endpoint.
type Server struct {
	session SessionSource
	health  HealthSource
	logger  *slog.Logger
	srv     *http.Server
}

// New creates a server listening on addr.
func New(addr string, sess SessionSource, healthSrc HealthSource, logger *slog.Logger) *Server {
	s := &Server{
		session: sess,
		health:  healthSrc,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status API listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Handler exposes the route table, used by tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

type statusResponse struct {
	Session session.Status   `json:"session"`
	Metrics metrics.Snapshot `json:"metrics"`
	Health  *health.Status   `json:"health,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Session: s.session.Status(),
		Metrics: s.session.Metrics(),
	}
	if s.health != nil {
		snap := s.health.Snapshot()
		resp.Health = &snap
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	record := s.session.LastCleanup()
	if record == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cleanup has run yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := s.session.Status()
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  status.State,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to encode API response", "error", err)
	}
}
