// Package server exposes a small control endpoint for operators.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"vbcb-bot/poll"
)

// Monitor reports the state of the poll loop.
type Monitor interface {
	Status() poll.Status
}

// Quieter controls the outbound quiet period.
type Quieter interface {
	SetQuietUntil(t time.Time)
	QuietUntil() time.Time
}

// Server handles HTTP requests.
type Server struct {
	monitor Monitor
	quieter Quieter
	logger  *slog.Logger
	now     func() time.Time
}

// Config holds server configuration.
type Config struct {
	Monitor Monitor
	Quieter Quieter
	Logger  *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		monitor: cfg.Monitor,
		quieter: cfg.Quieter,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

// Handler returns the routes of the control endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/quiet", s.handleQuiet)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve control endpoint: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shut down control endpoint: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve control endpoint: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status     string      `json:"status"`
	Poll       poll.Status `json:"poll"`
	QuietUntil *time.Time  `json:"quiet_until,omitempty"`
}

type quietResponse struct {
	QuietUntil *time.Time `json:"quiet_until"`
}

func (s *Server) quietUntil() *time.Time {
	until := s.quieter.QuietUntil()
	if !s.now().Before(until) {
		return nil
	}
	return &until
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.monitor.Status()
	resp := healthResponse{Status: "healthy", Poll: status, QuietUntil: s.quietUntil()}
	if status.LastError != "" {
		resp.Status = "degraded"
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleQuiet(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		raw := r.URL.Query().Get("for")
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "Invalid or missing duration", http.StatusBadRequest)
			return
		}
		until := s.now().Add(d)
		s.quieter.SetQuietUntil(until)
		s.logger.Info("Quiet period requested", "duration", d.String(), "until", until)
		s.writeJSON(w, quietResponse{QuietUntil: &until})

	case http.MethodDelete:
		s.quieter.SetQuietUntil(time.Time{})
		s.logger.Info("Quiet period lifted")
		s.writeJSON(w, quietResponse{})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
