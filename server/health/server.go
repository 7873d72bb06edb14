// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/messagebroker/mbc-mailchimp-subscription/consumer"
	"github.com/messagebroker/mbc-mailchimp-subscription/storage"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Instance is a consumer whose state is reported.
type Instance interface {
	Name() string
	State() consumer.State
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config    Config
	instances []Instance
	journal   storage.DeadLetterStore
	logger    *slog.Logger
	server    *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. metrics is served on /metrics and
// journal on /dead-letters when not nil.
func New(cfg Config, instances []Instance, journal storage.DeadLetterStore, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		config:    cfg,
		instances: instances,
		journal:   journal,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	if journal != nil {
		mux.HandleFunc("/dead-letters", s.handleDeadLetters)
	}
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns an empty string if the server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK only while every instance is consuming.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(s.instances) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "no consumer instances",
		})
		return
	}

	for _, in := range s.instances {
		if st := in.State(); st != consumer.Consuming {
			writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
				Status:  "not_ready",
				Details: in.Name() + " is " + st.String(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// InstanceStatus is one entry of the status response.
type InstanceStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// StatusResponse lists the consumer instances.
type StatusResponse struct {
	Instances []InstanceStatus `json:"instances"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{Instances: make([]InstanceStatus, 0, len(s.instances))}
	for _, in := range s.instances {
		resp.Instances = append(resp.Instances, InstanceStatus{Name: in.Name(), State: in.State().String()})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeadLetters returns journal records, newest first. The optional
// limit query parameter bounds the count.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := s.journal.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list dead letters", slog.String("error", err.Error()))
		http.Error(w, "failed to list dead letters", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []*storage.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
