// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package healthcheck serves the daemon's liveness and status endpoints.
package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cardinalhq/fieldsync/internal/logctx"
)

type Status int32

const (
	StatusStarting Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// StatusSource reports engine state for the /statusz endpoint.
type StatusSource interface {
	PendingCount(ctx context.Context) (int, error)
	LastSync(ctx context.Context) (time.Time, error)
}

type statusResponse struct {
	Healthy  bool   `json:"healthy"`
	Status   string `json:"status"`
	Pending  int    `json:"pending_actions"`
	LastSync string `json:"last_sync,omitempty"`
}

// Server exposes /healthz and /statusz.
type Server struct {
	addr   string
	status atomic.Int32
	source StatusSource
	server *http.Server
}

// NewServer creates a health server bound to addr. source may be nil; then
// /statusz only reports liveness.
func NewServer(addr string, source StatusSource) *Server {
	return &Server{addr: addr, source: source}
}

func (s *Server) SetStatus(status Status) {
	s.status.Store(int32(status))
}

func (s *Server) GetStatus() Status {
	return Status(s.status.Load())
}

// Start serves until ctx is cancelled, then shuts down gracefully. A bind
// failure is returned immediately; a health endpoint that silently failed to
// come up would report a dead daemon as fine.
func (s *Server) Start(ctx context.Context) error {
	ll := logctx.FromContext(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/statusz", s.statuszHandler)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health check server failed to listen on %s: %w", s.addr, err)
	}

	s.SetStatus(StatusStarting)
	ll.Info("Starting health check server", "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			ll.Error("Health check server error", "error", err)
		}
	}()

	<-ctx.Done()
	return s.Stop()
}

// Stop shuts the server down; safe to call when it never started.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	healthy := s.GetStatus() == StatusHealthy
	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"healthy": healthy})
}

func (s *Server) statuszHandler(w http.ResponseWriter, r *http.Request) {
	status := s.GetStatus()
	resp := statusResponse{
		Healthy: status == StatusHealthy,
		Status:  status.String(),
	}
	if s.source != nil {
		if n, err := s.source.PendingCount(r.Context()); err == nil {
			resp.Pending = n
		}
		if t, err := s.source.LastSync(r.Context()); err == nil && !t.IsZero() {
			resp.LastSync = t.UTC().Format(time.RFC3339)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
