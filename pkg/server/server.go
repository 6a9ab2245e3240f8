// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server is the gateway's connection surface: the WebSocket frame
// protocol, the health and readiness endpoints, the metrics exposition and
// the admin REST API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/warden/pkg/auth"
	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/observability"
	"github.com/kadirpekel/warden/pkg/protocol"
	"github.com/kadirpekel/warden/pkg/runtime"
)

type Server struct {
	cfg     *config.Config
	rt      *runtime.Runtime
	obs     *observability.Manager
	admin   *auth.Validator
	version string

	httpServer *http.Server
	listener   net.Listener

	connections atomic.Int64
	startedAt   time.Time

	stopChan chan struct{}
	doneChan chan struct{}
}

type Options struct {
	Config  *config.Config
	Runtime *runtime.Runtime

	// Observability may be nil; metrics and tracing are then disabled.
	Observability *observability.Manager

	// Admin guards the admin REST API; nil leaves it open.
	Admin *auth.Validator

	Version string
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}

	s := &Server{
		cfg:       opts.Config,
		rt:        opts.Runtime,
		obs:       opts.Observability,
		admin:     opts.Admin,
		version:   opts.Version,
		startedAt: time.Now(),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.httpMetrics)

	r.Get("/ws", s.handleWS)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/readiness", s.handleReady)
	r.Get("/live", s.handleLive)
	r.Get("/liveness", s.handleLive)

	if s.obs != nil && s.cfg.Observability.Metrics.IsEnabled() {
		r.Handle(s.cfg.Observability.Metrics.Path, s.obs.Handler())
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.admin.Middleware)
		r.Get("/agents", s.handleListAgents)
		r.Post("/agents", s.handleSpawnAgent)
		r.Get("/agents/{id}", s.handleAgentStatus)
		r.Delete("/agents/{id}", s.handleTerminateAgent)
	})

	return r
}

// Start binds the listener, brings up the runtime's background loops and
// begins serving. It returns once the server is accepting connections.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Gateway.Address())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Gateway.Address(), err)
	}
	s.listener = ln

	if err := s.rt.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	s.startedAt = time.Now()

	if s.obs != nil {
		err := s.obs.Metrics().RegisterRuntimeGauges(s.startedAt,
			func() int64 { return int64(s.rt.Router().Count()) },
			func() int64 { return int64(s.rt.Registry().Count()) },
			s.connections.Load,
		)
		if err != nil {
			slog.Warn("Runtime gauge registration failed", "error", err)
		}
	}

	slog.Info("Gateway listening", "address", ln.Addr().String(), "dev_mode", s.cfg.Gateway.IsDevMode())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
		}
	}()
	go s.runLifecycle()
	return nil
}

// Addr returns the bound listen address, useful when port 0 was configured.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Gateway.Address()
	}
	return s.listener.Addr().String()
}

// Wait blocks until the server has shut down.
func (s *Server) Wait() {
	<-s.doneChan
}

// Stop initiates shutdown and waits for it to complete or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	select {
	case <-s.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) runLifecycle() {
	defer close(s.doneChan)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("Signal received, shutting down", "signal", sig.String())
	case <-s.stopChan:
		slog.Info("Stop requested, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		s.cfg.Gateway.ShutdownTimeout.OrDefault(30*time.Second))
	defer cancel()
	s.cleanup(ctx)
}

func (s *Server) cleanup(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := s.rt.Close(ctx); err != nil {
		slog.Warn("Runtime shutdown incomplete", "error", err)
	}
	if s.obs != nil {
		if err := s.obs.Shutdown(ctx); err != nil {
			slog.Warn("Observability shutdown incomplete", "error", err)
		}
	}
}

func (s *Server) httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.obs != nil {
			s.obs.Metrics().RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, ww.Status(), time.Since(started))
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := s.rt.Router().ListModels()
	ids := make([]string, 0, len(providers))
	for _, p := range providers {
		ids = append(ids, p.ID)
	}

	status := "ok"
	code := http.StatusOK
	if err := s.rt.Ready(); err != nil {
		status = "error"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":      status,
		"providers":   ids,
		"agents":      s.rt.Registry().Count(),
		"connections": s.connections.Load(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"version":     s.version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.Ready(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"error": protocol.AsError(err).Message,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alive": true})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	entries := s.rt.Registry().List()
	snapshots := make([]any, 0, len(entries))
	for _, e := range entries {
		snapshots = append(snapshots, e.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": snapshots})
}

func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string             `json:"agentId"`
		Config  config.AgentConfig `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, protocol.NewError(protocol.CodeValidation, "invalid request body"))
		return
	}
	if req.AgentID == "" {
		writeError(w, protocol.NewError(protocol.CodeValidation, "agentId is required"))
		return
	}
	req.Config.SetDefaults()
	if err := req.Config.Validate(); err != nil {
		writeError(w, protocol.Errorf(protocol.CodeValidation, "%v", err))
		return
	}

	snap, err := s.rt.SpawnAgent(r.Context(), req.AgentID, &req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	entry, err := s.rt.Registry().Lookup(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry.Snapshot())
}

func (s *Server) handleTerminateAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.TerminateAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "terminated"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	perr := protocol.AsError(err)
	writeJSON(w, httpStatus(perr.Code), map[string]any{
		"error": perr.Message,
		"code":  perr.Code,
	})
}

func httpStatus(code protocol.ErrorCode) int {
	switch code {
	case protocol.CodeValidation:
		return http.StatusBadRequest
	case protocol.CodeAuthRequired, protocol.CodeAuthFailed:
		return http.StatusUnauthorized
	case protocol.CodePermissionDenied, protocol.CodePolicyBlocked, protocol.CodeSanctioned:
		return http.StatusForbidden
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeConflict:
		return http.StatusConflict
	case protocol.CodeRateLimited, protocol.CodeBudgetExceeded:
		return http.StatusTooManyRequests
	case protocol.CodeTimeout:
		return http.StatusGatewayTimeout
	case protocol.CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
