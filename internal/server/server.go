// Package server exposes the engine over REST and a streaming chat
// WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/hive/internal/agents"
	"github.com/nextlevelbuilder/hive/internal/config"
	"github.com/nextlevelbuilder/hive/internal/engine"
	"github.com/nextlevelbuilder/hive/internal/scheduler"
	"github.com/nextlevelbuilder/hive/internal/store"
)

// Server is the HTTP/WebSocket front of the engine.
type Server struct {
	cfg        *config.Config
	eng        *engine.Engine
	st         store.Store
	sched      *scheduler.Scheduler
	pool       *agents.Pool
	roundtable *agents.Roundtable

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux
}

// New creates the server over its collaborators. sched, pool and
// roundtable may be nil; their routes then answer 503.
func New(cfg *config.Config, eng *engine.Engine, st store.Store, sched *scheduler.Scheduler, pool *agents.Pool, rt *agents.Roundtable) *Server {
	s := &Server{
		cfg:        cfg,
		eng:        eng,
		st:         st,
		sched:      sched,
		pool:       pool,
		roundtable: rt,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the WebSocket Origin header against the
// configured whitelist. No configuration or no header means allow,
// which covers CLI and test clients.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("ws origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the route table.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/stats", s.handleSessionStats)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PATCH /sessions/{id}", s.handleUpdateSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /sessions/{id}/end", s.handleEndSession)

	mux.HandleFunc("GET /cron", s.handleListJobs)
	mux.HandleFunc("POST /cron", s.handleCreateJob)
	mux.HandleFunc("GET /cron/{id}", s.handleGetJob)
	mux.HandleFunc("PUT /cron/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /cron/{id}", s.handleDeleteJob)
	mux.HandleFunc("POST /cron/{id}/trigger", s.handleTriggerJob)
	mux.HandleFunc("GET /cron/{id}/history", s.handleJobHistory)

	mux.HandleFunc("GET /agents/metrics", s.handleAgentMetrics)
	mux.HandleFunc("POST /agents/route", s.handleRoute)
	mux.HandleFunc("POST /roundtable", s.handleRoundtable)

	mux.HandleFunc("GET /ws/chat/{session_id}", s.handleChatSocket)

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.BuildMux(),
	}

	slog.Info("server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
