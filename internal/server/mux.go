// Package server provides HTTP server construction for taskd.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/task-sync/internal/auth"
	"github.com/alexjbarnes/task-sync/internal/engine"
)

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Engine   *engine.Engine
	Health   Pinger
	Auth     *auth.Store
	Users    auth.UserCredentials
	TokenTTL time.Duration
	// MCPHandler is mounted at /mcp behind the bearer middleware when
	// non-nil.
	MCPHandler http.Handler
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with the credential endpoints, the task
// API and, optionally, the MCP endpoint. Everything under /api/tasks
// and /mcp is protected by Bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	h := &handlers{engine: cfg.Engine, logger: cfg.Logger}
	protect := auth.Middleware(cfg.Auth, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Health))
	mux.HandleFunc("POST /api/auth/login", auth.HandleLogin(cfg.Auth, cfg.Users, cfg.TokenTTL, cfg.Logger))
	mux.Handle("GET /api/auth/me", protect(auth.HandleMe()))

	mux.Handle("GET /api/tasks", protect(http.HandlerFunc(h.list)))
	mux.Handle("POST /api/tasks", protect(http.HandlerFunc(h.create)))
	mux.Handle("POST /api/tasks/sync", protect(http.HandlerFunc(h.sync)))
	mux.Handle("GET /api/tasks/{id}", protect(http.HandlerFunc(h.get)))
	mux.Handle("PUT /api/tasks/{id}", protect(http.HandlerFunc(h.update)))
	mux.Handle("DELETE /api/tasks/{id}", protect(http.HandlerFunc(h.delete)))

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", protect(cfg.MCPHandler))
	}

	return mux
}

func handleHealth(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Ping(r.Context()); err != nil {
				writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "record store unavailable")
				return
			}
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
