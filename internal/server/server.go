// Package server assembles the coordinator's HTTP surface, narrowed from
// the teacher's full REST+WebSocket server (server.go) to the handful of
// routes this system exposes: health checks, metrics, and the single
// WebSocket upgrade endpoint.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/observer/coordinator/internal/config"
	"github.com/observer/coordinator/internal/store"
)

// Dependencies holds the server's route handlers.
type Dependencies struct {
	DB        *store.DB
	WSHandler http.HandlerFunc
	Logger    *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()
	registerRoutes(mux, deps)

	handler := chainMiddleware(mux,
		requestIDMiddleware,
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	return &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DB.Health(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","error":"database unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	mux.HandleFunc("GET /ws", deps.WSHandler)
}
