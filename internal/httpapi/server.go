// v1
// internal/httpapi/server.go
// Package httpapi serves the command API: accepting user commands for
// asynchronous processing, exposing job progress and cached equipment
// state, and the usual health/status/metrics surface.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/AutomataControls/AutomataControlsNexusBms-Production-sub005/internal/observability"
)

type Server struct {
	HTTP *http.Server
	Log  *slog.Logger
}

// NewRouter wires the endpoint table.
func NewRouter(h *Handlers, met *observability.Metrics) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/status", h.Status).Methods("GET")
	r.HandleFunc("/config/reload", h.ReloadConfig).Methods("POST")

	r.HandleFunc("/api/equipment/{id}/command", h.PostCommand).Methods("POST")
	r.HandleFunc("/api/equipment/{id}/state", h.GetState).Methods("GET")
	r.HandleFunc("/api/equipment/{id}/status/{jobId}", h.GetJobStatus).Methods("GET")

	if met != nil {
		r.Handle("/metrics", met.Handler()).Methods("GET")
	}
	return r
}

// NewServer returns a ready-to-run server with access logging and panic
// recovery around the router.
func NewServer(addr string, h *Handlers, met *observability.Metrics, lg *slog.Logger) *Server {
	router := NewRouter(h, met)
	wrapped := handlers.RecoveryHandler()(handlers.LoggingHandler(os.Stdout, router))

	hs := &http.Server{
		Addr:              addr,
		Handler:           wrapped,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{HTTP: hs, Log: lg}
}

func (s *Server) Start() error {
	s.Log.Info("http server starting", "addr", s.HTTP.Addr)
	return s.HTTP.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.Log.Info("http server stopping")
	return s.HTTP.Shutdown(ctx)
}
