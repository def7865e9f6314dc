// Package server exposes the local jobs API: a read-only HTTP surface
// over the job runtime and telemetry ledger, a websocket stream of job
// events, and Prometheus metrics. The default address is on localhost.
// job watch does not read this server; it polls the local job store.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bekirdag/mcoda/internal/events"
	"github.com/bekirdag/mcoda/internal/jobs"
	"github.com/bekirdag/mcoda/internal/telemetry"
)

// Server is the jobs API server.
type Server struct {
	addr    string
	runtime *jobs.Runtime
	ledger  *telemetry.Ledger
	bus     *events.Bus
	hub     *Hub
	logger  *slog.Logger
	httpSrv *http.Server
}

// New creates a server.
func New(addr string, runtime *jobs.Runtime, ledger *telemetry.Ledger, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		runtime: runtime,
		ledger:  ledger,
		bus:     bus,
		hub:     NewHub(),
		logger:  logger,
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}/checkpoints", s.handleCheckpoints).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}/log", s.handleJobLog).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}/tokens", s.handleJobTokens).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Use(s.loggingMiddleware)
	return r
}

// Start runs the server until the context is cancelled. The websocket
// hub forwards every bus event to connected clients.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()
	go s.pumpEvents(ctx)

	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("jobs API listening", "addr", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// pumpEvents forwards bus events into the websocket hub and metrics.
func (s *Server) pumpEvents(ctx context.Context) {
	if s.bus == nil {
		return
	}
	ch := s.bus.Subscribe("all", nil)
	defer s.bus.Unsubscribe("all", ch)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			observeEvent(evt)
			s.hub.BroadcastJSON(evt)
		}
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
