// Package diagnosticsserver is the read-only HTTP surface SPEC_FULL.md §1.2
// calls for: /healthz, /metrics (Prometheus), /snapshot (live tracker JSON),
// /diagnostics (the snapshot's tracker and resolver diagnostics counters).
// It is adapted from the teacher's
// internal/app handler registration style — a gorilla/mux router, one
// middleware chain, JSON responses — trimmed to the handful of endpoints
// this domain exposes; the teacher's config-reload/log-ingest/SLO/security
// endpoints have no equivalent here since this server never accepts writes.
package diagnosticsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"memscope/pkg/tracing"
	"memscope/pkg/types"
)

// SnapshotFunc returns the current session snapshot. The server never
// mutates tracker state, only reads it on demand.
type SnapshotFunc func() types.Snapshot

// Server hosts the diagnostics HTTP surface.
type Server struct {
	addr     string
	logger   *logrus.Logger
	snapshot SnapshotFunc
	httpSrv  *http.Server
	started  time.Time
}

// New builds a Server bound to addr. snapshot is called fresh on every
// /snapshot and /diagnostics request. tracer, if non-nil, wraps every
// request in a span (pkg/tracing).
func New(addr string, snapshot SnapshotFunc, tracer oteltrace.Tracer, logger *logrus.Logger) *Server {
	s := &Server{addr: addr, logger: logger, snapshot: snapshot, started: time.Now()}

	router := mux.NewRouter()
	var wrap func(http.Handler) http.Handler = func(h http.Handler) http.Handler { return h }
	if tracer != nil {
		wrap = tracing.Handler(tracer, "diagnostics_http_request")
	}

	router.Handle("/healthz", wrap(http.HandlerFunc(s.healthzHandler))).Methods(http.MethodGet)
	router.Handle("/metrics", wrap(promhttp.Handler())).Methods(http.MethodGet)
	router.Handle("/snapshot", wrap(http.HandlerFunc(s.snapshotHandler))).Methods(http.MethodGet)
	router.Handle("/diagnostics", wrap(http.HandlerFunc(s.diagnosticsHandler))).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the server in a background goroutine. Errors other than a
// clean shutdown are logged, not returned, matching the teacher's
// fire-and-forget server-goroutine pattern — a diagnostics surface going
// down never takes the tracked process down with it.
func (s *Server) Start() {
	go func() {
		s.logger.WithField("addr", s.addr).Info("diagnostics server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("diagnostics server stopped unexpectedly")
		}
	}()
}

// Shutdown gracefully stops the server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.started).String(),
	})
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) diagnosticsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot().Diagnostics)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
