// Package api serves the read-only operator API. Every endpoint is a
// point-in-time snapshot read; nothing here blocks on the pipeline.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"solana-pool-watch/internal/alerting"
	"solana-pool-watch/internal/domain"
	"solana-pool-watch/internal/faulttolerance"
	"solana-pool-watch/internal/fork"
	"solana-pool-watch/internal/observability"
	"solana-pool-watch/internal/parser"
	"solana-pool-watch/internal/pool"
)

// Config tunes the HTTP server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default API configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server exposes pool state, fork history, alert history, parse metrics,
// and Prometheus metrics over HTTP.
type Server struct {
	cfg        Config
	coord      *pool.Coordinator
	detector   *fork.Detector
	alerter    *alerting.Alerter
	registry   *parser.Registry
	controller *faulttolerance.Controller
	metrics    *observability.Metrics
	logger     *zap.Logger

	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(cfg Config, coord *pool.Coordinator, detector *fork.Detector,
	alerter *alerting.Alerter, registry *parser.Registry,
	controller *faulttolerance.Controller, metrics *observability.Metrics,
	logger *zap.Logger) *Server {

	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	s := &Server{
		cfg:        cfg,
		coord:      coord,
		detector:   detector,
		alerter:    alerter,
		registry:   registry,
		controller: controller,
		metrics:    metrics,
		logger:     logger.With(zap.String("component", "api")),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/pools/{mint}", s.handlePoolByMint).Methods(http.MethodGet)
	v1.HandleFunc("/forks", s.handleRecentForks).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", s.handleAlertHistory).Methods(http.MethodGet)
	v1.HandleFunc("/parser/metrics", s.handleParseMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)

	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

type healthResponse struct {
	Status    string `json:"status"`
	Emergency bool   `json:"emergency"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.controller != nil && s.controller.Emergency() {
		resp.Status = "degraded"
		resp.Emergency = true
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePoolByMint(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]

	state, ok := s.coord.StateForMint(mint)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown mint")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRecentForks(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	forks := s.detector.RecentForks(limit)
	if forks == nil {
		forks = []*domain.ForkEvent{}
	}
	s.writeJSON(w, http.StatusOK, forks)
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100)
	alerts := s.alerter.History(limit)
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleParseMetrics(w http.ResponseWriter, _ *http.Request) {
	metrics := s.registry.MetricsSnapshot()
	if metrics == nil {
		metrics = []parser.Metric{}
	}
	s.writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

// queryLimit reads ?limit= with a default; zero or garbage falls back.
func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encoding failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
