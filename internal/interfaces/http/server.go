// Package http serves the read-only ops surface: regime, gating,
// sizing and quality snapshots, policy standings, tape statistics,
// health and Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/quantarch/tradepipe/internal/domain/promotion"
	"github.com/quantarch/tradepipe/internal/metrics"
	"github.com/quantarch/tradepipe/internal/pipeline"
	"github.com/quantarch/tradepipe/internal/quality"
	"github.com/quantarch/tradepipe/internal/router"
	"github.com/quantarch/tradepipe/internal/tape"
)

// Server exposes pipeline state over HTTP. Every endpoint is read-only;
// mutation stays with the pipeline and its config file.
type Server struct {
	mux       *mux.Router
	server    *http.Server
	factory   *pipeline.Factory
	guard     *quality.Guard
	routing   *router.Router
	tape      *tape.Runner
	promotion *promotion.Service
	collector *metrics.Collector
	startedAt time.Time
}

// NewServer wires the routes over the shared pipeline components
func NewServer(addr string, factory *pipeline.Factory, guard *quality.Guard, rt *router.Router, tp *tape.Runner, promo *promotion.Service, collector *metrics.Collector) *Server {
	s := &Server{
		mux:       mux.NewRouter(),
		factory:   factory,
		guard:     guard,
		routing:   rt,
		tape:      tp,
		promotion: promo,
		collector: collector,
		startedAt: time.Now(),
	}
	s.routes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/regime/{symbol}", s.handleRegime).Methods(http.MethodGet)
	s.mux.HandleFunc("/gating/{symbol}", s.handleGating).Methods(http.MethodGet)
	s.mux.HandleFunc("/sizing/{symbol}", s.handleSizing).Methods(http.MethodGet)
	s.mux.HandleFunc("/quality/{symbol}", s.handleQuality).Methods(http.MethodGet)
	s.mux.HandleFunc("/decision-quality/{symbol}", s.handleDecisionQuality).Methods(http.MethodGet)
	s.mux.HandleFunc("/policies", s.handlePolicies).Methods(http.MethodGet)
	s.mux.HandleFunc("/tape/stats", s.handleTapeStats).Methods(http.MethodGet)

	if s.collector != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	}
}

// Start serves until the context ends, then drains with a short grace
// period
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "http").Str("addr", s.server.Addr).Msg("ops server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// Handler exposes the mux for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	engines := s.factory.Engines()
	symbols := make(map[string]int64, len(engines))
	for _, eng := range engines {
		symbols[eng.Symbol()] = eng.TicksHandled()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"symbols":        symbols,
	})
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eng.Regime())
}

func (s *Server) handleGating(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	outcome := eng.LastOutcome()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":  outcome.Symbol,
		"weights": outcome.Weights,
		"edge":    outcome.Edge,
	})
}

func (s *Server) handleSizing(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	snap, ok := s.routing.GetLastSizing(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no sizing snapshot for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":  symbol,
		"healthy": s.guard.IsSymbolHealthy(symbol),
		"metrics": s.guard.MetricsFor(symbol),
	})
}

func (s *Server) handleDecisionQuality(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eng.Quality())
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"champion": s.promotion.Champion(),
		"policies": s.promotion.Policies(),
	})
}

func (s *Server) handleTapeStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tape.GetTapeStats())
}

func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*pipeline.Engine, bool) {
	symbol := mux.Vars(r)["symbol"]
	eng, ok := s.factory.EngineFor(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown symbol "+symbol)
		return nil, false
	}
	return eng, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Str("component", "http").Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
