// Package api serves slot status, connection history and Prometheus metrics
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/logx"
	"github.com/markus-lassfolk/celldata/pkg/metrics"
)

// StatusProvider gives read access to the slot snapshots. SlotStatus fails
// for a slot it does not serve.
type StatusProvider interface {
	Statuses() []pkg.SlotStatus
	SlotStatus(slot int) (pkg.SlotStatus, error)
}

// EventSource gives read access to the recorded connection events
type EventSource interface {
	GetEvents(slot int, since time.Time, limit int) []pkg.Event
}

// Config holds the HTTP server settings
type Config struct {
	Listen  string
	AuthKey string
}

// Server is the HTTP status server
type Server struct {
	config    Config
	status    StatusProvider
	events    EventSource
	collector *metrics.Collector
	gatherer  prometheus.Gatherer
	logger    *logx.Logger
	startTime time.Time
	router    *mux.Router
}

// NewServer creates a server. collector may be nil, in which case the slot
// gauges are not refreshed on scrape.
func NewServer(cfg Config, status StatusProvider, events EventSource, collector *metrics.Collector, gatherer prometheus.Gatherer, logger *logx.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		config:    cfg,
		status:    status,
		events:    events,
		collector: collector,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/slots", s.handleSlots).Methods(http.MethodGet)
	v1.HandleFunc("/slots/{slot:[0-9]+}", s.handleSlot).Methods(http.MethodGet)
	v1.HandleFunc("/slots/{slot:[0-9]+}/events", s.handleEvents).Methods(http.MethodGet)
	return r
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP API server", "listen", s.config.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve http: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		s.logger.Info("HTTP API server stopped")
		return nil
	}
}

// authMiddleware checks the optional API key
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authKey := r.URL.Query().Get("auth")
		if authKey == "" {
			authKey = r.Header.Get("X-API-Key")
		}
		if authKey != s.config.AuthKey {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr)
			s.sendErrorResponse(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricsHandler refreshes the slot gauges before every scrape
func (s *Server) metricsHandler() http.Handler {
	h := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.collector != nil && s.status != nil {
			for _, st := range s.status.Statuses() {
				s.collector.ObserveStatus(st)
			}
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSONResponse(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	s.sendJSONResponse(w, map[string]interface{}{
		"slots": s.status.Statuses(),
	})
}

func (s *Server) handleSlot(w http.ResponseWriter, r *http.Request) {
	slot, ok := s.slotParam(w, r)
	if !ok {
		return
	}
	st, err := s.status.SlotStatus(slot)
	if err != nil {
		s.sendErrorResponse(w, http.StatusNotFound, "slot not found", err)
		return
	}
	s.sendJSONResponse(w, st)
}

// handleEvents serves the slot history. Query parameters: since (RFC3339)
// and limit.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	slot, ok := s.slotParam(w, r)
	if !ok {
		return
	}
	if _, err := s.status.SlotStatus(slot); err != nil {
		s.sendErrorResponse(w, http.StatusNotFound, "slot not found", err)
		return
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "invalid since", err)
			return
		}
		since = t
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendErrorResponse(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = n
	}

	events := []pkg.Event{}
	if s.events != nil {
		events = s.events.GetEvents(slot, since, limit)
	}
	s.sendJSONResponse(w, map[string]interface{}{
		"slot_id": slot,
		"count":   len(events),
		"events":  events,
	})
}

func (s *Server) slotParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	slot, err := strconv.Atoi(mux.Vars(r)["slot"])
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid slot", err)
		return 0, false
	}
	return slot, true
}

func (s *Server) sendJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode error response", "error", err)
	}
}
