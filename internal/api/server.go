// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/engine"
	"github.com/atlas-desktop/regime-engine/internal/journal"
	"github.com/atlas-desktop/regime-engine/internal/metrics"
	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 4 << 20

// RecentReader lists journaled decisions, newest first.
type RecentReader interface {
	Recent(ctx context.Context, count int64) ([]journal.Entry, error)
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     types.ServerConfig
	router     *mux.Router
	httpServer *http.Server

	engine   *engine.Engine
	hub      *Hub
	metrics  *metrics.Recorder
	journal  RecentReader
	limiter  *rate.Limiter
	validate *validator.Validate
	started  time.Time
}

// NewServer creates a new API server. metrics and journal may be nil.
func NewServer(logger *zap.Logger, config types.ServerConfig, eng *engine.Engine, hub *Hub, rec *metrics.Recorder, recent RecentReader) *Server {
	if config.WebSocketPath == "" {
		config.WebSocketPath = "/ws"
	}
	limit, burst := rate.Limit(config.RateLimit), config.RateBurst
	if config.RateLimit <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}

	s := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		engine:   eng,
		hub:      hub,
		metrics:  rec,
		journal:  recent,
		limiter:  rate.NewLimiter(limit, burst),
		validate: validator.New(),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/strategies", s.handleStrategies).Methods(http.MethodGet)

	api.HandleFunc("/evaluate", s.limited(s.handleEvaluate)).Methods(http.MethodPost)
	api.HandleFunc("/evaluate/batch", s.limited(s.handleEvaluateBatch)).Methods(http.MethodPost)
	api.HandleFunc("/decisions", s.handleRecentDecisions).Methods(http.MethodGet)
	api.HandleFunc("/decisions/{instrument}", s.handleLatestDecision).Methods(http.MethodGet)

	api.HandleFunc("/regime/{instrument}", s.handleGetRegime).Methods(http.MethodGet)
	api.HandleFunc("/regime/{instrument}", s.handleResetRegime).Methods(http.MethodDelete)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	if s.hub != nil {
		s.router.HandleFunc(s.config.WebSocketPath, s.hub.ServeWS)
	}
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string, details ...string) {
	body := map[string]interface{}{"error": msg}
	if len(details) > 0 {
		body["details"] = details
	}
	s.writeJSON(w, status, body)
}

// limited rejects requests beyond the configured rate.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":   "healthy",
		"time":     time.Now().Unix(),
		"uptime":   time.Since(s.started).String(),
		"engine":   s.engine.Stats(),
		"detector": s.engine.Detector().Stats(),
	}
	if s.hub != nil {
		body["ws_clients"] = s.hub.ClientCount()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": s.engine.Registry().List(),
	})
}

// checkSnapshot applies the struct constraints and returns field messages.
func (s *Server) checkSnapshot(snap *types.Snapshot) []string {
	err := s.validate.Struct(snap)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return out
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var snap types.Snapshot
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&snap); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid snapshot JSON", err.Error())
		return
	}
	if problems := s.checkSnapshot(&snap); problems != nil {
		s.writeError(w, http.StatusBadRequest, "invalid snapshot", problems...)
		return
	}

	d, err := s.engine.Evaluate(r.Context(), &snap)
	if d == nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

// BatchResult is one entry of a batch evaluation response
type BatchResult struct {
	Decision *types.Decision `json:"decision,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var snaps []*types.Snapshot
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&snaps); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid snapshot JSON", err.Error())
		return
	}
	for i, snap := range snaps {
		if snap == nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("snapshot %d is null", i))
			return
		}
		if problems := s.checkSnapshot(snap); problems != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid snapshot %d", i), problems...)
			return
		}
	}

	decisions, errs := s.engine.EvaluateAll(r.Context(), snaps)
	results := make([]BatchResult, len(snaps))
	for i := range snaps {
		results[i].Decision = decisions[i]
		if errs[i] != nil {
			results[i].Error = errs[i].Error()
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleLatestDecision(w http.ResponseWriter, r *http.Request) {
	instrument := mux.Vars(r)["instrument"]
	d, ok := s.engine.Latest(instrument)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no decision for "+instrument)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRecentDecisions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotImplemented, "decision journal not configured")
		return
	}
	limit := int64(50)
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Warn("Failed to read journal", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "journal unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleGetRegime(w http.ResponseWriter, r *http.Request) {
	instrument := mux.Vars(r)["instrument"]
	window := s.engine.Detector().Window(instrument)
	if window == nil {
		window = []types.RegimeResult{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instrument": instrument,
		"window":     window,
	})
}

func (s *Server) handleResetRegime(w http.ResponseWriter, r *http.Request) {
	instrument := mux.Vars(r)["instrument"]
	if !s.engine.Detector().Reset(instrument) {
		s.writeError(w, http.StatusNotFound, "no cached regime for "+instrument)
		return
	}
	s.logger.Info("Regime cache reset", zap.String("instrument", instrument))
	w.WriteHeader(http.StatusNoContent)
}
