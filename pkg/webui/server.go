// Package webui provides the HTTP API for skillet sessions. It exposes
// endpoints for submitting queries, inspecting session records, and
// tailing the session event log either as a one-shot JSON replay or as
// a live SSE stream that survives client reconnects.
package webui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/skillet-dev/skillet/pkg/logger"
	"github.com/skillet-dev/skillet/pkg/presenter"
	"github.com/skillet-dev/skillet/pkg/sessions"
	"github.com/skillet-dev/skillet/pkg/skills"
)

const (
	maxSessionIDLength = 128

	// ssePollInterval is how often the SSE tail re-checks the event log
	// for entries past the client's cursor.
	ssePollInterval = 200 * time.Millisecond

	// sseKeepaliveInterval is how often an idle SSE stream emits a
	// comment line so proxies do not drop the connection.
	sseKeepaliveInterval = 15 * time.Second
)

// Runner starts background runs against sessions. It is satisfied by
// the orchestrator.
type Runner interface {
	StartRun(ctx context.Context, sessionID, query string) error
}

// Server is the skillet HTTP API server.
type Server struct {
	router   *mux.Router
	store    *sessions.Store
	registry *skills.Registry
	runner   Runner
	config   *ServerConfig
	server   *http.Server
}

// ServerConfig holds the configuration for the web server
type ServerConfig struct {
	Host string
	Port int
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}

	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	return nil
}

// NewServer creates a new API server backed by the given session store,
// skill registry, and run starter.
func NewServer(config *ServerConfig, store *sessions.Store, registry *skills.Registry, runner Runner) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}

	s := &Server{
		router:   mux.NewRouter(),
		store:    store,
		registry: registry,
		runner:   runner,
		config:   config,
	}

	s.setupRoutes()

	return s, nil
}

// setupRoutes configures all the HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions/{id}/run", s.handleRun).Methods("POST")
	api.HandleFunc("/sessions/{id}/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/skills", s.handleListSkills).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		logger.G(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration":    duration,
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// API Handlers

// RunRequest is the body for POST /api/sessions/{id}/run.
type RunRequest struct {
	Query string `json:"query"`
}

// handleRun handles POST /api/sessions/{id}/run. The run is started in
// the background; its progress is observable through the events
// endpoint. A session that already has a run in flight is rejected with
// 409 and its event log is left untouched.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if err := validateSessionID(id); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Query == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "query cannot be empty", nil)
		return
	}

	if err := s.runner.StartRun(ctx, id, req.Query); err != nil {
		if errors.Is(err, sessions.ErrAlreadyRunning) {
			s.writeErrorResponse(w, http.StatusConflict, "session already has a run in flight", err)
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to start run", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"session_id": id,
		"status":     "running",
	}); err != nil {
		logger.G(ctx).WithError(err).Error("failed to encode run response")
	}
}

// handleEvents handles GET /api/sessions/{id}/events. Without a stream
// request it replays the log past the client's cursor exactly once and
// returns a JSON array, empty when the client is already caught up.
// With Accept: text/event-stream (or ?stream=true) it tails the log
// live over SSE, starting from the cursor.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	after := 0
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		n, err := strconv.Atoi(afterStr)
		if err != nil || n < 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "after must be a non-negative integer", err)
			return
		}
		after = n
	}
	// SSE clients reconnecting through the standard Last-Event-ID header
	// name the index of the last event they saw.
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		n, err := strconv.Atoi(lastID)
		if err != nil || n < 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "Last-Event-ID must be a non-negative integer", err)
			return
		}
		after = n + 1
	}

	if wantsSSE(r) {
		s.streamEvents(w, r, id, after)
		return
	}

	// after counts events the client has already received, so the last
	// index it saw is after-1.
	events, err := s.store.ReplayFrom(id, after-1)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.writeErrorResponse(w, http.StatusNotFound, "session not found", err)
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to replay events", err)
		return
	}

	s.writeJSONResponse(w, events)
}

func wantsSSE(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "true" {
		return true
	}
	return r.Header.Get("Accept") == "text/event-stream"
}

// streamEvents tails the session event log over SSE from the given
// cursor. The stream ends once the session has no run in flight and
// the client has seen every event, or when the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, id string, after int) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeErrorResponse(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	if _, err := s.store.Get(id); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.writeErrorResponse(w, http.StatusNotFound, "session not found", err)
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to load session", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(ssePollInterval)
	defer ticker.Stop()
	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	lastIndex := after - 1
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-ticker.C:
			events, err := s.store.ReplayFrom(id, lastIndex)
			if err != nil {
				// The session was swept out from under the stream.
				logger.G(ctx).WithError(err).WithField("session", id).Debug("ending event stream")
				return
			}

			for _, event := range events {
				data, err := json.Marshal(event)
				if err != nil {
					logger.G(ctx).WithError(err).Error("failed to marshal event")
					return
				}
				fmt.Fprintf(w, "id: %d\ndata: %s\n\n", event.Index, data)
				lastIndex = event.Index
			}
			if len(events) > 0 {
				flusher.Flush()
			}

			record, err := s.store.Get(id)
			if err != nil {
				return
			}
			if !record.Running && lastIndex >= len(record.Events)-1 {
				return
			}
		}
	}
}

// handleGetSession handles GET /api/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	record, err := s.store.Get(id)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.writeErrorResponse(w, http.StatusNotFound, "session not found", err)
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, "failed to get session", err)
		return
	}

	s.writeJSONResponse(w, record)
}

// handleListSkills handles GET /api/skills. Only names and descriptions
// are exposed, never skill bodies.
func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, map[string]any{
		"skills": s.registry.List(),
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, map[string]any{
		"status":   "ok",
		"sessions": s.store.Len(),
	})
}

func validateSessionID(id string) error {
	if id == "" {
		return errors.New("session id cannot be empty")
	}
	if len(id) > maxSessionIDLength {
		return errors.Errorf("session id exceeds %d characters", maxSessionIDLength)
	}
	return nil
}

// Utility methods

// writeJSONResponse writes a JSON response
func (s *Server) writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.G(context.TODO()).WithError(err).Error("failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	if err != nil {
		logger.G(context.TODO()).WithError(err).Error(message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]any{
		"error":   message,
		"status":  statusCode,
		"success": false,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.G(context.TODO()).WithError(err).Error("failed to encode error response")
	}
}

// Start starts the web server and blocks until the context is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:    address,
		Handler: s.router,
	}

	presenter.Info(fmt.Sprintf("Starting skillet API server on http://%s", address))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.G(ctx).WithError(err).Error("API server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// Stop stops the web server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Handler returns the configured router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
