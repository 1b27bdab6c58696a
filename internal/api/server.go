// Package api serves entity states and config entries over HTTP, and runs
// entity commands.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"integrationcore/internal/entity"
	"integrationcore/internal/entry"
	"integrationcore/internal/state"

	"go.uber.org/zap"
)

const (
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 1 << 20
)

// Server provides the HTTP API.
type Server struct {
	manager *entry.Manager
	states  *state.Store
	logger  *zap.Logger
	server  *http.Server
}

// NewServer creates a server listening on addr.
func NewServer(manager *entry.Manager, states *state.Store, logger *zap.Logger, addr string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager: manager,
		states:  states,
		logger:  logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleSitemap)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/states", s.handleStates)
	mux.HandleFunc("GET /api/states/{entity_id}", s.handleState)
	mux.HandleFunc("GET /api/entries", s.handleEntries)
	mux.HandleFunc("POST /api/entries/{id}/reload", s.handleReload)
	mux.HandleFunc("POST /api/entries/{id}/reauth", s.handleReauth)
	mux.HandleFunc("POST /api/services/{platform}/{service}", s.handleService)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.logRequests(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve HTTP API: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Stopping HTTP API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error    string `json:"error"`
	EntityID string `json:"entity_id,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

// HealthResponse reports process health and how many entries are in each state.
type HealthResponse struct {
	Status  string              `json:"status"`
	Entries map[entry.State]int `json:"entries"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Entries: make(map[entry.State]int)}
	for _, e := range s.manager.List() {
		resp.Entries[e.State()]++
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.states.All())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity_id")
	st, ok := s.states.Get(entityID)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "entity not found", EntityID: entityID})
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	entries := s.manager.List()
	infos := make([]entry.Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.Info())
	}
	s.writeJSON(w, http.StatusOK, infos)
}

// EntryResponse is returned by the entry actions.
type EntryResponse struct {
	Entry entry.Info `json:"entry"`
	Error string     `json:"error,omitempty"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	e, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "config entry not found")
		return
	}
	s.entryResult(w, e, e.Reload(r.Context()))
}

// ReauthRequest carries the options that replace the rejected credentials.
type ReauthRequest struct {
	Options entry.Options `json:"options"`
}

func (s *Server) handleReauth(w http.ResponseWriter, r *http.Request) {
	e, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "config entry not found")
		return
	}
	var req ReauthRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Options) == 0 {
		s.writeError(w, http.StatusBadRequest, "options are required")
		return
	}
	s.entryResult(w, e, e.Reauthenticate(r.Context(), req.Options))
}

func (s *Server) entryResult(w http.ResponseWriter, e *entry.Entry, err error) {
	resp := EntryResponse{Entry: e.Info()}
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, entry.ErrInvalidState):
		resp.Error = err.Error()
		s.writeJSON(w, http.StatusConflict, resp)
	default:
		s.logger.Warn("Config entry action failed", zap.String("entry_id", e.ID()), zap.Error(err))
		resp.Error = err.Error()
		s.writeJSON(w, http.StatusBadGateway, resp)
	}
}

// ServiceRequest targets one entity. Value is used by set_value.
type ServiceRequest struct {
	EntityID string   `json:"entity_id"`
	Value    *float64 `json:"value,omitempty"`
}

// ServiceResponse is the state of the entity after a successful command.
type ServiceResponse struct {
	EntityID string       `json:"entity_id"`
	State    *state.State `json:"state,omitempty"`
}

var errUnknownService = errors.New("unknown service")

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	platform, service := r.PathValue("platform"), r.PathValue("service")

	var req ServiceRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EntityID == "" {
		s.writeError(w, http.StatusBadRequest, "entity_id is required")
		return
	}

	ent, _, ok := s.manager.LookupEntity(req.EntityID)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "entity not found", EntityID: req.EntityID})
		return
	}
	if string(ent.Kind()) != platform {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:    fmt.Sprintf("entity is a %s, not a %s", ent.Kind(), platform),
			EntityID: req.EntityID,
		})
		return
	}

	err := callService(r.Context(), ent, service, req)
	var cerr *entity.CommandError
	switch {
	case err == nil:
		st, _ := s.states.Get(req.EntityID)
		s.writeJSON(w, http.StatusOK, ServiceResponse{EntityID: req.EntityID, State: st})
	case errors.Is(err, errUnknownService):
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), EntityID: req.EntityID})
	case errors.As(err, &cerr) && cerr.Err == nil:
		// Rejected before reaching the device.
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: cerr.Reason, EntityID: req.EntityID})
	case errors.As(err, &cerr):
		s.logger.Warn("Command failed",
			zap.String("entity_id", req.EntityID),
			zap.String("service", platform+"."+service),
			zap.Error(err))
		s.writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: cerr.Reason, EntityID: req.EntityID})
	default:
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), EntityID: req.EntityID})
	}
}

func callService(ctx context.Context, ent entity.Entity, service string, req ServiceRequest) error {
	switch service {
	case "press":
		if p, ok := ent.(entity.Presser); ok {
			return p.Press(ctx)
		}
	case "set_value":
		if v, ok := ent.(entity.ValueSetter); ok {
			if req.Value == nil {
				return &entity.CommandError{UniqueID: ent.UniqueID(), Command: service, Reason: "value is required"}
			}
			return v.SetValue(ctx, *req.Value)
		}
	case "turn_on":
		if t, ok := ent.(entity.Toggler); ok {
			return t.TurnOn(ctx)
		}
	case "turn_off":
		if t, ok := ent.(entity.Toggler); ok {
			return t.TurnOff(ctx)
		}
	}
	return fmt.Errorf("%w %s.%s", errUnknownService, ent.Kind(), service)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// Endpoint describes one route in the sitemap.
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health check with config entry counts"},
	{Path: "/api/states", Method: "GET", Description: "Every entity state"},
	{Path: "/api/states/{entity_id}", Method: "GET", Description: "One entity state"},
	{Path: "/api/entries", Method: "GET", Description: "Config entries and their lifecycle state"},
	{Path: "/api/entries/{id}/reload", Method: "POST", Description: "Unload and set up a config entry again"},
	{Path: "/api/entries/{id}/reauth", Method: "POST", Description: `Replace options of an entry needing reauthentication: {"options": {...}}`},
	{Path: "/api/services/{platform}/{service}", Method: "POST", Description: `Run an entity command: {"entity_id": "...", "value": 1}`},
}

// handleSitemap lists the endpoints, as JSON when asked for it.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.writeJSON(w, http.StatusOK, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Integration Core API\n")
	fmt.Fprintf(w, "====================\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-5s %-36s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExamples:\n\n")
	fmt.Fprintf(w, "  curl http://localhost:8080/api/states | jq\n")
	fmt.Fprintf(w, "  curl -X POST -d '{\"entity_id\":\"button.lidarr_rescan\"}' http://localhost:8080/api/services/button/press\n")
}
