package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-broker-go/pkg/broker"
)

const maxBodyBytes = 4 << 20

// AuditLog is the read side of the call log exposed under /api/calls.
type AuditLog interface {
	Recent(ctx context.Context, limit int) ([]broker.CallRecord, error)
	Transitions(ctx context.Context, serverID string, limit int) ([]broker.Event, error)
}

// Options configures the HTTP surface.
type Options struct {
	Logger *slog.Logger
	// AllowedOrigins lists CORS origins. Defaults to every origin.
	AllowedOrigins []string
	// Audit, when set, enables the call and transition history routes.
	Audit AuditLog
}

// Server exposes broker operations as JSON over HTTP.
type Server struct {
	broker *broker.Broker
	logger *slog.Logger
	audit  AuditLog
	mux    *http.ServeMux
	cors   *cors.Cors
}

// New builds the HTTP surface for b.
func New(b *broker.Broker, opts *Options) *Server {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	origins := o.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		broker: b,
		logger: o.Logger,
		audit:  o.Audit,
		mux:    http.NewServeMux(),
		cors: cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		}),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/servers", s.handleListServers)
	s.mux.HandleFunc("GET /api/servers/{id}", s.handleGetServer)
	s.mux.HandleFunc("POST /api/servers/{id}/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/servers/{id}/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("DELETE /api/servers/{id}", s.handleRemove)
	s.mux.HandleFunc("GET /api/servers/{id}/transitions", s.handleTransitions)
	s.mux.HandleFunc("GET /api/tools", s.handleListTools)
	s.mux.HandleFunc("GET /api/resources", s.handleListResources)
	s.mux.HandleFunc("POST /api/tools/call", s.handleCallTool)
	s.mux.HandleFunc("POST /api/resources/read", s.handleReadResource)
	s.mux.HandleFunc("GET /api/calls", s.handleRecentCalls)
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.mux)
}

// Mount registers an extra handler, such as the MCP gateway, on the same mux.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	counts := map[broker.Status]int{}
	for _, info := range s.broker.List() {
		counts[info.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "servers": counts})
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.List())
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	s.writeInfo(w, r.PathValue("id"))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// The connect timeout bounds the attempt; a client hanging up must not
	// leave the backend in error.
	if err := s.broker.Connect(context.WithoutCancel(r.Context()), id); err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Service %s not found", id))
			return
		}
		// The failure is recorded on the connection record.
		s.logger.Warn("connect request failed", "server", id, "error", err)
	}
	s.writeInfo(w, id)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.broker.Disconnect(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Service %s not found", id))
		return
	}
	s.writeInfo(w, id)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.broker.Get(id); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Service %s not found", id))
		return
	}
	s.broker.Remove(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeInfo(w http.ResponseWriter, id string) {
	info, err := s.broker.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Service %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	tools := s.broker.ListAllTools()
	if tools == nil {
		tools = []broker.ServiceTool{}
	}
	writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleListResources(w http.ResponseWriter, _ *http.Request) {
	resources := s.broker.ListAllResources()
	if resources == nil {
		resources = []broker.ServiceResource{}
	}
	writeJSON(w, http.StatusOK, resources)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req broker.ToolCallRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.broker.CallTool(r.Context(), req))
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	var req broker.ResourceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.broker.ReadResource(r.Context(), req))
}

func (s *Server) handleRecentCalls(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "call history is not enabled")
		return
	}
	calls, err := s.audit.Recent(r.Context(), queryLimit(r))
	if err != nil {
		s.logger.Error("read call history", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if calls == nil {
		calls = []broker.CallRecord{}
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "call history is not enabled")
		return
	}
	events, err := s.audit.Transitions(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		s.logger.Error("read transitions", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []broker.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
