// Package gateway exposes the orchestration and safety commands over HTTP and a
// websocket hub.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/events"
	"github.com/dohr-michael/overseer/internal/gateway/ws"
)

// maxBodyBytes bounds a command request body; plans are the largest payload.
const maxBodyBytes = 1 << 20

// ServerConfig holds the gateway dependencies.
type ServerConfig struct {
	Bus      *events.Bus
	Registry *Registry
	Addr     string
	// Token, when non-empty, is required as "Authorization: Bearer <token>".
	Token string
}

// Server is the overseer gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	registry   *Registry
	token      string
}

// Response is the envelope of every command reply.
type Response struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

// ResponseError carries the error class and message of a failed command.
type ResponseError struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// NewServer creates a new gateway server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		hub:      ws.NewHub(cfg.Bus, cfg.Registry),
		bus:      cfg.Bus,
		registry: cfg.Registry,
		token:    cfg.Token,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Get("/api/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/api/commands", s.handleListCommands)
		r.Post("/api/commands/{name}", s.handleCommand)
		r.Get("/api/events", s.handleEvents)
		r.Get("/api/ws", s.hub.ServeWS)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("overseer gateway listening", "addr", ln.Addr().String(), "auth", s.token != "")
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, Response{
				Error: &ResponseError{Kind: "unauthorized", Message: "missing or invalid bearer token"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ws_clients": s.hub.ClientCount()})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: s.registry.Commands()})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.registry.DispatchJSON(r.Context(), name, body)
	if err != nil {
		slog.Debug("command failed", "command", name, "error", err,
			"request_id", middleware.GetReqID(r.Context()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: result})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, Response{
				Error: &ResponseError{Kind: errs.KindInvalid, Message: "limit must be a non-negative integer"},
			})
			return
		}
		limit = n
	}

	history := s.bus.History(limit)
	if history == nil {
		history = []events.Event{}
	}
	writeJSON(w, http.StatusOK, history)
}

// StatusFor maps an error class to an HTTP status.
func StatusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidTransition, errs.KindConflict:
		return http.StatusConflict
	case errs.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case errs.KindLimitExceeded:
		return http.StatusTooManyRequests
	case errs.KindExternalFailure:
		return http.StatusBadGateway
	case errs.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	writeJSON(w, StatusFor(kind), Response{Error: &ResponseError{Kind: kind, Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}
