package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"rollcall/pkg/types"
)

// HealthChecker is anything the health endpoint probes
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SessionSource lists open sessions and this instance's attachments
type SessionSource interface {
	ListSessions(ctx context.Context) ([]types.Session, error)
	GetSession(ctx context.Context, classID string) (*types.Session, error)
	AttachmentCounts() map[string]int
}

// ConnectionStats reports live websocket counts
type ConnectionStats interface {
	GetStats() map[string]int
}

// ARCHITECTURAL DISCOVERY: HTTP API layer is read-only operations surface
// All attendance mutations travel over the websocket, never through here
type Server struct {
	durable     HealthChecker
	store       HealthChecker
	sessions    SessionSource
	connections ConnectionStats
	metrics     http.Handler
	logger      *slog.Logger
	startedAt   time.Time
	router      *http.ServeMux
}

// NewServer wires the ops endpoints. metrics may be nil, in which case
// /metrics is not mounted.
func NewServer(durable, store HealthChecker, sessions SessionSource, connections ConnectionStats, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		durable:     durable,
		store:       store,
		sessions:    sessions,
		connections: connections,
		metrics:     metrics,
		logger:      logger,
		startedAt:   time.Now(),
		router:      http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/sessions", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessions))))
	s.router.Handle("/api/sessions/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessionByClass))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type SessionWithAttachments struct {
	types.Session
	Attachments int `json:"attachments"`
}

type ListSessionsResponse struct {
	Sessions []SessionWithAttachments `json:"sessions"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Store       string         `json:"store"`
	Connections map[string]int `json:"connections"`
	System      map[string]any `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions, err := s.sessions.ListSessions(r.Context())
	if err != nil {
		s.logger.Warn("list sessions failed", "err", err)
		s.sendError(w, "Failed to list sessions", statusFor(err))
		return
	}

	counts := s.sessions.AttachmentCounts()
	out := make([]SessionWithAttachments, len(sessions))
	for i, sess := range sessions {
		out[i] = SessionWithAttachments{Session: sess, Attachments: counts[sess.ClassID]}
	}

	_ = json.NewEncoder(w).Encode(ListSessionsResponse{Sessions: out})
}

// GET /api/sessions/{classId}
func (s *Server) handleSessionByClass(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	classID := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")[0]
	if !types.IsValidID(classID) {
		s.sendError(w, "Invalid class ID", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.GetSession(r.Context(), classID)
	if err != nil {
		s.sendError(w, "No open session for class", statusFor(err))
		return
	}

	_ = json.NewEncoder(w).Encode(SessionWithAttachments{
		Session:     *sess,
		Attachments: s.sessions.AttachmentCounts()[classID],
	})
}

// FUNCTIONAL DISCOVERY: Both stores must answer for the instance to be
// healthy; the load balancer drains it otherwise
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := probe(ctx, s.durable)
	storeStatus := probe(ctx, s.store)
	if dbStatus != "healthy" || storeStatus != "healthy" {
		status = "unhealthy"
	}

	var connections map[string]int
	if s.connections != nil {
		connections = s.connections.GetStats()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Store:       storeStatus,
		Connections: connections,
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		},
	}

	if status == "unhealthy" {
		s.logger.Warn("health check failed", "database", dbStatus, "store", storeStatus)
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(response)
}

func probe(ctx context.Context, c HealthChecker) string {
	if c == nil {
		return "unconfigured"
	}
	if err := c.HealthCheck(ctx); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return "healthy"
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware lets dashboards poll the ops surface
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
