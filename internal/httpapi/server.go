package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicerag/internal/backend"
	"github.com/ent0n29/voicerag/internal/config"
	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/router"
	"github.com/ent0n29/voicerag/internal/session"
)

// clientRequestIDHeader is forwarded to the backend for request tracing.
const clientRequestIDHeader = "x-ms-client-request-id"

// Relay serves one realtime session over an upgraded client socket.
type Relay interface {
	Serve(ctx context.Context, client router.Conn, remoteAddr, requestID string) error
	Terminate(sessionID, reason string) bool
	Backend() backend.Kind
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	relay        Relay
	metrics      *observability.Metrics
	searcherMode string
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, relay Relay, metrics *observability.Metrics, searcherMode string) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		relay:        relay,
		metrics:      metrics,
		searcherMode: searcherMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/realtime", s.handleRealtime)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Delete("/v1/sessions/{id}", s.handleEndSession)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Post("/v1/perf/latency/reset", s.handlePerfReset)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.relay == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"backend":         s.relay.Backend(),
		"search_mode":     s.searcherMode,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, session.ListResponse{
		Sessions:        s.sessions.List(),
		Active:          s.sessions.ActiveCount(),
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if s.relay == nil || !s.relay.Terminate(id, router.ReasonTerminated) {
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"session_id": id, "status": "closing"})
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "realtime relay not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	defer conn.Close()
	conn.SetReadLimit(2 << 20)

	ctx := log.Logger.WithContext(r.Context())
	requestID := strings.TrimSpace(r.Header.Get(clientRequestIDHeader))
	if err := s.relay.Serve(ctx, conn, r.RemoteAddr, requestID); err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("realtime session ended with error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
