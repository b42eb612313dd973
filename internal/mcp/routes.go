package mcp

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browser-instrumentation-mcp/internal/store"
)

// Response is the envelope of every JSON route.
type Response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Routes builds the HTTP router. withMCP mounts the streamable MCP
// endpoint at /mcp; the stdio metrics listener leaves it out.
func (s *Server) Routes(withMCP bool) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The MCP endpoint streams, so it stays outside the request logger.
	if withMCP {
		r.Handle("/mcp", s.streamable)
	}

	r.Group(func(r chi.Router) {
		// Request logs go through zap; stdout may belong to the stdio transport.
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
			Logger:  zap.NewStdLog(s.logger.Named("http")),
			NoColor: true,
		}))

		r.Get("/healthz", s.handleHealthCheck)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/sessions", s.handleListSessions)
			r.Get("/history", s.handleListHistory)
			r.Get("/history/{name}", s.handleGetHistory)
		})
	})
	return r
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleListSessions reports the live sessions of every initialized backend.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.ListSessions(r.Context())
	if err != nil {
		s.logger.Error("Failed to list sessions", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Internal error listing sessions.")
		return
	}
	s.respondWithSuccess(w, http.StatusOK, sessions)
}

// handleListHistory reports persisted sessions, closed ones included.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondWithError(w, http.StatusServiceUnavailable, "Session history is unavailable (database persistence disabled).")
		return
	}
	recs, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.logger.Error("Failed to list session history", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Internal error retrieving session history.")
		return
	}
	s.respondWithSuccess(w, http.StatusOK, recs)
}

// historyDetail is the body of /api/v1/history/{name}.
type historyDetail struct {
	Session store.SessionRecord  `json:"session"`
	Events  []store.EventRecord `json:"events"`
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondWithError(w, http.StatusServiceUnavailable, "Session history is unavailable (database persistence disabled).")
		return
	}
	name := chi.URLParam(r, "name")
	rec, err := s.store.GetSession(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		s.respondWithError(w, http.StatusNotFound, "Session not found in history: "+name)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load session history", zap.String("session", name), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Internal error retrieving session history.")
		return
	}
	evs, err := s.store.ListEvents(r.Context(), name)
	if err != nil {
		s.logger.Error("Failed to load session events", zap.String("session", name), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Internal error retrieving session events.")
		return
	}
	if evs == nil {
		evs = []store.EventRecord{}
	}
	s.respondWithSuccess(w, http.StatusOK, historyDetail{Session: rec, Events: evs})
}

func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	s.respond(w, statusCode, Response{Status: "error", Error: message})
}

func (s *Server) respondWithSuccess(w http.ResponseWriter, statusCode int, data any) {
	s.respond(w, statusCode, Response{Status: "success", Data: data})
}

func (s *Server) respond(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
