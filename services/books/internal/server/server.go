package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"bookpager/internal/util"
	"bookpager/pkg/domain"
	"bookpager/pkg/pagination"
	"bookpager/services/books/internal/app"
)

const maxIntentBodyBytes = 64 * 1024

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
}

// Server exposes the intent endpoint used by the dialog layer.
type Server struct {
	app *app.App
	mux *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app: cfg.App,
		mux: http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("books", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /intents", s.handleIntent)
	s.mux.HandleFunc("DELETE /sessions/{sessionID}", s.handleDeleteSession)
	s.mux.HandleFunc("DELETE /sessions/{sessionID}/queries/{queryID}", s.handleDeleteQuery)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var req app.Request
	dec := json.NewDecoder(io.LimitReader(r.Body, maxIntentBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Intent) == "" {
		writeError(w, http.StatusBadRequest, "intent is required")
		return
	}
	writeJSON(w, http.StatusOK, s.app.Handle(r.Context(), req))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("sessionID"))
	if err := s.app.DeleteSession(r.Context(), sessionID); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteQuery(w http.ResponseWriter, r *http.Request) {
	key := domain.QueryKey{
		SessionID: strings.TrimSpace(r.PathValue("sessionID")),
		QueryID:   domain.QueryID(strings.TrimSpace(r.PathValue("queryID"))),
	}
	if _, ok := key.QueryID.Number(); !ok {
		writeError(w, http.StatusBadRequest, "invalid query id")
		return
	}
	if err := s.app.DeleteQuery(r.Context(), key); err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	util.LoggerFromContext(r.Context()).Error("delete failed", "path", r.URL.Path, "err", err)
	if errors.Is(err, pagination.ErrStorage) {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

func errorCode(status int, msg string) string {
	switch msg {
	case "invalid json body", "intent is required":
		return "BOOKS_INVALID_REQUEST"
	case "invalid query id":
		return "BOOKS_INVALID_QUERY_ID"
	case "storage unavailable":
		return app.CodeStorageError
	}
	switch status {
	case http.StatusBadRequest:
		return "BOOKS_INVALID_REQUEST"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
