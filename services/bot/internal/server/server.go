package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"consultbot/internal/admintoken"
	"consultbot/internal/util"
	"consultbot/pkg/domain"
	"consultbot/pkg/queue"
	"consultbot/services/bot/internal/app"
)

const defaultHistoryLimit = 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Queue    queue.Queue
	Verifier *admintoken.Verifier
	// AllowedOrigins enables CORS for browser-based operator tools.
	AllowedOrigins []string
}

// Server exposes the operator API.
type Server struct {
	app      *app.App
	queue    queue.Queue
	verifier *admintoken.Verifier
	origins  []string
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:      cfg.App,
		queue:    cfg.Queue,
		verifier: cfg.Verifier,
		origins:  cfg.AllowedOrigins,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("bot", util.WithSecurityHeaders(util.WithCORS(s.origins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/v1/users/", s.withOperator(s.handleUser))
	s.mux.Handle("/v1/conversations/", s.withOperator(s.handleConversation))
	s.mux.Handle("/v1/jobs/", s.withOperator(s.handleJob))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withOperator(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			writeError(w, http.StatusServiceUnavailable, "operator api disabled")
			return
		}
		token, ok := admintoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		subject, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		util.AnnotateRequest(r.Context(), "operator", subject)
		next(w, r)
	})
}

// handleUser serves GET /v1/users/{id}/conversations.
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if len(parts) != 2 || parts[1] != "conversations" {
		notFound(w, "not found")
		return
	}
	userID, ok := parseID(parts[0])
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	util.AnnotateRequest(r.Context(), "user_id", userID)
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	items, err := s.app.ListConversations(r.Context(), userID, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleConversation serves GET /v1/conversations/{id} and the
// generate and cancel actions.
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/v1/conversations/"), "/", 2)
	id, ok := parseID(parts[0])
	if !ok {
		notFound(w, "not found")
		return
	}
	util.AnnotateRequest(r.Context(), "conversation_id", id)
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		detail, err := s.app.ConversationDetail(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	switch parts[1] {
	case "generate":
		s.handleGenerate(w, r, id)
	case "cancel":
		s.handleCancel(w, r, id)
	default:
		notFound(w, "not found")
	}
}

// handleGenerate re-queues generation after a failure. Delivery goes to the
// user's private chat, whose id equals the user id.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, id int64) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	detail, err := s.app.ConversationDetail(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if detail.Conversation.Status != domain.ConversationInProgress {
		writeAppError(w, r, app.ErrConversationClosed)
		return
	}
	if len(detail.Answers) < s.app.QuestionCount() {
		writeAppError(w, r, app.ErrIncompleteAnswers)
		return
	}
	job, err := s.queue.Enqueue(r.Context(), queue.Job{
		ConversationID: id,
		UserID:         detail.Conversation.UserID,
		ChatID:         detail.Conversation.UserID,
	})
	if err != nil {
		slog.Error("enqueue generation failed", "conversation_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id int64) {
	cancelled, err := s.app.Cancel(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// handleJob serves GET /v1/jobs/{id}.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		notFound(w, "not found")
		return
	}
	util.AnnotateRequest(r.Context(), "job_id", jobID)
	job, ok, err := s.queue.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		notFound(w, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrUnknownConversation):
		notFound(w, err.Error())
	case errors.Is(err, app.ErrConversationClosed),
		errors.Is(err, app.ErrIncompleteAnswers),
		errors.Is(err, app.ErrGenerationInProgress):
		writeError(w, http.StatusConflict, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("operator request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
