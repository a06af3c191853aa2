// Package api is the thin HTTP surface over the scheduler: task admission,
// status, stop-all, agent message ingestion and a queue view.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/convsim/internal/lock"
	"github.com/example/convsim/internal/logging"
	"github.com/example/convsim/internal/model"
	"github.com/example/convsim/internal/observability"
	"github.com/example/convsim/internal/queue"
	"github.com/example/convsim/internal/scheduler"
)

const userHeader = "X-User-ID"

type Options struct {
	Queue   *queue.Manager
	Metrics *observability.Metrics
	Logger  *slog.Logger
	// Admission rate limits per minute. Zero disables.
	AdmitPerAccountPerMin int
	AdmitGlobalPerMin     int
}

type Server struct {
	engine  *scheduler.Engine
	queue   *queue.Manager
	metrics *observability.Metrics
	logger  *slog.Logger
	limiter *admitLimiter
	now     func() time.Time
}

func NewServer(e *scheduler.Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		engine:  e,
		queue:   opts.Queue,
		metrics: opts.Metrics,
		logger:  logging.Component(logger, "api"),
		limiter: newAdmitLimiter(opts.AdmitPerAccountPerMin, opts.AdmitGlobalPerMin),
		now:     time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("POST /v1/tasks", s.handleAdmit)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/accounts/{account}/stop", s.handleStopAll)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleAgentMessage)
	mux.HandleFunc("POST /v1/conversations/{id}/pause", s.handleConversationState(model.StatePaused))
	mux.HandleFunc("POST /v1/conversations/{id}/resume", s.handleConversationState(model.StateActive))
	mux.HandleFunc("GET /v1/admin/queue", s.handleQueue)
	return withTracing(withLogging(s.logger, s.metrics, mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type admitBody struct {
	AccountID string `json:"account_id"`
	scheduler.AdmitRequest
}

type admitResponse struct {
	Task     model.Task `json:"task"`
	Existing bool       `json:"existing"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.Header.Get(userHeader))
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing "+userHeader+" header")
		return
	}
	var body admitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if !s.limiter.allow(body.AccountID, s.now()) {
		writeError(w, http.StatusTooManyRequests, "admission rate limit exceeded")
		return
	}
	adm, err := s.engine.Admit(r.Context(), body.AdmitRequest, body.AccountID, user)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusCreated
	if adm.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, admitResponse{Task: publicTask(adm.Task), Existing: adm.Existing})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicTask(task))
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(r.Header.Get(userHeader))
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing "+userHeader+" header")
		return
	}
	isError, _ := strconv.ParseBool(r.URL.Query().Get("error"))
	res, err := s.engine.StopAllForUser(r.Context(), r.PathValue("account"), user, isError)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type agentMessageBody struct {
	Text        string `json:"text"`
	DialogStage string `json:"dialog_stage"`
}

type agentMessageResponse struct {
	ConversationID   string                   `json:"conversation_id"`
	Status           model.ConversationStatus `json:"status"`
	PendingResponder bool                     `json:"pending_responder"`
	Deadline         *time.Time               `json:"pending_response_deadline,omitempty"`
}

func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	var body agentMessageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	conv, err := s.engine.IngestAgentMessage(r.Context(), r.PathValue("id"), body.Text, body.DialogStage)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, agentMessageResponse{
		ConversationID:   conv.ConversationID,
		Status:           conv.Status,
		PendingResponder: conv.PendingResponder,
		Deadline:         conv.PendingResponseDeadline,
	})
}

type conversationStateResponse struct {
	ConversationID string                  `json:"conversation_id"`
	State          model.ConversationState `json:"state"`
}

func (s *Server) handleConversationState(to model.ConversationState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := s.engine.SetConversationState(r.Context(), r.PathValue("id"), to)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conversationStateResponse{ConversationID: conv.ConversationID, State: conv.State})
	}
}

type queueResponse struct {
	Depth int          `json:"depth"`
	Slots []model.Slot `json:"slots"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusNotFound, "queue view disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	depth, err := s.queue.Len(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	slots, err := s.queue.Peek(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if slots == nil {
		slots = []model.Slot{}
	}
	writeJSON(w, http.StatusOK, queueResponse{Depth: depth, Slots: slots})
}

// publicTask hides embedded credentials from responses.
func publicTask(t model.Task) model.Task {
	t.StripCredentials()
	return t
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func statusForError(err error) int {
	var ve *scheduler.ValidationError
	var qe *scheduler.QuotaError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &qe):
		return http.StatusTooManyRequests
	case errors.Is(err, scheduler.ErrTaskNotFound), errors.Is(err, scheduler.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, lock.ErrLockAcquisitionFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// withLogging logs and counts each request. r.Pattern is filled in by the mux.
func withLogging(logger *slog.Logger, metrics *observability.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		took := time.Since(started)
		metrics.HTTPRequest(r.Pattern, sw.status, took)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", took.Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		if sc := span.SpanContext(); sc.HasTraceID() {
			sw.Header().Set("X-Trace-ID", sc.TraceID().String())
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
