package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"model-gateway/internal/auth"
	"model-gateway/internal/domain"
	"model-gateway/internal/pricing"
	"model-gateway/internal/transport"
	"model-gateway/internal/usecase"
)

const (
	correlationHeader     = "X-Correlation-Id"
	maxBodyBytes          = 1 << 20
	defaultTurnsPerMinute = 20
)

type TurnStreamer interface {
	StreamTurn(ctx context.Context, in usecase.TurnInput, sink usecase.Sink) (domain.TurnUsage, error)
}

type ConversationManager interface {
	Create(ctx context.Context, in usecase.CreateConversationInput) (domain.Conversation, error)
	List(ctx context.Context, userID string) ([]domain.Conversation, error)
	Update(ctx context.Context, userID, conversationID string, patch domain.ConversationPatch) (domain.Conversation, error)
	Delete(ctx context.Context, userID, conversationID string) error
	Messages(ctx context.Context, userID, conversationID string) ([]domain.Message, error)
	Stats(ctx context.Context, userID string) (domain.UserStats, error)
	RecomputeUsage(ctx context.Context, userID, conversationID string) (domain.Conversation, error)
}

type TokenVerifier interface {
	UserID(token string) (string, error)
}

type ProviderLister interface {
	Configured() []string
}

type Deps struct {
	Turns          TurnStreamer
	Conversations  ConversationManager
	Verifier       TokenVerifier
	Providers      ProviderLister
	Logger         *slog.Logger
	TurnsPerMinute int
}

// Handler serves the gateway's HTTP API.
type Handler struct {
	turns     TurnStreamer
	convs     ConversationManager
	verifier  TokenVerifier
	providers ProviderLister
	logger    *slog.Logger
	limiter   *userLimiter
	mux       *http.ServeMux
}

func NewHandler(d Deps) (*Handler, error) {
	switch {
	case d.Turns == nil:
		return nil, errors.New("handler: turn streamer is required")
	case d.Conversations == nil:
		return nil, errors.New("handler: conversation manager is required")
	case d.Verifier == nil:
		return nil, errors.New("handler: token verifier is required")
	case d.Providers == nil:
		return nil, errors.New("handler: provider lister is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.TurnsPerMinute <= 0 {
		d.TurnsPerMinute = defaultTurnsPerMinute
	}

	h := &Handler{
		turns:     d.Turns,
		convs:     d.Conversations,
		verifier:  d.Verifier,
		providers: d.Providers,
		logger:    d.Logger,
		limiter:   newUserLimiter(d.TurnsPerMinute),
		mux:       http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /health", h.health)
	h.mux.Handle("GET /api/models", h.authed(h.listModels))
	h.mux.Handle("GET /api/conversations", h.authed(h.listConversations))
	h.mux.Handle("POST /api/conversations", h.authed(h.createConversation))
	h.mux.Handle("PATCH /api/conversations/{id}", h.authed(h.updateConversation))
	h.mux.Handle("DELETE /api/conversations/{id}", h.authed(h.deleteConversation))
	h.mux.Handle("GET /api/conversations/{id}/messages", h.authed(h.listMessages))
	h.mux.Handle("POST /api/conversations/{id}/usage", h.authed(h.recomputeUsage))
	h.mux.Handle("POST /api/conversations/{id}/stream", h.authed(h.streamTurn))
	h.mux.Handle("GET /api/stats", h.authed(h.stats))
	return h, nil
}

// ServeHTTP tags the request with a correlation ID, dispatches it and logs
// the outcome.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get(correlationHeader))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(correlationHeader, correlationID)

	log := h.logger.With(slog.String("correlation_id", correlationID))
	ctx := withLogger(r.Context(), log)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	started := time.Now()

	h.mux.ServeHTTP(rec, r.WithContext(ctx))

	log.InfoContext(ctx, "request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.Duration("duration", time.Since(started)),
	)
}

type userHandlerFunc func(w http.ResponseWriter, r *http.Request, userID string)

func (h *Handler) authed(next userHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.FromHeader(r.Header.Get("Authorization"))
		if err == nil {
			var userID string
			userID, err = h.verifier.UserID(token)
			if err == nil {
				next(w, r, userID)
				return
			}
		}
		loggerFrom(r.Context()).WarnContext(r.Context(), "unauthorized request", slog.Any("error", err))
		writeError(w, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "invalid_token", Err: err})
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listModels(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, modelsResponse{Models: pricing.Catalog(h.providers.Configured())})
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request, userID string) {
	convs, err := h.convs.List(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := conversationsResponse{Conversations: make([]conversationResponse, 0, len(convs))}
	for _, c := range convs {
		out.Conversations = append(out.Conversations, toConversationResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req createConversationRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv, err := h.convs.Create(r.Context(), usecase.CreateConversationInput{
		UserID:       userID,
		Provider:     req.Provider,
		Model:        req.Model,
		Title:        req.Title,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConversationResponse(conv))
}

func (h *Handler) updateConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req updateConversationRequest
	if !h.decode(w, r, &req) {
		return
	}
	conv, err := h.convs.Update(r.Context(), userID, r.PathValue("id"), domain.ConversationPatch{
		Title:        req.Title,
		SystemPrompt: req.SystemPrompt,
		Pinned:       req.Pinned,
		Archived:     req.Archived,
		Tags:         req.Tags,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

func (h *Handler) deleteConversation(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.convs.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request, userID string) {
	msgs, err := h.convs.Messages(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := messagesResponse{Messages: make([]messageResponse, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) recomputeUsage(w http.ResponseWriter, r *http.Request, userID string) {
	conv, err := h.convs.RecomputeUsage(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request, userID string) {
	stats, err := h.convs.Stats(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// streamTurn answers with an SSE stream. Errors raised before the first
// frame still get a plain JSON response with a matching status.
func (h *Handler) streamTurn(w http.ResponseWriter, r *http.Request, userID string) {
	var req streamRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.limiter.allow(userID) {
		writeError(w, &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "turn_rate_limited"})
		return
	}

	transport.SetStreamHeaders(w.Header())
	sink := transport.NewSSESink(w)
	_, err := h.turns.StreamTurn(r.Context(), usecase.TurnInput{
		UserID:         userID,
		ConversationID: r.PathValue("id"),
		Message:        req.Message,
		Attachments:    req.Attachments,
	}, sink)
	if err == nil || sink.Started() {
		return
	}
	for _, k := range []string{"Content-Type", "Cache-Control", "Connection", "X-Accel-Buffering"} {
		w.Header().Del(k)
	}
	h.fail(w, r, err)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err})
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		loggerFrom(r.Context()).ErrorContext(r.Context(), "request failed", slog.Any("error", err))
	}
	writeError(w, err)
}

func statusFor(err error) int {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError
	}
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorForbidden, usecase.ErrorQuotaExceeded:
		return http.StatusForbidden
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConfiguration:
		if ue.Reason == usecase.ReasonUnknownProvider {
			return http.StatusBadRequest
		}
		return http.StatusServiceUnavailable
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: string(usecase.CodeOf(err))}
	var ue *usecase.Error
	if errors.As(err, &ue) {
		resp.Reason = ue.Reason
	}
	writeJSON(w, statusFor(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "err", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

type loggerKey struct{}

func withLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
