package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"model-gateway/internal/domain"
	"model-gateway/internal/integrations/httpstream"
	"model-gateway/internal/provider"
	"model-gateway/internal/repository"
)

const (
	defaultMaxMessageLength  = 32000
	defaultHistoryWindow     = 50
	defaultGenerationTimeout = 5 * time.Minute
	defaultFinalizeTimeout   = 10 * time.Second
	titleRunes               = 60
	titleHistoryThreshold    = 2
)

// TurnStore is the ledger surface a turn touches.
type TurnStore interface {
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	UpdateConversationTitle(ctx context.Context, conversationID, title string) error
	IncrementConversationUsage(ctx context.Context, conversationID string, tokens, cost int64) error
	CreateMessage(ctx context.Context, msg domain.Message) error
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	GetUser(ctx context.Context, userID string) (domain.User, error)
	IncrementUserUsage(ctx context.Context, userID string, tokens, cost int64) error
}

type AdapterResolver interface {
	Resolve(name string) (provider.Adapter, error)
}

type Pricer interface {
	Cost(model string, inputTokens, outputTokens int64) int64
}

// Sink receives the frames of one turn. After SendTerminal or SendError it
// rejects further sends.
type Sink interface {
	SendDelta(text string) error
	SendTerminal(usage domain.TurnUsage) error
	SendError(message string) error
	Close() error
}

type TurnConfig struct {
	MaxMessageLength  int
	HistoryWindow     int
	GenerationTimeout time.Duration
	FinalizeTimeout   time.Duration
}

type TurnInput struct {
	UserID         string
	ConversationID string
	Message        string
	Attachments    []domain.Attachment
}

type TurnService struct {
	store    TurnStore
	adapters AdapterResolver
	pricer   Pricer
	cfg      TurnConfig
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
}

func NewTurnService(store TurnStore, adapters AdapterResolver, pricer Pricer, cfg TurnConfig, logger *slog.Logger) (*TurnService, error) {
	if store == nil {
		return nil, errors.New("usecase: turn store is required")
	}
	if adapters == nil {
		return nil, errors.New("usecase: adapter resolver is required")
	}
	if pricer == nil {
		return nil, errors.New("usecase: pricer is required")
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLength
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnService{
		store:    store,
		adapters: adapters,
		pricer:   pricer,
		cfg:      cfg,
		logger:   logger,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// StreamTurn runs one conversation turn and writes its frames to sink.
//
// Errors returned before any frame was sent leave the sink untouched so the
// caller can still answer with a plain status. Once generation has begun,
// every failure is reported to the sink as exactly one error frame and the
// sink is closed.
func (s *TurnService) StreamTurn(ctx context.Context, in TurnInput, sink Sink) (domain.TurnUsage, error) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return domain.TurnUsage{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > s.cfg.MaxMessageLength {
		return domain.TurnUsage{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	conv, err := s.store.GetConversation(ctx, in.ConversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.TurnUsage{}, newError(ErrorNotFound, "conversation_not_found", err)
		}
		return domain.TurnUsage{}, newError(ErrorInternal, "conversation_load_error", err)
	}
	if conv.UserID != in.UserID {
		return domain.TurnUsage{}, newError(ErrorForbidden, "conversation_not_owned", nil)
	}

	user, err := s.store.GetUser(ctx, in.UserID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		user = domain.User{ID: in.UserID}
	case err != nil:
		return domain.TurnUsage{}, newError(ErrorInternal, "user_load_error", err)
	}
	if user.QuotaExhausted() {
		return domain.TurnUsage{}, newError(ErrorQuotaExceeded, "token_limit_reached", nil)
	}

	adapter, err := s.adapters.Resolve(conv.Provider)
	if err != nil {
		reason := ReasonNotConfigured
		if errors.Is(err, provider.ErrUnknownProvider) {
			reason = ReasonUnknownProvider
		}
		return domain.TurnUsage{}, newError(ErrorConfiguration, reason, err)
	}

	userMsg := domain.Message{
		ID:             s.newID(),
		ConversationID: conv.ID,
		UserID:         in.UserID,
		Role:           domain.RoleUser,
		Content:        text,
		Attachments:    in.Attachments,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		return domain.TurnUsage{}, newError(ErrorInternal, "user_message_write_error", err)
	}

	log := s.logger.With(
		slog.String("conversation_id", conv.ID),
		slog.String("provider", conv.Provider),
		slog.String("model", conv.Model),
	)
	started := time.Now()
	log.InfoContext(ctx, "turn started")

	stored, err := s.store.ListRecentMessages(ctx, conv.ID, s.cfg.HistoryWindow)
	if err != nil {
		return domain.TurnUsage{}, s.fail(ctx, log, sink, newError(ErrorInternal, "history_load_error", err), "failed to load conversation history")
	}

	answer, in64, out64, err := s.generate(ctx, adapter, conv.ModelConfig(), chatHistory(stored), sink)
	if err != nil {
		return domain.TurnUsage{}, s.fail(ctx, log, sink, newError(ErrorProvider, "generation_failed", err), providerMessage(err))
	}

	// The client may be gone by now; a finished generation is still billed.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
	defer cancel()

	usage := domain.TurnUsage{
		InputTokens:  in64,
		OutputTokens: out64,
		Cost:         s.pricer.Cost(conv.Model, in64, out64),
	}
	if err := s.finalize(fctx, conv, in.UserID, text, answer, usage, len(stored)); err != nil {
		return domain.TurnUsage{}, s.fail(fctx, log, sink, newError(ErrorInternal, "ledger_write_error", err), "failed to record usage")
	}

	if err := sink.SendTerminal(usage); err != nil {
		log.WarnContext(ctx, "terminal frame not delivered", slog.Any("error", err))
	}
	closeSink(ctx, log, sink)

	log.InfoContext(ctx, "turn completed",
		slog.Int64("input_tokens", usage.InputTokens),
		slog.Int64("output_tokens", usage.OutputTokens),
		slog.Int64("cost", usage.Cost),
		slog.Duration("duration", time.Since(started)),
	)
	return usage, nil
}

// generate ranges the adapter's sequence under the generation timeout,
// forwarding each delta as it arrives.
func (s *TurnService) generate(ctx context.Context, adapter provider.Adapter, cfg domain.ModelConfig, history []domain.ChatMessage, sink Sink) (string, int64, int64, error) {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()

	var b strings.Builder
	for chunk, err := range adapter.Stream(gctx, cfg, history) {
		if err != nil {
			if cerr := gctx.Err(); cerr != nil && !errors.Is(err, cerr) {
				err = fmt.Errorf("%w: %w", cerr, err)
			}
			return "", 0, 0, err
		}
		if chunk.Done {
			return b.String(), chunk.InputTokens, chunk.OutputTokens, nil
		}
		if chunk.Text == "" {
			continue
		}
		if err := sink.SendDelta(chunk.Text); err != nil {
			return "", 0, 0, fmt.Errorf("forward delta: %w", err)
		}
		b.WriteString(chunk.Text)
	}
	if err := gctx.Err(); err != nil {
		return "", 0, 0, err
	}
	return "", 0, 0, httpstream.ErrIncompleteStream
}

func (s *TurnService) finalize(ctx context.Context, conv domain.Conversation, userID, userText, answer string, usage domain.TurnUsage, historyLen int) error {
	err := s.store.CreateMessage(ctx, domain.Message{
		ID:             s.newID(),
		ConversationID: conv.ID,
		UserID:         userID,
		Role:           domain.RoleAssistant,
		Content:        answer,
		Model:          conv.Model,
		Provider:       conv.Provider,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		Cost:           usage.Cost,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return fmt.Errorf("write assistant message: %w", err)
	}
	if err := s.store.IncrementConversationUsage(ctx, conv.ID, usage.TotalTokens(), usage.Cost); err != nil {
		return fmt.Errorf("increment conversation usage: %w", err)
	}
	if err := s.store.IncrementUserUsage(ctx, userID, usage.TotalTokens(), usage.Cost); err != nil {
		return fmt.Errorf("increment user usage: %w", err)
	}
	if historyLen <= titleHistoryThreshold {
		if err := s.store.UpdateConversationTitle(ctx, conv.ID, Title(userText)); err != nil {
			return fmt.Errorf("set title: %w", err)
		}
	}
	return nil
}

func (s *TurnService) fail(ctx context.Context, log *slog.Logger, sink Sink, err *Error, message string) error {
	log.ErrorContext(ctx, "turn failed", slog.String("reason", err.Reason), slog.Any("error", err.Err))
	if serr := sink.SendError(message); serr != nil && !errors.Is(serr, context.Canceled) {
		log.WarnContext(ctx, "error frame not delivered", slog.Any("error", serr))
	}
	closeSink(ctx, log, sink)
	return err
}

func closeSink(ctx context.Context, log *slog.Logger, sink Sink) {
	if err := sink.Close(); err != nil {
		log.WarnContext(ctx, "close sink", slog.Any("error", err))
	}
}

// chatHistory drops system and failed messages and maps the rest to the
// provider-agnostic form.
func chatHistory(msgs []domain.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.IsError || (m.Role != domain.RoleUser && m.Role != domain.RoleAssistant) {
			continue
		}
		out = append(out, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// Title returns the first 60 runes of the trimmed text.
func Title(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= titleRunes {
		return text
	}
	return string([]rune(text)[:titleRunes])
}

func providerMessage(err error) string {
	var statusErr *httpstream.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "generation timed out"
	case errors.Is(err, context.Canceled):
		return "generation canceled"
	case errors.As(err, &statusErr):
		return fmt.Sprintf("provider returned status %d", statusErr.HTTPStatusCode())
	default:
		return "provider stream failed"
	}
}
