package usecase

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"model-gateway/internal/domain"
	"model-gateway/internal/provider"
	"model-gateway/internal/repository"
)

const (
	defaultTitle   = "New Chat"
	maxTitleLength = 200
)

type ConversationStore interface {
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	CountConversations(ctx context.Context, userID string) (int, error)
	UpdateConversation(ctx context.Context, conv domain.Conversation) error
	DeleteConversation(ctx context.Context, conversationID string) error
	RecomputeConversationUsage(ctx context.Context, conversationID string) (int64, int64, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	GetUser(ctx context.Context, userID string) (domain.User, error)
}

type CreateConversationInput struct {
	UserID       string
	Provider     string
	Model        string
	Title        string
	SystemPrompt string
}

type ConversationService struct {
	store ConversationStore
	newID func() string
	now   func() time.Time
}

func NewConversationService(store ConversationStore) (*ConversationService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store is required")
	}
	return &ConversationService{
		store: store,
		newID: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *ConversationService) Create(ctx context.Context, in CreateConversationInput) (domain.Conversation, error) {
	name := provider.NormalizeName(in.Provider)
	if !provider.IsKnown(name) {
		return domain.Conversation{}, newError(ErrorConfiguration, ReasonUnknownProvider, nil)
	}
	model := strings.TrimSpace(in.Model)
	if model == "" {
		return domain.Conversation{}, newError(ErrorInvalidInput, "missing_model", nil)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = defaultTitle
	}
	if len([]rune(title)) > maxTitleLength {
		return domain.Conversation{}, newError(ErrorInvalidInput, "title_too_long", nil)
	}

	now := s.now()
	conv := domain.Conversation{
		ID:           s.newID(),
		UserID:       in.UserID,
		Title:        title,
		Provider:     name,
		Model:        model,
		SystemPrompt: strings.TrimSpace(in.SystemPrompt),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "conversation_write_error", err)
	}
	return conv, nil
}

// List returns the user's active conversations, pinned first and then most
// recently updated first.
func (s *ConversationService) List(ctx context.Context, userID string) ([]domain.Conversation, error) {
	all, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "conversation_list_error", err)
	}
	out := make([]domain.Conversation, 0, len(all))
	for _, c := range all {
		if !c.Archived {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Conversation) int {
		if a.Pinned != b.Pinned {
			if a.Pinned {
				return -1
			}
			return 1
		}
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

func (s *ConversationService) Update(ctx context.Context, userID, conversationID string, patch domain.ConversationPatch) (domain.Conversation, error) {
	if patch.Empty() {
		return domain.Conversation{}, newError(ErrorInvalidInput, "empty_patch", nil)
	}
	conv, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}

	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return domain.Conversation{}, newError(ErrorInvalidInput, "empty_title", nil)
		}
		if len([]rune(title)) > maxTitleLength {
			return domain.Conversation{}, newError(ErrorInvalidInput, "title_too_long", nil)
		}
		conv.Title = title
	}
	if patch.SystemPrompt != nil {
		conv.SystemPrompt = strings.TrimSpace(*patch.SystemPrompt)
	}
	if patch.Pinned != nil {
		conv.Pinned = *patch.Pinned
	}
	if patch.Archived != nil {
		conv.Archived = *patch.Archived
	}
	if patch.Tags != nil {
		conv.Tags = normalizeTags(patch.Tags)
	}
	conv.UpdatedAt = s.now()

	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Conversation{}, newError(ErrorNotFound, "conversation_not_found", err)
		}
		return domain.Conversation{}, newError(ErrorInternal, "conversation_write_error", err)
	}
	return conv, nil
}

func (s *ConversationService) Delete(ctx context.Context, userID, conversationID string) error {
	if _, err := s.owned(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.store.DeleteConversation(ctx, conversationID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(ErrorNotFound, "conversation_not_found", err)
		}
		return newError(ErrorInternal, "conversation_delete_error", err)
	}
	return nil
}

// Messages returns the full conversation in chronological order.
func (s *ConversationService) Messages(ctx context.Context, userID, conversationID string) ([]domain.Message, error) {
	if _, err := s.owned(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, newError(ErrorInternal, "message_list_error", err)
	}
	return msgs, nil
}

func (s *ConversationService) Stats(ctx context.Context, userID string) (domain.UserStats, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return domain.UserStats{}, newError(ErrorInternal, "user_load_error", err)
	}
	count, err := s.store.CountConversations(ctx, userID)
	if err != nil {
		return domain.UserStats{}, newError(ErrorInternal, "conversation_count_error", err)
	}
	return domain.UserStats{
		TotalTokensUsed:   user.TotalTokensUsed,
		TotalCost:         user.TotalCost,
		ConversationCount: count,
		MessageCount:      user.MessageCount,
		TokenLimit:        user.TokenLimit,
	}, nil
}

// RecomputeUsage overwrites the conversation counters with the sum over its
// assistant messages.
func (s *ConversationService) RecomputeUsage(ctx context.Context, userID, conversationID string) (domain.Conversation, error) {
	conv, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	tokens, cost, err := s.store.RecomputeConversationUsage(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "usage_recompute_error", err)
	}
	conv.TotalTokens = tokens
	conv.TotalCost = cost
	return conv, nil
}

func (s *ConversationService) owned(ctx context.Context, userID, conversationID string) (domain.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Conversation{}, newError(ErrorNotFound, "conversation_not_found", err)
		}
		return domain.Conversation{}, newError(ErrorInternal, "conversation_load_error", err)
	}
	if conv.UserID != userID {
		return domain.Conversation{}, newError(ErrorForbidden, "conversation_not_owned", nil)
	}
	return conv, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}
