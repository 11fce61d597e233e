package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"model-gateway/internal/domain"
	"model-gateway/internal/provider"
	"model-gateway/internal/repository"
)

func (l *fakeLedger) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.record(ctx, "CreateConversation"); err != nil {
		return err
	}
	if _, ok := l.conversations[conv.ID]; ok {
		return repository.ErrAlreadyExists
	}
	l.conversations[conv.ID] = conv
	return nil
}

func (l *fakeLedger) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.record(ctx, "ListConversations"); err != nil {
		return nil, err
	}
	var out []domain.Conversation
	for _, c := range l.conversations {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (l *fakeLedger) CountConversations(ctx context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.record(ctx, "CountConversations"); err != nil {
		return 0, err
	}
	n := 0
	for _, c := range l.conversations {
		if c.UserID == userID && !c.Archived {
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) UpdateConversation(ctx context.Context, conv domain.Conversation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.record(ctx, "UpdateConversation"); err != nil {
		return err
	}
	if _, ok := l.conversations[conv.ID]; !ok {
		return repository.ErrNotFound
	}
	l.conversations[conv.ID] = conv
	return nil
}

func (l *fakeLedger) DeleteConversation(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.record(ctx, "DeleteConversation"); err != nil {
		return err
	}
	delete(l.conversations, id)
	kept := l.messages[:0]
	for _, m := range l.messages {
		if m.ConversationID != id {
			kept = append(kept, m)
		}
	}
	l.messages = kept
	return nil
}

func (l *fakeLedger) RecomputeConversationUsage(ctx context.Context, id string) (int64, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.record(ctx, "RecomputeConversationUsage"); err != nil {
		return 0, 0, err
	}
	var msgs []domain.Message
	for _, m := range l.messages {
		if m.ConversationID == id {
			msgs = append(msgs, m)
		}
	}
	tokens, cost := domain.SumAssistantUsage(msgs)
	conv := l.conversations[id]
	conv.TotalTokens, conv.TotalCost = tokens, cost
	l.conversations[id] = conv
	return tokens, cost, nil
}

func (l *fakeLedger) ListMessages(ctx context.Context, id string) ([]domain.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.record(ctx, "ListMessages"); err != nil {
		return nil, err
	}
	var out []domain.Message
	for _, m := range l.messages {
		if m.ConversationID == id {
			out = append(out, m)
		}
	}
	return out, nil
}

func newTestConversationService(t *testing.T, ledger *fakeLedger) *ConversationService {
	t.Helper()
	svc, err := NewConversationService(ledger)
	require.NoError(t, err)
	svc.newID = func() string { return "conv-new" }
	svc.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestNewConversationService_RequiresStore(t *testing.T) {
	_, err := NewConversationService(nil)
	require.Error(t, err)
}

func TestConversationService_Create(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestConversationService(t, ledger)

	conv, err := svc.Create(context.Background(), CreateConversationInput{
		UserID:   testUser,
		Provider: " OpenAI ",
		Model:    "gpt-4o",
	})
	require.NoError(t, err)
	require.Equal(t, "conv-new", conv.ID)
	require.Equal(t, "New Chat", conv.Title)
	require.Equal(t, provider.OpenAI, conv.Provider)
	require.Equal(t, conv, ledger.conversations["conv-new"])
}

func TestConversationService_CreateRejectsBadInput(t *testing.T) {
	svc := newTestConversationService(t, newFakeLedger())

	_, err := svc.Create(context.Background(), CreateConversationInput{UserID: testUser, Provider: "mistral", Model: "m"})
	ue := requireCode(t, err, ErrorConfiguration)
	require.Equal(t, ReasonUnknownProvider, ue.Reason)

	_, err = svc.Create(context.Background(), CreateConversationInput{UserID: testUser, Provider: "ollama", Model: "  "})
	requireCode(t, err, ErrorInvalidInput)
}

func TestConversationService_ListOrdersPinnedThenRecent(t *testing.T) {
	ledger := newFakeLedger()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	add := func(id string, pinned, archived bool, age time.Duration) {
		ledger.conversations[id] = domain.Conversation{
			ID: id, UserID: testUser, Pinned: pinned, Archived: archived, UpdatedAt: base.Add(-age),
		}
	}
	add("old", false, false, 3*time.Hour)
	add("new", false, false, time.Hour)
	add("pinned-old", true, false, 5*time.Hour)
	add("archived", false, true, 0)
	ledger.conversations["other"] = domain.Conversation{ID: "other", UserID: "someone-else"}

	svc := newTestConversationService(t, ledger)
	got, err := svc.List(context.Background(), testUser)
	require.NoError(t, err)

	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	require.Equal(t, []string{"pinned-old", "new", "old"}, ids)
}

func TestConversationService_Update(t *testing.T) {
	ledger := seedLedger()
	svc := newTestConversationService(t, ledger)

	title := "  Mars notes "
	pinned := true
	conv, err := svc.Update(context.Background(), testUser, testConv, domain.ConversationPatch{
		Title:  &title,
		Pinned: &pinned,
		Tags:   []string{"space", " space ", "", "mars"},
	})
	require.NoError(t, err)
	require.Equal(t, "Mars notes", conv.Title)
	require.True(t, conv.Pinned)
	require.Equal(t, []string{"space", "mars"}, conv.Tags)
	require.Equal(t, conv, ledger.conversations[testConv])
}

func TestConversationService_UpdateValidation(t *testing.T) {
	svc := newTestConversationService(t, seedLedger())

	_, err := svc.Update(context.Background(), testUser, testConv, domain.ConversationPatch{})
	requireCode(t, err, ErrorInvalidInput)

	blank := " "
	_, err = svc.Update(context.Background(), testUser, testConv, domain.ConversationPatch{Title: &blank})
	requireCode(t, err, ErrorInvalidInput)

	archived := true
	_, err = svc.Update(context.Background(), "intruder", testConv, domain.ConversationPatch{Archived: &archived})
	requireCode(t, err, ErrorForbidden)

	_, err = svc.Update(context.Background(), testUser, "missing", domain.ConversationPatch{Archived: &archived})
	requireCode(t, err, ErrorNotFound)
}

func TestConversationService_DeleteCascades(t *testing.T) {
	ledger := seedLedger()
	ledger.messages = []domain.Message{
		{ID: "m1", ConversationID: testConv, Role: domain.RoleUser},
		{ID: "m2", ConversationID: "elsewhere", Role: domain.RoleUser},
	}
	svc := newTestConversationService(t, ledger)

	requireCode(t, svc.Delete(context.Background(), "intruder", testConv), ErrorForbidden)
	require.Contains(t, ledger.conversations, testConv)

	require.NoError(t, svc.Delete(context.Background(), testUser, testConv))
	require.NotContains(t, ledger.conversations, testConv)
	require.Len(t, ledger.messages, 1)
	require.Equal(t, "m2", ledger.messages[0].ID)
}

func TestConversationService_Messages(t *testing.T) {
	ledger := seedLedger()
	ledger.messages = []domain.Message{
		{ID: "m1", ConversationID: testConv, Role: domain.RoleUser, Content: "q"},
		{ID: "m2", ConversationID: testConv, Role: domain.RoleAssistant, Content: "a"},
	}
	svc := newTestConversationService(t, ledger)

	msgs, err := svc.Messages(context.Background(), testUser, testConv)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[0].ID)

	_, err = svc.Messages(context.Background(), testUser, "missing")
	requireCode(t, err, ErrorNotFound)
}

func TestConversationService_Stats(t *testing.T) {
	ledger := seedLedger()
	limit := int64(5000)
	ledger.users[testUser] = domain.User{ID: testUser, TokenLimit: &limit, TotalTokensUsed: 1200, TotalCost: 42, MessageCount: 9}
	ledger.conversations["archived"] = domain.Conversation{ID: "archived", UserID: testUser, Archived: true}
	svc := newTestConversationService(t, ledger)

	stats, err := svc.Stats(context.Background(), testUser)
	require.NoError(t, err)
	require.Equal(t, domain.UserStats{
		TotalTokensUsed:   1200,
		TotalCost:         42,
		ConversationCount: 1,
		MessageCount:      9,
		TokenLimit:        &limit,
	}, stats)
}

func TestConversationService_StatsCountsCompletedReplies(t *testing.T) {
	ledger := seedLedger()
	adapter := &fakeAdapter{name: provider.Anthropic, chunks: []domain.StreamChunk{domain.Delta("ok"), domain.Terminal(10, 5)}}
	turns := newTestTurnService(t, ledger, zeroPricer, TurnConfig{}, adapter)
	for _, msg := range []string{"one", "two"} {
		_, err := turns.StreamTurn(context.Background(), TurnInput{UserID: testUser, ConversationID: testConv, Message: msg}, &fakeSink{})
		require.NoError(t, err)
	}

	adapter.chunks = []domain.StreamChunk{domain.Delta("partial")}
	adapter.err = errors.New("upstream reset")
	_, err := turns.StreamTurn(context.Background(), TurnInput{UserID: testUser, ConversationID: testConv, Message: "three"}, &fakeSink{})
	require.Error(t, err)

	stats, err := newTestConversationService(t, ledger).Stats(context.Background(), testUser)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.MessageCount)
	require.Equal(t, int64(30), stats.TotalTokensUsed)
}

func TestConversationService_StatsForNewUser(t *testing.T) {
	svc := newTestConversationService(t, newFakeLedger())

	stats, err := svc.Stats(context.Background(), "fresh")
	require.NoError(t, err)
	require.Zero(t, stats.TotalTokensUsed)
	require.Nil(t, stats.TokenLimit)
}

func TestConversationService_StatsLedgerFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.failOn["CountConversations"] = errors.New("timeout")
	svc := newTestConversationService(t, ledger)

	_, err := svc.Stats(context.Background(), testUser)
	requireCode(t, err, ErrorInternal)
}

func TestConversationService_RecomputeUsageRepairsDrift(t *testing.T) {
	ledger := seedLedger()
	conv := ledger.conversations[testConv]
	conv.TotalTokens, conv.TotalCost = 999, 999
	ledger.conversations[testConv] = conv
	ledger.messages = []domain.Message{
		{ConversationID: testConv, Role: domain.RoleUser, Content: "q"},
		{ConversationID: testConv, Role: domain.RoleAssistant, InputTokens: 100, OutputTokens: 35, Cost: 20},
		{ConversationID: testConv, Role: domain.RoleAssistant, InputTokens: 7, OutputTokens: 7, Cost: 7, IsError: true},
		{ConversationID: testConv, Role: domain.RoleAssistant, InputTokens: 90, OutputTokens: 45, Cost: 30},
	}
	svc := newTestConversationService(t, ledger)

	got, err := svc.RecomputeUsage(context.Background(), testUser, testConv)
	require.NoError(t, err)
	require.Equal(t, int64(270), got.TotalTokens)
	require.Equal(t, int64(50), got.TotalCost)
	require.Equal(t, int64(270), ledger.conversations[testConv].TotalTokens)
}
