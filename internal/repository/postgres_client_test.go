package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"model-gateway/internal/domain"
)

func newMockPostgres(t *testing.T) (*PostgresClient, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	p, err := NewPostgres(mock)
	require.NoError(t, err)
	p.now = func() time.Time { return fixedNow }
	return p, mock
}

func q(fragment string) string {
	return regexp.QuoteMeta(fragment)
}

var conversationCols = []string{"id", "user_id", "title", "provider", "model", "system_prompt", "pinned", "archived",
	"total_tokens", "total_cost", "tags", "created_at", "updated_at"}

var messageCols = []string{"id", "conversation_id", "user_id", "role", "content", "model", "provider",
	"input_tokens", "output_tokens", "cost", "attachments", "is_error", "error_message", "created_at"}

func conversationRow(rows *pgxmock.Rows, conv domain.Conversation) *pgxmock.Rows {
	return rows.AddRow(conv.ID, conv.UserID, conv.Title, conv.Provider, conv.Model, conv.SystemPrompt, conv.Pinned,
		conv.Archived, conv.TotalTokens, conv.TotalCost, conv.Tags, conv.CreatedAt, conv.UpdatedAt)
}

func TestNewPostgres_NilQuerier(t *testing.T) {
	_, err := NewPostgres(nil)
	require.Error(t, err)
}

func TestPostgres_EnsureSchema(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(q("CREATE TABLE IF NOT EXISTS users")).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, p.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetConversation(t *testing.T) {
	p, mock := newMockPostgres(t)
	conv := sampleConversation()
	mock.ExpectQuery(q("FROM conversations WHERE id = $1")).
		WithArgs("conv-1").
		WillReturnRows(conversationRow(pgxmock.NewRows(conversationCols), conv))

	got, err := p.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, conv, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetConversation_NotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(q("FROM conversations WHERE id = $1")).
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows(conversationCols))

	_, err := p.GetConversation(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_CreateConversation_Conflict(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(q("INSERT INTO conversations")).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	err := p.CreateConversation(context.Background(), sampleConversation())
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestPostgres_CreateConversation(t *testing.T) {
	p, mock := newMockPostgres(t)
	conv := sampleConversation()
	conv.Tags = nil
	mock.ExpectExec(q("INSERT INTO conversations")).
		WithArgs(conv.ID, conv.UserID, conv.Title, conv.Provider, conv.Model, conv.SystemPrompt, conv.Pinned,
			conv.Archived, conv.TotalTokens, conv.TotalCost, []string{}, conv.CreatedAt, conv.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, p.CreateConversation(context.Background(), conv))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListConversations(t *testing.T) {
	p, mock := newMockPostgres(t)
	a, b := sampleConversation(), sampleConversation()
	b.ID = "conv-2"
	rows := pgxmock.NewRows(conversationCols)
	conversationRow(rows, a)
	conversationRow(rows, b)
	mock.ExpectQuery(q("WHERE user_id = $1 ORDER BY updated_at DESC")).WithArgs("user-1").WillReturnRows(rows)

	convs, err := p.ListConversations(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, "conv-2", convs[1].ID)
}

func TestPostgres_CountConversations(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(q("SELECT COUNT(*) FROM conversations")).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := p.CountConversations(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestPostgres_IncrementConversationUsage(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(q("SET total_tokens = total_tokens + $2, total_cost = total_cost + $3")).
		WithArgs("conv-1", int64(300), int64(4), fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, p.IncrementConversationUsage(context.Background(), "conv-1", 300, 4))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_IncrementConversationUsage_Missing(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(q("SET total_tokens = total_tokens + $2")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, p.IncrementConversationUsage(context.Background(), "ghost", 1, 1), ErrNotFound)
}

func TestPostgres_UpdateConversationTitle(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(q("UPDATE conversations SET title = $2, updated_at = $3 WHERE id = $1")).
		WithArgs("conv-1", "Hello", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, p.UpdateConversationTitle(context.Background(), "conv-1", "Hello"))
}

func TestPostgres_UpdateConversation_DBError(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(q("UPDATE conversations")).WillReturnError(errors.New("conn reset"))

	err := p.UpdateConversation(context.Background(), sampleConversation())
	require.Error(t, err)
	require.Contains(t, err.Error(), "UpdateConversation")
}

func TestPostgres_RecomputeConversationUsage(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(q("RETURNING c.total_tokens, c.total_cost")).
		WithArgs("conv-1").
		WillReturnRows(pgxmock.NewRows([]string{"total_tokens", "total_cost"}).AddRow(int64(270), int64(50)))

	tokens, cost, err := p.RecomputeConversationUsage(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, int64(270), tokens)
	require.Equal(t, int64(50), cost)
}

func TestPostgres_DeleteConversation(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(q("DELETE FROM messages WHERE conversation_id = $1")).
		WithArgs("conv-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, p.DeleteConversation(context.Background(), "conv-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateMessage_WithAttachments(t *testing.T) {
	p, mock := newMockPostgres(t)
	msg := sampleMessage("m1", domain.RoleUser, fixedNow)
	msg.Attachments = []domain.Attachment{{Name: "a.png", Type: "image/png", URL: "https://x/a.png"}}

	mock.ExpectExec(q("INSERT INTO messages")).
		WithArgs("m1", "conv-1", "user-1", "user", msg.Content, "", "", int64(0), int64(0), int64(0),
			[]byte(`[{"name":"a.png","type":"image/png","url":"https://x/a.png"}]`), false, "", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, p.CreateMessage(context.Background(), msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListRecentMessages(t *testing.T) {
	p, mock := newMockPostgres(t)
	rows := pgxmock.NewRows(messageCols).
		AddRow("m1", "conv-1", "user-1", "user", "hi", "", "", int64(0), int64(0), int64(0),
			[]byte(`[{"name":"a.png","type":"image/png","url":"u"}]`), false, "", fixedNow).
		AddRow("m2", "conv-1", "user-1", "assistant", "hello", "gpt-4o", "openai", int64(10), int64(20), int64(1),
			[]byte(nil), false, "", fixedNow.Add(time.Second))
	mock.ExpectQuery(q("ORDER BY created_at DESC, seq DESC")).WithArgs("conv-1", 50).WillReturnRows(rows)

	msgs, err := p.ListRecentMessages(context.Background(), "conv-1", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleUser, msgs[0].Role)
	require.Equal(t, []domain.Attachment{{Name: "a.png", Type: "image/png", URL: "u"}}, msgs[0].Attachments)
	require.Equal(t, int64(20), msgs[1].OutputTokens)
	require.Nil(t, msgs[1].Attachments)
}

func TestPostgres_ListRecentMessages_QueryError(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(q("FROM messages")).WillReturnError(errors.New("boom"))

	_, err := p.ListRecentMessages(context.Background(), "conv-1", 5)
	require.Error(t, err)
}

func TestPostgres_GetUser(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(q("COALESCE(token_limit, -1)")).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"token_limit", "total_tokens_used", "total_cost", "message_count"}).
			AddRow(int64(100), int64(150), int64(3), int64(7)))

	user, err := p.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, user.TokenLimit)
	require.Equal(t, int64(100), *user.TokenLimit)
	require.Equal(t, int64(7), user.MessageCount)
	require.True(t, user.QuotaExhausted())
}

func TestPostgres_GetUser_Unlimited(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(q("FROM users WHERE id = $1")).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"token_limit", "total_tokens_used", "total_cost", "message_count"}).
			AddRow(int64(-1), int64(1_000_000), int64(3), int64(0)))

	user, err := p.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Nil(t, user.TokenLimit)
	require.False(t, user.QuotaExhausted())
}

func TestPostgres_GetUser_ZeroLimit(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(q("FROM users WHERE id = $1")).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"token_limit", "total_tokens_used", "total_cost", "message_count"}).
			AddRow(int64(0), int64(500), int64(3), int64(2)))

	user, err := p.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, user.TokenLimit)
	require.Zero(t, *user.TokenLimit)
	require.False(t, user.QuotaExhausted())
}

func TestPostgres_GetUser_NotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(q("FROM users WHERE id = $1")).
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"token_limit", "total_tokens_used", "total_cost", "message_count"}))

	_, err := p.GetUser(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_IncrementUserUsage(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(q("message_count = users.message_count + 1")).
		WithArgs("user-1", int64(270), int64(50)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, p.IncrementUserUsage(context.Background(), "user-1", 270, 50))
	require.NoError(t, mock.ExpectationsWereMet())
}
