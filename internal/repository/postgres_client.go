package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"model-gateway/internal/domain"
)

const pgUniqueViolation = "23505"

// Querier abstracts the pgx query methods needed by PostgresClient. Both
// *pgxpool.Pool and pgx.Tx satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresClient is the SQL ledger. It implements the same operations as the
// DynamoDB Client; counters are updated with in-place additions.
type PostgresClient struct {
	db  Querier
	now func() time.Time
}

func NewPostgres(db Querier) (*PostgresClient, error) {
	if db == nil {
		return nil, errors.New("repository: querier must not be nil")
	}
	return &PostgresClient{db: db, now: time.Now}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    id                TEXT PRIMARY KEY,
    token_limit       BIGINT,
    total_tokens_used BIGINT NOT NULL DEFAULT 0,
    total_cost        BIGINT NOT NULL DEFAULT 0,
    message_count     BIGINT NOT NULL DEFAULT 0
);
ALTER TABLE users ADD COLUMN IF NOT EXISTS message_count BIGINT NOT NULL DEFAULT 0;
CREATE TABLE IF NOT EXISTS conversations (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    provider      TEXT NOT NULL,
    model         TEXT NOT NULL,
    system_prompt TEXT NOT NULL DEFAULT '',
    pinned        BOOLEAN NOT NULL DEFAULT FALSE,
    archived      BOOLEAN NOT NULL DEFAULT FALSE,
    total_tokens  BIGINT NOT NULL DEFAULT 0,
    total_cost    BIGINT NOT NULL DEFAULT 0,
    tags          TEXT[] NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations (user_id, updated_at DESC);
CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    seq             BIGSERIAL NOT NULL,
    conversation_id TEXT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    user_id         TEXT NOT NULL,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL,
    model           TEXT NOT NULL DEFAULT '',
    provider        TEXT NOT NULL DEFAULT '',
    input_tokens    BIGINT NOT NULL DEFAULT 0,
    output_tokens   BIGINT NOT NULL DEFAULT 0,
    cost            BIGINT NOT NULL DEFAULT 0,
    attachments     JSONB,
    is_error        BOOLEAN NOT NULL DEFAULT FALSE,
    error_message   TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages (conversation_id, created_at, seq);
`

// EnsureSchema creates the ledger tables if they do not exist. Production
// deployments should manage schema with migrations instead.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("repository: EnsureSchema: %w", err)
	}
	return nil
}

const conversationColumns = `id, user_id, title, provider, model, system_prompt, pinned, archived,
	total_tokens, total_cost, COALESCE(tags, '{}'), created_at, updated_at`

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var conv domain.Conversation
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Provider, &conv.Model, &conv.SystemPrompt,
		&conv.Pinned, &conv.Archived, &conv.TotalTokens, &conv.TotalCost, &conv.Tags, &conv.CreatedAt, &conv.UpdatedAt)
	return conv, err
}

func (p *PostgresClient) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	conv, err := scanConversation(p.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, ErrNotFound
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	return conv, nil
}

func (p *PostgresClient) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" || conv.UserID == "" {
		return errors.New("repository: CreateConversation: id and user id are required")
	}
	tags := conv.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := p.db.Exec(ctx, `INSERT INTO conversations
		(id, user_id, title, provider, model, system_prompt, pinned, archived, total_tokens, total_cost, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		conv.ID, conv.UserID, conv.Title, conv.Provider, conv.Model, conv.SystemPrompt, conv.Pinned, conv.Archived,
		conv.TotalTokens, conv.TotalCost, tags, conv.CreatedAt, conv.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return nil
}

func (p *PostgresClient) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversations: %w", err)
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations scan: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListConversations rows: %w", err)
	}
	return convs, nil
}

func (p *PostgresClient) CountConversations(ctx context.Context, userID string) (int, error) {
	var n int
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM conversations WHERE user_id = $1 AND NOT archived`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("repository: CountConversations: %w", err)
	}
	return n, nil
}

func (p *PostgresClient) UpdateConversation(ctx context.Context, conv domain.Conversation) error {
	tags := conv.Tags
	if tags == nil {
		tags = []string{}
	}
	tag, err := p.db.Exec(ctx, `UPDATE conversations
		SET title = $2, system_prompt = $3, pinned = $4, archived = $5, tags = $6, updated_at = $7
		WHERE id = $1`,
		conv.ID, conv.Title, conv.SystemPrompt, conv.Pinned, conv.Archived, tags, p.now().UTC())
	return affectedOne("UpdateConversation", tag, err)
}

func (p *PostgresClient) UpdateConversationTitle(ctx context.Context, conversationID, title string) error {
	tag, err := p.db.Exec(ctx, `UPDATE conversations SET title = $2, updated_at = $3 WHERE id = $1`,
		conversationID, title, p.now().UTC())
	return affectedOne("UpdateConversationTitle", tag, err)
}

func (p *PostgresClient) IncrementConversationUsage(ctx context.Context, conversationID string, tokens, cost int64) error {
	tag, err := p.db.Exec(ctx, `UPDATE conversations
		SET total_tokens = total_tokens + $2, total_cost = total_cost + $3, updated_at = $4
		WHERE id = $1`,
		conversationID, tokens, cost, p.now().UTC())
	return affectedOne("IncrementConversationUsage", tag, err)
}

func (p *PostgresClient) RecomputeConversationUsage(ctx context.Context, conversationID string) (int64, int64, error) {
	var tokens, cost int64
	err := p.db.QueryRow(ctx, `UPDATE conversations c
		SET total_tokens = s.tokens, total_cost = s.cost
		FROM (
			SELECT COALESCE(SUM(input_tokens + output_tokens), 0) AS tokens, COALESCE(SUM(cost), 0) AS cost
			FROM messages
			WHERE conversation_id = $1 AND role = 'assistant' AND NOT is_error
		) s
		WHERE c.id = $1
		RETURNING c.total_tokens, c.total_cost`, conversationID).Scan(&tokens, &cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("repository: RecomputeConversationUsage: %w", err)
	}
	return tokens, cost, nil
}

// DeleteConversation removes the conversation and its messages in one statement.
func (p *PostgresClient) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := p.db.Exec(ctx, `WITH removed AS (DELETE FROM messages WHERE conversation_id = $1)
		DELETE FROM conversations WHERE id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation: %w", err)
	}
	return nil
}

const messageColumns = `id, conversation_id, user_id, role, content, model, provider,
	input_tokens, output_tokens, cost, attachments, is_error, error_message, created_at`

func (p *PostgresClient) CreateMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: CreateMessage: id and conversation id are required")
	}
	var attachments []byte
	if len(msg.Attachments) > 0 {
		var err error
		if attachments, err = json.Marshal(msg.Attachments); err != nil {
			return fmt.Errorf("repository: CreateMessage marshal attachments: %w", err)
		}
	}
	_, err := p.db.Exec(ctx, `INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		msg.ID, msg.ConversationID, msg.UserID, string(msg.Role), msg.Content, msg.Model, msg.Provider,
		msg.InputTokens, msg.OutputTokens, msg.Cost, attachments, msg.IsError, msg.ErrorMessage, msg.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("repository: CreateMessage: %w", err)
	}
	return nil
}

// ListRecentMessages fetches the newest limit rows and returns them oldest first.
func (p *PostgresClient) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := p.db.Query(ctx, `SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+`, seq FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent ORDER BY created_at ASC, seq ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: ListRecentMessages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("repository: ListRecentMessages: %w", err)
	}
	return msgs, nil
}

func (p *PostgresClient) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := p.db.Query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 ORDER BY created_at ASC, seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages: %w", err)
	}
	return msgs, nil
}

func scanMessages(rows pgx.Rows) ([]domain.Message, error) {
	defer rows.Close()
	var msgs []domain.Message
	for rows.Next() {
		var (
			msg         domain.Message
			role        string
			attachments []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.UserID, &role, &msg.Content, &msg.Model, &msg.Provider,
			&msg.InputTokens, &msg.OutputTokens, &msg.Cost, &attachments, &msg.IsError, &msg.ErrorMessage, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = domain.Role(role)
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return msgs, nil
}

// GetUser maps a NULL token_limit to an unlimited user.
func (p *PostgresClient) GetUser(ctx context.Context, userID string) (domain.User, error) {
	var (
		user  = domain.User{ID: userID}
		limit int64
	)
	err := p.db.QueryRow(ctx,
		`SELECT COALESCE(token_limit, -1), total_tokens_used, total_cost, message_count FROM users WHERE id = $1`, userID).
		Scan(&limit, &user.TotalTokensUsed, &user.TotalCost, &user.MessageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUser: %w", err)
	}
	if limit >= 0 {
		user.TokenLimit = &limit
	}
	return user, nil
}

// IncrementUserUsage upserts so the first completed turn creates the row.
// Each call counts one assistant reply.
func (p *PostgresClient) IncrementUserUsage(ctx context.Context, userID string, tokens, cost int64) error {
	_, err := p.db.Exec(ctx, `INSERT INTO users (id, total_tokens_used, total_cost, message_count) VALUES ($1, $2, $3, 1)
		ON CONFLICT (id) DO UPDATE
		SET total_tokens_used = users.total_tokens_used + EXCLUDED.total_tokens_used,
		    total_cost = users.total_cost + EXCLUDED.total_cost,
		    message_count = users.message_count + 1`,
		userID, tokens, cost)
	if err != nil {
		return fmt.Errorf("repository: IncrementUserUsage: %w", err)
	}
	return nil
}

func affectedOne(op string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return fmt.Errorf("repository: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
