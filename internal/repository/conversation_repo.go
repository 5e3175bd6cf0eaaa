package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-gateway/internal/domain"
)

// ConversationRepository define el contrato de persistencia para conversaciones.
type ConversationRepository interface {
	Create(ctx context.Context, conversation domain.Conversation) error
	GetByID(ctx context.Context, id string) (domain.Conversation, error)
	ListByUserID(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	SetArchived(ctx context.Context, id string, archived bool) error
	Reconcile(ctx context.Context, id string) (domain.Conversation, error)
}

// PgConversationRepository implementa ConversationRepository usando pgxpool.
type PgConversationRepository struct {
	pool *pgxpool.Pool
}

func NewPgConversationRepository(pool *pgxpool.Pool) *PgConversationRepository {
	return &PgConversationRepository{pool: pool}
}

func (r *PgConversationRepository) Create(ctx context.Context, conversation domain.Conversation) error {
	const query = `
		INSERT INTO conversations (id, user_id, title, message_count, total_tokens, last_activity, is_archived, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		conversation.ID,
		conversation.UserID,
		conversation.Title,
		conversation.MessageCount,
		conversation.TotalTokens,
		conversation.LastActivity,
		conversation.Archived,
		conversation.Metadata,
		conversation.CreatedAt,
		conversation.UpdatedAt,
	)
	return err
}

func (r *PgConversationRepository) GetByID(ctx context.Context, id string) (domain.Conversation, error) {
	const query = `
		SELECT id, user_id, title, message_count, total_tokens, last_activity, is_archived, metadata, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`
	var c domain.Conversation
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.UserID,
		&c.Title,
		&c.MessageCount,
		&c.TotalTokens,
		&c.LastActivity,
		&c.Archived,
		&c.Metadata,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func (r *PgConversationRepository) ListByUserID(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	const query = `
		SELECT id, user_id, title, message_count, total_tokens, last_activity, is_archived, metadata, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY last_activity DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		err = rows.Scan(
			&c.ID,
			&c.UserID,
			&c.Title,
			&c.MessageCount,
			&c.TotalTokens,
			&c.LastActivity,
			&c.Archived,
			&c.Metadata,
			&c.CreatedAt,
			&c.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return conversations, nil
}

func (r *PgConversationRepository) SetArchived(ctx context.Context, id string, archived bool) error {
	const query = `
		UPDATE conversations
		SET is_archived = $2, updated_at = $3
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, archived, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Reconcile recalcula los contadores agregados desde los mensajes no borrados.
// Es el camino de reparacion explicito; el flujo normal nunca recalcula.
func (r *PgConversationRepository) Reconcile(ctx context.Context, id string) (domain.Conversation, error) {
	const query = `
		UPDATE conversations SET
			message_count = sub.count,
			total_tokens = sub.tokens,
			updated_at = $2
		FROM (
			SELECT COUNT(*) AS count, COALESCE(SUM(token_count), 0) AS tokens
			FROM messages
			WHERE conversation_id = $1 AND is_deleted = FALSE
		) AS sub
		WHERE conversations.id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, time.Now().UTC()); err != nil {
		return domain.Conversation{}, err
	}
	return r.GetByID(ctx, id)
}
