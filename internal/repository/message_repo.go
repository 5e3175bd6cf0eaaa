package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-gateway/internal/domain"
)

// MessageRepository define el contrato de persistencia para mensajes.
// Append es la unica operacion que muta los contadores agregados de la
// conversacion; corre en una transaccion con la fila bloqueada.
type MessageRepository interface {
	Append(ctx context.Context, message domain.Message) (domain.Message, error)
	ListRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	MarkDeleted(ctx context.Context, conversationID, messageID string) error
	UpdateMetadata(ctx context.Context, conversationID, messageID string, metadata map[string]any) error
	GetByID(ctx context.Context, conversationID, messageID string) (domain.Message, error)
}

// PgMessageRepository implementa MessageRepository usando pgxpool.
type PgMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgMessageRepository(pool *pgxpool.Pool) *PgMessageRepository {
	return &PgMessageRepository{pool: pool}
}

// Append inserta el mensaje con la siguiente posicion de la conversacion e
// incrementa message_count/total_tokens en la misma transaccion. La fila de la
// conversacion se bloquea primero, asi dos appends nunca comparten posicion.
func (r *PgMessageRepository) Append(ctx context.Context, message domain.Message) (domain.Message, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback(ctx)

	const lockQuery = `
		SELECT id FROM conversations WHERE id = $1 FOR UPDATE
	`
	var lockedID string
	if err = tx.QueryRow(ctx, lockQuery, message.ConversationID).Scan(&lockedID); err != nil {
		return domain.Message{}, err
	}

	const insertQuery = `
		INSERT INTO messages (id, conversation_id, role, content, model, token_count, response_time, position, is_deleted, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM messages WHERE conversation_id = $2),
			FALSE, $8, $9)
		RETURNING position
	`
	var model any
	if message.Model != "" {
		model = message.Model
	}
	err = tx.QueryRow(ctx, insertQuery,
		message.ID,
		message.ConversationID,
		message.Role,
		message.Content,
		model,
		message.TokenCount,
		message.ResponseTime,
		message.Metadata,
		message.CreatedAt,
	).Scan(&message.Position)
	if err != nil {
		return domain.Message{}, err
	}

	const updateQuery = `
		UPDATE conversations
		SET message_count = message_count + 1,
			total_tokens = total_tokens + $2,
			last_activity = $3,
			updated_at = $3
		WHERE id = $1
	`
	if _, err = tx.Exec(ctx, updateQuery, message.ConversationID, message.TokenCount, time.Now().UTC()); err != nil {
		return domain.Message{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.Message{}, err
	}

	return message, nil
}

func (r *PgMessageRepository) ListRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	const query = `
		SELECT id, conversation_id, role, content, model, token_count, response_time, position, is_deleted, metadata, created_at
		FROM (
			SELECT id, conversation_id, role, content, model, token_count, response_time, position, is_deleted, metadata, created_at
			FROM messages
			WHERE conversation_id = $1 AND is_deleted = FALSE
			ORDER BY position DESC
			LIMIT $2
		) AS recent
		ORDER BY position ASC
	`
	rows, err := r.pool.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

// MarkDeleted redacta el contenido y descuenta el mensaje de los agregados.
func (r *PgMessageRepository) MarkDeleted(ctx context.Context, conversationID, messageID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const redactQuery = `
		UPDATE messages
		SET is_deleted = TRUE, content = '[deleted]'
		WHERE conversation_id = $1 AND id = $2 AND is_deleted = FALSE
		RETURNING token_count
	`
	var tokens int
	if err = tx.QueryRow(ctx, redactQuery, conversationID, messageID).Scan(&tokens); err != nil {
		return err
	}

	const updateQuery = `
		UPDATE conversations
		SET message_count = message_count - 1,
			total_tokens = total_tokens - $2,
			updated_at = $3
		WHERE id = $1
	`
	if _, err = tx.Exec(ctx, updateQuery, conversationID, tokens, time.Now().UTC()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *PgMessageRepository) UpdateMetadata(ctx context.Context, conversationID, messageID string, metadata map[string]any) error {
	const query = `
		UPDATE messages
		SET metadata = $3
		WHERE conversation_id = $1 AND id = $2
	`
	tag, err := r.pool.Exec(ctx, query, conversationID, messageID, metadata)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *PgMessageRepository) GetByID(ctx context.Context, conversationID, messageID string) (domain.Message, error) {
	const query = `
		SELECT id, conversation_id, role, content, model, token_count, response_time, position, is_deleted, metadata, created_at
		FROM messages
		WHERE conversation_id = $1 AND id = $2
	`
	row := r.pool.QueryRow(ctx, query, conversationID, messageID)
	return scanMessage(row)
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	var msg domain.Message
	var model *string
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Role,
		&msg.Content,
		&model,
		&msg.TokenCount,
		&msg.ResponseTime,
		&msg.Position,
		&msg.Deleted,
		&msg.Metadata,
		&msg.CreatedAt,
	)
	if err != nil {
		return domain.Message{}, err
	}
	if model != nil {
		msg.Model = *model
	}
	return msg, nil
}
