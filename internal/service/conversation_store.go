package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/repository"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrInvalidInput         = errors.New("invalid input")
)

const (
	// maxContentLength limita el contenido de un mensaje entrante.
	maxContentLength = 32768

	defaultConversationTitle = "New Chat"
	defaultListLimit         = 50
)

// ConversationStore es la fachada de persistencia de conversaciones y
// mensajes: valida entradas, resuelve ownership, y mantiene el cache de
// lectura coherente invalidando de forma sincronica en cada escritura.
type ConversationStore struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	cache         MessageCache
	logger        *zap.Logger
}

func NewConversationStore(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	cache MessageCache,
	logger *zap.Logger,
) *ConversationStore {
	return &ConversationStore{
		conversations: conversations,
		messages:      messages,
		cache:         cache,
		logger:        logger,
	}
}

// CreateConversation crea una conversacion vacia para el usuario. El titulo
// vacio cae al default.
func (s *ConversationStore) CreateConversation(ctx context.Context, userID, title string) (domain.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Conversation{}, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultConversationTitle
	}

	now := time.Now().UTC()
	conversation := domain.Conversation{
		ID:           uuid.NewString(),
		UserID:       userID,
		Title:        title,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.conversations.Create(ctx, conversation); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

// GetConversation devuelve la conversacion solo si pertenece al usuario.
// Una conversacion ajena se reporta como inexistente.
func (s *ConversationStore) GetConversation(ctx context.Context, userID, conversationID string) (domain.Conversation, error) {
	conversation, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Conversation{}, ErrConversationNotFound
		}
		return domain.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if conversation.UserID != userID {
		return domain.Conversation{}, ErrConversationNotFound
	}
	return conversation, nil
}

func (s *ConversationStore) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	conversations, err := s.conversations.ListByUserID(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return conversations, nil
}

// Archive marca o desmarca la conversacion como archivada.
func (s *ConversationStore) Archive(ctx context.Context, userID, conversationID string, archived bool) error {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.conversations.SetArchived(ctx, conversationID, archived); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("archive conversation: %w", err)
	}
	return nil
}

// AppendMessage valida y persiste un mensaje, asignando id, posicion y
// timestamps. La invalidacion del cache es sincronica: cuando Append devuelve,
// la proxima lectura ya no ve la ventana vieja.
func (s *ConversationStore) AppendMessage(ctx context.Context, message domain.Message) (domain.Message, error) {
	if strings.TrimSpace(message.ConversationID) == "" {
		return domain.Message{}, fmt.Errorf("%w: empty conversation id", ErrInvalidInput)
	}
	if !domain.ValidRole(message.Role) {
		return domain.Message{}, fmt.Errorf("%w: invalid role %q", ErrInvalidInput, message.Role)
	}
	if strings.TrimSpace(message.Content) == "" {
		return domain.Message{}, fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if len(message.Content) > maxContentLength {
		return domain.Message{}, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidInput, maxContentLength)
	}

	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.TokenCount <= 0 {
		message.TokenCount = domain.EstimateTokens(message.Content)
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	appended, err := s.messages.Append(ctx, message)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, ErrConversationNotFound
		}
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, message.ConversationID)
	}
	return appended, nil
}

// RecentMessages devuelve los ultimos mensajes no borrados en orden de
// posicion ascendente, pasando por el cache de lectura.
func (s *ConversationStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if s.cache != nil {
		if messages, ok := s.cache.GetRecent(ctx, conversationID, limit); ok {
			return messages, nil
		}
	}
	messages, err := s.messages.ListRecent(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	if s.cache != nil {
		s.cache.SetRecent(ctx, conversationID, limit, messages)
	}
	return messages, nil
}

// DeleteMessage borra logicamente el mensaje: el contenido queda redactado y
// los contadores agregados se descuentan.
func (s *ConversationStore) DeleteMessage(ctx context.Context, userID, conversationID, messageID string) error {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := s.messages.MarkDeleted(ctx, conversationID, messageID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("delete message: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, conversationID)
	}
	return nil
}

// AddReaction agrega la reaccion del usuario al metadata del mensaje.
// Repetir la misma reaccion es idempotente.
func (s *ConversationStore) AddReaction(ctx context.Context, userID, conversationID, messageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return fmt.Errorf("%w: empty reaction", ErrInvalidInput)
	}
	return s.mutateReactions(ctx, userID, conversationID, messageID, func(reactions map[string][]string) {
		for _, existing := range reactions[emoji] {
			if existing == userID {
				return
			}
		}
		reactions[emoji] = append(reactions[emoji], userID)
	})
}

// RemoveReaction quita la reaccion del usuario si existe.
func (s *ConversationStore) RemoveReaction(ctx context.Context, userID, conversationID, messageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return fmt.Errorf("%w: empty reaction", ErrInvalidInput)
	}
	return s.mutateReactions(ctx, userID, conversationID, messageID, func(reactions map[string][]string) {
		users := reactions[emoji]
		for i, existing := range users {
			if existing == userID {
				reactions[emoji] = append(users[:i], users[i+1:]...)
				break
			}
		}
		if len(reactions[emoji]) == 0 {
			delete(reactions, emoji)
		}
	})
}

func (s *ConversationStore) mutateReactions(ctx context.Context, userID, conversationID, messageID string, mutate func(map[string][]string)) error {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	message, err := s.messages.GetByID(ctx, conversationID, messageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("get message: %w", err)
	}

	reactions := decodeReactions(message.Metadata)
	mutate(reactions)

	metadata := message.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	if len(reactions) == 0 {
		delete(metadata, "reactions")
	} else {
		metadata["reactions"] = reactions
	}

	if err := s.messages.UpdateMetadata(ctx, conversationID, messageID, metadata); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("update reactions: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, conversationID)
	}
	return nil
}

// decodeReactions normaliza el metadata ya deserializado de JSON, donde los
// valores llegan como []any.
func decodeReactions(metadata map[string]any) map[string][]string {
	reactions := make(map[string][]string)
	raw, ok := metadata["reactions"]
	if !ok {
		return reactions
	}
	switch typed := raw.(type) {
	case map[string][]string:
		for emoji, users := range typed {
			reactions[emoji] = append(reactions[emoji], users...)
		}
	case map[string]any:
		for emoji, users := range typed {
			list, ok := users.([]any)
			if !ok {
				continue
			}
			for _, user := range list {
				if id, ok := user.(string); ok {
					reactions[emoji] = append(reactions[emoji], id)
				}
			}
		}
	}
	return reactions
}

// Reconcile recalcula los contadores agregados de la conversacion desde los
// mensajes persistidos.
func (s *ConversationStore) Reconcile(ctx context.Context, userID, conversationID string) (domain.Conversation, error) {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return domain.Conversation{}, err
	}
	conversation, err := s.conversations.Reconcile(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("reconcile conversation: %w", err)
	}
	if s.logger != nil {
		s.logger.Info("conversation counters reconciled",
			zap.String("conversation_id", conversationID),
			zap.Int("message_count", conversation.MessageCount),
			zap.Int("total_tokens", conversation.TotalTokens),
		)
	}
	return conversation, nil
}
