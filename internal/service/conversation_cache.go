package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chat-gateway/internal/domain"
)

// MessageCache es el cache de lectura para la ventana reciente de mensajes.
// Get que falla o no encuentra devuelve ok=false y el caller va a la base;
// el cache nunca es fuente de verdad.
type MessageCache interface {
	GetRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, bool)
	SetRecent(ctx context.Context, conversationID string, limit int, messages []domain.Message)
	Invalidate(ctx context.Context, conversationID string)
}

type redisCacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// redisMessageCache versiona las entradas por conversacion: invalidar es
// incrementar la version, lo que deja huerfanas las claves viejas hasta que
// expiran por TTL. Asi no hay borrado por patron.
type redisMessageCache struct {
	client redisCacheClient
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisMessageCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) MessageCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &redisMessageCache{client: client, ttl: ttl, logger: logger}
}

func (c *redisMessageCache) versionKey(conversationID string) string {
	return "conv:ver:" + conversationID
}

func (c *redisMessageCache) dataKey(conversationID string, version int64, limit int) string {
	return fmt.Sprintf("conv:recent:%s:v%d:%d", conversationID, version, limit)
}

func (c *redisMessageCache) currentVersion(ctx context.Context, conversationID string) (int64, error) {
	raw, err := c.client.Get(ctx, c.versionKey(conversationID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (c *redisMessageCache) GetRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, bool) {
	version, err := c.currentVersion(ctx, conversationID)
	if err != nil {
		c.warn("cache version read failed", conversationID, err)
		return nil, false
	}
	raw, err := c.client.Get(ctx, c.dataKey(conversationID, version, limit)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.warn("cache read failed", conversationID, err)
		return nil, false
	}
	var messages []domain.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		c.warn("cache entry corrupt", conversationID, err)
		return nil, false
	}
	return messages, true
}

func (c *redisMessageCache) SetRecent(ctx context.Context, conversationID string, limit int, messages []domain.Message) {
	version, err := c.currentVersion(ctx, conversationID)
	if err != nil {
		c.warn("cache version read failed", conversationID, err)
		return
	}
	encoded, err := json.Marshal(messages)
	if err != nil {
		c.warn("cache encode failed", conversationID, err)
		return
	}
	if err := c.client.Set(ctx, c.dataKey(conversationID, version, limit), encoded, c.ttl).Err(); err != nil {
		c.warn("cache write failed", conversationID, err)
	}
}

// Invalidate incrementa la version de la conversacion; toda entrada previa
// queda inalcanzable de inmediato.
func (c *redisMessageCache) Invalidate(ctx context.Context, conversationID string) {
	if err := c.client.Incr(ctx, c.versionKey(conversationID)).Err(); err != nil {
		c.warn("cache invalidate failed", conversationID, err)
	}
}

func (c *redisMessageCache) warn(msg, conversationID string, err error) {
	if c.logger != nil {
		c.logger.Warn(msg,
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}
