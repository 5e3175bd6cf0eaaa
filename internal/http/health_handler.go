package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// HealthHandler reporta el estado de las dependencias del gateway.
type HealthHandler struct {
	pool  *pgxpool.Pool
	cache *redis.Client
}

func NewHealthHandler(pool *pgxpool.Pool, cache *redis.Client) *HealthHandler {
	return &HealthHandler{pool: pool, cache: cache}
}

// Health maneja GET /health. Redis caido degrada el estado pero no lo marca
// unhealthy: el cache es opcional.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	dbStatus := "ok"
	if h.pool == nil {
		dbStatus = "not configured"
		status = http.StatusServiceUnavailable
	} else if err := h.pool.Ping(ctx); err != nil {
		dbStatus = "down"
		status = http.StatusServiceUnavailable
	}

	cacheStatus := "ok"
	if h.cache == nil {
		cacheStatus = "disabled"
	} else if err := h.cache.Ping(ctx).Err(); err != nil {
		cacheStatus = "down"
	}

	c.JSON(status, gin.H{
		"database": dbStatus,
		"cache":    cacheStatus,
	})
}
