package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-gateway/internal/service"
)

// respondError traduce errores de servicio a codigos HTTP. Todo lo no mapeado
// cae a 500 sin filtrar detalle interno al cliente.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	case errors.Is(err, service.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, service.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case errors.Is(err, service.ErrConversationArchived):
		c.JSON(http.StatusConflict, gin.H{"error": "conversation archived"})
	case errors.Is(err, service.ErrTurnRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
