package http

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-gateway/internal/broadcast"
	"chat-gateway/internal/service"
)

// ChatHandler mantiene dependencias para los endpoints de turnos y streaming.
type ChatHandler struct {
	logger      *zap.Logger
	turns       *service.TurnService
	store       *service.ConversationStore
	broadcaster *broadcast.Broadcaster
}

func NewChatHandler(logger *zap.Logger, turns *service.TurnService, store *service.ConversationStore, broadcaster *broadcast.Broadcaster) *ChatHandler {
	return &ChatHandler{
		logger:      logger,
		turns:       turns,
		store:       store,
		broadcaster: broadcaster,
	}
}

// PostMessage maneja POST /conversations/:id/messages: ejecuta el turno
// completo y devuelve el mensaje del asistente. Los deltas en vivo salen por
// el endpoint de streaming.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid post message request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	assistant, err := h.turns.RunTurn(c.Request.Context(), claims.UserID, c.Param("id"), req.Content)
	if err != nil {
		h.logger.Error("turn failed", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": assistant})
}

// StreamEvents maneja GET /conversations/:id/stream con server-sent events.
// La suscripcion vive hasta que el cliente corta la conexion.
func (h *ChatHandler) StreamEvents(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	conversationID := c.Param("id")
	if _, err := h.store.GetConversation(c.Request.Context(), claims.UserID, conversationID); err != nil {
		respondError(c, err)
		return
	}

	events, subID := h.broadcaster.Subscribe(c.Request.Context(), conversationID)
	defer h.broadcaster.Unsubscribe(conversationID, subID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(_ io.Writer) bool {
		select {
		case event, open := <-events:
			if !open {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// GenerateImage maneja POST /conversations/:id/images.
func (h *ChatHandler) GenerateImage(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	var req struct {
		Prompt string `json:"prompt" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid generate image request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	message, err := h.turns.GenerateImage(c.Request.Context(), claims.UserID, c.Param("id"), req.Prompt)
	if err != nil {
		h.logger.Error("generate image failed", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": message})
}
