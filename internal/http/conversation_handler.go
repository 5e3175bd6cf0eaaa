package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-gateway/internal/service"
)

// ConversationHandler mantiene dependencias para endpoints de conversaciones.
type ConversationHandler struct {
	logger *zap.Logger
	store  *service.ConversationStore
}

func NewConversationHandler(logger *zap.Logger, store *service.ConversationStore) *ConversationHandler {
	return &ConversationHandler{logger: logger, store: store}
}

// CreateConversation maneja POST /conversations.
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	// Cuerpo vacio es valido: el titulo cae al default.
	_ = c.ShouldBindJSON(&req)

	conversation, err := h.store.CreateConversation(c.Request.Context(), claims.UserID, req.Title)
	if err != nil {
		h.logger.Error("create conversation failed", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conversation})
}

// ListConversations maneja GET /conversations.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	conversations, err := h.store.ListConversations(c.Request.Context(), claims.UserID, limit)
	if err != nil {
		h.logger.Error("list conversations failed", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// GetHistory maneja GET /conversations/:id/messages.
func (h *ConversationHandler) GetHistory(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	conversationID := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	conversation, err := h.store.GetConversation(c.Request.Context(), claims.UserID, conversationID)
	if err != nil {
		respondError(c, err)
		return
	}
	messages, err := h.store.RecentMessages(c.Request.Context(), conversationID, limit)
	if err != nil {
		h.logger.Error("get history failed", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conversation,
		"messages":     messages,
	})
}

// Archive maneja POST /conversations/:id/archive.
func (h *ConversationHandler) Archive(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	var req struct {
		Archived *bool `json:"archived"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Archived == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.store.Archive(c.Request.Context(), claims.UserID, c.Param("id"), *req.Archived); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": *req.Archived})
}

// DeleteMessage maneja DELETE /conversations/:id/messages/:messageID.
func (h *ConversationHandler) DeleteMessage(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	err := h.store.DeleteMessage(c.Request.Context(), claims.UserID, c.Param("id"), c.Param("messageID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// AddReaction maneja POST /conversations/:id/messages/:messageID/reactions.
func (h *ConversationHandler) AddReaction(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	err := h.store.AddReaction(c.Request.Context(), claims.UserID, c.Param("id"), c.Param("messageID"), req.Emoji)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reacted": true})
}

// RemoveReaction maneja DELETE /conversations/:id/messages/:messageID/reactions.
func (h *ConversationHandler) RemoveReaction(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	err := h.store.RemoveReaction(c.Request.Context(), claims.UserID, c.Param("id"), c.Param("messageID"), req.Emoji)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reacted": false})
}

// Reconcile maneja POST /conversations/:id/reconcile.
func (h *ConversationHandler) Reconcile(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	conversation, err := h.store.Reconcile(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		h.logger.Error("reconcile failed", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conversation})
}
