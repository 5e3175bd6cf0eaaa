package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/service"
)

// AuthHandler emite y rota credenciales de acceso al gateway.
type AuthHandler struct {
	logger *zap.Logger
	jwtSvc *service.JWTService
}

func NewAuthHandler(logger *zap.Logger, jwtSvc *service.JWTService) *AuthHandler {
	return &AuthHandler{logger: logger, jwtSvc: jwtSvc}
}

// GuestLogin maneja POST /auth/guest: crea una identidad efimera y devuelve
// el par de tokens. La identidad real viene de un proveedor externo; esta via
// existe para clientes anonimos.
func (h *AuthHandler) GuestLogin(c *gin.Context) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	_ = c.ShouldBindJSON(&req)

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = "Guest"
	}
	user := domain.User{
		ID:           uuid.NewString(),
		DisplayName:  displayName,
		AuthProvider: "guest",
		CreatedAt:    time.Now().UTC(),
	}

	pair, err := h.jwtSvc.GeneratePair(user)
	if err != nil {
		h.logger.Error("guest login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue tokens"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user":   user,
		"tokens": pair,
	})
}

// Refresh maneja POST /auth/refresh con rotacion del refresh token.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	pair, err := h.jwtSvc.RefreshPair(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": pair})
}

// Logout maneja POST /auth/logout revocando el refresh token.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.jwtSvc.RevokeRefresh(req.RefreshToken); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
