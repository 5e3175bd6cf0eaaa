package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-gateway/internal/service"
)

// NewRouter configura el router de Gin con middlewares y rutas.
func NewRouter(
	logger *zap.Logger,
	jwtSvc *service.JWTService,
	authH *AuthHandler,
	conversationH *ConversationHandler,
	chatH *ChatHandler,
	healthH *HealthHandler,
) *gin.Engine {
	r := gin.New()

	// Middlewares basicos: logging y recovery. El content-type no se fuerza
	// globalmente porque el endpoint de streaming emite text/event-stream.
	r.Use(zapLoggerMiddleware(logger), gin.Recovery())

	r.GET("/health", healthH.Health)

	auth := r.Group("/auth")
	auth.POST("/guest", authH.GuestLogin)
	auth.POST("/refresh", authH.Refresh)
	auth.POST("/logout", authH.Logout)

	conversations := r.Group("/conversations", JWTAuthMiddleware(jwtSvc))
	conversations.POST("", conversationH.CreateConversation)
	conversations.GET("", conversationH.ListConversations)
	conversations.GET("/:id/messages", conversationH.GetHistory)
	conversations.POST("/:id/messages", chatH.PostMessage)
	conversations.GET("/:id/stream", chatH.StreamEvents)
	conversations.POST("/:id/images", chatH.GenerateImage)
	conversations.POST("/:id/archive", conversationH.Archive)
	conversations.POST("/:id/reconcile", conversationH.Reconcile)
	conversations.DELETE("/:id/messages/:messageID", conversationH.DeleteMessage)
	conversations.POST("/:id/messages/:messageID/reactions", conversationH.AddReaction)
	conversations.DELETE("/:id/messages/:messageID/reactions", conversationH.RemoveReaction)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
