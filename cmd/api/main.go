package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"chat-gateway/internal/broadcast"
	"chat-gateway/internal/config"
	"chat-gateway/internal/db"
	apihttp "chat-gateway/internal/http"
	"chat-gateway/internal/llm"
	"chat-gateway/internal/repository"
	"chat-gateway/internal/service"
	"chat-gateway/internal/tools"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	conversationRepo := repository.NewPgConversationRepository(pool)
	messageRepo := repository.NewPgMessageRepository(pool)

	var (
		redisClient  *redis.Client
		messageCache service.MessageCache
		tokenStore   service.RefreshTokenStore
		turnLimiter  service.TurnRateLimiter
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed, cache disabled", zap.Error(err))
		} else {
			messageCache = service.NewRedisMessageCache(redisClient, cfg.CacheTTL, logger)
			tokenStore = service.NewRedisRefreshTokenStore(redisClient)
			turnLimiter = service.NewRedisTurnRateLimiter(redisClient, cfg.TurnRateWindow, cfg.TurnRateMax)
		}
		cancel()
	}
	if turnLimiter == nil {
		turnLimiter = service.NewMemoryTurnRateLimiter(cfg.TurnRateWindow, cfg.TurnRateMax)
	}

	var provider llm.Client = llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, logger)
	provider = llm.NewRetryingClient(provider, llm.RetryConfig{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	}, logger)

	var toolset []tools.Tool
	if cfg.SearchAPIKey != "" {
		toolset = append(toolset, tools.NewWebSearchTool(cfg.SearchBaseURL, cfg.SearchAPIKey, cfg.SearchMaxResults, nil))
	}
	toolRouter := tools.NewRouter(logger, toolset...)

	broadcaster := broadcast.NewBroadcaster(logger)
	defer broadcaster.Close()

	store := service.NewConversationStore(conversationRepo, messageRepo, messageCache, logger)
	turns := service.NewTurnService(store, provider, toolRouter, broadcaster, turnLimiter, service.TurnConfig{
		Model:               cfg.LLMModel,
		ImageModel:          cfg.LLMImageModel,
		ContextWindow:       cfg.ContextWindow,
		ToolLoopMax:         cfg.ToolLoopMax,
		MaxCompletionTokens: cfg.MaxCompletionTokens,
		MaxStreamDuration:   cfg.MaxStreamDuration,
	}, logger)

	jwtSvc := service.NewJWTServiceWithStore(cfg.JWTSecret, cfg.JWTAccessTTL, cfg.JWTRefreshTTL, tokenStore)

	router := apihttp.NewRouter(
		logger,
		jwtSvc,
		apihttp.NewAuthHandler(logger, jwtSvc),
		apihttp.NewConversationHandler(logger, store),
		apihttp.NewChatHandler(logger, turns, store, broadcaster),
		apihttp.NewHealthHandler(pool, redisClient),
	)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
