package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	LLMAPIKey     string `env:"LLM_API_KEY,required"`
	LLMBaseURL    string `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMModel      string `env:"LLM_MODEL" envDefault:"gpt-4o"`
	LLMImageModel string `env:"LLM_IMAGE_MODEL" envDefault:"dall-e-3"`

	SearchAPIKey     string `env:"SEARCH_API_KEY"`
	SearchBaseURL    string `env:"SEARCH_BASE_URL" envDefault:"https://api.tavily.com"`
	SearchMaxResults int    `env:"SEARCH_MAX_RESULTS" envDefault:"5"`

	ContextWindow       int           `env:"CONTEXT_WINDOW" envDefault:"10"`
	ToolLoopMax         int           `env:"TOOL_LOOP_MAX" envDefault:"1"`
	MaxCompletionTokens int           `env:"MAX_COMPLETION_TOKENS" envDefault:"2000"`
	MaxStreamDuration   time.Duration `env:"MAX_STREAM_DURATION" envDefault:"2m"`
	CacheTTL            time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"500ms"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"8s"`

	TurnRateWindow time.Duration `env:"TURN_RATE_WINDOW" envDefault:"1m"`
	TurnRateMax    int           `env:"TURN_RATE_MAX" envDefault:"20"`

	JWTSecret     string        `env:"JWT_SECRET,required"`
	JWTAccessTTL  time.Duration `env:"JWT_ACCESS_TTL" envDefault:"15m"`
	JWTRefreshTTL time.Duration `env:"JWT_REFRESH_TTL" envDefault:"720h"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
