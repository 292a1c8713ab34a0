package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server  ServerConfig
	Auth    AuthConfig
	Redis   RedisConfig
	Storage StorageConfig
	LLM     LLMConfig
	Social  SocialConfig
	Queue   QueueConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type AuthConfig struct {
	// APISecret gates the management API (X-API-Secret header).
	APISecret string
	// WebhookSecret is the shared HMAC key for inbound webhook signatures.
	WebhookSecret string
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	DataDir string
}

type LLMConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	EmbedModel string
	EmbedDim   int
}

type SocialConfig struct {
	BaseURL   string
	APIKey    string
	WebhookID string
}

type QueueConfig struct {
	CompletedKeep int
	CompletedAge  time.Duration
	FailedKeep    int
	FailedAge     time.Duration

	WebhookConcurrency int
	WebhookRateLimit   int
	WebhookRateWindow  time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		LLM: LLMConfig{
			BaseURL:    "https://api.openai.com",
			Model:      "gpt-5-mini",
			EmbedModel: "text-embedding-3-large",
			EmbedDim:   768,
		},
		Social: SocialConfig{
			BaseURL: "https://api.neynar.com/v2/farcaster",
		},
		Queue: QueueConfig{
			CompletedKeep:      20,
			CompletedAge:       24 * time.Hour,
			FailedKeep:         20,
			FailedAge:          7 * 24 * time.Hour,
			WebhookConcurrency: 2,
			WebhookRateLimit:   10,
			WebhookRateWindow:  30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from defaults overridden by TWINCAST_*
// environment variables, then validates the result.
func Load() (Config, error) {
	cfg := defaults()

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	if err := num("TWINCAST_PORT", &cfg.Server.Port); err != nil {
		return Config{}, err
	}
	str("TWINCAST_API_SECRET", &cfg.Auth.APISecret)
	str("TWINCAST_WEBHOOK_SECRET", &cfg.Auth.WebhookSecret)
	str("TWINCAST_REDIS_URL", &cfg.Redis.URL)
	str("TWINCAST_DATA_DIR", &cfg.Storage.DataDir)
	str("TWINCAST_LLM_BASE_URL", &cfg.LLM.BaseURL)
	str("TWINCAST_LLM_API_KEY", &cfg.LLM.APIKey)
	str("TWINCAST_LLM_MODEL", &cfg.LLM.Model)
	str("TWINCAST_LLM_EMBED_MODEL", &cfg.LLM.EmbedModel)
	if err := num("TWINCAST_LLM_EMBED_DIM", &cfg.LLM.EmbedDim); err != nil {
		return Config{}, err
	}
	str("TWINCAST_SOCIAL_BASE_URL", &cfg.Social.BaseURL)
	str("TWINCAST_SOCIAL_API_KEY", &cfg.Social.APIKey)
	str("TWINCAST_SOCIAL_WEBHOOK_ID", &cfg.Social.WebhookID)
	if err := num("TWINCAST_WEBHOOK_CONCURRENCY", &cfg.Queue.WebhookConcurrency); err != nil {
		return Config{}, err
	}
	if err := num("TWINCAST_WEBHOOK_RATE_LIMIT", &cfg.Queue.WebhookRateLimit); err != nil {
		return Config{}, err
	}
	if err := dur("TWINCAST_WEBHOOK_RATE_WINDOW", &cfg.Queue.WebhookRateWindow); err != nil {
		return Config{}, err
	}
	if err := num("TWINCAST_QUEUE_COMPLETED_KEEP", &cfg.Queue.CompletedKeep); err != nil {
		return Config{}, err
	}
	if err := dur("TWINCAST_QUEUE_COMPLETED_AGE", &cfg.Queue.CompletedAge); err != nil {
		return Config{}, err
	}
	if err := num("TWINCAST_QUEUE_FAILED_KEEP", &cfg.Queue.FailedKeep); err != nil {
		return Config{}, err
	}
	if err := dur("TWINCAST_QUEUE_FAILED_AGE", &cfg.Queue.FailedAge); err != nil {
		return Config{}, err
	}
	str("TWINCAST_LOG_LEVEL", &cfg.Log.Level)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Auth.APISecret == "" {
		return fmt.Errorf("TWINCAST_API_SECRET is required")
	}
	if c.Auth.WebhookSecret == "" {
		return fmt.Errorf("TWINCAST_WEBHOOK_SECRET is required")
	}
	if c.LLM.EmbedDim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.LLM.EmbedDim)
	}
	if c.Queue.WebhookConcurrency < 1 {
		return fmt.Errorf("webhook concurrency must be at least 1, got %d", c.Queue.WebhookConcurrency)
	}
	return nil
}
