package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Remote generation service
	GenerationURL    string // Base URL of the clip generation API
	GenerationAPIKey string
	GenerationEngine string // "rest" (default) or "veo"

	// Polling policy for the remote generation wait
	PollBaseInterval     time.Duration // First wait between polls
	PollMaxInterval      time.Duration // Backoff ceiling
	PollBackoffFactor    float64       // Interval multiplier per non-terminal poll
	PollMaxAttempts      int
	GenerationTimeout    time.Duration // Overall wall-clock limit on the remote wait
	RetryTransportErrors bool          // When true, network/parse errors during a poll are retried like transient statuses

	// Veo (alternate generation backend via the Gen AI SDK)
	VeoAPIKey string
	VeoModel  string

	// Stock base clips keyed by style, for the offline "static" engine.
	// Format: "calm=https://cdn/calm.mp4,coastal=https://cdn/coastal.mp4"
	StyleSources map[string]string

	// OpenAI (transcript + title collaborator)
	OpenAIKey string

	// Object storage
	StorageURL    string
	StorageAPIKey string
	StorageBucket string

	// Upload resumption
	UploadChunkBytes int64

	// Local filesystem
	TempDir      string // Intermediate renders and downloads
	CacheDir     string // Durable per-user artifact cache + per-style base clips
	WatermarkTag string // Brand string drawn on the overlay panel

	// Export
	FrameRate      int
	DefaultQuality string

	// Worker
	MaxConcurrentJobs int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),

		GenerationURL:    getEnv("GENERATION_API_URL", ""),
		GenerationAPIKey: getEnv("GENERATION_API_KEY", ""),
		GenerationEngine: getEnv("GENERATION_ENGINE", "rest"),

		PollBaseInterval:     getEnvDuration("POLL_BASE_INTERVAL", 5*time.Second),
		PollMaxInterval:      getEnvDuration("POLL_MAX_INTERVAL", 30*time.Second),
		PollBackoffFactor:    getEnvFloat("POLL_BACKOFF_FACTOR", 1.5),
		PollMaxAttempts:      getEnvInt("POLL_MAX_ATTEMPTS", 120),
		GenerationTimeout:    getEnvDuration("GENERATION_TIMEOUT", 15*time.Minute),
		RetryTransportErrors: getEnvBool("POLL_RETRY_TRANSPORT_ERRORS", false),

		VeoAPIKey: getEnv("VEO_API_KEY", ""),
		VeoModel:  getEnv("VEO_MODEL", "veo-3.1-generate-preview"),

		StyleSources: getEnvMap("STYLE_SOURCES"),

		OpenAIKey: getEnv("OPENAI_API_KEY", ""),

		StorageURL:    getEnv("STORAGE_URL", ""),
		StorageAPIKey: getEnv("STORAGE_API_KEY", ""),
		StorageBucket: getEnv("STORAGE_BUCKET", "reelcraft-artifacts"),

		UploadChunkBytes: int64(getEnvInt("UPLOAD_CHUNK_BYTES", 4*1024*1024)),

		TempDir:      getEnv("TEMP_DIR", "/tmp/reelcraft"),
		CacheDir:     getEnv("CACHE_DIR", "/var/lib/reelcraft/cache"),
		WatermarkTag: getEnv("WATERMARK_TAG", "reelcraft"),

		FrameRate:      getEnvInt("FRAME_RATE", 30),
		DefaultQuality: getEnv("DEFAULT_QUALITY", "medium"),

		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 4),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.GenerationEngine == "rest" && cfg.GenerationURL == "" {
		return nil, fmt.Errorf("GENERATION_API_URL is required when GENERATION_ENGINE=rest")
	}

	if cfg.GenerationEngine == "veo" && cfg.VeoAPIKey == "" {
		return nil, fmt.Errorf("VEO_API_KEY is required when GENERATION_ENGINE=veo")
	}

	if cfg.GenerationEngine == "static" && len(cfg.StyleSources) == 0 {
		return nil, fmt.Errorf("STYLE_SOURCES is required when GENERATION_ENGINE=static")
	}

	if cfg.StorageURL == "" || cfg.StorageAPIKey == "" {
		return nil, fmt.Errorf("STORAGE_URL and STORAGE_API_KEY are required")
	}

	if cfg.PollBackoffFactor < 1.0 {
		return nil, fmt.Errorf("POLL_BACKOFF_FACTOR must be >= 1.0")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
