package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
// Call Load() once at startup, after godotenv has run.
type Config struct {
	Port string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (empty addr = in-memory KV, for local dev and tests)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// LLM / embeddings
	LLMBaseURL      string
	LLMAPIKey       string
	LLMDefaultModel string
	EmbeddingModel  string
	LLMTimeout      time.Duration
	EmbedTimeout    time.Duration

	// Vector store
	VectorDataDir string

	// Pipeline tuning
	MergeWindow     time.Duration
	HistoryLimit    int
	RetrieveTopK    int
	ScoreThreshold  float32
	SegmentMaxChars int

	// Outbound pacing
	ReplyDelayMin   time.Duration
	ReplyDelayMax   time.Duration
	InterSegmentGap time.Duration
	GatewayTimeout  time.Duration

	// Rate limiting
	RateLimitPerMin   int
	RateLimitFailOpen bool

	// Public base URL used when registering webhooks with the gateway
	PublicBaseURL string

	// Secrets
	EncryptionKey string
	JWTSecret     string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	cfg := &Config{
		Port: getEnv("PORT", "8070"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "wa_agent"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		LLMBaseURL:      getEnv("LLM_BASE_URL", "https://aihubmix.com/api/v1"),
		LLMAPIKey:       os.Getenv("LLM_API_KEY"),
		LLMDefaultModel: getEnv("LLM_DEFAULT_MODEL", "gpt-3.5-turbo"),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "text-embedding-ada-002"),
		LLMTimeout:      getEnvDurationMs("LLM_TIMEOUT_MS", 30000),
		EmbedTimeout:    getEnvDurationMs("EMBED_TIMEOUT_MS", 30000),

		VectorDataDir: getEnv("VECTOR_DATA_DIR", "./data/vectors"),

		MergeWindow:     getEnvDurationMs("MERGE_WINDOW_MS", 2000),
		HistoryLimit:    getEnvInt("HISTORY_LIMIT", 20),
		RetrieveTopK:    getEnvInt("RETRIEVE_TOP_K", 8),
		ScoreThreshold:  getEnvFloat32("SCORE_THRESHOLD", 0.7),
		SegmentMaxChars: getEnvInt("SEGMENT_MAX_CHARS", 300),

		ReplyDelayMin:   getEnvDurationMs("REPLY_DELAY_MIN_MS", 2000),
		ReplyDelayMax:   getEnvDurationMs("REPLY_DELAY_MAX_MS", 5000),
		InterSegmentGap: getEnvDurationMs("INTER_SEGMENT_GAP_MS", 1000),
		GatewayTimeout:  getEnvDurationMs("GATEWAY_TIMEOUT_MS", 10000),

		RateLimitPerMin:   getEnvInt("RATE_LIMIT_PER_MIN", 60),
		RateLimitFailOpen: getEnvBool("RATE_LIMIT_FAIL_OPEN", true),

		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8070"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
	}

	if cfg.EncryptionKey == "" {
		log.Println("⚠️  ENCRYPTION_KEY not set - stored gateway API keys cannot be decrypted")
	}
	if cfg.LLMAPIKey == "" {
		log.Println("⚠️  LLM_API_KEY not set - LLM calls will fail")
	}

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
		log.Printf("⚠️  Invalid value for %s: %q, using default %d", key, v, def)
	}
	return def
}

func getEnvFloat32(key string, def float32) float32 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(parsed)
		}
		log.Printf("⚠️  Invalid value for %s: %q, using default %v", key, v, def)
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvDurationMs(key string, defMs int) time.Duration {
	return time.Duration(getEnvInt(key, defMs)) * time.Millisecond
}
