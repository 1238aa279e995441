package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DBPath      string
	DatabaseURL string
	RedisURL    string
	CORSOrigin  string

	// Generation rate limiting
	AIRateLimit         int
	AIRateWindow        time.Duration
	BucketSweepInterval time.Duration

	// Inbound flood control per connection
	MessagesPerSecond float64
	MessageBurst      int

	PersistTimeout time.Duration

	GeminiAPIKey string
	GeminiModel  string

	LogLevel  string
	LogFormat string
}

func Load() Config {
	addr := getenv("PAIRPAD_ADDR", "")
	if addr == "" {
		addr = ":" + getenv("PORT", "8080")
	}

	return Config{
		Addr:                addr,
		DBPath:              getenv("PAIRPAD_DB_PATH", "./data/pairpad.db"),
		DatabaseURL:         getenv("DATABASE_URL", ""),
		RedisURL:            getenv("REDIS_URL", ""),
		CORSOrigin:          getenv("CORS_ORIGIN", "*"),
		AIRateLimit:         getenvInt("AI_RATE_LIMIT", 10),
		AIRateWindow:        getenvSeconds("AI_RATE_WINDOW_SECONDS", 60),
		BucketSweepInterval: getenvSeconds("BUCKET_SWEEP_INTERVAL_SECONDS", 300),
		MessagesPerSecond:   float64(getenvInt("MESSAGES_PER_SECOND", 100)),
		MessageBurst:        getenvInt("MESSAGE_BURST", 200),
		PersistTimeout:      getenvSeconds("PERSIST_TIMEOUT_SECONDS", 10),
		GeminiAPIKey:        getenv("GEMINI_API_KEY", ""),
		GeminiModel:         getenv("GEMINI_MODEL", "gemini-2.0-flash"),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		LogFormat:           getenv("LOG_FORMAT", "text"),
	}
}

// UsePostgres reports whether DatabaseURL points at a PostgreSQL server.
func (c Config) UsePostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// Logger builds the process-wide slog logger from LogLevel and LogFormat.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getenvInt(key, fallback)) * time.Second
}
