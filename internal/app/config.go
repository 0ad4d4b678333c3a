package app

import (
	"strings"
	"time"

	"github.com/yungbote/dialectic-backend/internal/data/db"
	"github.com/yungbote/dialectic-backend/internal/observability"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
	"github.com/yungbote/dialectic-backend/internal/platform/envutil"
)

type Config struct {
	LogMode string
	Port    string

	Postgres db.PostgresConfig

	JWTSecretKey   string
	AllowedOrigins []string

	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerStaleAfter   time.Duration
	RunWorker          bool

	ModelProvider    string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIMaxRetries int
	ModelTimeout     time.Duration
	Compression      string

	ObjectStorageMode   string
	StorageBucket       string
	StorageEmulatorHost string
	StorageCredentials  string
	LocalStorageDir     string

	RedisAddr    string
	RedisChannel string

	Otel           observability.OtelConfig
	MetricsEnabled bool

	AutoAdvance bool
	SeedYAML    string
	SeedOnStart bool
}

const defaultJWTSecret = "defaultsecret"

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		LogMode: envutil.String("LOG_MODE", "development"),
		Port:    envutil.String("PORT", "8080"),
		Postgres: db.PostgresConfig{
			Host:     envutil.String("POSTGRES_HOST", "localhost"),
			Port:     envutil.String("POSTGRES_PORT", "5432"),
			User:     envutil.String("POSTGRES_USER", "postgres"),
			Password: envutil.String("POSTGRES_PASSWORD", ""),
			Name:     envutil.String("POSTGRES_NAME", "dialectic"),
			SSLMode:  envutil.String("POSTGRES_SSLMODE", "disable"),
			MaxConns: envutil.Int("POSTGRES_MAX_CONNS", 20),
		},
		JWTSecretKey:   envutil.String("JWT_SECRET_KEY", defaultJWTSecret),
		AllowedOrigins: envutil.List("CORS_ALLOWED_ORIGINS"),

		WorkerConcurrency:  envutil.Int("WORKER_CONCURRENCY", 4),
		WorkerPollInterval: envutil.Millis("WORKER_POLL_INTERVAL_MS", time.Second),
		WorkerStaleAfter:   envutil.Seconds("WORKER_STALE_AFTER_SECONDS", 10*time.Minute),
		RunWorker:          envutil.Bool("RUN_WORKER", true),

		ModelProvider:    strings.ToLower(envutil.String("MODEL_PROVIDER", "openai")),
		OpenAIAPIKey:     envutil.String("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    envutil.String("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIMaxRetries: envutil.Int("OPENAI_MAX_RETRIES", 2),
		ModelTimeout:     envutil.Seconds("MODEL_TIMEOUT_SECONDS", 120*time.Second),
		Compression:      envutil.String("DIALECTIC_COMPRESSION", "relevance"),

		ObjectStorageMode:   strings.ToLower(envutil.String("OBJECT_STORAGE_MODE", string(storageModeGCS))),
		StorageBucket:       envutil.String("STORAGE_BUCKET", ""),
		StorageEmulatorHost: envutil.String("STORAGE_EMULATOR_HOST", ""),
		StorageCredentials:  envutil.String("GOOGLE_APPLICATION_CREDENTIALS_JSON", ""),
		LocalStorageDir:     envutil.String("LOCAL_STORAGE_DIR", "./data/objects"),

		RedisAddr:    envutil.String("REDIS_ADDR", ""),
		RedisChannel: envutil.String("REDIS_CHANNEL", "dialectic:jobs"),

		Otel: observability.OtelConfig{
			Enabled:     envutil.Bool("OTEL_ENABLED", false),
			ServiceName: envutil.String("OTEL_SERVICE_NAME", "dialectic-backend"),
			Environment: envutil.String("OTEL_ENVIRONMENT", "development"),
			Version:     envutil.String("OTEL_SERVICE_VERSION", "dev"),
			Endpoint:    envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:     observability.ParseHeaders(envutil.String("OTEL_EXPORTER_OTLP_HEADERS", "")),
			Insecure:    envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", false),
			SampleRatio: envutil.Float("OTEL_SAMPLE_RATIO", 1),
		},
		MetricsEnabled: envutil.Bool("METRICS_ENABLED", true),

		AutoAdvance: envutil.Bool("DIALECTIC_AUTO_ADVANCE", false),
		SeedYAML:    envutil.String("DIALECTIC_SEED_YAML", ""),
		SeedOnStart: envutil.Bool("DIALECTIC_SEED_ON_START", true),
	}
	if log != nil {
		if cfg.JWTSecretKey == defaultJWTSecret {
			log.Warn("JWT_SECRET_KEY not set; using the development default")
		}
		log.Info("Config loaded",
			"port", cfg.Port,
			"model_provider", cfg.ModelProvider,
			"object_storage_mode", cfg.ObjectStorageMode,
			"worker_concurrency", cfg.WorkerConcurrency,
			"redis", cfg.RedisAddr != "",
			"otel", cfg.Otel.Enabled,
			"auto_advance", cfg.AutoAdvance,
		)
	}
	return cfg
}
