package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DevJWTSecret is the signing key used when JWT_SECRET is unset. It is
// refused in production.
const DevJWTSecret = "dev-secret-change-me"

type Config struct {
	Env       string
	Port      string
	Store     StoreConfig
	Kafka     KafkaConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	NodeID    int64
}

type StoreConfig struct {
	// Driver is one of auto, memory, file, postgres, sqlite, mongo, scylla, redis.
	Driver         string
	DataDir        string
	PostgresURL    string
	SQLitePath     string
	MongoURI       string
	MongoDatabase  string
	ScyllaHosts    []string
	ScyllaKeyspace string
	RedisURL       string
	RedisPrefix    string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type AuthConfig struct {
	JWTSecret   string
	SessionTTL  time.Duration
	AdminEmails []string
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Load reads configuration from the environment. In development a .env file
// in the working directory is loaded first when present.
func Load() Config {
	if getEnv("APP_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	return Config{
		Env:  getEnv("APP_ENV", "development"),
		Port: getEnv("PORT", "8080"),
		Store: StoreConfig{
			Driver:         strings.ToLower(getEnv("STORE_DRIVER", "auto")),
			DataDir:        getEnv("DATA_DIR", "./data"),
			PostgresURL:    firstEnv("POSTGRES_URL", "DATABASE_URL"),
			SQLitePath:     getEnv("SQLITE_PATH", ""),
			MongoURI:       firstEnv("MONGODB_URI", "MONGODB_URL"),
			MongoDatabase:  getEnv("MONGODB_DB_NAME", "app_db"),
			ScyllaHosts:    getEnvList("SCYLLA_HOSTS"),
			ScyllaKeyspace: getEnv("SCYLLA_KEYSPACE", "chat"),
			RedisURL:       getEnv("REDIS_URL", ""),
			RedisPrefix:    getEnv("REDIS_STREAM_PREFIX", "chat"),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "chat-messages"),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnv("JWT_SECRET", DevJWTSecret),
			SessionTTL:  getEnvDuration("SESSION_TTL", 7*24*time.Hour),
			AdminEmails: getEnvList("ADMIN_EMAILS"),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 5),
			Burst: getEnvInt("RATE_LIMIT_BURST", 20),
		},
		NodeID: int64(getEnvInt("SNOWFLAKE_NODE", 1)),
	}
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
