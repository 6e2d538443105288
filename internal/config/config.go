package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis RedisConfig
	Cache CacheConfig
	Quota QuotaConfig

	TierPolicyPath string

	StripeWebhookSecret string
	SnowflakeNode       int64

	IdentityUserHeader string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type CacheConfig struct {
	Backend    string
	Size       int
	DefaultTTL time.Duration
	KeyPrefix  string
}

type QuotaConfig struct {
	// ThresholdPercent triggers a usage warning once consumption crosses it.
	ThresholdPercent   int
	NotifyQueueSize    int
	NotifyWorkers      int
	NotifyRedisChannel string
	// UsageFailOpen selects the gate behaviour when a usage check cannot reach storage.
	UsageFailOpen bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "quotaguard"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "quotaguard"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "quotaguard.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Backend:    strings.ToLower(getenv("CACHE_BACKEND", "memory")),
			Size:       getenvInt("CACHE_SIZE", 10_000),
			DefaultTTL: time.Duration(getenvInt("CACHE_TTL_SECONDS", 60)) * time.Second,
			KeyPrefix:  getenv("CACHE_KEY_PREFIX", "quotaguard"),
		},
		Quota: QuotaConfig{
			ThresholdPercent:   getenvInt("QUOTA_THRESHOLD_PERCENT", 80),
			NotifyQueueSize:    getenvInt("QUOTA_NOTIFY_QUEUE_SIZE", 256),
			NotifyWorkers:      getenvInt("QUOTA_NOTIFY_WORKERS", 2),
			NotifyRedisChannel: getenv("QUOTA_NOTIFY_REDIS_CHANNEL", "quota.threshold"),
			UsageFailOpen:      getenvBool("QUOTA_USAGE_FAIL_OPEN", true),
		},

		TierPolicyPath:      getenv("TIER_POLICY_PATH", ""),
		StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		SnowflakeNode:       getenvInt64("SNOWFLAKE_NODE", 1),
		IdentityUserHeader:  getenv("IDENTITY_USER_HEADER", "X-User-ID"),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}
