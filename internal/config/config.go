package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Token source kinds.
const (
	TokenSourceUUID   = "uuid"
	TokenSourceBase62 = "base62"
	TokenSourceJWT    = "jwt"
)

// Allow list backends.
const (
	AllowListStatic = "static"
	AllowListRedis  = "redis"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App         AppConfig
	Storage     StorageConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Logger      LoggerConfig
	Vending     VendingConfig
	TokenSource TokenSourceConfig
	Telegram    TelegramConfig
	Audit       AuditConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// StorageConfig selects the token repository backend.
type StorageConfig struct {
	Backend string
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// VendingConfig holds the issuance policy.
type VendingConfig struct {
	TokenLifetime    time.Duration
	MaxTokensPerUser int
	TimeZone         string
	MaskValues       bool
}

// TokenSourceConfig selects how token values are generated.
type TokenSourceConfig struct {
	Kind      string
	Prefix    string
	Length    int
	JWTSecret string
	JWTIssuer string
}

// TelegramConfig configures the bot transport.
type TelegramConfig struct {
	BotToken       string
	APIURL         string
	WebhookURL     string
	WebhookSecret  string
	AllowList      string
	AllowedUserIDs []string
	AllowListKey   string
}

// AuditConfig configures forwarding of audit events.
type AuditConfig struct {
	WebhookURL string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	lifetime, err := time.ParseDuration(getEnv("TOKEN_LIFETIME", "720h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_LIFETIME: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "token-vending-machine"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(getEnv("STORAGE_BACKEND", StorageMemory)),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        redisDB,
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "tvm:"),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Vending: VendingConfig{
			TokenLifetime:    lifetime,
			MaxTokensPerUser: getEnvAsInt("TOKEN_MAX_PER_USER", 20),
			TimeZone:         getEnv("TOKEN_DISPLAY_TIME_ZONE", "UTC"),
			MaskValues:       getEnvAsBool("TOKENS_MASK_VALUES", false),
		},
		TokenSource: TokenSourceConfig{
			Kind:      strings.ToLower(getEnv("TOKEN_SOURCE", TokenSourceUUID)),
			Prefix:    os.Getenv("TOKEN_PREFIX"),
			Length:    getEnvAsInt("TOKEN_LENGTH", 32),
			JWTSecret: os.Getenv("TOKEN_JWT_SECRET"),
			JWTIssuer: getEnv("TOKEN_JWT_ISSUER", "token-vending-machine"),
		},
		Telegram: TelegramConfig{
			BotToken:       os.Getenv("TELEGRAM_BOT_TOKEN"),
			APIURL:         getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
			WebhookURL:     os.Getenv("TELEGRAM_WEBHOOK_URL"),
			WebhookSecret:  os.Getenv("TELEGRAM_WEBHOOK_SECRET"),
			AllowList:      strings.ToLower(getEnv("ALLOW_LIST", AllowListStatic)),
			AllowedUserIDs: getEnvAsList("ALLOWED_USER_IDS"),
			AllowListKey:   getEnv("ALLOW_LIST_REDIS_KEY", "allowed_users"),
		},
		Audit: AuditConfig{
			WebhookURL: getEnv("AUDIT_WEBHOOK_URL", ""),
		},
	}

	return cfg, nil
}

// Validate reports every invalid or missing mandatory value.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case StorageMemory, StorageRedis:
	case StoragePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres storage backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}

	if c.Vending.TokenLifetime.Milliseconds() <= 0 {
		errs = append(errs, errors.New("TOKEN_LIFETIME must be at least 1ms"))
	}
	if c.Vending.MaxTokensPerUser <= 0 {
		errs = append(errs, errors.New("TOKEN_MAX_PER_USER must be positive"))
	}
	if _, err := time.LoadLocation(c.Vending.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("invalid TOKEN_DISPLAY_TIME_ZONE: %w", err))
	}

	switch c.TokenSource.Kind {
	case TokenSourceUUID, TokenSourceBase62:
	case TokenSourceJWT:
		if c.TokenSource.JWTSecret == "" {
			errs = append(errs, errors.New("TOKEN_JWT_SECRET is required for the jwt token source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TOKEN_SOURCE %q", c.TokenSource.Kind))
	}

	if c.Telegram.BotToken == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required"))
	}
	if c.Telegram.WebhookURL != "" && c.Telegram.WebhookSecret == "" {
		errs = append(errs, errors.New("TELEGRAM_WEBHOOK_SECRET is required when TELEGRAM_WEBHOOK_URL is set"))
	}
	switch c.Telegram.AllowList {
	case AllowListStatic, AllowListRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown ALLOW_LIST %q", c.Telegram.AllowList))
	}

	return errors.Join(errs...)
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Location returns the time zone used when rendering expiry instants.
func (v VendingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(v.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string) []string {
	var items []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
