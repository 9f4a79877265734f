package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	AMQPURL     string   `mapstructure:"AMQP_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	ClearinghouseBaseURL     string        `mapstructure:"CLEARINGHOUSE_BASE_URL"`
	ClearinghouseAPIKey      string        `mapstructure:"CLEARINGHOUSE_API_KEY"`
	ClearinghouseTimeout     time.Duration `mapstructure:"CLEARINGHOUSE_TIMEOUT"`
	ClearinghouseRPS         float64       `mapstructure:"CLEARINGHOUSE_RPS"`
	ClearinghouseRetryBase   time.Duration `mapstructure:"CLEARINGHOUSE_RETRY_BASE"`
	ClearinghouseRetryCap    time.Duration `mapstructure:"CLEARINGHOUSE_RETRY_CAP"`
	ClearinghouseMaxAttempts int           `mapstructure:"CLEARINGHOUSE_MAX_ATTEMPTS"`

	SyncInterval    time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncMinDwell    time.Duration `mapstructure:"SYNC_MIN_DWELL"`
	SyncConcurrency int           `mapstructure:"SYNC_CONCURRENCY"`
	SyncBatchSize   int           `mapstructure:"SYNC_BATCH_SIZE"`

	AgingInterval         time.Duration `mapstructure:"AGING_INTERVAL"`
	ScoringModel          string        `mapstructure:"SCORING_MODEL"`
	ActionMinDays         int           `mapstructure:"ACTION_MIN_DAYS"`
	ActionMaxProbability  float64       `mapstructure:"ACTION_MAX_PROBABILITY"`
	ActionMinBalance      float64       `mapstructure:"ACTION_MIN_BALANCE"`
	CollectionInterval    time.Duration `mapstructure:"COLLECTION_INTERVAL"`
	CollectionMaxAttempts int           `mapstructure:"COLLECTION_MAX_ATTEMPTS"`
	CollectionRetryBase   time.Duration `mapstructure:"COLLECTION_RETRY_BASE"`
	InstallmentGraceDays  int           `mapstructure:"INSTALLMENT_GRACE_DAYS"`

	AppealWindowDays int    `mapstructure:"APPEAL_WINDOW_DAYS"`
	UpheldPolicy     string `mapstructure:"UPHELD_POLICY"`

	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`
}

var defaults = map[string]interface{}{
	"PORT":                       "8000",
	"ENV":                        "development",
	"LOG_LEVEL":                  "info",
	"DB_MAX_CONNS":               20,
	"DB_MIN_CONNS":               5,
	"CORS_ORIGINS":               "http://localhost:3000",
	"AUTH_ISSUER":                "",
	"CLEARINGHOUSE_TIMEOUT":      "30s",
	"CLEARINGHOUSE_RPS":          10,
	"CLEARINGHOUSE_RETRY_BASE":   "2s",
	"CLEARINGHOUSE_RETRY_CAP":    "60s",
	"CLEARINGHOUSE_MAX_ATTEMPTS": 5,
	"SYNC_INTERVAL":              "5m",
	"SYNC_MIN_DWELL":             "4h",
	"SYNC_CONCURRENCY":           8,
	"SYNC_BATCH_SIZE":            500,
	"AGING_INTERVAL":             "24h",
	"SCORING_MODEL":              "rules",
	"ACTION_MIN_DAYS":            60,
	"ACTION_MAX_PROBABILITY":     0.5,
	"ACTION_MIN_BALANCE":         0,
	"COLLECTION_INTERVAL":        "15m",
	"COLLECTION_MAX_ATTEMPTS":    3,
	"COLLECTION_RETRY_BASE":      "1h",
	"INSTALLMENT_GRACE_DAYS":     10,
	"APPEAL_WINDOW_DAYS":         90,
	"UPHELD_POLICY":              "resolved",
	"MINIO_BUCKET":               "rcm-archive",
}

var envKeys = []string{
	"DATABASE_URL", "REDIS_URL", "AMQP_URL",
	"AUTH_SIGNING_KEY", "AUTH_AUDIENCE",
	"CLEARINGHOUSE_BASE_URL", "CLEARINGHOUSE_API_KEY",
	"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_USE_SSL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for k, val := range defaults {
		v.SetDefault(k, val)
		v.BindEnv(k)
	}
	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects settings the engine cannot run safely with.
func (c *Config) Validate() error {
	if c.ClearinghouseRetryBase <= 0 || c.ClearinghouseRetryCap <= 0 {
		return fmt.Errorf("CLEARINGHOUSE_RETRY_BASE and CLEARINGHOUSE_RETRY_CAP must be positive")
	}
	if c.ClearinghouseRetryCap < c.ClearinghouseRetryBase {
		return fmt.Errorf("CLEARINGHOUSE_RETRY_CAP (%s) must not be below CLEARINGHOUSE_RETRY_BASE (%s)",
			c.ClearinghouseRetryCap, c.ClearinghouseRetryBase)
	}
	if c.ClearinghouseMaxAttempts < 1 {
		return fmt.Errorf("CLEARINGHOUSE_MAX_ATTEMPTS must be at least 1, got %d", c.ClearinghouseMaxAttempts)
	}
	if c.ClearinghouseRPS <= 0 {
		return fmt.Errorf("CLEARINGHOUSE_RPS must be positive")
	}
	if c.SyncInterval <= 0 || c.AgingInterval <= 0 || c.CollectionInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL, AGING_INTERVAL and COLLECTION_INTERVAL must be positive")
	}
	if c.SyncConcurrency < 1 || c.SyncBatchSize < 1 {
		return fmt.Errorf("SYNC_CONCURRENCY and SYNC_BATCH_SIZE must be at least 1")
	}
	if c.CollectionMaxAttempts < 1 || c.CollectionRetryBase <= 0 {
		return fmt.Errorf("COLLECTION_MAX_ATTEMPTS must be at least 1 and COLLECTION_RETRY_BASE positive")
	}
	if c.AppealWindowDays < 1 {
		return fmt.Errorf("APPEAL_WINDOW_DAYS must be at least 1, got %d", c.AppealWindowDays)
	}
	if c.ActionMaxProbability < 0 || c.ActionMaxProbability > 1 {
		return fmt.Errorf("ACTION_MAX_PROBABILITY must be within [0,1], got %v", c.ActionMaxProbability)
	}
	if c.ActionMinDays < 0 || c.ActionMinBalance < 0 || c.InstallmentGraceDays < 0 {
		return fmt.Errorf("ACTION_MIN_DAYS, ACTION_MIN_BALANCE and INSTALLMENT_GRACE_DAYS must not be negative")
	}
	switch c.UpheldPolicy {
	case "resolved", "written-off":
	default:
		return fmt.Errorf("UPHELD_POLICY must be \"resolved\" or \"written-off\", got %q", c.UpheldPolicy)
	}
	switch c.ScoringModel {
	case "rules", "logistic":
	default:
		return fmt.Errorf("SCORING_MODEL must be \"rules\" or \"logistic\", got %q", c.ScoringModel)
	}
	if c.IsProduction() {
		if c.AuthSigningKey == "" || c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY and AUTH_ISSUER are required in production")
		}
		if c.ClearinghouseBaseURL == "" {
			return fmt.Errorf("CLEARINGHOUSE_BASE_URL is required in production")
		}
	}
	if c.MinioEndpoint != "" && (c.MinioAccessKey == "" || c.MinioSecretKey == "") {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}
	return nil
}
