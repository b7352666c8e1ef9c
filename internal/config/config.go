package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	DBMaxConnIdleTime  time.Duration `mapstructure:"DB_MAX_CONN_IDLE_TIME"`
	DBMaxConnLifetime  time.Duration `mapstructure:"DB_MAX_CONN_LIFETIME"`
	DBHealthCheck      time.Duration `mapstructure:"DB_HEALTH_CHECK_PERIOD"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	IDGenPrefix        string        `mapstructure:"IDGEN_PREFIX"`
	IDGenSequenceKey   string        `mapstructure:"IDGEN_SEQUENCE_KEY"`
	IDGenSequenceStart int64         `mapstructure:"IDGEN_SEQUENCE_START"`
	IdentifierType     string        `mapstructure:"IDENTIFIER_TYPE"`
	DefaultLocationID  int64         `mapstructure:"DEFAULT_LOCATION_ID"`
	SearchLimit        int           `mapstructure:"SEARCH_LIMIT"`
	AttendingRole      string        `mapstructure:"ATTENDING_ROLE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	AuditTopic         string        `mapstructure:"AUDIT_TOPIC"`
	AuditRelayInterval time.Duration `mapstructure:"AUDIT_RELAY_INTERVAL"`
	AuditRelayBatch    int           `mapstructure:"AUDIT_RELAY_BATCH"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DB_MAX_CONN_IDLE_TIME", "DB_MAX_CONN_LIFETIME", "DB_HEALTH_CHECK_PERIOD",
	"REDIS_URL", "IDGEN_PREFIX", "IDGEN_SEQUENCE_KEY", "IDGEN_SEQUENCE_START",
	"IDENTIFIER_TYPE", "DEFAULT_LOCATION_ID", "SEARCH_LIMIT", "ATTENDING_ROLE",
	"AUTH_SIGNING_KEY",
	"KAFKA_BROKERS", "AUDIT_TOPIC", "AUDIT_RELAY_INTERVAL", "AUDIT_RELAY_BATCH",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_MAX_CONN_IDLE_TIME", "30m")
	v.SetDefault("DB_MAX_CONN_LIFETIME", "1h")
	v.SetDefault("DB_HEALTH_CHECK_PERIOD", "1m")
	v.SetDefault("IDGEN_PREFIX", "EMR-")
	v.SetDefault("IDGEN_SEQUENCE_KEY", "mpi:idgen")
	v.SetDefault("IDGEN_SEQUENCE_START", 100000)
	v.SetDefault("IDENTIFIER_TYPE", "OpenMRS ID")
	v.SetDefault("DEFAULT_LOCATION_ID", 1)
	v.SetDefault("SEARCH_LIMIT", 100)
	v.SetDefault("ATTENDING_ROLE", "Attending Provider")
	v.SetDefault("AUDIT_TOPIC", "mpi.audit")
	v.SetDefault("AUDIT_RELAY_INTERVAL", "2s")
	v.SetDefault("AUDIT_RELAY_BATCH", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(strings.Join(cfg.KafkaBrokers, ","))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a signing key is mandatory so every mutation carries an authenticated actor.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.DBMaxConnIdleTime < 0 || c.DBMaxConnLifetime < 0 || c.DBHealthCheck < 0 {
		return fmt.Errorf("DB_* durations must not be negative")
	}
	if strings.TrimSpace(c.IdentifierType) == "" {
		return fmt.Errorf("IDENTIFIER_TYPE must not be blank")
	}
	if c.SearchLimit <= 0 {
		return fmt.Errorf("SEARCH_LIMIT must be positive, got %d", c.SearchLimit)
	}
	if c.IDGenSequenceStart < 0 {
		return fmt.Errorf("IDGEN_SEQUENCE_START must not be negative")
	}
	if c.AuditRelayBatch <= 0 {
		return fmt.Errorf("AUDIT_RELAY_BATCH must be positive, got %d", c.AuditRelayBatch)
	}
	if c.AuditRelayInterval <= 0 {
		return fmt.Errorf("AUDIT_RELAY_INTERVAL must be positive, got %s", c.AuditRelayInterval)
	}
	return nil
}

// ValidateRelay checks the settings the audit relay needs on top of Validate.
func (c *Config) ValidateRelay() error {
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required for the audit relay")
	}
	if c.AuditTopic == "" {
		return fmt.Errorf("AUDIT_TOPIC must not be blank")
	}
	return nil
}
