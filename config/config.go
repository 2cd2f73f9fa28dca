// Package config loads service settings from defaults, an optional yaml file
// and FUNDSHIELD_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Log        LogConfig        `mapstructure:"log"`
	Policy     PolicyConfig     `mapstructure:"policy"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	// RetryURL is the database/sql DSN used by the settlement retry queue.
	// Empty means reuse URL.
	RetryURL string `mapstructure:"retry_url"`
}

// RedisConfig is optional; an empty Addr disables the distributed sweep lock.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	JWTSecret string         `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration  `mapstructure:"token_ttl"`
	Clients   []ClientConfig `mapstructure:"clients"`
}

// ClientConfig registers an API client allowed to exchange its secret for a token.
// SecretHash is a bcrypt hash.
type ClientConfig struct {
	ID         string `mapstructure:"id"`
	SecretHash string `mapstructure:"secret_hash"`
	Role       string `mapstructure:"role"`
}

type SchedulerConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
	BatchSize int           `mapstructure:"batch_size"`
}

type SettlementConfig struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RPS          float64       `mapstructure:"rps"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type OutboxConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type TelemetryConfig struct {
	OTLPEndpoint string        `mapstructure:"otlp_endpoint"`
	Interval     time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// PolicyConfig holds the business thresholds of the case state machine.
type PolicyConfig struct {
	HighAmountThreshold string        `mapstructure:"high_amount_threshold"`
	BindingTypes        []string      `mapstructure:"binding_types"`
	AppealWindow        time.Duration `mapstructure:"appeal_window"`
	MaxAppeals          int           `mapstructure:"max_appeals"`
	DefaultRuling       string        `mapstructure:"default_ruling"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.retry_url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("scheduler.interval", 5*time.Minute)
	v.SetDefault("scheduler.lock_ttl", 4*time.Minute)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("settlement.url", "")
	v.SetDefault("settlement.timeout", 10*time.Second)
	v.SetDefault("settlement.rps", 5.0)
	v.SetDefault("settlement.max_attempts", 8)
	v.SetDefault("settlement.poll_interval", 30*time.Second)
	v.SetDefault("outbox.interval", 2*time.Second)
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.interval", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("policy.high_amount_threshold", "50000")
	v.SetDefault("policy.binding_types", []string{})
	v.SetDefault("policy.appeal_window", 7*24*time.Hour)
	v.SetDefault("policy.max_appeals", 2)
	v.SetDefault("policy.default_ruling", "FAVOR_CLAIMANT")
}

// Load reads configuration. path may be empty, in which case only defaults and
// environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FUNDSHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	if cfg.Database.RetryURL == "" {
		cfg.Database.RetryURL = cfg.Database.URL
	}

	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database.url is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("config: scheduler.interval must be positive")
	}
	if c.Scheduler.LockTTL <= 0 || c.Scheduler.LockTTL > c.Scheduler.Interval {
		return fmt.Errorf("config: scheduler.lock_ttl must be positive and not exceed the interval")
	}
	if c.Settlement.Timeout <= 0 {
		return fmt.Errorf("config: settlement.timeout must be positive")
	}
	if c.Settlement.MaxAttempts <= 0 {
		return fmt.Errorf("config: settlement.max_attempts must be positive")
	}
	if c.Policy.MaxAppeals < 0 {
		return fmt.Errorf("config: policy.max_appeals must not be negative")
	}
	return nil
}
