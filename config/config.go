// Package config provides configuration loading for the contract engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Contracts ContractsConfig `yaml:"contracts"`
	Retry     RetryConfig     `yaml:"retry"`
	Reminders RemindersConfig `yaml:"reminders"`
	Notifier  NotifierConfig  `yaml:"notifier"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// CORSOrigins lists allowed browser origins ("*" allows all).
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3", "postgres" or "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// ContractsConfig holds business rules.
type ContractsConfig struct {
	// Timezone decides what "today" means for due dates.
	Timezone        string `yaml:"timezone"`
	GraceDays       int    `yaml:"grace_days"`
	DefaultPawnRate string `yaml:"default_pawn_rate"`
	PawnTermMonths  int    `yaml:"pawn_term_months"`
	MaxExtensions   int    `yaml:"max_extensions"`
	RequireApproval bool   `yaml:"require_approval"`
	// SlipTolerance is in minor units.
	SlipTolerance int64 `yaml:"slip_tolerance"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

type RemindersConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a standard 5-field cron expression.
	Schedule      string        `yaml:"schedule"`
	UpcomingDays  int           `yaml:"upcoming_days"`
	OverdueDays   int           `yaml:"overdue_days"`
	Concurrency   int           `yaml:"concurrency"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

type NotifierConfig struct {
	// Type is "log", "webhook", "email" or "nats".
	Type    string        `yaml:"type"`
	Webhook WebhookConfig `yaml:"webhook"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	NATS    NATSConfig    `yaml:"nats"`
}

type WebhookConfig struct {
	URL string `yaml:"url"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "./data/contracts.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Contracts: ContractsConfig{
			Timezone:        "UTC",
			GraceDays:       30,
			DefaultPawnRate: "2",
			PawnTermMonths:  1,
			MaxExtensions:   12,
			SlipTolerance:   10000,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BackoffBase: 10 * time.Millisecond,
			MaxBackoff:  250 * time.Millisecond,
		},
		Reminders: RemindersConfig{
			Enabled:       true,
			Schedule:      "0 8 * * *",
			UpcomingDays:  3,
			OverdueDays:   7,
			Concurrency:   4,
			NotifyTimeout: 10 * time.Second,
		},
		Notifier: NotifierConfig{
			Type: "log",
			SMTP: SMTPConfig{Port: 587},
			NATS: NATSConfig{
				URL:     "nats://127.0.0.1:4222",
				Stream:  "CONTRACT_REMINDERS",
				Subject: "contracts.reminders",
			},
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// CONTRACTS_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for %s", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite3, postgres or memory, got %q", c.Database.Driver)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("contracts.timezone: %w", err)
	}
	if c.Contracts.GraceDays < 0 {
		return fmt.Errorf("contracts.grace_days must not be negative")
	}
	rate, err := c.PawnRate()
	if err != nil {
		return fmt.Errorf("contracts.default_pawn_rate: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("contracts.default_pawn_rate must be between 0 and 100")
	}
	if c.Contracts.PawnTermMonths <= 0 {
		return fmt.Errorf("contracts.pawn_term_months must be positive")
	}
	if c.Contracts.MaxExtensions <= 0 {
		return fmt.Errorf("contracts.max_extensions must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Reminders.Enabled {
		if _, err := cron.ParseStandard(c.Reminders.Schedule); err != nil {
			return fmt.Errorf("reminders.schedule: %w", err)
		}
	}
	if c.Reminders.UpcomingDays < 0 || c.Reminders.OverdueDays < 0 {
		return fmt.Errorf("reminders window days must not be negative")
	}
	switch c.Notifier.Type {
	case "log":
	case "webhook":
		if c.Notifier.Webhook.URL == "" {
			return fmt.Errorf("notifier.webhook.url is required")
		}
	case "email":
		if c.Notifier.SMTP.Host == "" || c.Notifier.SMTP.From == "" {
			return fmt.Errorf("notifier.smtp.host and notifier.smtp.from are required")
		}
	case "nats":
		if c.Notifier.NATS.URL == "" || c.Notifier.NATS.Subject == "" {
			return fmt.Errorf("notifier.nats.url and notifier.nats.subject are required")
		}
	default:
		return fmt.Errorf("notifier.type must be log, webhook, email or nats, got %q", c.Notifier.Type)
	}
	return nil
}

// Location resolves the business timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Contracts.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Contracts.Timezone)
}

func (c *Config) PawnRate() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Contracts.DefaultPawnRate)
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	flag := func(key string, dst *bool) error {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
		return nil
	}

	str("CONTRACTS_DB_DRIVER", &c.Database.Driver)
	str("CONTRACTS_DB_DSN", &c.Database.DSN)
	str("CONTRACTS_LOG_LEVEL", &c.Log.Level)
	str("CONTRACTS_LOG_FORMAT", &c.Log.Format)
	str("CONTRACTS_TIMEZONE", &c.Contracts.Timezone)
	str("CONTRACTS_PAWN_RATE", &c.Contracts.DefaultPawnRate)
	str("CONTRACTS_REMINDER_SCHEDULE", &c.Reminders.Schedule)
	str("CONTRACTS_NOTIFIER", &c.Notifier.Type)
	str("CONTRACTS_WEBHOOK_URL", &c.Notifier.Webhook.URL)
	str("CONTRACTS_SMTP_HOST", &c.Notifier.SMTP.Host)
	str("CONTRACTS_SMTP_USERNAME", &c.Notifier.SMTP.Username)
	str("CONTRACTS_SMTP_PASSWORD", &c.Notifier.SMTP.Password)
	str("CONTRACTS_SMTP_FROM", &c.Notifier.SMTP.From)
	str("CONTRACTS_NATS_URL", &c.Notifier.NATS.URL)
	if v, ok := lookup("CONTRACTS_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}

	for _, e := range []error{
		num("CONTRACTS_PORT", &c.Server.Port),
		num("CONTRACTS_GRACE_DAYS", &c.Contracts.GraceDays),
		num("CONTRACTS_SMTP_PORT", &c.Notifier.SMTP.Port),
		flag("CONTRACTS_REQUIRE_APPROVAL", &c.Contracts.RequireApproval),
		flag("CONTRACTS_REMINDERS_ENABLED", &c.Reminders.Enabled),
	} {
		if e != nil {
			return e
		}
	}
	return nil
}
