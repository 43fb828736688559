// Package config turns the environment into typed settings.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/ChatCredits/internal/pkg/entitlements"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/env"
)

type Config struct {
	App      App
	Database Database
	Cache    Cache
	Stripe   Stripe
	Grants   entitlements.Grants
	Referral Referral
	Ledger   Ledger
	Usage    Usage
	Gemini   Gemini
	Admin    Admin
	Jobs     Jobs
	Limits   Limits
}

type App struct {
	Host string
	Port string
	Env  string
}

type Database struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
}

// DSN returns the MySQL data source name.
func (d Database) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type Cache struct {
	Host     string
	Port     string
	Password string
}

// Addr returns host:port.
func (c Cache) Addr() string {
	return c.Host + ":" + c.Port
}

type Stripe struct {
	APIKey        string
	WebhookSecret string
	PricePlus     string
	PriceBusiness string
	Currency      string
}

type Referral struct {
	BonusCredits    int64
	BonusCashCents  int64
	MinCashoutCents int64
}

type Ledger struct {
	MaxRetries int
}

type Usage struct {
	OperationTimeout time.Duration
}

type Gemini struct {
	APIKey string
	Model  string
}

type Admin struct {
	MetricsUser     string
	MetricsPassword string
}

// Limits are requests per minute. Chat and purchase routes use the
// stricter Chat limit.
type Limits struct {
	API  int
	Chat int
}

type Jobs struct {
	Workers           int
	ReconcileSchedule string
	ReconcileAge      time.Duration
}

// LoadDatabase reads only the database settings. The migration tool uses it
// without the rest of the service configuration.
func LoadDatabase() Database {
	return Database{
		User:     env.GetEnv("DB_USER", ""),
		Password: env.GetEnv("DB_PASSWORD", ""),
		Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
		Port:     env.GetEnv("DB_PORT", "3306"),
		Name:     env.GetEnv("DB_NAME", "chatcredits"),
	}
}

// MigrateURL returns the golang-migrate database URL.
func (d Database) MigrateURL() string {
	return "mysql://" + d.DSN() + "&multiStatements=true"
}

// Load reads all settings through env.GetEnv.
func Load() (*Config, error) {
	p := parser{}
	cfg := &Config{
		App: App{
			Host: env.GetEnv("APP_HOST", "0.0.0.0"),
			Port: env.GetEnv("APP_PORT", "8080"),
			Env:  env.GetEnv("APP_ENV", "prod"),
		},
		Database: LoadDatabase(),
		Cache: Cache{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
		},
		Stripe: Stripe{
			APIKey:        env.GetEnv("STRIPE_API_KEY", ""),
			WebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
			PricePlus:     env.GetEnv("STRIPE_PRICE_PLUS", ""),
			PriceBusiness: env.GetEnv("STRIPE_PRICE_BUSINESS", ""),
			Currency:      strings.ToLower(env.GetEnv("CURRENCY", "usd")),
		},
		Grants: entitlements.Grants{
			Free:     p.int64("GRANT_FREE", entitlements.DefaultGrants.Free),
			Plus:     p.int64("GRANT_PLUS", entitlements.DefaultGrants.Plus),
			Business: p.int64("GRANT_BUSINESS", entitlements.DefaultGrants.Business),
		},
		Referral: Referral{
			BonusCredits:    p.int64("REFERRAL_BONUS_CREDITS", 300),
			BonusCashCents:  p.int64("REFERRAL_BONUS_CASH_CENTS", 500),
			MinCashoutCents: p.int64("MIN_CASHOUT_CENTS", 1000),
		},
		Ledger: Ledger{
			MaxRetries: int(p.int64("LEDGER_MAX_RETRIES", 5)),
		},
		Usage: Usage{
			OperationTimeout: p.duration("USAGE_OPERATION_TIMEOUT", 60*time.Second),
		},
		Gemini: Gemini{
			APIKey: env.GetEnv("GEMINI_API_KEY", ""),
			Model:  env.GetEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		},
		Admin: Admin{
			MetricsUser:     env.GetEnv("ADMIN_METRICS_USER", ""),
			MetricsPassword: env.GetEnv("ADMIN_METRICS_PASSWORD", ""),
		},
		Jobs: Jobs{
			Workers:           int(p.int64("JOBQUEUE_WORKERS", 3)),
			ReconcileSchedule: env.GetEnv("PURCHASE_RECONCILE_SCHEDULE", "@every 15m"),
			ReconcileAge:      p.duration("PURCHASE_RECONCILE_AGE", 30*time.Minute),
		},
		Limits: Limits{
			API:  int(p.int64("RATE_LIMIT_PER_MINUTE", 120)),
			Chat: int(p.int64("CHAT_RATE_LIMIT_PER_MINUTE", 30)),
		},
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Grants.Free < 0 || c.Grants.Plus < 0 || c.Grants.Business < 0 {
		errs = append(errs, errors.New("config: plan grants must not be negative"))
	}
	if c.Referral.BonusCredits < 0 || c.Referral.BonusCashCents < 0 {
		errs = append(errs, errors.New("config: referral bonuses must not be negative"))
	}
	if c.Referral.MinCashoutCents <= 0 {
		errs = append(errs, errors.New("config: MIN_CASHOUT_CENTS must be positive"))
	}
	if c.Ledger.MaxRetries <= 0 {
		errs = append(errs, errors.New("config: LEDGER_MAX_RETRIES must be positive"))
	}
	if c.Usage.OperationTimeout <= 0 {
		errs = append(errs, errors.New("config: USAGE_OPERATION_TIMEOUT must be positive"))
	}
	if c.Limits.API <= 0 || c.Limits.Chat <= 0 {
		errs = append(errs, errors.New("config: rate limits must be positive"))
	}
	if c.App.Env != "dev" && c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("config: STRIPE_WEBHOOK_SECRET is required outside dev"))
	}
	return errors.Join(errs...)
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.App.Env == "dev"
}

type parser struct {
	errs []error
}

func (p *parser) int64(key string, def int64) int64 {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return v
}
