// Package config loads the service configuration. Values come from an
// optional YAML file, overridden by environment variables; a .env file in the
// working directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"payment-orchestrator/internal/audit"
	"payment-orchestrator/internal/infrastructure/payment"
)

// Config holds every setting of the server and the simulator.
type Config struct {
	Env     string `koanf:"env"`
	Port    int    `koanf:"port"`
	BaseURL string `koanf:"base_url"`

	Database DatabaseConfig `koanf:"database"`
	RedisURL string         `koanf:"redis_url"`

	MoneyPrecision int  `koanf:"money_precision"`
	MoneyExact     bool `koanf:"money_exact"`

	StripeAPIKey        string `koanf:"stripe_api_key"`
	StripeWebhookSecret string `koanf:"stripe_webhook_secret"`

	MockAsyncNotification bool `koanf:"mock_async_notification"`

	// Gateways holds per-gateway settings keyed by gateway name.
	Gateways map[string]payment.Info `koanf:"gateways"`

	ReconcileInterval   time.Duration `koanf:"reconcile_interval"`
	ReconcileStaleAfter time.Duration `koanf:"reconcile_stale_after"`
	// OrderTimeout fails pending orders with no payment in flight. Zero disables it.
	OrderTimeout time.Duration `koanf:"order_timeout"`

	CORSOrigins []string `koanf:"cors_origins"`

	OTLPEndpoint string     `koanf:"otlp_endpoint"`
	FileLogging  audit.Mode `koanf:"file_logging"`
}

// DatabaseConfig is either a full URL or the individual connection parts.
type DatabaseConfig struct {
	URL      string `koanf:"url"`
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Database string `koanf:"database"`
	Schema   string `koanf:"schema"`
}

// DSN returns the connection string, building it from the parts when no URL is set.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.Username, d.Password),
		Host:   d.Host + ":" + d.Port,
		Path:   "/" + d.Database,
	}
	q := url.Values{"sslmode": {"disable"}}
	if d.Schema != "" {
		q.Set("search_path", d.Schema)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Name is the database name used in logs.
func (d DatabaseConfig) Name() string {
	if d.Database != "" {
		return d.Database
	}
	if u, err := url.Parse(d.URL); err == nil {
		return strings.TrimPrefix(u.Path, "/")
	}
	return ""
}

var (
	ErrMissingDatabase       = errors.New("DATABASE_URL or BLUEPRINT_DB_HOST is required")
	ErrMissingBaseURL        = errors.New("BASE_URL is required")
	ErrInvalidBaseURL        = errors.New("BASE_URL must be an absolute http(s) url")
	ErrInvalidPort           = errors.New("PORT must be a valid integer")
	ErrInvalidPrecision      = errors.New("MONEY_PRECISION must be between 0 and 8")
	ErrInvalidDuration       = errors.New("invalid duration")
	ErrInvalidFileLogging    = errors.New("FILE_LOGGING must be empty, simple or verbose")
	ErrStripeWebhookNoAPIKey = errors.New("STRIPE_WEBHOOK_SECRET requires STRIPE_API_KEY")
)

const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultBaseURL             = "http://localhost:8080"
	DefaultMoneyPrecision      = 2
	DefaultReconcileInterval   = 30 * time.Second
	DefaultReconcileStaleAfter = 2 * time.Minute
)

// Load reads configPath (optional) and the environment. It returns the
// config together with every validation problem found.
func Load(configPath string) (*Config, []error) {
	k := koanf.New(".")
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("load config file %s: %w", configPath, err)}
		}
	}

	cfg := &Config{
		MoneyExact: true,
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, []error{fmt.Errorf("decode config: %w", err)}
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg.Env = envOr([]string{"APP_ENV", "ENV"}, cfg.Env, DefaultEnv)
	cfg.BaseURL = envOr([]string{"BASE_URL"}, cfg.BaseURL, DefaultBaseURL)
	cfg.RedisURL = envOr([]string{"REDIS_URL"}, cfg.RedisURL, "")
	cfg.StripeAPIKey = envOr([]string{"STRIPE_API_KEY"}, cfg.StripeAPIKey, "")
	cfg.StripeWebhookSecret = envOr([]string{"STRIPE_WEBHOOK_SECRET"}, cfg.StripeWebhookSecret, "")
	cfg.OTLPEndpoint = envOr([]string{"OTEL_EXPORTER_OTLP_ENDPOINT"}, cfg.OTLPEndpoint, "")
	cfg.FileLogging = audit.Mode(envOr([]string{"FILE_LOGGING"}, string(cfg.FileLogging), ""))

	db := &cfg.Database
	db.URL = envOr([]string{"DATABASE_URL"}, db.URL, "")
	db.Host = envOr([]string{"BLUEPRINT_DB_HOST"}, db.Host, "")
	db.Port = envOr([]string{"BLUEPRINT_DB_PORT"}, db.Port, "5432")
	db.Username = envOr([]string{"BLUEPRINT_DB_USERNAME"}, db.Username, "")
	db.Password = envOr([]string{"BLUEPRINT_DB_PASSWORD"}, db.Password, "")
	db.Database = envOr([]string{"BLUEPRINT_DB_DATABASE"}, db.Database, "")
	db.Schema = envOr([]string{"BLUEPRINT_DB_SCHEMA"}, db.Schema, "")

	var err error
	cfg.Port, err = envInt("PORT", cfg.Port, DefaultPort)
	collect(err)
	precision := DefaultMoneyPrecision
	if k.Exists("money_precision") {
		precision = cfg.MoneyPrecision
	}
	cfg.MoneyPrecision, err = envInt("MONEY_PRECISION", precision, precision)
	collect(err)
	cfg.MoneyExact, err = envBool("MONEY_EXACT", cfg.MoneyExact)
	collect(err)
	cfg.MockAsyncNotification, err = envBool("MOCK_ASYNC_NOTIFICATION", cfg.MockAsyncNotification)
	collect(err)
	cfg.ReconcileInterval, err = envDuration("RECONCILE_INTERVAL", cfg.ReconcileInterval, DefaultReconcileInterval)
	collect(err)
	cfg.ReconcileStaleAfter, err = envDuration("RECONCILE_STALE_AFTER", cfg.ReconcileStaleAfter, DefaultReconcileStaleAfter)
	collect(err)
	cfg.OrderTimeout, err = envDuration("ORDER_TIMEOUT", cfg.OrderTimeout, 0)
	collect(err)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}

	return cfg, append(errs, cfg.Validate()...)
}

// Validate reports every invalid or missing value.
func (c *Config) Validate() []error {
	var errs []error
	if c.Database.DSN() == "" {
		errs = append(errs, ErrMissingDatabase)
	}
	if c.BaseURL == "" {
		errs = append(errs, ErrMissingBaseURL)
	} else if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidBaseURL, c.BaseURL))
	}
	if c.MoneyPrecision < 0 || c.MoneyPrecision > 8 {
		errs = append(errs, ErrInvalidPrecision)
	}
	switch c.FileLogging {
	case audit.ModeOff, audit.ModeSimple, audit.ModeVerbose:
	default:
		errs = append(errs, ErrInvalidFileLogging)
	}
	if c.StripeWebhookSecret != "" && c.StripeAPIKey == "" {
		errs = append(errs, ErrStripeWebhookNoAPIKey)
	}
	return errs
}

// StrictHooks reports whether hook listener failures are returned to the
// caller. Only production swallows them.
func (c *Config) StrictHooks() bool {
	return c.Env == "development" || c.Env == "test"
}

// GatewayInfo returns the settings of one gateway.
func (c *Config) GatewayInfo(name string) payment.Info {
	return c.Gateways[name]
}

// LogSummary returns the config with secrets masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"env":                   c.Env,
		"port":                  strconv.Itoa(c.Port),
		"base_url":              c.BaseURL,
		"database":              maskURL(c.Database.DSN()),
		"redis_url":             maskURL(c.RedisURL),
		"money":                 fmt.Sprintf("precision=%d exact=%t", c.MoneyPrecision, c.MoneyExact),
		"stripe_api_key":        maskSecret(c.StripeAPIKey),
		"stripe_webhook_secret": maskSecret(c.StripeWebhookSecret),
		"reconcile_interval":    c.ReconcileInterval.String(),
		"reconcile_stale_after": c.ReconcileStaleAfter.String(),
		"order_timeout":         c.OrderTimeout.String(),
		"cors_origins":          strings.Join(c.CORSOrigins, ","),
		"otlp_endpoint":         c.OTLPEndpoint,
		"file_logging":          string(c.FileLogging),
	}
}

// NewLogger returns a JSON logger in production and a text logger otherwise.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return slog.New(handler)
}

func envOr(keys []string, fileVal, def string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if fileVal != "" {
		return fileVal
	}
	return def
}

func envInt(key string, fileVal, def int) (int, error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			if key == "PORT" {
				return def, fmt.Errorf("%w: %q", ErrInvalidPort, v)
			}
			return def, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return i, nil
	}
	if fileVal != 0 {
		return fileVal, nil
	}
	return def, nil
}

func envBool(key string, fileVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fileVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fileVal, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, fileVal, def time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return def, fmt.Errorf("%w: %s=%q", ErrInvalidDuration, key, v)
		}
		return d, nil
	}
	if fileVal != 0 {
		return fileVal, nil
	}
	return def, nil
}

func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

func maskURL(s string) string {
	if s == "" {
		return "<not set>"
	}
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return s
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxx")
	}
	return u.String()
}
