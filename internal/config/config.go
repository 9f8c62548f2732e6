package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// Values come from env, optionally seeded from .env / .env.local.
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Telegram  TelegramConfig
	OneF      OneFConfig
	Reconcile ReconcileConfig
	Access    AccessConfig
	Session   SessionConfig
	Ingest    IngestConfig
}

type AppConfig struct {
	Env      string `env:"APP_ENV"`
	Port     int    `env:"APP_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL"`

	// MigrateOnStart applies embedded migrations before serving.
	MigrateOnStart bool `env:"MIGRATE_ON_START" envDefault:"true"`
}

type DBConfig struct {
	Host     string `env:"DB_HOST"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME"`

	// SSLMode is kept explicit for production posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string `env:"DB_SSLMODE"`

	ConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT" envDefault:"30s"`
}

// RedisConfig is optional: without REDIS_HOST sessions stay in memory
// and the reconcile lanes run without a cross-replica lease.
type RedisConfig struct {
	Host string `env:"REDIS_HOST"`
	Port int    `env:"REDIS_PORT" envDefault:"6379"`
}

type AuthConfig struct {
	JWTSecret      string        `env:"JWT_SECRET"`
	JWTIssuer      string        `env:"JWT_ISSUER"`
	JWTAudience    string        `env:"JWT_AUDIENCE"`
	AccessTokenTTL time.Duration `env:"JWT_ACCESS_TTL"`
}

type TelegramConfig struct {
	BotToken      string        `env:"BOT_TOKEN"`
	GroupChatID   int64         `env:"GROUP_CHAT_ID"`
	APIBaseURL    string        `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
	Mode          string        `env:"TELEGRAM_MODE" envDefault:"polling"`
	WebhookSecret string        `env:"TELEGRAM_WEBHOOK_SECRET"`
	Timeout       time.Duration `env:"TELEGRAM_TIMEOUT" envDefault:"10s"`
	PollTimeout   time.Duration `env:"TELEGRAM_POLL_TIMEOUT" envDefault:"30s"`
}

type OneFConfig struct {
	CallbackURL string        `env:"ONEF_CALLBACK_URL"`
	Timeout     time.Duration `env:"ONEF_TIMEOUT" envDefault:"10s"`
}

type ReconcileConfig struct {
	GroupInterval     time.Duration `env:"RECONCILE_GROUP_INTERVAL" envDefault:"300s"`
	CallbackInterval  time.Duration `env:"RECONCILE_CALLBACK_INTERVAL" envDefault:"300s"`
	BatchSize         int           `env:"RECONCILE_BATCH_SIZE" envDefault:"50"`
	StalePendingAfter time.Duration `env:"STALE_PENDING_AFTER" envDefault:"10m"`
	LeaseTTL          time.Duration `env:"RECONCILE_LEASE_TTL" envDefault:"10m"`
}

type AccessConfig struct {
	// AdminIDs is a comma-separated list of Telegram user ids, e.g. "1,2,3".
	AdminIDs string `env:"ADMIN_IDS"`
}

type SessionConfig struct {
	CommentTTL time.Duration `env:"SESSION_COMMENT_TTL" envDefault:"15m"`
}

type IngestConfig struct {
	PhonePrefix string `env:"PHONE_PREFIX" envDefault:"+992"`
}

// DefaultEnvFiles are loaded (when present) before env parsing. Real env wins.
var DefaultEnvFiles = []string{".env", ".env.local"}

func Load() (Config, error) {
	if err := loadEnvFiles(DefaultEnvFiles); err != nil {
		return Config{}, err
	}

	c := Config{}
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func loadEnvFiles(files []string) error {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// WorstCaseSweep is the longest a lane sweep can take when every item times out.
func (c Config) WorstCaseSweep() time.Duration {
	per := max(c.Telegram.Timeout, c.OneF.Timeout)
	return time.Duration(c.Reconcile.BatchSize) * per
}

// Validate reports every configuration problem at once and fills defaults that depend on APP_ENV.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 12 * time.Hour
	}

	if c.Telegram.BotToken == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required"))
	}
	if c.Telegram.GroupChatID == 0 {
		errs = append(errs, errors.New("GROUP_CHAT_ID is required"))
	}
	switch c.Telegram.Mode {
	case "polling":
	case "webhook":
		if c.Telegram.WebhookSecret == "" {
			errs = append(errs, errors.New("TELEGRAM_WEBHOOK_SECRET is required in webhook mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("TELEGRAM_MODE must be one of polling, webhook, got %q", c.Telegram.Mode))
	}
	if c.Telegram.Timeout <= 0 {
		c.Telegram.Timeout = 10 * time.Second
	}

	if c.OneF.CallbackURL == "" {
		errs = append(errs, errors.New("ONEF_CALLBACK_URL is required"))
	}
	if c.OneF.Timeout <= 0 {
		c.OneF.Timeout = 10 * time.Second
	}

	if c.Reconcile.GroupInterval <= 0 {
		c.Reconcile.GroupInterval = 300 * time.Second
	}
	if c.Reconcile.CallbackInterval <= 0 {
		c.Reconcile.CallbackInterval = 300 * time.Second
	}
	if c.Reconcile.BatchSize <= 0 {
		c.Reconcile.BatchSize = 50
	}
	if c.Reconcile.LeaseTTL <= 0 {
		c.Reconcile.LeaseTTL = 10 * time.Minute
	}
	// A lease must outlive a full batch where every item hits its delivery timeout.
	if worst := c.WorstCaseSweep(); c.Reconcile.LeaseTTL <= worst {
		errs = append(errs, fmt.Errorf("RECONCILE_LEASE_TTL must exceed RECONCILE_BATCH_SIZE x max(TELEGRAM_TIMEOUT, ONEF_TIMEOUT) = %s, got %s", worst, c.Reconcile.LeaseTTL))
	}

	if c.Session.CommentTTL <= 0 {
		c.Session.CommentTTL = 15 * time.Minute
	}
	if !strings.HasPrefix(c.Ingest.PhonePrefix, "+") {
		errs = append(errs, fmt.Errorf("PHONE_PREFIX must start with '+', got %q", c.Ingest.PhonePrefix))
	}

	if _, err := c.AdminIDList(); err != nil {
		errs = append(errs, err)
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// AdminIDList parses ADMIN_IDS. Empty entries are skipped.
func (c Config) AdminIDList() ([]int64, error) {
	raw := strings.TrimSpace(c.Access.AdminIDs)
	if raw == "" {
		return nil, nil
	}
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ADMIN_IDS must be a comma-separated list of integers, got %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
