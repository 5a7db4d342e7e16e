package config

import (
	"encoding/base32"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Credential backends.
const (
	BackendEnvFile = "envfile"
	BackendSQLite  = "sqlite"
	BackendRedis   = "redis"
)

// Config holds all application configuration. Values come from an optional
// YAML file, overridden by environment variables, which may themselves be
// seeded from a .env file.
type Config struct {
	Questrade   Questrade   `yaml:"questrade"`
	Server      Server      `yaml:"server"`
	Credentials Credentials `yaml:"credentials"`
	Equity      Equity      `yaml:"equity"`
	Logging     Logging     `yaml:"logging"`
	Alerts      Alerts      `yaml:"alerts"`
}

// Questrade holds the OAuth application settings.
type Questrade struct {
	ClientID    string        `yaml:"client_id"`
	RedirectURI string        `yaml:"redirect_uri"`
	AuthURL     string        `yaml:"auth_url"`
	TokenURL    string        `yaml:"token_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Server holds the HTTP listener settings.
type Server struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"` // empty: /metrics on the main listener
	CORSOrigin  string `yaml:"cors_origin"`
	// AdminTOTPSecret guards token-mutating routes when set (base32).
	AdminTOTPSecret string `yaml:"admin_totp_secret"`
}

// Credentials selects where the token set is persisted.
type Credentials struct {
	Backend       string `yaml:"backend"`
	EnvFile       string `yaml:"env_file"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisKey      string `yaml:"redis_key"`
}

// Equity tunes the equity history reconstruction.
type Equity struct {
	BenchmarkSymbolID int64 `yaml:"benchmark_symbol_id"`
	MaxConcurrency    int   `yaml:"max_concurrency"`
	DefaultDays       int   `yaml:"default_days"`
}

// Alerts selects where re-authentication alerts are delivered. The log
// always receives them.
type Alerts struct {
	WebhookURL       string `yaml:"webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips it.
func Load(path string) (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envFile, err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if cfg.Credentials.EnvFile == "" {
		cfg.Credentials.EnvFile = envFile
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	setString(&cfg.Questrade.ClientID, "QUESTRADE_CLIENT_ID")
	setString(&cfg.Questrade.RedirectURI, "QUESTRADE_REDIRECT_URI")
	setString(&cfg.Questrade.AuthURL, "QUESTRADE_AUTH_URL")
	setString(&cfg.Questrade.TokenURL, "QUESTRADE_TOKEN_URL")

	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Server.MetricsAddr, "METRICS_ADDR")
	setString(&cfg.Server.CORSOrigin, "CORS_ORIGIN")
	setString(&cfg.Server.AdminTOTPSecret, "ADMIN_TOTP_SECRET")

	setString(&cfg.Credentials.Backend, "CREDENTIAL_BACKEND")
	setString(&cfg.Credentials.EnvFile, "ENV_FILE")
	setString(&cfg.Credentials.SQLitePath, "SQLITE_PATH")
	setString(&cfg.Credentials.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Credentials.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.Credentials.RedisKey, "REDIS_KEY")

	setString(&cfg.Logging.Level, "LOG_LEVEL")

	setString(&cfg.Alerts.WebhookURL, "ALERT_WEBHOOK_URL")
	setString(&cfg.Alerts.TelegramBotToken, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.Alerts.TelegramChatID, "TELEGRAM_CHAT_ID")

	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: REDIS_DB: %w", err)
		}
		cfg.Credentials.RedisDB = n
	}
	if v := os.Getenv("BENCHMARK_SYMBOL_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: BENCHMARK_SYMBOL_ID: %w", err)
		}
		cfg.Equity.BenchmarkSymbolID = n
	}
	if v := os.Getenv("EQUITY_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: EQUITY_MAX_CONCURRENCY: %w", err)
		}
		cfg.Equity.MaxConcurrency = n
	}
	if v := os.Getenv("QUESTRADE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: QUESTRADE_TIMEOUT: %w", err)
		}
		cfg.Questrade.Timeout = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	def(&c.Questrade.RedirectURI, "http://localhost:8000/auth/callback")
	def(&c.Questrade.AuthURL, "https://login.questrade.com/oauth2/authorize")
	def(&c.Questrade.TokenURL, "https://login.questrade.com/oauth2/token")
	if c.Questrade.Timeout == 0 {
		c.Questrade.Timeout = 15 * time.Second
	}

	def(&c.Server.ListenAddr, ":8000")
	def(&c.Server.CORSOrigin, "http://localhost:3000")

	def(&c.Credentials.Backend, BackendEnvFile)
	def(&c.Credentials.EnvFile, ".env")
	def(&c.Credentials.SQLitePath, "data/theoros.db")
	def(&c.Credentials.RedisAddr, "localhost:6379")
	def(&c.Credentials.RedisKey, "theoros:credentials")

	if c.Equity.BenchmarkSymbolID == 0 {
		c.Equity.BenchmarkSymbolID = 34987 // SPY
	}
	if c.Equity.MaxConcurrency == 0 {
		c.Equity.MaxConcurrency = 8
	}
	if c.Equity.DefaultDays == 0 {
		c.Equity.DefaultDays = 252
	}

	def(&c.Logging.Level, "info")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Credentials.Backend {
	case BackendEnvFile, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("config: unknown credential backend %q (want envfile, sqlite or redis)", c.Credentials.Backend)
	}
	if c.Equity.MaxConcurrency < 1 {
		return fmt.Errorf("config: equity max_concurrency must be >= 1, got %d", c.Equity.MaxConcurrency)
	}
	if c.Equity.DefaultDays < 1 {
		return fmt.Errorf("config: equity default_days must be >= 1, got %d", c.Equity.DefaultDays)
	}
	if c.Questrade.Timeout < 0 {
		return fmt.Errorf("config: questrade timeout must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	if (c.Alerts.TelegramBotToken == "") != (c.Alerts.TelegramChatID == "") {
		return fmt.Errorf("config: TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	if s := c.Server.AdminTOTPSecret; s != "" {
		if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(strings.TrimRight(s, "="))); err != nil {
			return fmt.Errorf("config: ADMIN_TOTP_SECRET is not valid base32: %w", err)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
