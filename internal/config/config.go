package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "config.yaml"

// AppConfig carries command-line level options.
type AppConfig struct {
	ConfigPath string
}

// Config is the static process configuration. Runtime-tunable values live in
// the settings table instead.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Uploads  UploadsConfig  `yaml:"uploads"`
	Captcha  CaptchaConfig  `yaml:"captcha"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Mail     MailConfig     `yaml:"mail"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	TrustedProxies  []string      `yaml:"trusted-proxies"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
	Metrics         bool          `yaml:"metrics"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn" validate:"required"`
	MaxOpenConns int    `yaml:"max-open-conns" validate:"gte=0"`
}

// RedisConfig is optional; an empty Addr keeps rate limits and nonces in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt-secret" validate:"required,min=16"`
	AdminTokenTTL time.Duration `yaml:"admin-token-ttl"`
	FormTokenTTL  time.Duration `yaml:"form-token-ttl"`
	EncryptionKey string        `yaml:"encryption-key" validate:"omitempty,min=16"` // Secret for provider credentials at rest.
	AdminUser     string        `yaml:"admin-user"`
	AdminPassword string        `yaml:"admin-password-hash"` // bcrypt hash; login is disabled when empty.
}

type LoggingConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Format     string `yaml:"format" validate:"omitempty,oneof=text json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max-backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max-age-days" validate:"gte=0"`
}

type UploadsConfig struct {
	Dir     string `yaml:"dir" validate:"required"`
	BaseURL string `yaml:"base-url" validate:"omitempty,url"`
}

type CaptchaConfig struct {
	VerifyURL string        `yaml:"verify-url" validate:"omitempty,url"`
	Secret    string        `yaml:"secret"`
	Timeout   time.Duration `yaml:"timeout"`
}

type DispatchConfig struct {
	Queue        string        `yaml:"queue" validate:"omitempty,oneof=db asynq"`
	LeaseTimeout time.Duration `yaml:"lease-timeout"`
}

// MailConfig enables submission notifications when SendGridAPIKey is set.
type MailConfig struct {
	SendGridAPIKey string `yaml:"sendgrid-api-key"`
	SendGridHost   string `yaml:"sendgrid-host" validate:"omitempty,url"`
	FromName       string `yaml:"from-name"`
	FromEmail      string `yaml:"from-email" validate:"omitempty,email"`
}

type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service-name"`
	Insecure    bool   `yaml:"insecure"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ResolveConfigPath returns an absolute config path, falling back to the default.
func ResolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultConfigPath
	}
	if abs, errAbs := filepath.Abs(path); errAbs == nil {
		return abs
	}
	return path
}

// Load reads the YAML file, loads .env next to it, applies FORMRELAY_* overrides,
// fills defaults and validates the result.
func Load(path string) (*Config, error) {
	path = ResolveConfigPath(path)

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if errEnv := godotenv.Load(envPath); errEnv != nil && !errors.Is(errEnv, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envPath, errEnv)
	}

	cfg := &Config{}
	data, errRead := os.ReadFile(path)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
		// Environment-only deployments.
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	if errEnv := applyEnv(cfg, os.LookupEnv); errEnv != nil {
		return nil, errEnv
	}
	cfg.applyDefaults()
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	if errValidate := validate.Struct(c); errValidate != nil {
		return fmt.Errorf("config: invalid: %w", errValidate)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Auth.AdminTokenTTL <= 0 {
		c.Auth.AdminTokenTTL = 12 * time.Hour
	}
	if c.Auth.FormTokenTTL <= 0 {
		c.Auth.FormTokenTTL = 24 * time.Hour
	}
	if c.Auth.AdminUser == "" {
		c.Auth.AdminUser = "admin"
	}
	if c.Auth.EncryptionKey == "" {
		c.Auth.EncryptionKey = c.Auth.JWTSecret
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Uploads.Dir == "" {
		c.Uploads.Dir = "data/uploads"
	}
	if c.Captcha.VerifyURL == "" {
		c.Captcha.VerifyURL = "https://www.google.com/recaptcha/api/siteverify"
	}
	if c.Captcha.Timeout <= 0 {
		c.Captcha.Timeout = 10 * time.Second
	}
	if c.Dispatch.Queue == "" {
		c.Dispatch.Queue = "db"
	}
	if c.Dispatch.LeaseTimeout <= 0 {
		c.Dispatch.LeaseTimeout = 5 * time.Minute
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "formrelay"
	}
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides fields from FORMRELAY_* variables.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"FORMRELAY_SERVER_ADDR":      &cfg.Server.Addr,
		"FORMRELAY_DATABASE_DSN":     &cfg.Database.DSN,
		"FORMRELAY_REDIS_ADDR":       &cfg.Redis.Addr,
		"FORMRELAY_REDIS_PASSWORD":   &cfg.Redis.Password,
		"FORMRELAY_JWT_SECRET":       &cfg.Auth.JWTSecret,
		"FORMRELAY_ENCRYPTION_KEY":   &cfg.Auth.EncryptionKey,
		"FORMRELAY_ADMIN_USER":       &cfg.Auth.AdminUser,
		"FORMRELAY_ADMIN_PASSWORD":   &cfg.Auth.AdminPassword,
		"FORMRELAY_LOG_LEVEL":        &cfg.Logging.Level,
		"FORMRELAY_LOG_FILE":         &cfg.Logging.File,
		"FORMRELAY_UPLOADS_DIR":      &cfg.Uploads.Dir,
		"FORMRELAY_UPLOADS_BASE_URL": &cfg.Uploads.BaseURL,
		"FORMRELAY_CAPTCHA_SECRET":   &cfg.Captcha.Secret,
		"FORMRELAY_DISPATCH_QUEUE":   &cfg.Dispatch.Queue,
		"FORMRELAY_SENDGRID_API_KEY": &cfg.Mail.SendGridAPIKey,
		"FORMRELAY_MAIL_FROM":        &cfg.Mail.FromEmail,
		"FORMRELAY_OTLP_ENDPOINT":    &cfg.Tracing.Endpoint,
	}
	for key, target := range strs {
		if v, ok := lookup(key); ok {
			*target = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup("FORMRELAY_REDIS_DB"); ok {
		n, errAtoi := strconv.Atoi(strings.TrimSpace(v))
		if errAtoi != nil {
			return fmt.Errorf("config: FORMRELAY_REDIS_DB: %w", errAtoi)
		}
		cfg.Redis.DB = n
	}
	if v, ok := lookup("FORMRELAY_METRICS"); ok {
		b, errParse := strconv.ParseBool(strings.TrimSpace(v))
		if errParse != nil {
			return fmt.Errorf("config: FORMRELAY_METRICS: %w", errParse)
		}
		cfg.Server.Metrics = b
	}
	return nil
}
