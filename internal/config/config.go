// Package config loads service configuration from a YAML file with
// environment-variable overrides, .env files included.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Store    StoreConfig   `yaml:"store"`
	Redis    RedisConfig   `yaml:"redis"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	Sending  SendingConfig `yaml:"sending"`
	LogLevel string        `yaml:"log_level"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StoreConfig holds PostgreSQL settings.
type StoreConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the KV address for rate-limit counters.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SMTPConfig holds relay settings for the mailer.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SendingConfig holds the dispatch tunables recognized by the core.
type SendingConfig struct {
	MaxEmailsPerHour     int    `yaml:"max_emails_per_hour"`
	DelayBetweenEmailsMs int    `yaml:"delay_between_emails_ms"`
	WorkerConcurrency    int    `yaml:"worker_concurrency"`
	MailerFrom           string `yaml:"mailer_from"`
	MaxAttempts          int    `yaml:"max_attempts"`
	LeaseDurationSec     int    `yaml:"lease_duration_sec"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads from the YAML file (when present), then applies .env
// and environment-variable overrides.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		if loaded, err := Load(path); err == nil {
			cfg = loaded
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := envInt("PORT"); port != 0 {
		cfg.Server.Port = port
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTP.Host = host
	}
	if port := envInt("SMTP_PORT"); port != 0 {
		cfg.SMTP.Port = port
	}
	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		cfg.SMTP.Username = user
	}
	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTP.Password = pass
	}
	if from := os.Getenv("MAILER_FROM"); from != "" {
		cfg.Sending.MailerFrom = from
	}
	if n := envInt("MAX_EMAILS_PER_HOUR"); n != 0 {
		cfg.Sending.MaxEmailsPerHour = n
	}
	if n := envInt("DELAY_BETWEEN_EMAILS_MS"); n != 0 {
		cfg.Sending.DelayBetweenEmailsMs = n
	}
	if n := envInt("WORKER_CONCURRENCY"); n != 0 {
		cfg.Sending.WorkerConcurrency = n
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = 20
	}
	if c.Store.MaxIdleConns == 0 {
		c.Store.MaxIdleConns = 5
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.TimeoutSeconds == 0 {
		c.SMTP.TimeoutSeconds = 30
	}
	if c.Sending.MaxEmailsPerHour == 0 {
		c.Sending.MaxEmailsPerHour = 200
	}
	if c.Sending.DelayBetweenEmailsMs == 0 {
		c.Sending.DelayBetweenEmailsMs = 2000
	}
	if c.Sending.WorkerConcurrency == 0 {
		c.Sending.WorkerConcurrency = 5
	}
	if c.Sending.MailerFrom == "" {
		c.Sending.MailerFrom = "noreply@reachinbox.app"
	}
	if c.Sending.MaxAttempts == 0 {
		c.Sending.MaxAttempts = 3
	}
	if c.Sending.LeaseDurationSec == 0 {
		c.Sending.LeaseDurationSec = 60
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
