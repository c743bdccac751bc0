package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Licensing LicensingConfig `yaml:"licensing" envconfig:"LICENSING"`
	Webhooks  WebhookConfig   `yaml:"webhooks" envconfig:"WEBHOOKS"`
	Alerts    AlertConfig     `yaml:"alerts" envconfig:"ALERTS"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig contains the SQLite store configuration
type DatabaseConfig struct {
	Path string `yaml:"path" envconfig:"PATH" default:"data/keymint.db"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	// HashSalt keys the one-way machine fingerprint hash. Changing it
	// invalidates every stored activation binding.
	HashSalt       string          `yaml:"hash_salt" envconfig:"HASH_SALT" default:"keymint-dev-salt"`
	JWTSecret      string          `yaml:"jwt_secret" envconfig:"JWT_SECRET" default:"keymint-dev-jwt-secret"`
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration.
// Global covers the token-bucket admission limiter in front of the router;
// the per-endpoint windows are enforced by the persistent limiter.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"200"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"100"`

	Window             time.Duration `yaml:"window" envconfig:"WINDOW" default:"60s"`
	ValidatePerIP      int           `yaml:"validate_per_ip" envconfig:"VALIDATE_PER_IP" default:"60"`
	StatusPerIP        int           `yaml:"status_per_ip" envconfig:"STATUS_PER_IP" default:"60"`
	ActivatePerIP      int           `yaml:"activate_per_ip" envconfig:"ACTIVATE_PER_IP" default:"10"`
	DeactivatePerIP    int           `yaml:"deactivate_per_ip" envconfig:"DEACTIVATE_PER_IP" default:"10"`
	BatchPerIP         int           `yaml:"batch_per_ip" envconfig:"BATCH_PER_IP" default:"5"`
	PerKeyDivisor      int           `yaml:"per_key_divisor" envconfig:"PER_KEY_DIVISOR" default:"2"`
}

// LicensingConfig contains license lifecycle defaults
type LicensingConfig struct {
	DefaultMaxActivations int           `yaml:"default_max_activations" envconfig:"DEFAULT_MAX_ACTIVATIONS" default:"3"`
	TokenTTL              time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL" default:"5m"`
	ActivationHistoryCap  int           `yaml:"activation_history_cap" envconfig:"ACTIVATION_HISTORY_CAP" default:"50"`
}

// WebhookConfig contains payment-provider webhook configuration
type WebhookConfig struct {
	ProcessTimeout  time.Duration `yaml:"process_timeout" envconfig:"PROCESS_TIMEOUT" default:"30s"`
	MarkerRetention time.Duration `yaml:"marker_retention" envconfig:"MARKER_RETENTION" default:"2160h"`
	Stripe          StripeConfig  `yaml:"stripe" envconfig:"STRIPE"`
	PayPal          PayPalConfig  `yaml:"paypal" envconfig:"PAYPAL"`
}

// StripeConfig contains Stripe webhook verification configuration
type StripeConfig struct {
	EndpointSecret string `yaml:"endpoint_secret" envconfig:"ENDPOINT_SECRET"`
}

// PayPalConfig contains PayPal webhook verification configuration
type PayPalConfig struct {
	WebhookID     string        `yaml:"webhook_id" envconfig:"WEBHOOK_ID"`
	ClientID      string        `yaml:"client_id" envconfig:"CLIENT_ID"`
	ClientSecret  string        `yaml:"client_secret" envconfig:"CLIENT_SECRET"`
	APIBase       string        `yaml:"api_base" envconfig:"API_BASE" default:"https://api-m.paypal.com"`
	VerifyTimeout time.Duration `yaml:"verify_timeout" envconfig:"VERIFY_TIMEOUT" default:"10s"`
}

// AlertConfig contains outbound security-alert delivery configuration
type AlertConfig struct {
	SlackWebhookURL string        `yaml:"slack_webhook_url" envconfig:"SLACK_WEBHOOK_URL"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"10s"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keymint.log"`
}

// Load loads configuration from environment variables and an optional
// YAML config file (KEYMINT_CONFIG_FILE, default config.yaml). Environment
// values take precedence over file values.
func Load() (*Config, error) {
	var cfg Config

	configFile := os.Getenv("KEYMINT_CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	if _, err := os.Stat(configFile); err == nil {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = *fileCfg
	}

	if err := envconfig.Process("KEYMINT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults fills zero values that envconfig defaults only cover when
// the struct was not pre-populated from a file.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/keymint.db"
	}
	rl := &cfg.Security.RateLimit
	if rl.Window == 0 {
		rl.Window = time.Minute
	}
	if rl.ValidatePerIP == 0 {
		rl.ValidatePerIP = 60
	}
	if rl.StatusPerIP == 0 {
		rl.StatusPerIP = 60
	}
	if rl.ActivatePerIP == 0 {
		rl.ActivatePerIP = 10
	}
	if rl.DeactivatePerIP == 0 {
		rl.DeactivatePerIP = 10
	}
	if rl.BatchPerIP == 0 {
		rl.BatchPerIP = 5
	}
	if rl.PerKeyDivisor == 0 {
		rl.PerKeyDivisor = 2
	}
	if cfg.Licensing.DefaultMaxActivations == 0 {
		cfg.Licensing.DefaultMaxActivations = 3
	}
	if cfg.Licensing.TokenTTL == 0 {
		cfg.Licensing.TokenTTL = 5 * time.Minute
	}
	if cfg.Licensing.ActivationHistoryCap == 0 {
		cfg.Licensing.ActivationHistoryCap = 50
	}
	if cfg.Webhooks.ProcessTimeout == 0 {
		cfg.Webhooks.ProcessTimeout = 30 * time.Second
	}
	if cfg.Webhooks.MarkerRetention == 0 {
		cfg.Webhooks.MarkerRetention = 90 * 24 * time.Hour
	}
	if cfg.Webhooks.PayPal.APIBase == "" {
		cfg.Webhooks.PayPal.APIBase = "https://api-m.paypal.com"
	}
	if cfg.Webhooks.PayPal.VerifyTimeout == 0 {
		cfg.Webhooks.PayPal.VerifyTimeout = 10 * time.Second
	}
	if cfg.Alerts.Timeout == 0 {
		cfg.Alerts.Timeout = 10 * time.Second
	}
	if cfg.Security.HashSalt == "" {
		cfg.Security.HashSalt = "keymint-dev-salt"
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = "keymint-dev-jwt-secret"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "console"
	}
	if cfg.Logging.FilePath == "" {
		cfg.Logging.FilePath = "logs/keymint.log"
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	rl := c.Security.RateLimit
	if rl.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if rl.PerKeyDivisor <= 0 {
		return fmt.Errorf("rate limit per-key divisor must be positive")
	}

	if c.Licensing.DefaultMaxActivations <= 0 {
		return fmt.Errorf("default max activations must be positive")
	}

	return nil
}
