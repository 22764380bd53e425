package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	ListenAddr string `mapstructure:"LISTEN_ADDR"`
	DBURL      string `mapstructure:"DB_URL"`

	GithubToken   string `mapstructure:"GITHUB_TOKEN"`
	WebhookSecret string `mapstructure:"GITHUB_WEBHOOK_SECRET"`
	RepoOwner     string `mapstructure:"REPO_OWNER"`
	RepoName      string `mapstructure:"REPO_NAME"`

	InferenceURL   string `mapstructure:"INFERENCE_URL"`
	InferenceModel string `mapstructure:"INFERENCE_MODEL"`
	MaxDiffChars   int    `mapstructure:"MAX_DIFF_CHARS"`

	NotifyWebhookURL string        `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyDelay      time.Duration `mapstructure:"NOTIFY_DELAY"`

	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`

	MaxRetries         int           `mapstructure:"MAX_RETRIES"`
	RetryBaseDelay     time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryBackoffFactor float64       `mapstructure:"RETRY_BACKOFF_FACTOR"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	InferenceTimeout   time.Duration `mapstructure:"INFERENCE_TIMEOUT"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LISTEN_ADDR", ":8080")
	viper.SetDefault("INFERENCE_URL", "http://localhost:11434")
	viper.SetDefault("INFERENCE_MODEL", "llama3.1:8b")
	viper.SetDefault("MAX_DIFF_CHARS", 10000)
	viper.SetDefault("NOTIFY_DELAY", "2s")
	viper.SetDefault("SWEEP_INTERVAL", "5m")
	viper.SetDefault("MAX_RETRIES", 3)
	viper.SetDefault("RETRY_BASE_DELAY", "2s")
	viper.SetDefault("RETRY_BACKOFF_FACTOR", 2.0)
	viper.SetDefault("REQUEST_TIMEOUT", "30s")
	viper.SetDefault("INFERENCE_TIMEOUT", "300s")

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields. The webhook secret and allowlist are not
	// required here: the gateway fails closed per request when they are
	// missing, which keeps an unconfigured instance reachable for /healthz.
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.GithubToken == "" {
		return nil, errors.New("GITHUB_TOKEN is a required configuration field")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("MAX_RETRIES cannot be negative")
	}
	if cfg.RetryBackoffFactor < 1 {
		return nil, errors.New("RETRY_BACKOFF_FACTOR must be at least 1")
	}
	if cfg.MaxDiffChars <= 0 {
		return nil, errors.New("MAX_DIFF_CHARS must be positive")
	}

	return &cfg, nil
}
