package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Sources      SourcesConfig      `mapstructure:"sources"`
	Detection    DetectionConfig    `mapstructure:"detection"`
	Proposer     ProposerConfig     `mapstructure:"proposer"`
	Lifecycle    LifecycleConfig    `mapstructure:"lifecycle"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SourcesConfig holds configuration for cost feed sources
type SourcesConfig struct {
	AWS   SourceConfig `mapstructure:"aws"`
	GCP   SourceConfig `mapstructure:"gcp"`
	Azure SourceConfig `mapstructure:"azure"`
}

// SourceConfig holds one normalized billing feed endpoint
type SourceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// DetectionConfig holds baseline and anomaly detection configuration
type DetectionConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	WindowDays        int           `mapstructure:"window_days"`
	MinBaselineDays   int           `mapstructure:"min_baseline_days"`
	Epsilon           float64       `mapstructure:"epsilon"`
	ThresholdLow      float64       `mapstructure:"threshold_low"`      // deviation percent
	ThresholdMedium   float64       `mapstructure:"threshold_medium"`   // deviation percent
	ThresholdHigh     float64       `mapstructure:"threshold_high"`     // deviation percent
	ThresholdCritical float64       `mapstructure:"threshold_critical"` // deviation percent
	StaleAfter        time.Duration `mapstructure:"stale_after"`
}

// ProposerConfig holds action proposal configuration
type ProposerConfig struct {
	TrivialSavingsThreshold float64 `mapstructure:"trivial_savings_threshold"` // USD
}

// LifecycleConfig holds action lifecycle engine configuration
type LifecycleConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	ApprovalSLA   time.Duration `mapstructure:"approval_sla"`
	ExecutionSLA  time.Duration `mapstructure:"execution_sla"`
}

// OrchestratorConfig holds the external orchestrator bridge configuration
type OrchestratorConfig struct {
	ResumeURL      string        `mapstructure:"resume_url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
}

// AlertingConfig holds notification configuration
type AlertingConfig struct {
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Database defaults
	v.SetDefault("database.path", "./data/costsentry.db")

	// Source defaults
	v.SetDefault("sources.aws.enabled", false)
	v.SetDefault("sources.gcp.enabled", false)
	v.SetDefault("sources.azure.enabled", false)

	// Detection defaults
	v.SetDefault("detection.poll_interval", 5*time.Minute)
	v.SetDefault("detection.window_days", 7)
	v.SetDefault("detection.min_baseline_days", 3)
	v.SetDefault("detection.epsilon", 0.01)
	v.SetDefault("detection.threshold_low", 25.0)
	v.SetDefault("detection.threshold_medium", 50.0)
	v.SetDefault("detection.threshold_high", 100.0)
	v.SetDefault("detection.threshold_critical", 200.0)
	v.SetDefault("detection.stale_after", 24*time.Hour)

	// Proposer defaults
	v.SetDefault("proposer.trivial_savings_threshold", 10.0)

	// Lifecycle defaults
	v.SetDefault("lifecycle.sweep_interval", time.Minute)
	v.SetDefault("lifecycle.approval_sla", 24*time.Hour)
	v.SetDefault("lifecycle.execution_sla", 2*time.Hour)

	// Orchestrator defaults
	v.SetDefault("orchestrator.request_timeout", 10*time.Second)
	v.SetDefault("orchestrator.max_attempts", 5)
	v.SetDefault("orchestrator.backoff_base", time.Second)
	v.SetDefault("orchestrator.rate_per_second", 5.0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Source credentials from environment
	bindEnv("sources.aws.base_url", "AWS_COST_FEED_URL")
	bindEnv("sources.aws.api_key", "AWS_COST_FEED_KEY")
	bindEnv("sources.gcp.base_url", "GCP_COST_FEED_URL")
	bindEnv("sources.gcp.api_key", "GCP_COST_FEED_KEY")
	bindEnv("sources.azure.base_url", "AZURE_COST_FEED_URL")
	bindEnv("sources.azure.api_key", "AZURE_COST_FEED_KEY")

	// Orchestrator
	bindEnv("orchestrator.resume_url", "ORCHESTRATOR_RESUME_URL")
	bindEnv("orchestrator.token", "ORCHESTRATOR_TOKEN")

	// Alerting
	bindEnv("alerting.slack_webhook_url", "SLACK_WEBHOOK_URL")

	// Database path
	bindEnv("database.path", "DATABASE_PATH")

	// Server config
	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	for name, src := range map[string]SourceConfig{
		"aws":   c.Sources.AWS,
		"gcp":   c.Sources.GCP,
		"azure": c.Sources.Azure,
	} {
		if src.Enabled && src.BaseURL == "" {
			return fmt.Errorf("sources.%s.base_url is required when the %s feed is enabled", name, name)
		}
	}

	if c.Detection.WindowDays < c.Detection.MinBaselineDays {
		return fmt.Errorf("detection.window_days (%d) must be at least detection.min_baseline_days (%d)",
			c.Detection.WindowDays, c.Detection.MinBaselineDays)
	}

	if c.Detection.ThresholdLow >= c.Detection.ThresholdMedium ||
		c.Detection.ThresholdMedium >= c.Detection.ThresholdHigh ||
		c.Detection.ThresholdHigh >= c.Detection.ThresholdCritical {
		return fmt.Errorf("detection thresholds must be strictly increasing")
	}

	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.max_attempts must be at least 1")
	}

	return nil
}
