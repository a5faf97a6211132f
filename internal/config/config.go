// Package config loads application configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. It is built once at
// process start and handed to each component's constructor; nothing reads
// the environment after this point.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Sonar     SonarConfig     `yaml:"sonar" mapstructure:"sonar"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Research  ResearchConfig  `yaml:"research" mapstructure:"research"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Ensemble  EnsembleConfig  `yaml:"ensemble" mapstructure:"ensemble"`
	Plans     PlansConfig     `yaml:"plans" mapstructure:"plans"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SonarConfig holds settings for the search-augmented research backend.
type SonarConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Model       string  `yaml:"model" mapstructure:"model"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// AnthropicConfig holds Anthropic API settings for structured extraction.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	ExtractModel string `yaml:"extract_model" mapstructure:"extract_model"`
	MaxTokens    int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// BatchConfig configures job creation and dispatch.
type BatchConfig struct {
	MaxProspectsPerBatch  int     `yaml:"max_prospects_per_batch" mapstructure:"max_prospects_per_batch"`
	MaxActiveJobsPerUser  int     `yaml:"max_active_jobs_per_user" mapstructure:"max_active_jobs_per_user"`
	MaxRetriesPerProspect int     `yaml:"max_retries_per_prospect" mapstructure:"max_retries_per_prospect"`
	DefaultConcurrency    int     `yaml:"default_concurrency" mapstructure:"default_concurrency"`
	MinQualityScore       float64 `yaml:"min_quality_score" mapstructure:"min_quality_score"`
}

// ResearchConfig configures the research executor.
type ResearchConfig struct {
	MaxAttempts     int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseMs   int `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	CallTimeoutSecs int `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	MaxSources      int `yaml:"max_sources" mapstructure:"max_sources"`
}

// CacheConfig configures the valuation/response cache.
type CacheConfig struct {
	TTLHours      int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	MemoryEntries int `yaml:"memory_entries" mapstructure:"memory_entries"`
}

// EnsembleConfig points at the merger's tuning constants file (weights,
// outlier thresholds, confidence cutoffs). Product-tuned, not hard-coded law.
type EnsembleConfig struct {
	ConfigPath string `yaml:"config_path" mapstructure:"config_path"`
}

// PlansConfig maps plan tiers to dispatcher concurrency limits.
type PlansConfig struct {
	Concurrency map[string]int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ServerConfig configures the HTTP trigger server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CacheTTL returns the configured cache TTL as a duration.
func (c CacheConfig) CacheTTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ROMY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Secrets and paths default to empty so AutomaticEnv
	// picks them up without a config file.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("sonar.key", "")
	v.SetDefault("sonar.base_url", "https://api.perplexity.ai")
	v.SetDefault("sonar.model", "sonar-pro")
	v.SetDefault("sonar.timeout_secs", 60)
	v.SetDefault("sonar.rate_limit", 2.0)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.extract_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("batch.max_prospects_per_batch", 500)
	v.SetDefault("batch.max_active_jobs_per_user", 3)
	v.SetDefault("batch.max_retries_per_prospect", 3)
	v.SetDefault("batch.default_concurrency", 3)
	v.SetDefault("batch.min_quality_score", 0.3)
	v.SetDefault("research.max_attempts", 3)
	v.SetDefault("research.backoff_base_ms", 1000)
	v.SetDefault("research.call_timeout_secs", 45)
	v.SetDefault("research.max_sources", 20)
	v.SetDefault("ensemble.config_path", "")
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.memory_entries", 1000)
	v.SetDefault("plans.concurrency", map[string]int{
		"starter":      3,
		"professional": 5,
		"enterprise":   8,
	})

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that required settings are present for the given mode.
func (c *Config) Validate(mode string) error {
	switch mode {
	case "research":
		if c.Sonar.Key == "" {
			return eris.New("config: sonar key is required (ROMY_SONAR_KEY)")
		}
	case "store":
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			return eris.New("config: database URL is required (ROMY_STORE_DATABASE_URL)")
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
