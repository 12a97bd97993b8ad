// Package config loads the orchestrator configuration from YAML and the
// environment. The resulting *Config is passed explicitly to constructors.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/huddlechat/orchestrator/internal/apperr"
	"github.com/huddlechat/orchestrator/internal/tracing"
	"github.com/huddlechat/orchestrator/internal/vectordb"
)

// DefaultPath is used when neither --config nor CONFIG_PATH is set
const DefaultPath = "config/huddle.yaml"

// EnvPrefix prefixes environment overrides, e.g. HUDDLE_CONTEXT_MAX_MESSAGES
const EnvPrefix = "HUDDLE"

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AdminConfig struct {
	Port           int           `mapstructure:"port"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	// LocalMaxBytes sizes the in-process cache used when Redis is disabled
	LocalMaxBytes int64 `mapstructure:"local_max_bytes"`
}

type EmbeddingsConfig struct {
	Provider          string        `mapstructure:"provider"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	Dimensions        int           `mapstructure:"dimensions"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	LRUSize           int           `mapstructure:"lru_size"`
	LRUTTL            time.Duration `mapstructure:"lru_ttl"`
	SharedTTL         time.Duration `mapstructure:"shared_ttl"`
}

type CompletionConfig struct {
	Provider          string  `mapstructure:"provider"`
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	Model             string  `mapstructure:"model"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	// EchoReply is the canned reply of the echo provider; empty echoes the prompt
	EchoReply string `mapstructure:"echo_reply"`
}

type VectorConfig struct {
	Backend          string `mapstructure:"backend"`
	Metric           string `mapstructure:"metric"`
	QdrantURL        string `mapstructure:"qdrant_url"`
	QdrantCollection string `mapstructure:"qdrant_collection"`
}

type ContextConfig struct {
	MaxMessages      int           `mapstructure:"max_messages"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	DefaultLimit     int           `mapstructure:"default_limit"`
	DefaultThreshold float64       `mapstructure:"default_threshold"`
	BatchSize        int           `mapstructure:"batch_size"`
	ExternalTimeout  time.Duration `mapstructure:"external_timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
}

type PreferencesConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	HistoryLimit int    `mapstructure:"history_limit"`
	MinSamples   int    `mapstructure:"min_samples"`
}

type LearningConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	ModelVersion string        `mapstructure:"model_version"`
}

type RecommendationConfig struct {
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	MinScore           float64       `mapstructure:"min_score"`
	MaxRecommendations int           `mapstructure:"max_recommendations"`
	HistoryLimit       int           `mapstructure:"history_limit"`
	StatsResetAfter    int           `mapstructure:"stats_reset_after"`
}

type AgentsConfig struct {
	CatalogPath     string        `mapstructure:"catalog_path"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	Fallback        string        `mapstructure:"fallback"`
	RelevantLimit   int           `mapstructure:"relevant_limit"`
}

// Config is the full orchestrator configuration
type Config struct {
	Logging        LoggingConfig        `mapstructure:"logging"`
	Admin          AdminConfig          `mapstructure:"admin"`
	Tracing        tracing.Config       `mapstructure:"tracing"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Embeddings     EmbeddingsConfig     `mapstructure:"embeddings"`
	Completion     CompletionConfig     `mapstructure:"completion"`
	Vector         VectorConfig         `mapstructure:"vector"`
	Context        ContextConfig        `mapstructure:"context"`
	Preferences    PreferencesConfig    `mapstructure:"preferences"`
	Learning       LearningConfig       `mapstructure:"learning"`
	Recommendation RecommendationConfig `mapstructure:"recommendation"`
	Agents         AgentsConfig         `mapstructure:"agents"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("admin.port", 8081)
	v.SetDefault("admin.health_interval", 30*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "huddle-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "huddle:")
	v.SetDefault("redis.local_max_bytes", 64<<20)

	v.SetDefault("embeddings.provider", "hash")
	v.SetDefault("embeddings.api_key", "")
	v.SetDefault("embeddings.base_url", "")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.dimensions", 1536)
	v.SetDefault("embeddings.requests_per_second", 0)
	v.SetDefault("embeddings.lru_size", 2048)
	v.SetDefault("embeddings.lru_ttl", 30*time.Minute)
	v.SetDefault("embeddings.shared_ttl", time.Hour)

	v.SetDefault("completion.provider", "echo")
	v.SetDefault("completion.api_key", "")
	v.SetDefault("completion.base_url", "")
	v.SetDefault("completion.model", "gpt-4o-mini")
	v.SetDefault("completion.requests_per_second", 0)
	v.SetDefault("completion.echo_reply", "")

	v.SetDefault("vector.backend", "chromem")
	v.SetDefault("vector.metric", "cosine")
	v.SetDefault("vector.qdrant_url", "http://localhost:6333")
	v.SetDefault("vector.qdrant_collection", "huddle_messages")

	v.SetDefault("context.max_messages", 100)
	v.SetDefault("context.stale_after", 24*time.Hour)
	v.SetDefault("context.cleanup_interval", time.Hour)
	v.SetDefault("context.default_limit", 5)
	v.SetDefault("context.default_threshold", 0.7)
	v.SetDefault("context.batch_size", 100)
	v.SetDefault("context.external_timeout", 5*time.Second)
	v.SetDefault("context.retry_attempts", 3)
	v.SetDefault("context.retry_base_delay", time.Second)

	v.SetDefault("preferences.driver", "sqlite3")
	v.SetDefault("preferences.dsn", "file:huddle.db?_foreign_keys=on")
	v.SetDefault("preferences.history_limit", 100)
	v.SetDefault("preferences.min_samples", 5)

	v.SetDefault("learning.batch_size", 100)
	v.SetDefault("learning.cache_ttl", time.Hour)
	v.SetDefault("learning.model_version", "1.0.0")

	v.SetDefault("recommendation.cache_ttl", 30*time.Minute)
	v.SetDefault("recommendation.min_score", 0.7)
	v.SetDefault("recommendation.max_recommendations", 10)
	v.SetDefault("recommendation.history_limit", 100)
	v.SetDefault("recommendation.stats_reset_after", 10000)

	v.SetDefault("agents.catalog_path", "config/catalog.yaml")
	v.SetDefault("agents.response_timeout", 1500*time.Millisecond)
	v.SetDefault("agents.fallback", "")
	v.SetDefault("agents.relevant_limit", 5)
}

// ResolvePath picks the config file: explicit flag, then CONFIG_PATH, then DefaultPath
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// readInto reads the file (a missing file leaves defaults), applies port
// overrides and validates
func readInto(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Admin.Port = AdminPort(cfg.Admin.Port)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the configuration at path
func Load(path string) (*Config, error) {
	return readInto(newViper(path))
}

// AdminPort returns ADMIN_PORT, then METRICS_PORT, when set to a positive
// integer, and configured otherwise
func AdminPort(configured int) int {
	for _, key := range []string{"ADMIN_PORT", "METRICS_PORT"} {
		if p := os.Getenv(key); p != "" {
			if v, err := strconv.Atoi(p); err == nil && v > 0 {
				return v
			}
		}
	}
	return configured
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return apperr.NewValidation("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return apperr.NewValidation("logging.format", "must be json or console, got %q", c.Logging.Format)
	}
	if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
		return apperr.NewValidation("admin.port", "out of range: %d", c.Admin.Port)
	}

	switch c.Embeddings.Provider {
	case "openai", "hash":
	default:
		return apperr.NewValidation("embeddings.provider", "must be openai or hash, got %q", c.Embeddings.Provider)
	}
	switch c.Completion.Provider {
	case "openai", "echo":
	default:
		return apperr.NewValidation("completion.provider", "must be openai or echo, got %q", c.Completion.Provider)
	}
	switch c.Vector.Backend {
	case "chromem", "qdrant":
	default:
		return apperr.NewValidation("vector.backend", "must be chromem or qdrant, got %q", c.Vector.Backend)
	}
	if _, err := vectordb.ParseMetric(c.Vector.Metric); err != nil {
		return err
	}
	switch c.Preferences.Driver {
	case "sqlite3", "postgres":
	default:
		return apperr.NewValidation("preferences.driver", "must be sqlite3 or postgres, got %q", c.Preferences.Driver)
	}

	if c.Preferences.HistoryLimit < 1 || c.Preferences.HistoryLimit > 1000 {
		return apperr.NewValidation("preferences.history_limit", "must be in [1,1000], got %d", c.Preferences.HistoryLimit)
	}
	for name, v := range map[string]float64{
		"context.default_threshold": c.Context.DefaultThreshold,
		"recommendation.min_score":  c.Recommendation.MinScore,
	} {
		if v < 0 || v > 1 {
			return apperr.NewValidation(name, "must be in [0,1], got %v", v)
		}
	}
	for name, v := range map[string]int{
		"embeddings.dimensions":              c.Embeddings.Dimensions,
		"context.max_messages":               c.Context.MaxMessages,
		"context.batch_size":                 c.Context.BatchSize,
		"context.retry_attempts":             c.Context.RetryAttempts,
		"preferences.min_samples":            c.Preferences.MinSamples,
		"learning.batch_size":                c.Learning.BatchSize,
		"recommendation.max_recommendations": c.Recommendation.MaxRecommendations,
	} {
		if v <= 0 {
			return apperr.NewValidation(name, "must be positive, got %d", v)
		}
	}
	for name, d := range map[string]time.Duration{
		"admin.health_interval":    c.Admin.HealthInterval,
		"context.stale_after":      c.Context.StaleAfter,
		"context.cleanup_interval": c.Context.CleanupInterval,
		"context.external_timeout": c.Context.ExternalTimeout,
		"learning.cache_ttl":       c.Learning.CacheTTL,
		"recommendation.cache_ttl": c.Recommendation.CacheTTL,
		"agents.response_timeout":  c.Agents.ResponseTimeout,
	} {
		if d <= 0 {
			return apperr.NewValidation(name, "must be positive, got %s", d)
		}
	}
	return nil
}
