// Package config loads and validates the application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ctxpipe/pkg/logger"
)

// Config is the root configuration structure.
type Config struct {
	Log       logger.LogConfig `mapstructure:"log" yaml:"log"`
	Pipeline  PipelineConfig   `mapstructure:"pipeline" yaml:"pipeline"`
	Embedding EmbeddingConfig  `mapstructure:"embedding" yaml:"embedding"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
}

// PipelineConfig holds the stage thresholds for one pipeline.
type PipelineConfig struct {
	TokenBudget int             `mapstructure:"token_budget" yaml:"token_budget"`
	Volume      VolumeConfig    `mapstructure:"volume" yaml:"volume"`
	Budget      BudgetConfig    `mapstructure:"budget" yaml:"budget"`
	ToolTrace   ToolTraceConfig `mapstructure:"tool_trace" yaml:"tool_trace"`
	Relevance   RelevanceConfig `mapstructure:"relevance" yaml:"relevance"`
	Dedup       DedupConfig     `mapstructure:"dedup" yaml:"dedup"`

	// ExcludedTools lists tool names whose traces the tool trace filter
	// always keeps.
	ExcludedTools []string `mapstructure:"excluded_tools" yaml:"excluded_tools,omitempty"`
}

// VolumeConfig configures the structural volume filter.
type VolumeConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	MinMessages int  `mapstructure:"min_messages" yaml:"min_messages"`
	KeepHead    int  `mapstructure:"keep_head" yaml:"keep_head"`
	KeepTail    int  `mapstructure:"keep_tail" yaml:"keep_tail"`
	HardLimit   int  `mapstructure:"hard_limit" yaml:"hard_limit"`
}

// BudgetConfig configures the token budget enforcer.
type BudgetConfig struct {
	Enabled          bool `mapstructure:"enabled" yaml:"enabled"`
	ContinuityFloor  int  `mapstructure:"continuity_floor" yaml:"continuity_floor"`
	FlatTokensPerMsg int  `mapstructure:"flat_tokens_per_msg" yaml:"flat_tokens_per_msg"`
	LastResortCap    int  `mapstructure:"last_resort_cap" yaml:"last_resort_cap"`
}

// ToolTraceConfig configures the tool trace filter. The allow-list lives
// in PipelineConfig.ExcludedTools.
type ToolTraceConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// RelevanceConfig configures the relevance segmenter.
type RelevanceConfig struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
	MinMessages    int  `mapstructure:"min_messages" yaml:"min_messages"`
	SegmentSize    int  `mapstructure:"segment_size" yaml:"segment_size"`
	MiddleKeepBase int  `mapstructure:"middle_keep_base" yaml:"middle_keep_base"`
	FallbackRecent int  `mapstructure:"fallback_recent" yaml:"fallback_recent"`
}

// DedupConfig configures the duplicate collapser.
type DedupConfig struct {
	Enabled             bool    `mapstructure:"enabled" yaml:"enabled"`
	MinClusterSize      int     `mapstructure:"min_cluster_size" yaml:"min_cluster_size"`
	MaxClusters         int     `mapstructure:"max_clusters" yaml:"max_clusters"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
}

// EmbeddingConfig configures the embedding provider and its cache.
type EmbeddingConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	Model          string        `mapstructure:"model" yaml:"model"`
	Dimensions     int           `mapstructure:"dimensions" yaml:"dimensions"`
	MaxInputLength int           `mapstructure:"max_input_length" yaml:"max_input_length"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheSize      int           `mapstructure:"cache_size" yaml:"cache_size"`

	// APIKeyEnv names the environment variable holding the API key. The
	// key itself never lives in the config file.
	APIKeyEnv string `mapstructure:"api_key_env" yaml:"api_key_env"`
}

// TelemetryConfig configures the observability sinks.
type TelemetryConfig struct {
	LogStages   bool   `mapstructure:"log_stages" yaml:"log_stages"`
	Metrics     bool   `mapstructure:"metrics" yaml:"metrics"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// Load reads the configuration file at path, falling back to defaults for
// anything unset. A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Pipeline.TokenBudget <= 0 {
		return errors.New("config: pipeline.token_budget must be positive")
	}
	if c.Pipeline.Volume.KeepHead+c.Pipeline.Volume.KeepTail > c.Pipeline.Volume.HardLimit {
		return errors.New("config: pipeline.volume keep_head + keep_tail must not exceed hard_limit")
	}
	if t := c.Pipeline.Dedup.SimilarityThreshold; t <= 0 || t > 1 {
		return errors.New("config: pipeline.dedup.similarity_threshold must be in (0, 1]")
	}
	if c.Embedding.Enabled && c.Embedding.APIKeyEnv == "" {
		return errors.New("config: embedding.api_key_env is required when embedding is enabled")
	}
	return nil
}

// APIKey resolves the embedding API key from the environment.
func (c *EmbeddingConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// WriteDefault writes the default configuration as YAML to path, creating
// parent directories as needed. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
