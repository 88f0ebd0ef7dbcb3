package config

import (
	"time"

	"github.com/spf13/viper"

	"ctxpipe/internal/embedding"
	"ctxpipe/internal/stage"
	"ctxpipe/pkg/logger"
)

// setDefaults registers every configuration default with viper.
func setDefaults(v *viper.Viper) {
	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	// Pipeline
	v.SetDefault("pipeline.token_budget", stage.DefaultTokenBudget)
	v.SetDefault("pipeline.volume.enabled", true)
	v.SetDefault("pipeline.volume.min_messages", stage.DefaultVolumeMinMessages)
	v.SetDefault("pipeline.volume.keep_head", stage.DefaultVolumeKeepHead)
	v.SetDefault("pipeline.volume.keep_tail", stage.DefaultVolumeKeepTail)
	v.SetDefault("pipeline.volume.hard_limit", stage.DefaultVolumeHardLimit)
	v.SetDefault("pipeline.budget.enabled", true)
	v.SetDefault("pipeline.budget.continuity_floor", stage.DefaultContinuityFloor)
	v.SetDefault("pipeline.budget.flat_tokens_per_msg", stage.DefaultFlatTokensPerMsg)
	v.SetDefault("pipeline.budget.last_resort_cap", stage.DefaultLastResortCap)
	v.SetDefault("pipeline.tool_trace.enabled", true)
	v.SetDefault("pipeline.relevance.enabled", true)
	v.SetDefault("pipeline.relevance.min_messages", stage.DefaultRelevanceMinMessages)
	v.SetDefault("pipeline.relevance.segment_size", stage.DefaultSegmentSize)
	v.SetDefault("pipeline.relevance.middle_keep_base", stage.DefaultMiddleKeepBase)
	v.SetDefault("pipeline.relevance.fallback_recent", stage.DefaultFallbackRecent)
	v.SetDefault("pipeline.dedup.enabled", true)
	v.SetDefault("pipeline.dedup.min_cluster_size", stage.DefaultMinClusterSize)
	v.SetDefault("pipeline.dedup.max_clusters", stage.DefaultMaxClusters)
	v.SetDefault("pipeline.dedup.similarity_threshold", stage.DefaultSimilarityThreshold)

	// Embedding
	v.SetDefault("embedding.enabled", false)
	v.SetDefault("embedding.base_url", "https://api.openai.com")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.max_input_length", 8192)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.cache_size", embedding.DefaultMaxSize)
	v.SetDefault("embedding.api_key_env", "OPENAI_API_KEY")

	// Telemetry
	v.SetDefault("telemetry.log_stages", true)
	v.SetDefault("telemetry.metrics", false)
	v.SetDefault("telemetry.service_name", "ctxpipe")
}

// Default returns the configuration with every field at its default value.
func Default() *Config {
	return &Config{
		Log: logger.LogConfig{
			Level:  "info",
			Format: "console",
		},
		Pipeline: PipelineConfig{
			TokenBudget: stage.DefaultTokenBudget,
			Volume: VolumeConfig{
				Enabled:     true,
				MinMessages: stage.DefaultVolumeMinMessages,
				KeepHead:    stage.DefaultVolumeKeepHead,
				KeepTail:    stage.DefaultVolumeKeepTail,
				HardLimit:   stage.DefaultVolumeHardLimit,
			},
			Budget: BudgetConfig{
				Enabled:          true,
				ContinuityFloor:  stage.DefaultContinuityFloor,
				FlatTokensPerMsg: stage.DefaultFlatTokensPerMsg,
				LastResortCap:    stage.DefaultLastResortCap,
			},
			ToolTrace: ToolTraceConfig{Enabled: true},
			Relevance: RelevanceConfig{
				Enabled:        true,
				MinMessages:    stage.DefaultRelevanceMinMessages,
				SegmentSize:    stage.DefaultSegmentSize,
				MiddleKeepBase: stage.DefaultMiddleKeepBase,
				FallbackRecent: stage.DefaultFallbackRecent,
			},
			Dedup: DedupConfig{
				Enabled:             true,
				MinClusterSize:      stage.DefaultMinClusterSize,
				MaxClusters:         stage.DefaultMaxClusters,
				SimilarityThreshold: stage.DefaultSimilarityThreshold,
			},
		},
		Embedding: EmbeddingConfig{
			Enabled:        false,
			BaseURL:        "https://api.openai.com",
			Model:          "text-embedding-3-small",
			Dimensions:     1536,
			MaxInputLength: 8192,
			Timeout:        30 * time.Second,
			CacheSize:      embedding.DefaultMaxSize,
			APIKeyEnv:      "OPENAI_API_KEY",
		},
		Telemetry: TelemetryConfig{
			LogStages:   true,
			ServiceName: "ctxpipe",
		},
	}
}
