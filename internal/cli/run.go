package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ctxpipe/internal/config"
	"ctxpipe/internal/embedding"
	"ctxpipe/internal/message"
	"ctxpipe/internal/pipeline"
	"ctxpipe/internal/telemetry"
	"ctxpipe/internal/token"
)

// RunOptions holds the run command flags.
type RunOptions struct {
	Input         string
	Output        string
	Budget        int
	UseEmbeddings bool
	ExcludeTools  []string
	Stats         bool
}

// NewRunCmd creates the run command, which reduces a JSONL transcript.
func NewRunCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reduce a conversation transcript",
		Long: `Read a conversation transcript as JSONL (one message object per
line), run it through the reduction pipeline and write the surviving
messages as JSONL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if cliCtx == nil {
				return errors.New("configuration not loaded")
			}
			return RunReduce(cmd, cliCtx, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "-", "input transcript path, - for stdin")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "-", "output path, - for stdout")
	cmd.Flags().IntVarP(&opts.Budget, "budget", "b", 0, "token budget override")
	cmd.Flags().BoolVar(&opts.UseEmbeddings, "use-embeddings", false, "force embedding-backed stages on")
	cmd.Flags().StringSliceVar(&opts.ExcludeTools, "exclude-tool", nil, "tool name whose traces to keep (repeatable)")
	cmd.Flags().BoolVar(&opts.Stats, "stats", false, "print per-stage statistics to stderr")

	return cmd
}

// RunReduce executes one pipeline run over the transcript named by opts.
func RunReduce(cmd *cobra.Command, cliCtx *CLIContext, opts *RunOptions) error {
	cfg := cliCtx.Config
	log := cliCtx.Logger

	msgs, err := readTranscript(cmd, opts.Input)
	if err != nil {
		return err
	}
	for i := range msgs {
		msgs[i].EnsureID()
	}
	log.Info().Int("messages", len(msgs)).Str("input", opts.Input).Msg("transcript loaded")

	pipelineOpts := []pipeline.Option{
		pipeline.WithEstimator(token.NewCharEstimator()),
		pipeline.WithLogger(*log),
	}

	useEmbeddings := opts.UseEmbeddings || cfg.Embedding.Enabled
	if useEmbeddings {
		embedder, err := buildEmbedder(cfg)
		if err != nil {
			return err
		}
		cache := embedding.NewCache(cfg.Embedding.CacheSize, *log)
		pipelineOpts = append(pipelineOpts, pipeline.WithEmbedder(embedder, cache))
	}

	if cfg.Telemetry.LogStages {
		pipelineOpts = append(pipelineOpts, pipeline.WithSink(telemetry.NewLogSink(*log)))
	}
	if cfg.Telemetry.Metrics {
		provider, err := telemetry.InitMetrics(cmd.Context(), cfg.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		defer func() {
			if err := provider.Shutdown(cmd.Context()); err != nil {
				log.Warn().Err(err).Msg("metrics shutdown failed")
			}
		}()

		sink, err := telemetry.NewMetricSink(provider.Meter)
		if err != nil {
			return fmt.Errorf("create metric sink: %w", err)
		}
		pipelineOpts = append(pipelineOpts, pipeline.WithSink(sink))
	}

	p := pipeline.New(pipelineOpts...)

	budget := cfg.Pipeline.TokenBudget
	if opts.Budget > 0 {
		budget = opts.Budget
	}
	excluded := append([]string{}, cfg.Pipeline.ExcludedTools...)
	excluded = append(excluded, opts.ExcludeTools...)

	reduced := p.Run(cmd.Context(), msgs, budget, pipeline.Options{
		ExcludedToolNames: excluded,
		UseEmbeddings:     useEmbeddings,
		Tuning:            tuningFromConfig(&cfg.Pipeline),
	})

	if err := writeTranscript(cmd, opts.Output, reduced); err != nil {
		return err
	}
	log.Info().Int("input", len(msgs)).Int("output", len(reduced)).Msg("reduction complete")

	if opts.Stats {
		printStats(cmd.ErrOrStderr(), p, useEmbeddings)
	}
	return nil
}

// tuningFromConfig maps the configured stage thresholds onto pipeline
// overrides.
func tuningFromConfig(pc *config.PipelineConfig) *pipeline.StageTuning {
	return &pipeline.StageTuning{
		DisableVolume:    !pc.Volume.Enabled,
		DisableBudget:    !pc.Budget.Enabled,
		DisableToolTrace: !pc.ToolTrace.Enabled,
		DisableRelevance: !pc.Relevance.Enabled,
		DisableDedup:     !pc.Dedup.Enabled,

		VolumeMinMessages: pc.Volume.MinMessages,
		VolumeKeepHead:    pc.Volume.KeepHead,
		VolumeKeepTail:    pc.Volume.KeepTail,
		VolumeHardLimit:   pc.Volume.HardLimit,

		ContinuityFloor:  pc.Budget.ContinuityFloor,
		FlatTokensPerMsg: pc.Budget.FlatTokensPerMsg,
		LastResortCap:    pc.Budget.LastResortCap,

		RelevanceMinMessages: pc.Relevance.MinMessages,
		SegmentSize:          pc.Relevance.SegmentSize,
		MiddleKeepBase:       pc.Relevance.MiddleKeepBase,
		FallbackRecent:       pc.Relevance.FallbackRecent,

		MinClusterSize:      pc.Dedup.MinClusterSize,
		MaxClusters:         pc.Dedup.MaxClusters,
		SimilarityThreshold: pc.Dedup.SimilarityThreshold,
	}
}

func buildEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	apiKey := cfg.Embedding.APIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("embedding enabled but %s is not set", cfg.Embedding.APIKeyEnv)
	}
	return embedding.NewOpenAIEmbedder(embedding.OpenAIEmbedderOptions{
		TokenProvider:  embedding.StaticToken(apiKey),
		Model:          cfg.Embedding.Model,
		Dimensions:     cfg.Embedding.Dimensions,
		MaxInputLength: cfg.Embedding.MaxInputLength,
		Timeout:        cfg.Embedding.Timeout,
		BaseURL:        cfg.Embedding.BaseURL,
	})
}

// readTranscript parses one message object per line.
func readTranscript(cmd *cobra.Command, path string) ([]message.Message, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open transcript: %w", err)
		}
		defer f.Close()
		r = f
	}

	var msgs []message.Message
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var m message.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse transcript line %d: %w", line, err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return msgs, nil
}

func writeTranscript(cmd *cobra.Command, path string, msgs []message.Message) error {
	var w io.Writer
	if path == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i := range msgs {
		if err := enc.Encode(&msgs[i]); err != nil {
			return fmt.Errorf("write message %d: %w", i, err)
		}
	}
	return bw.Flush()
}

func printStats(w io.Writer, p *pipeline.Pipeline, withCache bool) {
	for _, r := range p.LastReports() {
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
		}
		fmt.Fprintf(w, "%-22s in=%-6d out=%-6d removed=%-6d latency=%-12s %s\n",
			r.Stage, r.InputCount, r.OutputCount, r.Removed(), r.Latency, status)
	}
	if withCache {
		s := p.CacheStats()
		fmt.Fprintf(w, "embedding cache: size=%d hits=%d misses=%d hit_rate=%.2f\n",
			s.Size, s.Hits, s.Misses, s.HitRate)
	}
}
