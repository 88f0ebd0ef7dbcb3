// Package pipeline composes the context window reduction stages and runs
// message histories through them.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ctxpipe/internal/embedding"
	"ctxpipe/internal/message"
	"ctxpipe/internal/stage"
	"ctxpipe/internal/telemetry"
	"ctxpipe/internal/token"
)

// Options control a single pipeline run.
type Options struct {
	// ExcludedToolNames lists tools whose invocation traces are always
	// kept by the tool trace filter.
	ExcludedToolNames []string

	// UseEmbeddings enables the embedding-backed paths of the relevance
	// and deduplication stages. Without it (or without a configured
	// embedder) those stages run their heuristic fallbacks.
	UseEmbeddings bool

	// Tuning overrides individual stage thresholds. Nil keeps all
	// defaults; zero-valued fields are ignored.
	Tuning *StageTuning
}

// StageTuning carries per-stage threshold overrides. Only positive fields
// take effect. The Disable flags drop a stage from the chain entirely;
// they are expressed as disables so the zero value keeps the full chain.
type StageTuning struct {
	DisableVolume    bool
	DisableBudget    bool
	DisableToolTrace bool
	DisableRelevance bool
	DisableDedup     bool

	VolumeMinMessages int
	VolumeKeepHead    int
	VolumeKeepTail    int
	VolumeHardLimit   int

	ContinuityFloor  int
	FlatTokensPerMsg int
	LastResortCap    int

	RelevanceMinMessages int
	SegmentSize          int
	MiddleKeepBase       int
	FallbackRecent       int

	MinClusterSize      int
	MaxClusters         int
	SimilarityThreshold float64
}

func (t *StageTuning) apply(volume *stage.VolumeFilter, budget *stage.BudgetEnforcer, relevance *stage.RelevanceSegmenter, dedup *stage.DuplicateCollapser) {
	if t == nil {
		return
	}
	if t.VolumeMinMessages > 0 {
		volume.MinMessages = t.VolumeMinMessages
	}
	if t.VolumeKeepHead > 0 {
		volume.KeepHead = t.VolumeKeepHead
	}
	if t.VolumeKeepTail > 0 {
		volume.KeepTail = t.VolumeKeepTail
	}
	if t.VolumeHardLimit > 0 {
		volume.HardLimit = t.VolumeHardLimit
	}
	if t.ContinuityFloor > 0 {
		budget.ContinuityFloor = t.ContinuityFloor
	}
	if t.FlatTokensPerMsg > 0 {
		budget.FlatTokensPerMsg = t.FlatTokensPerMsg
	}
	if t.LastResortCap > 0 {
		budget.LastResortCap = t.LastResortCap
	}
	if t.RelevanceMinMessages > 0 {
		relevance.MinMessages = t.RelevanceMinMessages
	}
	if t.SegmentSize > 0 {
		relevance.SegmentSize = t.SegmentSize
	}
	if t.MiddleKeepBase > 0 {
		relevance.MiddleKeepBase = t.MiddleKeepBase
	}
	if t.FallbackRecent > 0 {
		relevance.FallbackRecent = t.FallbackRecent
	}
	if t.MinClusterSize > 0 {
		dedup.MinClusterSize = t.MinClusterSize
	}
	if t.MaxClusters > 0 {
		dedup.MaxClusters = t.MaxClusters
	}
	if t.SimilarityThreshold > 0 {
		dedup.SimilarityThreshold = t.SimilarityThreshold
	}
}

// Pipeline reduces a message history to a bounded, budget-compliant
// subsequence. It holds no per-run state: one Pipeline may serve concurrent
// runs, sharing its embedding cache across them.
type Pipeline struct {
	estimator token.Estimator
	embedder  embedding.Embedder
	cache     *embedding.Cache
	sinks     []telemetry.Sink
	logger    zerolog.Logger

	mu         sync.Mutex
	lastReport []telemetry.StageReport
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEstimator sets the token estimator. Without one the budget enforcer
// uses its flat per-message fallback.
func WithEstimator(e token.Estimator) Option {
	return func(p *Pipeline) { p.estimator = e }
}

// WithEmbedder sets the embedding provider and the shared cache in front
// of it.
func WithEmbedder(e embedding.Embedder, cache *embedding.Cache) Option {
	return func(p *Pipeline) {
		p.embedder = e
		p.cache = cache
	}
}

// WithSink registers an observability sink. May be given multiple times.
func WithSink(s telemetry.Sink) Option {
	return func(p *Pipeline) { p.sinks = append(p.sinks, s) }
}

// WithLogger sets the pipeline logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New creates a Pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	if p.embedder != nil && p.cache == nil {
		p.cache = embedding.NewCache(embedding.DefaultMaxSize, p.logger)
	}
	return p
}

// Chain assembles the default ordered stage list for one run. Every stage
// is wrapped with the fail-open combinator.
func (p *Pipeline) Chain(budget int, opts Options) []stage.Stage {
	embedder := p.embedder
	if !opts.UseEmbeddings {
		embedder = nil
	}

	volume := stage.NewVolumeFilter()
	enforcer := stage.NewBudgetEnforcer(budget, p.estimator, p.logger)
	relevance := stage.NewRelevanceSegmenter(p.cache, embedder, p.logger)
	dedup := stage.NewDuplicateCollapser(p.cache, embedder, p.logger)
	t := opts.Tuning
	t.apply(volume, enforcer, relevance, dedup)

	stages := make([]stage.Stage, 0, 5)
	if t == nil || !t.DisableVolume {
		stages = append(stages, volume)
	}
	if t == nil || !t.DisableBudget {
		stages = append(stages, enforcer)
	}
	if t == nil || !t.DisableToolTrace {
		stages = append(stages, stage.NewToolTraceFilter(opts.ExcludedToolNames))
	}
	if t == nil || !t.DisableRelevance {
		stages = append(stages, relevance)
	}
	if t == nil || !t.DisableDedup {
		stages = append(stages, dedup)
	}

	wrapped := make([]stage.Stage, len(stages))
	for i, s := range stages {
		wrapped[i] = stage.WithFailsafe(s, p.logger)
	}
	return wrapped
}

// Run processes one snapshot of a conversation through the stage chain and
// returns a new, independent reduced sequence. It never returns an error:
// stage failures degrade to pass-through and are reported via the sinks.
// Context cancellation stops between stages, returning the working set
// reduced so far.
func (p *Pipeline) Run(ctx context.Context, msgs []message.Message, budget int, opts Options) []message.Message {
	working := message.Clone(msgs)
	stages := p.Chain(budget, opts)
	reports := make([]telemetry.StageReport, 0, len(stages))

	start := time.Now()
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			p.logger.Warn().Err(err).Str("stage", s.Name()).Msg("pipeline canceled, returning partial reduction")
			break
		}

		stageStart := time.Now()
		out, err := s.Process(ctx, working)

		report := telemetry.StageReport{
			Stage:       s.Name(),
			InputCount:  len(working),
			OutputCount: len(out),
			Latency:     time.Since(stageStart),
			Err:         err,
		}
		reports = append(reports, report)
		for _, sink := range p.sinks {
			p.observe(ctx, sink, report)
		}

		working = out
	}

	p.logger.Debug().
		Int("input", len(msgs)).
		Int("output", len(working)).
		Dur("latency", time.Since(start)).
		Msg("pipeline run completed")

	p.mu.Lock()
	p.lastReport = reports
	p.mu.Unlock()

	return working
}

// observe delivers one report to one sink. Sinks are observers only: a
// panicking sink is logged and must not abort the run.
func (p *Pipeline) observe(ctx context.Context, sink telemetry.Sink, report telemetry.StageReport) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("stage", report.Stage).Msg("telemetry sink panicked")
		}
	}()
	sink.Observe(ctx, report)
}

// LastReports returns the per-stage reports of the most recent run.
func (p *Pipeline) LastReports() []telemetry.StageReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]telemetry.StageReport, len(p.lastReport))
	copy(out, p.lastReport)
	return out
}

// CacheStats returns the embedding cache statistics, or zero stats when no
// cache is configured.
func (p *Pipeline) CacheStats() embedding.Stats {
	if p.cache == nil {
		return embedding.Stats{}
	}
	return p.cache.Stats()
}
