package stage

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"ctxpipe/internal/embedding"
	"ctxpipe/internal/message"
)

// RelevanceSegmenter defaults.
const (
	DefaultRelevanceMinMessages = 50
	DefaultSegmentSize          = 25
	DefaultMiddleKeepBase       = 150
	DefaultInputWindowBase      = 4096
	DefaultFallbackRecent       = 75
)

// RelevanceSegmenter partitions the history into init/middle/recent
// segments and reduces the middle to its most relevant messages. With an
// embedder wired, relevance is cosine similarity to a recency-weighted
// centroid of the conversation; otherwise a role/length heuristic
// approximates it. Without any embedder the stage degrades to a coarse
// recent-window cut.
type RelevanceSegmenter struct {
	MinMessages    int
	SegmentSize    int
	MiddleKeepBase int
	FallbackRecent int

	cache    *embedding.Cache
	embedder embedding.Embedder
	logger   zerolog.Logger
}

// NewRelevanceSegmenter creates a RelevanceSegmenter. Both cache and
// embedder may be nil, selecting the no-embedding fallback.
func NewRelevanceSegmenter(cache *embedding.Cache, embedder embedding.Embedder, logger zerolog.Logger) *RelevanceSegmenter {
	return &RelevanceSegmenter{
		MinMessages:    DefaultRelevanceMinMessages,
		SegmentSize:    DefaultSegmentSize,
		MiddleKeepBase: DefaultMiddleKeepBase,
		FallbackRecent: DefaultFallbackRecent,
		cache:          cache,
		embedder:       embedder,
		logger:         logger,
	}
}

// Name implements Stage.
func (s *RelevanceSegmenter) Name() string {
	return "relevance_segmenter"
}

// Process implements Stage.
func (s *RelevanceSegmenter) Process(ctx context.Context, msgs []message.Message) ([]message.Message, error) {
	if len(msgs) <= s.MinMessages {
		return msgs, nil
	}

	if s.embedder == nil {
		return s.recentWindow(msgs), nil
	}

	n := len(msgs)
	recentCount := s.SegmentSize
	if recentCount > n {
		recentCount = n
	}
	initCount := s.SegmentSize
	if initCount > n-recentCount {
		initCount = n - recentCount
	}

	initSeg := msgs[:initCount]
	recentSeg := msgs[n-recentCount:]
	middle := msgs[initCount : n-recentCount]

	reduced := s.reduceMiddle(ctx, middle, recentSeg)

	out := make([]message.Message, 0, initCount+len(reduced)+recentCount)
	out = append(out, initSeg...)
	out = append(out, reduced...)
	out = append(out, recentSeg...)
	return out, nil
}

// middleCap scales the number of retained middle messages with how much
// text the embedding model can absorb per call.
func (s *RelevanceSegmenter) middleCap() int {
	return s.MiddleKeepBase * s.embedder.MaxInputLength() / DefaultInputWindowBase
}

// reduceMiddle keeps the most relevant user/assistant messages from the
// middle band, in their original order.
func (s *RelevanceSegmenter) reduceMiddle(ctx context.Context, middle, recent []message.Message) []message.Message {
	type candidate struct {
		index int
		score float64
	}

	candidates := make([]int, 0, len(middle))
	for i := range middle {
		switch message.NormalizeRole(middle[i].Role) {
		case message.RoleUser, message.RoleAssistant:
			candidates = append(candidates, i)
		}
	}

	limit := s.middleCap()
	if len(candidates) <= limit {
		kept := make([]message.Message, 0, len(candidates))
		for _, i := range candidates {
			kept = append(kept, middle[i])
		}
		return kept
	}

	scored := make([]candidate, 0, len(candidates))
	if centroid := s.conversationCentroid(ctx, recent); centroid != nil {
		texts := make([]string, len(candidates))
		for j, i := range candidates {
			texts[j] = middle[i].Text()
		}
		vectors := s.cache.GetOrComputeBatch(ctx, texts, s.embedder)
		for j, i := range candidates {
			scored = append(scored, candidate{index: i, score: embedding.CosineSimilarity(vectors[j], centroid)})
		}
	} else {
		// Heuristic approximation when similarity scoring is unavailable:
		// user-authored first, then longer content first.
		s.logger.Debug().Msg("no conversation centroid, ranking middle segment by role and length")
		for _, i := range candidates {
			score := float64(len(middle[i].Text()))
			if message.NormalizeRole(middle[i].Role) == message.RoleUser {
				score += 1e9
			}
			scored = append(scored, candidate{index: i, score: score})
		}
	}

	sort.SliceStable(scored, func(a, b int) bool {
		return scored[a].score > scored[b].score
	})
	scored = scored[:limit]

	// Restore conversation order among the winners.
	sort.Slice(scored, func(a, b int) bool {
		return scored[a].index < scored[b].index
	})

	kept := make([]message.Message, 0, len(scored))
	for _, c := range scored {
		kept = append(kept, middle[c.index])
	}
	return kept
}

// conversationCentroid embeds the recent segment and folds it into a
// recency-weighted centroid, later messages weighing more. Returns nil when
// no embeddings could be obtained.
func (s *RelevanceSegmenter) conversationCentroid(ctx context.Context, recent []message.Message) []float32 {
	if s.cache == nil || len(recent) == 0 {
		return nil
	}
	texts := make([]string, len(recent))
	weights := make([]float64, len(recent))
	for i := range recent {
		texts[i] = recent[i].Text()
		weights[i] = float64(i + 1)
	}
	vectors := s.cache.GetOrComputeBatch(ctx, texts, s.embedder)
	return embedding.Centroid(vectors, weights)
}

// recentWindow is the no-embedder fallback: the last FallbackRecent
// user/assistant messages system-wide.
func (s *RelevanceSegmenter) recentWindow(msgs []message.Message) []message.Message {
	kept := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		switch message.NormalizeRole(m.Role) {
		case message.RoleUser, message.RoleAssistant:
			kept = append(kept, m)
		}
	}
	if len(kept) > s.FallbackRecent {
		kept = kept[len(kept)-s.FallbackRecent:]
	}
	return kept
}

// Compile-time interface check
var _ Stage = (*RelevanceSegmenter)(nil)
