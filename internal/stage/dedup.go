package stage

import (
	"context"

	"github.com/rs/zerolog"

	"ctxpipe/internal/embedding"
	"ctxpipe/internal/message"
)

// DuplicateCollapser defaults.
const (
	DefaultMinClusterSize      = 5
	DefaultMaxClusters         = 12
	DefaultSimilarityThreshold = 0.82
	dedupPrefixLen             = 100
	dedupLengthSlack           = 20
)

// DuplicateCollapser is the final cleanup pass removing near-duplicate
// system/assistant messages. User messages are ground truth and are never
// deduplicated. With an embedder wired it clusters by cosine similarity and
// keeps one representative per saturated cluster; without one it falls back
// to prefix-plus-length matching.
type DuplicateCollapser struct {
	MinClusterSize      int
	MaxClusters         int
	SimilarityThreshold float64

	cache    *embedding.Cache
	embedder embedding.Embedder
	logger   zerolog.Logger
}

// NewDuplicateCollapser creates a DuplicateCollapser. cache and embedder may
// be nil, selecting the prefix heuristic.
func NewDuplicateCollapser(cache *embedding.Cache, embedder embedding.Embedder, logger zerolog.Logger) *DuplicateCollapser {
	return &DuplicateCollapser{
		MinClusterSize:      DefaultMinClusterSize,
		MaxClusters:         DefaultMaxClusters,
		SimilarityThreshold: DefaultSimilarityThreshold,
		cache:               cache,
		embedder:            embedder,
		logger:              logger,
	}
}

// Name implements Stage.
func (d *DuplicateCollapser) Name() string {
	return "duplicate_collapser"
}

// Process implements Stage.
func (d *DuplicateCollapser) Process(ctx context.Context, msgs []message.Message) ([]message.Message, error) {
	if len(msgs) < d.MinClusterSize {
		return msgs, nil
	}

	var duplicate map[int]bool
	if d.embedder != nil && d.cache != nil {
		duplicate = d.clusterDuplicates(ctx, msgs)
	} else {
		duplicate = d.prefixDuplicates(msgs)
	}
	if len(duplicate) == 0 {
		return msgs, nil
	}

	out := make([]message.Message, 0, len(msgs)-len(duplicate))
	for i, m := range msgs {
		if duplicate[i] {
			continue
		}
		out = append(out, m)
	}
	d.logger.Debug().Int("removed", len(duplicate)).Int("kept", len(out)).Msg("collapsed duplicate messages")
	return out, nil
}

// prefixDuplicates marks a system/assistant message as duplicate when an
// earlier message shares its content prefix and has a length within the
// slack. Approximate, but cheap enough for a final pass.
func (d *DuplicateCollapser) prefixDuplicates(msgs []message.Message) map[int]bool {
	type seenEntry struct {
		lengths []int
	}
	seen := make(map[string]*seenEntry)
	duplicate := make(map[int]bool)

	for i, m := range msgs {
		if message.NormalizeRole(m.Role) == message.RoleUser {
			continue
		}
		text := m.Text()
		prefix := text
		if len(prefix) > dedupPrefixLen {
			prefix = prefix[:dedupPrefixLen]
		}

		entry, ok := seen[prefix]
		if !ok {
			seen[prefix] = &seenEntry{lengths: []int{len(text)}}
			continue
		}
		matched := false
		for _, l := range entry.lengths {
			if abs(l-len(text)) <= dedupLengthSlack {
				matched = true
				break
			}
		}
		if matched {
			duplicate[i] = true
		} else {
			entry.lengths = append(entry.lengths, len(text))
		}
	}
	return duplicate
}

// clusterDuplicates embeds system/assistant messages and groups them by
// cosine similarity. Once a cluster reaches MinClusterSize members, only its
// first member survives. Messages without an embedding fall through to the
// prefix heuristic.
func (d *DuplicateCollapser) clusterDuplicates(ctx context.Context, msgs []message.Message) map[int]bool {
	type cluster struct {
		centroid []float32
		members  []int
	}

	var clusters []*cluster
	var unembedded []int
	duplicate := make(map[int]bool)

	candidates := make([]int, 0, len(msgs))
	for i, m := range msgs {
		if message.NormalizeRole(m.Role) == message.RoleUser {
			continue
		}
		candidates = append(candidates, i)
	}

	texts := make([]string, len(candidates))
	for j, i := range candidates {
		texts[j] = msgs[i].Text()
	}
	vectors := d.cache.GetOrComputeBatch(ctx, texts, d.embedder)

	for j, i := range candidates {
		vec := vectors[j]
		if vec == nil {
			unembedded = append(unembedded, i)
			continue
		}

		var best *cluster
		bestScore := 0.0
		for _, c := range clusters {
			if score := embedding.CosineSimilarity(vec, c.centroid); score >= d.SimilarityThreshold && score > bestScore {
				best = c
				bestScore = score
			}
		}
		if best == nil {
			if len(clusters) < d.MaxClusters {
				clusters = append(clusters, &cluster{centroid: vec, members: []int{i}})
			}
			continue
		}
		best.members = append(best.members, i)
	}

	for _, c := range clusters {
		if len(c.members) < d.MinClusterSize {
			continue
		}
		// Keep the first occurrence as the cluster representative.
		for _, idx := range c.members[1:] {
			duplicate[idx] = true
		}
	}

	if len(unembedded) > 0 {
		d.logger.Debug().Int("count", len(unembedded)).Msg("messages without embeddings, applying prefix fallback")
		missing := make(map[int]bool, len(unembedded))
		for _, idx := range unembedded {
			missing[idx] = true
		}
		for idx, dup := range d.prefixDuplicates(msgs) {
			if dup && missing[idx] {
				duplicate[idx] = true
			}
		}
	}
	return duplicate
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Compile-time interface check
var _ Stage = (*DuplicateCollapser)(nil)
