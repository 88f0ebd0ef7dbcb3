package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Cache key and sizing parameters.
const (
	// DefaultMaxSize bounds the number of cached vectors.
	DefaultMaxSize = 1000

	// keyPrefixLen is how much of the text participates in the cache key.
	// Combined with the full length it discriminates most distinct
	// messages without letting keys grow with message size.
	keyPrefixLen = 100
)

// Stats holds cache hit/miss accounting.
type Stats struct {
	Size   int     `json:"size"`
	Hits   uint64  `json:"hits"`
	Misses uint64  `json:"misses"`
	// HitRate is hits / (hits + misses), 0 when the cache is untouched.
	HitRate float64 `json:"hit_rate"`
}

// Cache is a bounded, thread-safe key→vector store wrapping an Embedder.
// When the entry count reaches the configured maximum it evicts the oldest
// quarter of entries in insertion order. FIFO-quartile eviction bounds
// worst-case memory without the per-access bookkeeping of true LRU.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string][]float32
	order   []string
	hits    uint64
	misses  uint64
	logger  zerolog.Logger
}

// NewCache creates a Cache holding at most maxSize vectors.
func NewCache(maxSize int, logger zerolog.Logger) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		maxSize: maxSize,
		entries: make(map[string][]float32),
		logger:  logger,
	}
}

// cacheKey derives a bounded key from the text: a fixed-length prefix plus
// the full length.
func cacheKey(text string) string {
	prefix := text
	if len(prefix) > keyPrefixLen {
		prefix = prefix[:keyPrefixLen]
	}
	return fmt.Sprintf("%s:%d", prefix, len(text))
}

// GetOrCompute returns the cached vector for text, computing and inserting
// it via the embedder on a miss. On provider failure it returns nil and logs
// a warning; it never returns an error to the caller.
func (c *Cache) GetOrCompute(ctx context.Context, text string, embedder Embedder) []float32 {
	if embedder == nil {
		return nil
	}

	key := cacheKey(text)

	c.mu.Lock()
	if vec, ok := c.entries[key]; ok {
		c.hits++
		c.mu.Unlock()
		return vec
	}
	c.misses++
	c.mu.Unlock()

	// The provider call runs outside the lock so concurrent runs are not
	// serialized behind network latency. A racing caller may compute the
	// same vector twice; the later insert is a no-op.
	vec, err := embedder.Embed(ctx, text)
	if err != nil {
		c.logger.Warn().Err(err).Int("textLen", len(text)).Msg("embedding failed, continuing without vector")
		return nil
	}

	c.mu.Lock()
	c.evictIfFull()
	if _, ok := c.entries[key]; !ok {
		c.entries[key] = vec
		c.order = append(c.order, key)
	}
	c.mu.Unlock()

	return vec
}

// GetOrComputeBatch returns the cached vectors for texts in input order,
// computing all misses with a single EmbedBatch call. Positions whose
// vector could not be obtained hold nil; like GetOrCompute it never
// returns an error.
func (c *Cache) GetOrComputeBatch(ctx context.Context, texts []string, embedder Embedder) [][]float32 {
	vectors := make([][]float32, len(texts))
	if embedder == nil || len(texts) == 0 {
		return vectors
	}

	keys := make([]string, len(texts))
	missing := make([]int, 0, len(texts))
	seen := make(map[string]int)

	c.mu.Lock()
	for i, text := range texts {
		keys[i] = cacheKey(text)
		if vec, ok := c.entries[keys[i]]; ok {
			c.hits++
			vectors[i] = vec
			continue
		}
		c.misses++
		// Duplicate keys in one batch embed once.
		if _, dup := seen[keys[i]]; !dup {
			seen[keys[i]] = len(missing)
			missing = append(missing, i)
		}
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return vectors
	}

	missingTexts := make([]string, len(missing))
	for j, i := range missing {
		missingTexts[j] = texts[i]
	}

	computed, err := embedder.EmbedBatch(ctx, missingTexts)
	if err != nil || len(computed) != len(missing) {
		c.logger.Warn().Err(err).Int("batch", len(missing)).Msg("batch embedding failed, continuing without vectors")
		return vectors
	}

	c.mu.Lock()
	for j, i := range missing {
		c.evictIfFull()
		if _, ok := c.entries[keys[i]]; !ok {
			c.entries[keys[i]] = computed[j]
			c.order = append(c.order, keys[i])
		}
	}
	c.mu.Unlock()

	for i := range texts {
		if vectors[i] != nil {
			continue
		}
		if j, ok := seen[keys[i]]; ok {
			vectors[i] = computed[j]
		}
	}
	return vectors
}

// evictIfFull removes the oldest quarter of entries when the cache is at
// capacity. Caller must hold c.mu.
func (c *Cache) evictIfFull() {
	if len(c.entries) < c.maxSize {
		return
	}
	evictCount := c.maxSize / 4
	if evictCount < 1 {
		evictCount = 1
	}
	if evictCount > len(c.order) {
		evictCount = len(c.order)
	}
	for _, key := range c.order[:evictCount] {
		delete(c.entries, key)
	}
	c.order = append([]string(nil), c.order[evictCount:]...)

	c.logger.Debug().Int("evicted", evictCount).Int("remaining", len(c.entries)).Msg("embedding cache eviction")
}

// Stats returns a snapshot of cache accounting.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:   len(c.entries),
		Hits:   c.hits,
		Misses: c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Clear removes all entries and resets counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string][]float32)
	c.order = nil
	c.hits = 0
	c.misses = 0
}
