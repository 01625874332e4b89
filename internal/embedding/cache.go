package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	sqvect "github.com/liliang-cn/sqvect/v2/pkg/core"

	"lagrum/internal/logging"
)

// =============================================================================
// ON-DISK EMBEDDING CACHE
// =============================================================================

// CachedEngine wraps an Engine with a persistent cache keyed by
// sha256(task|model|text). Query embeddings repeat heavily across requests
// (rewrites and expansions converge on the same phrasings), so a disk cache
// pays for itself quickly on a local embedding server.
type CachedEngine struct {
	inner  Engine
	store  *sqvect.SQLiteStore
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedEngine opens (or creates) the cache database at path and wraps
// inner. The cache is best-effort: read and write failures fall through to
// the inner engine.
func NewCachedEngine(inner Engine, path string) (*CachedEngine, error) {
	dims := inner.Dimensions()
	if dims == 0 {
		vec, err := inner.Embed(context.Background(), "dimensionsprov", TaskPassage)
		if err != nil {
			return nil, fmt.Errorf("probe embedding dimensions: %w", err)
		}
		dims = len(vec)
	}
	store, err := sqvect.New(path, dims)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	if err := store.Init(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("init embedding cache: %w", err)
	}
	logging.Embedding("embedding cache open at %s", path)
	return &CachedEngine{inner: inner, store: store}, nil
}

func (c *CachedEngine) key(text string, task Task) string {
	h := sha256.Sum256([]byte(string(task) + "|" + c.inner.Name() + "|" + text))
	return hex.EncodeToString(h[:])
}

// Embed returns the cached vector when present, otherwise embeds and stores.
func (c *CachedEngine) Embed(ctx context.Context, text string, task Task) ([]float32, error) {
	key := c.key(text, task)

	if cached, err := c.store.GetByDocID(ctx, key); err == nil && len(cached) > 0 {
		c.hits.Add(1)
		logging.EmbeddingDebug("cache hit for %s", key[:12])
		return cached[0].Vector, nil
	}
	c.misses.Add(1)

	vec, err := c.inner.Embed(ctx, text, task)
	if err != nil {
		return nil, err
	}

	if err := c.store.Upsert(ctx, &sqvect.Embedding{
		ID:     key,
		DocID:  key,
		Vector: vec,
	}); err != nil {
		logging.Get(logging.CategoryEmbedding).Warn("cache write failed for %s: %v", key[:12], err)
	}
	return vec, nil
}

// EmbedBatch embeds texts with per-text cache lookups, batching only the
// misses through the inner engine.
func (c *CachedEngine) EmbedBatch(ctx context.Context, texts []string, task Task) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		key := c.key(text, task)
		if cached, err := c.store.GetByDocID(ctx, key); err == nil && len(cached) > 0 {
			c.hits.Add(1)
			out[i] = cached[0].Vector
			continue
		}
		c.misses.Add(1)
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts, task)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		key := c.key(texts[i], task)
		if err := c.store.Upsert(ctx, &sqvect.Embedding{ID: key, DocID: key, Vector: vecs[j]}); err != nil {
			logging.Get(logging.CategoryEmbedding).Warn("cache write failed for %s: %v", key[:12], err)
		}
	}
	return out, nil
}

// CacheStats returns the lookup counters since startup.
func (c *CachedEngine) CacheStats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Dimensions returns the inner engine's dimensionality.
func (c *CachedEngine) Dimensions() int { return c.inner.Dimensions() }

// Name returns the inner engine name with a cache marker.
func (c *CachedEngine) Name() string { return c.inner.Name() + "+cache" }

// HealthCheck delegates to the inner engine when it supports probing.
func (c *CachedEngine) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Close releases the cache database.
func (c *CachedEngine) Close() error {
	return c.store.Close()
}
