package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"
)

// Embedder is anything that embeds a document.
type Embedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

// Cached memoizes document embeddings by normalized text.
type Cached struct {
	next  Embedder
	cache *ristretto.Cache
}

// NewCached wraps next with a cache holding roughly maxBytes of vectors.
func NewCached(next Embedder, maxBytes int64) (*Cached, error) {
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{next: next, cache: cache}, nil
}

// EmbedDocument returns the cached vector for text or asks next.
func (c *Cached) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}
	vec, err := c.next.EmbedDocument(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, int64(len(vec)*4))
	return vec, nil
}

// Wait blocks until pending cache writes are applied.
func (c *Cached) Wait() { c.cache.Wait() }

// Close releases the cache.
func (c *Cached) Close() { c.cache.Close() }

func cacheKey(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
