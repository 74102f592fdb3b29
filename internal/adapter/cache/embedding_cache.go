// Package cache holds in-process caches in front of slow collaborators.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"evcache/internal/logging"
	"evcache/internal/metrics"
	"evcache/internal/port"
)

// WrapEmbedder puts an expirable LRU in front of e. It returns e unchanged
// when the cache is disabled.
func WrapEmbedder(e port.Embedder, size int, ttl time.Duration) port.Embedder {
	if e == nil || size <= 0 || ttl <= 0 {
		return e
	}
	return &EmbeddingCache{
		next:  e,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

// EmbeddingCache caches vectors keyed by model and text, so a model swap
// never serves vectors of another width.
type EmbeddingCache struct {
	next  port.Embedder
	cache *expirable.LRU[string, []float32]
}

func cacheKey(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *EmbeddingCache) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	model := c.next.ModelName()
	out := make([][]float32, len(texts))

	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if cached, ok := c.cache.Get(cacheKey(model, text)); ok {
			out[i] = cloneEmbedding(cached)
			metrics.EmbeddingCacheTotal.WithLabelValues("hit").Inc()
			continue
		}
		metrics.EmbeddingCacheTotal.WithLabelValues("miss").Inc()
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		logging.FromContext(ctx).Debug("embedding cache hit", zap.Int("texts", len(texts)))
		return out, nil
	}

	fresh, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, vec := range fresh {
		if j >= len(missIdx) {
			break
		}
		out[missIdx[j]] = vec
		if cacheable(vec, c.next.Dimension()) {
			c.cache.Add(cacheKey(model, missTexts[j]), cloneEmbedding(vec))
		}
	}
	return out, nil
}

func (c *EmbeddingCache) Dimension() int {
	return c.next.Dimension()
}

func (c *EmbeddingCache) ModelName() string {
	return c.next.ModelName()
}

// Len reports the number of cached vectors.
func (c *EmbeddingCache) Len() int {
	return c.cache.Len()
}

// cacheable rejects vectors the gateway would refuse anyway.
func cacheable(vec []float32, dim int) bool {
	if len(vec) == 0 || len(vec) != dim {
		return false
	}
	for _, v := range vec {
		if v != 0 {
			return true
		}
	}
	return false
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
