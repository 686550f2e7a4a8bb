package llm

import (
	"context"

	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/metrics"
	"github.com/emergency-agent/backend/pkg/logger"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingCache is implemented by cache/redis.Client.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, model, text string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, model, text string, embedding []float32) error
}

// CachedEmbedder reads through cache before calling next. Cache failures are
// logged and never fail the call.
type CachedEmbedder struct {
	next  Embedder
	cache EmbeddingCache
	model string
}

func NewCachedEmbedder(next Embedder, cache EmbeddingCache, model string) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, model: model}
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, ok, err := c.cache.GetEmbedding(ctx, c.model, text)
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	}
	if ok {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return vec, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	vec, err = c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetEmbedding(ctx, c.model, text, vec); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return vec, nil
}
