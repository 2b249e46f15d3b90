package executor

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedEmbedder memoizes embeddings by content hash. It returns e unchanged
// when size or ttl is not positive.
func CachedEmbedder(e Embedder, size int, ttl time.Duration) Embedder {
	if e == nil || size <= 0 || ttl <= 0 {
		return e
	}
	return &lruEmbedder{
		next:  e,
		cache: expirable.NewLRU[[sha256.Size]byte, []float32](size, nil, ttl),
	}
}

type lruEmbedder struct {
	next  Embedder
	cache *expirable.LRU[[sha256.Size]byte, []float32]
}

func (l *lruEmbedder) Embed(ctx context.Context, content []byte) ([]float32, error) {
	key := sha256.Sum256(content)
	if cached, ok := l.cache.Get(key); ok {
		return cloneEmbedding(cached), nil
	}
	res, err := l.next.Embed(ctx, content)
	if err != nil {
		return nil, err
	}
	if len(res) > 0 {
		l.cache.Add(key, cloneEmbedding(res))
	}
	return res, nil
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
