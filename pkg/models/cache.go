package models

import (
	"time"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
)

// CacheEntry stores a recognized result. Scope is the digest of the options
// the result was produced with; similarity lookups never cross scopes.
type CacheEntry struct {
	Fingerprint    fingerprint.Fingerprint `json:"fingerprint"`
	Scope          string                  `json:"scope,omitempty"`
	Payload        []byte                  `json:"payload"`
	Embedding      []float32               `json:"embedding,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	LastAccessedAt time.Time               `json:"last_accessed_at"`
	AccessCount    int64                   `json:"access_count"`
}

// Clone returns a deep copy so callers never share buffers with the store.
func (e CacheEntry) Clone() CacheEntry {
	out := e
	if e.Payload != nil {
		out.Payload = append([]byte(nil), e.Payload...)
	}
	if e.Embedding != nil {
		out.Embedding = append([]float32(nil), e.Embedding...)
	}
	return out
}

// Expired reports whether the entry is logically gone at now.
// A zero ttl or tti disables that limit.
func (e CacheEntry) Expired(now time.Time, ttl, tti time.Duration) bool {
	if ttl > 0 && now.Sub(e.CreatedAt) > ttl {
		return true
	}
	if tti > 0 && now.Sub(e.LastAccessedAt) > tti {
		return true
	}
	return false
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions"`
	Expirations    uint64  `json:"expirations"`
	Invalidations  uint64  `json:"invalidations"`
	SimilarityHits uint64  `json:"similarity_hits"`
	DedupShared    uint64  `json:"dedup_shared"`
	PersistErrors  uint64  `json:"persist_errors"`
	CurrentSize    int     `json:"current_size"`
	MaxSize        int     `json:"max_size"`
	HitRate        float64 `json:"hit_rate"`
}
