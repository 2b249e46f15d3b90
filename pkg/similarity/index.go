// Package similarity provides an approximate-lookup index over embeddings of
// cached entries. The index references entries by fingerprint only; the cache
// store owns the entries and keeps the index in step with its own mutations.
package similarity

import (
	"math"
	"sync"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
)

// Index is a brute-force cosine index. Vectors are partitioned by scope and
// a query only matches vectors of its own scope. Safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	vecs map[fingerprint.Fingerprint]vector
}

type vector struct {
	scope string
	unit  []float32
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{vecs: make(map[fingerprint.Fingerprint]vector)}
}

// Add stores a unit-normalized copy of emb under fp in scope, replacing any
// previous vector. Zero-norm vectors are not indexed.
func (x *Index) Add(fp fingerprint.Fingerprint, scope string, emb []float32) {
	unit, ok := Normalize(emb)
	x.mu.Lock()
	defer x.mu.Unlock()
	if !ok {
		delete(x.vecs, fp)
		return
	}
	x.vecs[fp] = vector{scope: scope, unit: unit}
}

// Remove drops fp from the index.
func (x *Index) Remove(fp fingerprint.Fingerprint) {
	x.mu.Lock()
	delete(x.vecs, fp)
	x.mu.Unlock()
}

// Contains reports whether fp is indexed.
func (x *Index) Contains(fp fingerprint.Fingerprint) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.vecs[fp]
	return ok
}

// Clear drops every vector.
func (x *Index) Clear() {
	x.mu.Lock()
	x.vecs = make(map[fingerprint.Fingerprint]vector)
	x.mu.Unlock()
}

// Len returns the number of indexed vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vecs)
}

// Fingerprints returns the indexed keys in no particular order.
func (x *Index) Fingerprints() []fingerprint.Fingerprint {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]fingerprint.Fingerprint, 0, len(x.vecs))
	for fp := range x.vecs {
		out = append(out, fp)
	}
	return out
}

// Best returns the most similar fingerprint in scope whose cosine similarity
// to query is at least min. Vectors of a different dimension are skipped.
func (x *Index) Best(scope string, query []float32, min float32) (fingerprint.Fingerprint, float32, bool) {
	var best fingerprint.Fingerprint
	unit, ok := Normalize(query)
	if !ok {
		return best, 0, false
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	bestScore := float32(math.Inf(-1))
	found := false
	for fp, v := range x.vecs {
		if v.scope != scope || len(v.unit) != len(unit) {
			continue
		}
		s := dot(unit, v.unit)
		if s < min {
			continue
		}
		if !found || s > bestScore {
			best, bestScore, found = fp, s, true
		}
	}
	if !found {
		return best, 0, false
	}
	return best, bestScore, true
}

// Cosine returns the cosine similarity of a and b, or 0 when either has zero
// norm or the dimensions differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var d, na, nb float64
	for i := range a {
		d += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(d / (math.Sqrt(na) * math.Sqrt(nb)))
}

// Normalize returns v scaled to unit length. It reports false for empty or
// zero-norm input.
func Normalize(v []float32) ([]float32, bool) {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	if len(v) == 0 || n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, false
	}
	inv := 1 / math.Sqrt(n)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out, true
}

func dot(a, b []float32) float32 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return float32(s)
}
