package similarity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
)

func fp(s string) fingerprint.Fingerprint {
	return fingerprint.Generate([]byte(s), fingerprint.Options{})
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Equal(t, float32(0), Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, float32(0), Cosine([]float32{0, 0}, []float32{1, 2}))
}

func TestBestAboveThreshold(t *testing.T) {
	x := NewIndex()
	x.Add(fp("a"), "", []float32{1, 0, 0})
	x.Add(fp("b"), "", []float32{0.9, 0.1, 0})
	x.Add(fp("c"), "", []float32{0, 1, 0})

	got, score, ok := x.Best("", []float32{1, 0.05, 0}, 0.95)
	require.True(t, ok)
	assert.Equal(t, fp("a"), got)
	assert.Greater(t, score, float32(0.95))

	_, _, ok = x.Best("", []float32{0, 0, 1}, 0.5)
	assert.False(t, ok, "orthogonal query must not match")
}

func TestBestSkipsDimensionMismatch(t *testing.T) {
	x := NewIndex()
	x.Add(fp("a"), "", []float32{1, 0})
	_, _, ok := x.Best("", []float32{1, 0, 0}, 0)
	assert.False(t, ok)
}

func TestZeroVectorNotIndexed(t *testing.T) {
	x := NewIndex()
	x.Add(fp("a"), "", []float32{0, 0})
	assert.Equal(t, 0, x.Len())
	_, _, ok := x.Best("", []float32{0, 0}, 0)
	assert.False(t, ok)
}

func TestRemoveAndClear(t *testing.T) {
	x := NewIndex()
	x.Add(fp("a"), "", []float32{1, 0})
	x.Add(fp("b"), "", []float32{0, 1})
	x.Remove(fp("a"))
	assert.False(t, x.Contains(fp("a")))
	assert.True(t, x.Contains(fp("b")))

	_, _, ok := x.Best("", []float32{1, 0}, 0.9)
	assert.False(t, ok, "removed vector must not be returned")

	x.Clear()
	assert.Equal(t, 0, x.Len())
}

func TestAddCopiesInput(t *testing.T) {
	x := NewIndex()
	v := []float32{1, 0}
	x.Add(fp("a"), "", v)
	v[0], v[1] = 0, 1
	got, _, ok := x.Best("", []float32{1, 0}, 0.99)
	require.True(t, ok)
	assert.Equal(t, fp("a"), got)
}

func TestConcurrentAccess(t *testing.T) {
	x := NewIndex()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := fp(string(rune('a' + i)))
			for j := 0; j < 100; j++ {
				x.Add(k, "", []float32{float32(i + 1), float32(j)})
				x.Best("", []float32{1, 1}, 0.5)
				if j%10 == 0 {
					x.Remove(k)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, x.Len(), 8)
}

func TestBestStaysInScope(t *testing.T) {
	x := NewIndex()
	x.Add(fp("latex"), "latex", []float32{1, 0})
	x.Add(fp("mathml"), "mathml", []float32{0.9, 0.1})

	got, _, ok := x.Best("mathml", []float32{1, 0}, 0.9)
	require.True(t, ok)
	assert.Equal(t, fp("mathml"), got)

	_, _, ok = x.Best("text", []float32{1, 0}, 0)
	assert.False(t, ok, "no vectors in scope")
}
