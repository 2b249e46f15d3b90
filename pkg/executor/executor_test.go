package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
	"github.com/pario-ai/mathgate/pkg/similarity"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	lw, pw := DefaultFakeModels()
	l, err := NewLocal(LocalConfig{Loader: "fake", Lightweight: lw, Powerful: pw}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLocalExecuteDeterministic(t *testing.T) {
	l := newLocal(t)
	ctx := context.Background()
	in := Input{Tier: TierLightweight, Content: []byte("\\int_0^1 x dx"), Options: fingerprint.Options{Format: "LaTeX"}}

	a, err := l.Execute(ctx, in)
	require.NoError(t, err)
	b, err := l.Execute(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, a.Payload, b.Payload)
	assert.Contains(t, string(a.Payload), "lightweight:latex:")
	assert.Equal(t, float32(0.9), a.Confidence)
	assert.Len(t, a.Embedding, 64)
	assert.Equal(t, 1, l.Models().Len(), "model is loaded once")

	p, err := l.Execute(ctx, Input{Tier: TierPowerful, Content: in.Content})
	require.NoError(t, err)
	assert.NotEqual(t, a.Payload, p.Payload)
	assert.Equal(t, float32(0.99), p.Confidence)
	assert.Equal(t, []string{"lightweight", "powerful"}, l.Models().Keys())
}

func TestLocalUnknownTier(t *testing.T) {
	l := newLocal(t)
	_, err := l.Execute(context.Background(), Input{Tier: "huge"})
	assert.Error(t, err)
}

func TestFakeModelFailureAndLatency(t *testing.T) {
	m := NewFakeModel("lw", FakeModelConfig{FailureRate: 1})
	_, err := m.Infer(context.Background(), []byte("x"), fingerprint.Options{})
	assert.ErrorIs(t, err, ErrInjected)

	slow := NewFakeModel("lw", FakeModelConfig{Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = slow.Infer(ctx, []byte("x"), fingerprint.Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), slow.Calls())
}

func TestFakeEmbeddingSimilarity(t *testing.T) {
	m := NewFakeModel("lw", FakeModelConfig{})
	ctx := context.Background()
	a, _ := m.Embed(ctx, []byte("a^2 + b^2 = c^2"))
	b, _ := m.Embed(ctx, []byte("a^2 + b^2 = c^2 "))
	c, _ := m.Embed(ctx, []byte("\\sum_{k=1}^{n} k"))
	assert.Greater(t, similarity.Cosine(a, b), float32(0.95))
	assert.Less(t, similarity.Cosine(a, c), similarity.Cosine(a, b))
}

func TestLocalEmbed(t *testing.T) {
	l := newLocal(t)
	v, err := l.Embed(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Len(t, v, 64)
}

func TestNewSelectsVariant(t *testing.T) {
	e, err := New(Config{Kind: "local"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Local{}, e)

	e, err = New(Config{Kind: "remote", Remote: RemoteConfig{LightweightURL: "http://a", PowerfulURL: "http://b"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Remote{}, e)

	_, err = New(Config{Kind: "quantum"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Kind: "remote"}, nil)
	assert.Error(t, err, "remote requires urls")
}

func TestRemoteExecute(t *testing.T) {
	var got remoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_ = json.NewEncoder(w).Encode(remoteResponse{
			Payload: "\\frac{a}{b}", Confidence: 0.7, Uncertainty: 0.2, Embedding: []float32{1, 2},
		})
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{LightweightURL: srv.URL, PowerfulURL: srv.URL, APIKey: "secret"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	fp := fingerprint.Generate([]byte("img"), fingerprint.Options{})
	out, err := r.Execute(context.Background(), Input{Tier: TierPowerful, Content: []byte("img"), Fingerprint: fp})
	require.NoError(t, err)
	assert.Equal(t, []byte("\\frac{a}{b}"), out.Payload)
	assert.Equal(t, float32(0.7), out.Confidence)
	assert.Equal(t, TierPowerful, got.Tier)
	assert.Equal(t, []byte("img"), got.Content)
	assert.Equal(t, fp.String(), got.Fingerprint)
}

func TestRemoteRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(remoteResponse{Payload: "ok"})
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{LightweightURL: srv.URL, PowerfulURL: srv.URL, MaxRetries: 3}, nil)
	require.NoError(t, err)
	out, err := r.Execute(context.Background(), Input{Tier: TierLightweight})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out.Payload)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRemoteDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad image", http.StatusBadRequest)
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{LightweightURL: srv.URL, PowerfulURL: srv.URL, MaxRetries: 3}, nil)
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), Input{Tier: TierLightweight})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, gobreaker.StateClosed, r.BreakerState(TierLightweight), "client errors do not trip the breaker")
}

func TestRemoteTransportBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{
		LightweightURL: srv.URL + "/lw", PowerfulURL: srv.URL + "/pw",
		BreakerFailures: 2, BreakerCooldown: time.Hour,
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := r.Execute(context.Background(), Input{Tier: TierLightweight})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, r.BreakerState(TierLightweight))
	assert.Equal(t, gobreaker.StateClosed, r.BreakerState(TierPowerful), "breakers are per endpoint")

	before := calls.Load()
	_, err = r.Execute(context.Background(), Input{Tier: TierLightweight})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, before, calls.Load(), "open breaker short-circuits")
}

func TestRemoteEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[0.5,0.5]}`))
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteConfig{LightweightURL: srv.URL, PowerfulURL: srv.URL, EmbedURL: srv.URL + "/embed"}, nil)
	require.NoError(t, err)
	v, err := r.Embed(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, v)
}

type countingEmbedder struct{ calls atomic.Int32 }

func (c *countingEmbedder) Embed(context.Context, []byte) ([]float32, error) {
	c.calls.Add(1)
	return []float32{1, 2, 3}, nil
}

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{}
	e := CachedEmbedder(inner, 10, time.Minute)
	ctx := context.Background()

	a, _ := e.Embed(ctx, []byte("x"))
	a[0] = 99
	b, _ := e.Embed(ctx, []byte("x"))
	_, _ = e.Embed(ctx, []byte("y"))

	assert.Equal(t, float32(1), b[0], "cached vectors are copied")
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Same(t, inner, CachedEmbedder(inner, 0, time.Minute))
}
