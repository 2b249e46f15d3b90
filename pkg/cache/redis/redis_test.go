package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
	"github.com/pario-ai/mathgate/pkg/models"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(Config{URL: "redis://" + mr.Addr(), TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func testEntry(content string) models.CacheEntry {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return models.CacheEntry{
		Fingerprint:    fingerprint.Generate([]byte(content), fingerprint.Options{}),
		Scope:          fingerprint.Options{Format: "mathml"}.Scope(),
		Payload:        []byte("E = mc^2"),
		Embedding:      []float32{0.25, 0.5},
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, mr := newTestStore(t, time.Hour)
	ctx := context.Background()
	e := testEntry("a")

	require.NoError(t, s.Save(ctx, e))
	assert.True(t, mr.Exists("mathgate:cache:"+e.Fingerprint.String()))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.Fingerprint, got[0].Fingerprint)
	assert.Equal(t, e.Payload, got[0].Payload)
	assert.Equal(t, e.Embedding, got[0].Embedding)
	assert.Equal(t, e.Scope, got[0].Scope)
	assert.True(t, e.CreatedAt.Equal(got[0].CreatedAt))
}

func TestKeyExpiresWithCacheTTL(t *testing.T) {
	s, mr := newTestStore(t, time.Hour)
	ctx := context.Background()
	e := testEntry("a")
	require.NoError(t, s.Save(ctx, e))

	ttl := mr.TTL("mathgate:cache:" + e.Fingerprint.String())
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)

	mr.FastForward(2 * time.Hour)
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSaveAlreadyExpiredDeletes(t *testing.T) {
	s, mr := newTestStore(t, time.Minute)
	ctx := context.Background()
	e := testEntry("a")
	require.NoError(t, s.Save(ctx, e))

	e.CreatedAt = e.CreatedAt.Add(-time.Hour)
	require.NoError(t, s.Save(ctx, e))
	assert.False(t, mr.Exists("mathgate:cache:"+e.Fingerprint.String()))
}

func TestDeleteAndClearStayInNamespace(t *testing.T) {
	s, mr := newTestStore(t, 0)
	ctx := context.Background()
	a, b := testEntry("a"), testEntry("b")
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Save(ctx, b))
	require.NoError(t, mr.Set("unrelated", "keep"))

	require.NoError(t, s.Delete(ctx, a.Fingerprint))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.Fingerprint, got[0].Fingerprint)

	require.NoError(t, s.Clear(ctx))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.True(t, mr.Exists("unrelated"))
}

func TestLoadSkipsCorruptRecords(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := NewWithClient(client, Config{Namespace: "ns"})
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	require.NoError(t, mr.Set("ns:garbage", "{not json"))
	require.NoError(t, s.Save(ctx, testEntry("a")))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Config{URL: "not-a-url"})
	assert.Error(t, err)
}
