package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type model struct {
	name   string
	closed atomic.Bool
}

func (m *model) Close() error {
	m.closed.Store(true)
	return nil
}

func TestConcurrentFirstAcquireLoadsOnce(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	r := New(func(ctx context.Context, key string) (*model, error) {
		loads.Add(1)
		<-release
		return &model{name: key}, nil
	}, nil)

	const n = 16
	var wg sync.WaitGroup
	handles := make([]*Handle[*model], n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Acquire(context.Background(), "lightweight")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, int64(1), r.Loads())
	for _, h := range handles {
		require.NotNil(t, h)
		assert.Same(t, handles[0].Value(), h.Value())
	}
	for _, h := range handles {
		h.Release()
	}
	assert.True(t, r.Evict("lightweight"))
}

func TestEvictRefusesReferencedHandle(t *testing.T) {
	r := New(func(ctx context.Context, key string) (*model, error) {
		return &model{name: key}, nil
	}, nil)

	h, err := r.Acquire(context.Background(), "powerful")
	require.NoError(t, err)
	assert.False(t, r.Evict("powerful"))
	assert.Equal(t, 1, r.Len())

	h.Release()
	h.Release() // idempotent
	m := h.Value()
	assert.True(t, r.Evict("powerful"))
	assert.True(t, m.closed.Load(), "evicted values are closed")
	assert.Equal(t, 0, r.Len())

	h2, err := r.Acquire(context.Background(), "powerful")
	require.NoError(t, err)
	assert.NotSame(t, m, h2.Value(), "evicted key reloads")
	h2.Release()
}

func TestLoadFailureIsNotCached(t *testing.T) {
	var calls atomic.Int32
	r := New(func(ctx context.Context, key string) (*model, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("weights missing")
		}
		return &model{name: key}, nil
	}, nil)

	_, err := r.Acquire(context.Background(), "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights missing")
	assert.Equal(t, 0, r.Len())

	h, err := r.Acquire(context.Background(), "m")
	require.NoError(t, err)
	h.Release()
}

func TestAcquireRespectsContext(t *testing.T) {
	release := make(chan struct{})
	r := New(func(ctx context.Context, key string) (*model, error) {
		<-release
		return &model{}, nil
	}, nil)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Acquire(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseClosesValuesAndRejects(t *testing.T) {
	r := New(func(ctx context.Context, key string) (*model, error) {
		return &model{name: key}, nil
	}, nil)
	h, err := r.Acquire(context.Background(), "a")
	require.NoError(t, err)
	m := h.Value()
	h.Release()

	assert.Equal(t, []string{"a"}, r.Keys())
	require.NoError(t, r.Close())
	assert.True(t, m.closed.Load())

	_, err = r.Acquire(context.Background(), "a")
	assert.ErrorIs(t, err, ErrClosed)
}
