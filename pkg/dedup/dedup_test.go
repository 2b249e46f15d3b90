package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	mgerrors "github.com/pario-ai/mathgate/pkg/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDoSharesOneComputation(t *testing.T) {
	var g Group[string]
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	fn := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "result", nil
	}

	const n = 10
	var wg sync.WaitGroup
	var leaders atomic.Int32
	results := make([]string, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		v, leader, err := g.Do(context.Background(), "k", fn)
		assert.NoError(t, err)
		if leader {
			leaders.Add(1)
		}
		results[0] = v
	}()
	<-started

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, leader, err := g.Do(context.Background(), "k", fn)
			assert.NoError(t, err)
			if leader {
				leaders.Add(1)
			}
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return g.Inflight() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), leaders.Load())
	for _, r := range results {
		assert.Equal(t, "result", r)
	}
	assert.Equal(t, 0, g.Inflight())
}

func TestDoSharesErrorWithoutCaching(t *testing.T) {
	var g Group[int]
	boom := errors.New("boom")

	_, leader, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, leader)

	v, _, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v, "failure must not be remembered")
}

func TestWaiterCancellationDoesNotStopComputation(t *testing.T) {
	var g Group[string]
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, _, err := g.Do(context.Background(), "k", func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "ok", ctx.Err()
		})
		done <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, leader, err := g.Do(ctx, "k", func(context.Context) (string, error) {
		t.Error("waiter must not run fn")
		return "", nil
	})
	require.Error(t, err)
	assert.False(t, leader)
	assert.True(t, mgerrors.IsKind(err, mgerrors.KindTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	assert.NoError(t, <-done)
}

func TestLeaderCancellationDetachesComputation(t *testing.T) {
	var g Group[string]
	release := make(chan struct{})
	started := make(chan struct{})
	computed := make(chan error, 1)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, _, err := g.Do(leaderCtx, "k", func(ctx context.Context) (string, error) {
			close(started)
			<-release
			computed <- ctx.Err()
			return "shared", nil
		})
		leaderDone <- err
	}()
	<-started

	waiterDone := make(chan string, 1)
	go func() {
		v, _, err := g.Do(context.Background(), "k", func(context.Context) (string, error) {
			return "second", nil
		})
		assert.NoError(t, err)
		waiterDone <- v
	}()
	time.Sleep(10 * time.Millisecond)

	cancelLeader()
	err := <-leaderDone
	assert.True(t, mgerrors.IsKind(err, mgerrors.KindTimeout))

	close(release)
	assert.NoError(t, <-computed, "computation context must survive leader cancellation")
	assert.Equal(t, "shared", <-waiterDone)
}

func TestDoAlreadyCancelled(t *testing.T) {
	var g Group[int]
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := g.Do(ctx, "k", func(context.Context) (int, error) {
		t.Error("fn must not run for a cancelled caller")
		return 0, nil
	})
	assert.True(t, mgerrors.IsKind(err, mgerrors.KindTimeout))
}

func TestDistinctKeysRunIndependently(t *testing.T) {
	var g Group[string]
	var calls atomic.Int32
	var wg sync.WaitGroup
	for _, k := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			v, leader, err := g.Do(context.Background(), k, func(context.Context) (string, error) {
				calls.Add(1)
				return k, nil
			})
			assert.NoError(t, err)
			assert.True(t, leader)
			assert.Equal(t, k, v)
		}(k)
	}
	wg.Wait()
	assert.Equal(t, int32(3), calls.Load())
}
