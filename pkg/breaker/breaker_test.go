package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pario-ai/mathgate/pkg/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(cfg, WithClock(clk.Now), WithLogger(zaptest.NewLogger(t))), clk
}

func fail(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Record(b.Acquire(), false)
	}
}

func TestOpensAfterThresholdConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t, Config{Threshold: 5, Cooldown: time.Minute, HalfOpenTrials: 1})

	fail(b, 4)
	assert.Equal(t, models.BreakerClosed, b.State())
	assert.Equal(t, 4, b.Failures())

	fail(b, 1)
	assert.Equal(t, models.BreakerOpen, b.State())
	assert.False(t, b.Healthy())

	p := b.Acquire()
	assert.False(t, p.Allowed)
	assert.Equal(t, models.BreakerOpen, p.RoutingState())
}

func TestSuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker(t, Config{Threshold: 3, Cooldown: time.Minute})
	fail(b, 2)
	b.Record(b.Acquire(), true)
	assert.Equal(t, 0, b.Failures())
	fail(b, 2)
	assert.Equal(t, models.BreakerClosed, b.State())
}

func TestHalfOpenTrialSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(t, Config{Threshold: 1, Cooldown: time.Minute, HalfOpenTrials: 1})
	fail(b, 1)
	require.Equal(t, models.BreakerOpen, b.State())

	clk.Advance(59 * time.Second)
	assert.False(t, b.Acquire().Allowed, "still cooling down")

	clk.Advance(time.Second)
	assert.Equal(t, models.BreakerHalfOpen, b.State())
	assert.False(t, b.Healthy(), "half-open is reported unhealthy")

	p := b.Acquire()
	require.True(t, p.Allowed)
	assert.True(t, p.Trial)
	assert.Equal(t, models.BreakerHalfOpen, p.State)
	assert.Equal(t, models.BreakerClosed, p.RoutingState(), "trials are evaluated as closed")

	b.Record(p, true)
	assert.Equal(t, models.BreakerClosed, b.State())
	assert.True(t, b.Healthy())
	assert.Equal(t, 0, b.Failures())
}

func TestHalfOpenTrialFailureReopensAndRestartsCooldown(t *testing.T) {
	b, clk := newTestBreaker(t, Config{Threshold: 1, Cooldown: time.Minute, HalfOpenTrials: 1})
	fail(b, 1)
	clk.Advance(time.Minute)

	p := b.Acquire()
	require.True(t, p.Trial)
	b.Record(p, false)
	assert.Equal(t, models.BreakerOpen, b.State())

	clk.Advance(30 * time.Second)
	assert.False(t, b.Acquire().Allowed, "cooldown restarted at the trial failure")
	clk.Advance(30 * time.Second)
	assert.True(t, b.Acquire().Allowed)
}

func TestHalfOpenTrialSlotsAreExact(t *testing.T) {
	const trials = 3
	b, clk := newTestBreaker(t, Config{Threshold: 1, Cooldown: time.Second, HalfOpenTrials: trials})
	fail(b, 1)
	clk.Advance(time.Second)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []Permit
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p := b.Acquire(); p.Allowed {
				mu.Lock()
				granted = append(granted, p)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, granted, trials)
	assert.Equal(t, trials, b.TrialsInFlight())

	b.Cancel(granted[0])
	assert.Equal(t, trials-1, b.TrialsInFlight())
	assert.True(t, b.Acquire().Allowed, "cancelled slot is reusable")
}

func TestStaleTrialPermitIgnored(t *testing.T) {
	b, clk := newTestBreaker(t, Config{Threshold: 1, Cooldown: time.Second, HalfOpenTrials: 2})
	fail(b, 1)
	clk.Advance(time.Second)

	first := b.Acquire()
	second := b.Acquire()
	require.True(t, first.Trial)
	require.True(t, second.Trial)

	b.Record(first, false) // reopen
	clk.Advance(time.Second)
	fresh := b.Acquire()
	require.True(t, fresh.Trial)

	// A report from the previous round must not close or free slots.
	b.Record(second, true)
	assert.Equal(t, models.BreakerHalfOpen, b.State())
	assert.Equal(t, 1, b.TrialsInFlight())
}

func TestLateClosedReportsIgnoredWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(t, Config{Threshold: 2, Cooldown: time.Minute})
	p1, p2 := b.Acquire(), b.Acquire()
	fail(b, 2)
	require.Equal(t, models.BreakerOpen, b.State())

	b.Record(p1, true)
	b.Record(p2, false)
	assert.Equal(t, models.BreakerOpen, b.State())
}

func TestConcurrentFailuresCountedExactly(t *testing.T) {
	b, _ := newTestBreaker(t, Config{Threshold: 1000, Cooldown: time.Minute})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(b, 50)
		}()
	}
	wg.Wait()
	assert.Equal(t, 500, b.Failures())
	assert.Equal(t, models.BreakerClosed, b.State())
}

func TestObserveAndReset(t *testing.T) {
	b, _ := newTestBreaker(t, Config{Threshold: 2, Cooldown: time.Hour})
	b.Observe(false)
	b.Observe(false)
	require.Equal(t, models.BreakerOpen, b.State())

	b.Observe(true)
	assert.Equal(t, models.BreakerOpen, b.State(), "out-of-band success does not close an open breaker")

	b.Reset()
	assert.True(t, b.Healthy())
	assert.Equal(t, 0, b.Failures())
}

func TestOnStateChange(t *testing.T) {
	b, clk := newTestBreaker(t, Config{Threshold: 1, Cooldown: time.Second})
	var got []string
	b.OnStateChange(func(from, to models.BreakerState) {
		got = append(got, from.String()+"->"+to.String())
	})

	fail(b, 1)
	clk.Advance(time.Second)
	b.Record(b.Acquire(), true)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, got)
}
