// Package breaker guards the lightweight inference path. While the path keeps
// failing the breaker opens and every request is routed to the powerful tier
// until a cooldown has passed and a trial request succeeds.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/mathgate/pkg/models"
)

// Config controls breaker transitions.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int `yaml:"threshold"`
	// Cooldown is how long the breaker stays open before allowing trials.
	Cooldown time.Duration `yaml:"cooldown"`
	// HalfOpenTrials is the max number of concurrent trial requests.
	HalfOpenTrials int `yaml:"half_open_trials"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{Threshold: 5, Cooldown: 30 * time.Second, HalfOpenTrials: 1}
}

// Permit is the breaker's answer for one request. Allowed permits must be
// passed back to Record or Cancel.
type Permit struct {
	// State is the breaker state when the permit was issued.
	State models.BreakerState
	// Allowed reports whether the lightweight path may be used.
	Allowed bool
	// Trial marks a half-open trial; it holds one trial slot.
	Trial bool

	gen uint64
}

// RoutingState is the state the router should see: trials are evaluated as
// if the breaker were closed, everything else that is not allowed as open.
func (p Permit) RoutingState() models.BreakerState {
	if p.Allowed {
		return models.BreakerClosed
	}
	return models.BreakerOpen
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger used for transitions.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) { b.log = l }
}

// Breaker is a three-state circuit breaker. Transitions happen under a mutex;
// half-open trial slots are counted atomically.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    models.BreakerState
	failures int
	openedAt time.Time
	gen      uint64
	trials   atomic.Int32

	now      func() time.Time
	log      *zap.Logger
	onChange []func(from, to models.BreakerState)
}

// New creates a closed Breaker.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = 1
	}
	b := &Breaker{cfg: cfg, state: models.BreakerClosed, now: time.Now, log: zap.NewNop()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OnStateChange registers fn to run after every transition. Callbacks run
// outside the breaker lock.
func (b *Breaker) OnStateChange(fn func(from, to models.BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = append(b.onChange, fn)
}

type transition struct {
	from, to models.BreakerState
}

// Acquire asks whether the next request may take the lightweight path. An
// open breaker whose cooldown has elapsed moves to half-open here.
func (b *Breaker) Acquire() Permit {
	b.mu.Lock()
	var changes []transition
	if b.state == models.BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		changes = append(changes, b.setState(models.BreakerHalfOpen))
	}

	var p Permit
	switch b.state {
	case models.BreakerClosed:
		p = Permit{State: models.BreakerClosed, Allowed: true}
	case models.BreakerHalfOpen:
		p = Permit{State: models.BreakerHalfOpen, gen: b.gen}
		limit := int32(b.cfg.HalfOpenTrials)
		for {
			n := b.trials.Load()
			if n >= limit {
				break
			}
			if b.trials.CompareAndSwap(n, n+1) {
				p.Allowed, p.Trial = true, true
				break
			}
		}
	default:
		p = Permit{State: models.BreakerOpen}
	}
	b.mu.Unlock()

	b.notify(changes)
	return p
}

// Record reports the lightweight outcome for p. Reports for permits that were
// not allowed, or that belong to an earlier half-open round, are ignored.
func (b *Breaker) Record(p Permit, success bool) {
	if !p.Allowed {
		return
	}
	b.mu.Lock()
	var changes []transition
	if p.Trial {
		if b.state != models.BreakerHalfOpen || p.gen != b.gen {
			b.mu.Unlock()
			return
		}
		b.trials.Add(-1)
		if success {
			b.failures = 0
			changes = append(changes, b.setState(models.BreakerClosed))
		} else {
			b.openedAt = b.now()
			changes = append(changes, b.setState(models.BreakerOpen))
		}
	} else {
		changes = b.observeLocked(success)
	}
	b.mu.Unlock()

	b.notify(changes)
}

// Cancel returns p's trial slot without reporting an outcome.
func (b *Breaker) Cancel(p Permit) {
	if !p.Trial {
		return
	}
	b.mu.Lock()
	if b.state == models.BreakerHalfOpen && p.gen == b.gen {
		b.trials.Add(-1)
	}
	b.mu.Unlock()
}

// Observe feeds an outcome that arrived outside a permit, such as later
// ground truth for a lightweight result. It only counts while closed.
func (b *Breaker) Observe(success bool) {
	b.mu.Lock()
	changes := b.observeLocked(success)
	b.mu.Unlock()
	b.notify(changes)
}

func (b *Breaker) observeLocked(success bool) []transition {
	if b.state != models.BreakerClosed {
		return nil
	}
	if success {
		b.failures = 0
		return nil
	}
	b.failures++
	if b.failures < b.cfg.Threshold {
		return nil
	}
	b.openedAt = b.now()
	return []transition{b.setState(models.BreakerOpen)}
}

// setState requires b.mu.
func (b *Breaker) setState(to models.BreakerState) transition {
	t := transition{from: b.state, to: to}
	b.state = to
	if to == models.BreakerHalfOpen {
		b.gen++
		b.trials.Store(0)
	}
	if to == models.BreakerClosed {
		b.failures = 0
	}
	return t
}

func (b *Breaker) notify(changes []transition) {
	if len(changes) == 0 {
		return
	}
	b.mu.Lock()
	fns := append([]func(from, to models.BreakerState){}, b.onChange...)
	b.mu.Unlock()
	for _, c := range changes {
		b.log.Info("circuit breaker state change",
			zap.Stringer("from", c.from), zap.Stringer("to", c.to))
		for _, fn := range fns {
			fn(c.from, c.to)
		}
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports half-open even before the next Acquire moves it there.
func (b *Breaker) State() models.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == models.BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return models.BreakerHalfOpen
	}
	return b.state
}

// Healthy reports true only while closed.
func (b *Breaker) Healthy() bool {
	return b.State() == models.BreakerClosed
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// TrialsInFlight returns the number of held half-open trial slots.
func (b *Breaker) TrialsInFlight() int {
	return int(b.trials.Load())
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var changes []transition
	if b.state != models.BreakerClosed {
		changes = append(changes, b.setState(models.BreakerClosed))
	}
	b.failures = 0
	b.trials.Store(0)
	b.mu.Unlock()
	b.notify(changes)
}
