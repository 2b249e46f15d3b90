// Package service is the request-facing core of mathgate. A Service owns the
// cache store, dedup group, breaker, router, executor and journal, and
// exposes the lookup, recognition and control operations over them.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/pario-ai/mathgate/pkg/breaker"
	"github.com/pario-ai/mathgate/pkg/cache"
	"github.com/pario-ai/mathgate/pkg/dedup"
	mgerrors "github.com/pario-ai/mathgate/pkg/errors"
	"github.com/pario-ai/mathgate/pkg/executor"
	"github.com/pario-ai/mathgate/pkg/fingerprint"
	"github.com/pario-ai/mathgate/pkg/journal"
	"github.com/pario-ai/mathgate/pkg/models"
	"github.com/pario-ai/mathgate/pkg/router"
	"github.com/pario-ai/mathgate/pkg/stats"
)

// Source says where a result came from.
type Source string

const (
	SourceExact    Source = "exact"
	SourceSimilar  Source = "similar"
	SourceComputed Source = "computed"
	SourceShared   Source = "shared"
)

// Request is one recognition or lookup request.
type Request struct {
	RequestID string
	Content   []byte
	Options   fingerprint.Options
	// Embedding enables similarity lookup before computing. When nil, the
	// configured embedder is asked for one.
	Embedding []float32
}

// Computed is what a ComputeFunc produces for a cache miss.
type Computed struct {
	Payload   []byte
	Embedding []float32
	Decision  *models.RoutingDecision
	Tier      executor.Tier
}

// ComputeFunc produces the result for a fingerprint that is not cached.
type ComputeFunc func(ctx context.Context, fp fingerprint.Fingerprint) (*Computed, error)

// Result is returned to callers. Decision and Tier are set only for results
// computed by this request or shared from the computing request.
type Result struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Payload     []byte                  `json:"payload"`
	Source      Source                  `json:"source"`
	Similarity  float32                 `json:"similarity,omitempty"`
	Decision    *models.RoutingDecision `json:"decision,omitempty"`
	Tier        executor.Tier           `json:"tier,omitempty"`
}

// Options wires a Service. Store, Breaker, Router and Executor are required.
type Options struct {
	Store    *cache.Store
	Breaker  *breaker.Breaker
	Router   *router.Router
	Executor executor.Executor
	// Embedder is optional; without it only caller-supplied embeddings are
	// used for similarity lookup.
	Embedder executor.Embedder
	Journal  *journal.Journal
	Policy   OutcomePolicy
	Logger   *zap.Logger
	// RequestTimeout applies when the caller's context has no deadline.
	RequestTimeout time.Duration
}

// Service is safe for concurrent use.
type Service struct {
	store    *cache.Store
	breaker  *breaker.Breaker
	router   *router.Router
	exec     executor.Executor
	embedder executor.Embedder
	journal  *journal.Journal
	policy   OutcomePolicy
	stats    *stats.Collector
	inflight dedup.Group[*Result]
	registry *prometheus.Registry
	log      *zap.Logger
	timeout  time.Duration
}

// New wires a Service from its components.
func New(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Breaker == nil || opts.Router == nil || opts.Executor == nil {
		return nil, errors.New("service: store, breaker, router and executor are required")
	}
	s := &Service{
		store:    opts.Store,
		breaker:  opts.Breaker,
		router:   opts.Router,
		exec:     opts.Executor,
		embedder: opts.Embedder,
		journal:  opts.Journal,
		policy:   opts.Policy,
		stats:    opts.Store.Stats(),
		log:      opts.Logger,
		timeout:  opts.RequestTimeout,
	}
	if s.policy == nil {
		s.policy = LowConfidence
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	s.stats.BindBreaker(s.breaker.State)
	s.breaker.OnStateChange(func(from, to models.BreakerState) {
		s.stats.BreakerTransition()
	})

	s.registry = prometheus.NewRegistry()
	if err := s.registry.Register(s.stats); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s, nil
}

// Start rehydrates the cache from persistence and starts the expiry sweeper.
// A failed rehydrate leaves the cache empty and is not fatal.
func (s *Service) Start(ctx context.Context) error {
	if n, err := s.store.Rehydrate(ctx); err != nil {
		s.log.Warn("cache rehydrate failed, starting empty", zap.Error(err))
	} else if n > 0 {
		s.log.Info("cache rehydrated", zap.Int("entries", n))
	}
	return s.store.Start(ctx)
}

// LookupOrCompute returns the cached result for req, or runs compute exactly
// once across all concurrent callers for the same fingerprint. The result is
// stored before any waiter is released. Each call counts one hit or one miss.
func (s *Service) LookupOrCompute(ctx context.Context, req Request, compute ComputeFunc) (*Result, error) {
	const op = "lookup_or_compute"
	if len(req.Content) == 0 {
		return nil, mgerrors.InvalidFingerprint(op, "empty content")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fp := fingerprint.Generate(req.Content, req.Options)
	scope := req.Options.Scope()
	if e, ok := s.store.Lookup(ctx, fp); ok {
		s.stats.Hit()
		return &Result{Fingerprint: fp, Payload: e.Payload, Source: SourceExact}, nil
	}

	emb := req.Embedding
	if emb == nil && s.embedder != nil {
		var err error
		if emb, err = s.embedder.Embed(ctx, req.Content); err != nil {
			s.log.Debug("embedding failed, skipping similarity lookup", zap.String("fingerprint", fp.Short()), zap.Error(err))
			emb = nil
		}
	}
	if e, score, ok := s.store.LookupSimilar(ctx, scope, emb); ok {
		s.stats.Hit()
		s.stats.SimilarityHit()
		return &Result{Fingerprint: e.Fingerprint, Payload: e.Payload, Source: SourceSimilar, Similarity: score}, nil
	}

	res, leader, err := s.inflight.Do(ctx, fp.String(), func(cctx context.Context) (*Result, error) {
		// A computation for fp may have finished between the lookup above
		// and registering this one.
		if e, ok := s.store.Lookup(cctx, fp); ok {
			return &Result{Fingerprint: fp, Payload: e.Payload, Source: SourceExact}, nil
		}
		out, err := compute(cctx, fp)
		if err != nil {
			return nil, mgerrors.FromContext(op, err)
		}
		if out == nil {
			return nil, mgerrors.ComputeFailed(op, errors.New("compute returned no result"))
		}
		vec := out.Embedding
		if len(vec) == 0 {
			vec = emb
		}
		if _, err := s.store.Put(cctx, fp, scope, out.Payload, vec); err != nil {
			return nil, err
		}
		return &Result{
			Fingerprint: fp,
			Payload:     out.Payload,
			Source:      SourceComputed,
			Decision:    out.Decision,
			Tier:        out.Tier,
		}, nil
	})
	if err != nil {
		s.stats.Miss()
		return nil, err
	}

	out := *res
	out.Payload = append([]byte(nil), res.Payload...)
	if res.Decision != nil {
		d := *res.Decision
		out.Decision = &d
	}
	switch {
	case leader && res.Source == SourceExact:
		s.stats.Hit()
	case leader:
		s.stats.Miss()
	default:
		out.Source = SourceShared
		s.stats.Hit()
		s.stats.DedupShared()
	}
	return &out, nil
}

// Recognize serves req from the cache or runs it through the routed
// executor: lightweight first when the breaker allows, then the powerful
// tier if the router rejects the lightweight result.
func (s *Service) Recognize(ctx context.Context, req Request) (*Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return s.LookupOrCompute(ctx, req, func(ctx context.Context, fp fingerprint.Fingerprint) (*Computed, error) {
		return s.computeRouted(ctx, req, fp)
	})
}

func (s *Service) computeRouted(ctx context.Context, req Request, fp fingerprint.Fingerprint) (*Computed, error) {
	start := time.Now()
	in := executor.Input{Content: req.Content, Options: req.Options, Fingerprint: fp}
	rec := models.DecisionRecord{
		RequestID:   req.RequestID,
		Fingerprint: fp.String(),
	}

	permit := s.breaker.Acquire()
	rec.BreakerState = permit.State.String()

	var decision *models.RoutingDecision
	if permit.Allowed {
		in.Tier = executor.TierLightweight
		out, err := s.exec.Execute(ctx, in)
		switch {
		case err != nil && ctx.Err() != nil:
			s.breaker.Cancel(permit)
			return nil, err
		case err != nil:
			s.breaker.Record(permit, s.policy(models.RoutingDecision{}, err))
			s.log.Warn("lightweight inference failed, escalating",
				zap.String("request_id", req.RequestID), zap.Error(err))
		default:
			d := s.router.Decide(out.Confidence, out.Uncertainty, permit.RoutingState())
			s.breaker.Record(permit, s.policy(d, nil))
			decision = &d
			if d.UseLightweight {
				s.stats.RoutedLightweight()
				s.record(ctx, rec, d, executor.TierLightweight, models.OutcomeServed, start)
				return &Computed{Payload: out.Payload, Embedding: out.Embedding, Decision: decision, Tier: executor.TierLightweight}, nil
			}
		}
	}

	in.Tier = executor.TierPowerful
	out, err := s.exec.Execute(ctx, in)
	if err != nil {
		d := models.RoutingDecision{}
		if decision != nil {
			d = *decision
		}
		s.record(ctx, rec, d, executor.TierPowerful, models.OutcomeComputeError, start)
		return nil, err
	}

	outcome := models.OutcomeEscalated
	if permit.Allowed {
		s.stats.RoutedPowerful()
	} else {
		outcome = models.OutcomeForced
		s.stats.RoutedForced()
	}
	if decision == nil {
		d := s.router.Decide(out.Confidence, out.Uncertainty, models.BreakerOpen)
		decision = &d
	}
	s.record(ctx, rec, *decision, executor.TierPowerful, outcome, start)
	return &Computed{Payload: out.Payload, Embedding: out.Embedding, Decision: decision, Tier: executor.TierPowerful}, nil
}

func (s *Service) record(ctx context.Context, rec models.DecisionRecord, d models.RoutingDecision, tier executor.Tier, outcome string, start time.Time) {
	if s.journal == nil {
		return
	}
	rec.CandidateID = d.CandidateID
	rec.Confidence = d.Confidence
	rec.Uncertainty = d.Uncertainty
	rec.UseLightweight = d.UseLightweight
	rec.Tier = string(tier)
	rec.Outcome = outcome
	rec.LatencyMs = time.Since(start).Milliseconds()
	rec.CreatedAt = time.Now()
	if err := s.journal.Log(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Warn("journal write failed", zap.String("request_id", rec.RequestID), zap.Error(err))
	}
}

// Route decides between tiers for externally computed scores. It consumes no
// half-open trial slot, so a half-open breaker is treated as open.
func (s *Service) Route(confidence, uncertainty float32) models.RoutingDecision {
	return s.router.Decide(confidence, uncertainty, s.routingState())
}

// RouteCandidates scores and ranks candidates against query.
func (s *Service) RouteCandidates(query []float32, candidates []models.Candidate) []models.RoutingDecision {
	return s.router.RouteCandidates(query, candidates, s.routingState())
}

func (s *Service) routingState() models.BreakerState {
	if st := s.breaker.State(); st != models.BreakerClosed {
		return models.BreakerOpen
	}
	return models.BreakerClosed
}

// BreakerStatus reports whether the lightweight path is healthy.
func (s *Service) BreakerStatus() bool {
	return s.breaker.Healthy()
}

// BreakerState returns the current breaker state.
func (s *Service) BreakerState() models.BreakerState {
	return s.breaker.State()
}

// ResetBreaker forces the breaker closed.
func (s *Service) ResetBreaker() {
	s.breaker.Reset()
}

// ReportLightweightOutcome feeds post-hoc ground truth about a lightweight
// result into the breaker.
func (s *Service) ReportLightweightOutcome(success bool) {
	s.breaker.Observe(success)
}

// Invalidate removes one cached result.
func (s *Service) Invalidate(ctx context.Context, fp fingerprint.Fingerprint) bool {
	return s.store.Invalidate(ctx, fp)
}

// InvalidateAll empties the cache and returns how many entries were removed.
func (s *Service) InvalidateAll(ctx context.Context) int {
	return s.store.InvalidateAll(ctx)
}

// Stats returns a snapshot of cache counters.
func (s *Service) Stats() models.CacheStats {
	return s.stats.Snapshot()
}

// Collector returns the live stats collector.
func (s *Service) Collector() *stats.Collector {
	return s.stats
}

// Metrics returns the private Prometheus registry.
func (s *Service) Metrics() *prometheus.Registry {
	return s.registry
}

// Journal returns the decision journal, or nil when it is disabled.
func (s *Service) Journal() *journal.Journal {
	return s.journal
}

// Close stops background work and releases the store, executor and journal.
func (s *Service) Close() error {
	var errs []error
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	if c, ok := s.exec.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close executor: %w", err))
		}
	}
	if err := s.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
