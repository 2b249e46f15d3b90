// Package stats aggregates cache and routing counters for observability.
// Collector is both the in-process source of CacheStats and a Prometheus
// collector, so the two views never drift apart.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pario-ai/mathgate/pkg/models"
)

const namespace = "mathgate"

// Collector holds process-wide counters. The zero value is not usable; use New.
type Collector struct {
	hits           atomic.Uint64
	misses         atomic.Uint64
	evictions      atomic.Uint64
	expirations    atomic.Uint64
	invalidations  atomic.Uint64
	similarityHits atomic.Uint64
	dedupShared    atomic.Uint64
	persistErrors  atomic.Uint64

	lightweight atomic.Uint64
	powerful    atomic.Uint64
	forced      atomic.Uint64
	transitions atomic.Uint64

	sizeFn    atomic.Pointer[func() int]
	maxSize   atomic.Int64
	breakerFn atomic.Pointer[func() models.BreakerState]

	descs descriptors
}

type descriptors struct {
	hits, misses, evictions, expirations, invalidations *prometheus.Desc
	similarityHits, dedupShared, persistErrors          *prometheus.Desc
	size, maxSize                                       *prometheus.Desc
	routes, transitions, breakerState                   *prometheus.Desc
}

// New creates a Collector.
func New() *Collector {
	c := &Collector{}
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, nil, nil)
	}
	c.descs = descriptors{
		hits:           counter("hits_total", "Cache lookups served from the cache, including dedup and similarity hits."),
		misses:         counter("misses_total", "Cache lookups that required a computation."),
		evictions:      counter("evictions_total", "Entries removed to honour max capacity."),
		expirations:    counter("expirations_total", "Entries removed after TTL or idle expiry."),
		invalidations:  counter("invalidations_total", "Entries removed by explicit invalidation."),
		similarityHits: counter("similarity_hits_total", "Hits served through the similarity index."),
		dedupShared:    counter("dedup_shared_total", "Callers served by another caller's in-flight computation."),
		persistErrors:  counter("persist_errors_total", "Durable store operations that failed."),
		size:           counter("entries", "Current number of cached entries."),
		maxSize:        counter("max_entries", "Configured max capacity."),
		routes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "router", "decisions_total"),
			"Routing decisions by tier served.", []string{"tier"}, nil),
		transitions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "breaker", "transitions_total"),
			"Circuit breaker state transitions.", nil, nil),
		breakerState: prometheus.NewDesc(prometheus.BuildFQName(namespace, "breaker", "state"),
			"Circuit breaker state (0 closed, 1 open, 2 half-open).", nil, nil),
	}
	return c
}

// BindSize wires the live size source and configured capacity.
func (c *Collector) BindSize(size func() int, max int) {
	c.sizeFn.Store(&size)
	c.maxSize.Store(int64(max))
}

// BindBreaker wires the breaker state source.
func (c *Collector) BindBreaker(state func() models.BreakerState) {
	c.breakerFn.Store(&state)
}

func (c *Collector) Hit() { c.hits.Add(1) }
func (c *Collector) Miss() { c.misses.Add(1) }
func (c *Collector) Evicted(n int) { c.evictions.Add(uint64(n)) }
func (c *Collector) Expired(n int) { c.expirations.Add(uint64(n)) }
func (c *Collector) Invalidated(n int) { c.invalidations.Add(uint64(n)) }
func (c *Collector) SimilarityHit() { c.similarityHits.Add(1) }
func (c *Collector) DedupShared() { c.dedupShared.Add(1) }
func (c *Collector) PersistError() { c.persistErrors.Add(1) }
func (c *Collector) BreakerTransition() { c.transitions.Add(1) }
func (c *Collector) RoutedLightweight() { c.lightweight.Add(1) }
func (c *Collector) RoutedPowerful() { c.powerful.Add(1) }
func (c *Collector) RoutedForced() { c.forced.Add(1) }

// Snapshot returns the current CacheStats.
func (c *Collector) Snapshot() models.CacheStats {
	s := models.CacheStats{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Evictions:      c.evictions.Load(),
		Expirations:    c.expirations.Load(),
		Invalidations:  c.invalidations.Load(),
		SimilarityHits: c.similarityHits.Load(),
		DedupShared:    c.dedupShared.Load(),
		PersistErrors:  c.persistErrors.Load(),
		CurrentSize:    c.size(),
		MaxSize:        int(c.maxSize.Load()),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Routes returns lightweight, powerful and breaker-forced decision counts.
func (c *Collector) Routes() (lightweight, powerful, forced uint64) {
	return c.lightweight.Load(), c.powerful.Load(), c.forced.Load()
}

// Reset zeroes every counter. Used on reconfiguration.
func (c *Collector) Reset() {
	for _, v := range []*atomic.Uint64{
		&c.hits, &c.misses, &c.evictions, &c.expirations, &c.invalidations,
		&c.similarityHits, &c.dedupShared, &c.persistErrors,
		&c.lightweight, &c.powerful, &c.forced, &c.transitions,
	} {
		v.Store(0)
	}
}

func (c *Collector) size() int {
	if fn := c.sizeFn.Load(); fn != nil {
		return (*fn)()
	}
	return 0
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	d := c.descs
	for _, desc := range []*prometheus.Desc{
		d.hits, d.misses, d.evictions, d.expirations, d.invalidations,
		d.similarityHits, d.dedupShared, d.persistErrors, d.size, d.maxSize,
		d.routes, d.transitions, d.breakerState,
	} {
		ch <- desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	d := c.descs
	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	s := c.Snapshot()
	counter(d.hits, s.Hits)
	counter(d.misses, s.Misses)
	counter(d.evictions, s.Evictions)
	counter(d.expirations, s.Expirations)
	counter(d.invalidations, s.Invalidations)
	counter(d.similarityHits, s.SimilarityHits)
	counter(d.dedupShared, s.DedupShared)
	counter(d.persistErrors, s.PersistErrors)
	ch <- prometheus.MustNewConstMetric(d.size, prometheus.GaugeValue, float64(s.CurrentSize))
	ch <- prometheus.MustNewConstMetric(d.maxSize, prometheus.GaugeValue, float64(s.MaxSize))

	lw, pw, forced := c.Routes()
	ch <- prometheus.MustNewConstMetric(d.routes, prometheus.CounterValue, float64(lw), "lightweight")
	ch <- prometheus.MustNewConstMetric(d.routes, prometheus.CounterValue, float64(pw), "powerful")
	ch <- prometheus.MustNewConstMetric(d.routes, prometheus.CounterValue, float64(forced), "forced")
	counter(d.transitions, c.transitions.Load())

	var state models.BreakerState
	if fn := c.breakerFn.Load(); fn != nil {
		state = (*fn)()
	}
	ch <- prometheus.MustNewConstMetric(d.breakerState, prometheus.GaugeValue, float64(state))
}
