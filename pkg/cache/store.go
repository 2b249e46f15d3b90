// Package cache is the in-memory result store: fingerprint-keyed entries with
// TTL and idle expiry, capacity eviction, a similarity index over entry
// embeddings, and optional write-through persistence.
package cache

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	mgerrors "github.com/pario-ai/mathgate/pkg/errors"
	"github.com/pario-ai/mathgate/pkg/fingerprint"
	"github.com/pario-ai/mathgate/pkg/models"
	"github.com/pario-ai/mathgate/pkg/similarity"
	"github.com/pario-ai/mathgate/pkg/stats"
)

// Persister is a durable backing store. Calls are made outside store locks.
type Persister interface {
	Load(ctx context.Context) ([]models.CacheEntry, error)
	Save(ctx context.Context, e models.CacheEntry) error
	Delete(ctx context.Context, fp fingerprint.Fingerprint) error
	Clear(ctx context.Context) error
	Close() error
}

// Options configures a Store.
type Options struct {
	MaxCapacity         int
	TTL                 time.Duration
	TTI                 time.Duration
	SimilarityThreshold float32
	Shards              int
	SweepInterval       time.Duration

	Persister Persister
	Stats     *stats.Collector
	Logger    *zap.Logger
	Now       func() time.Time
}

type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[fingerprint.Fingerprint, *models.CacheEntry]
	// pmu orders persister calls for the shard's keys. It is never taken
	// while mu or evictMu is held.
	pmu sync.Mutex
}

// Store is safe for concurrent use. Reads and inserts below capacity lock a
// single shard; a slot is reserved before an entry becomes visible, so the
// size never exceeds the capacity. Inserts that must evict are serialized.
type Store struct {
	opts    Options
	shards  []*shard
	index   *similarity.Index
	size    atomic.Int64
	evictMu sync.Mutex
	stats   *stats.Collector
	log     *zap.Logger
	now     func() time.Time
	sweeper *sweeper
}

// New creates a Store. Call Rehydrate to load persisted entries and Start to
// run the background sweeper.
func New(opts Options) (*Store, error) {
	if opts.MaxCapacity <= 0 {
		return nil, fmt.Errorf("cache: max capacity must be positive, got %d", opts.MaxCapacity)
	}
	n := opts.Shards
	if n <= 0 {
		n = 16
	}
	for n&(n-1) != 0 {
		n++
	}
	s := &Store{
		opts:  opts,
		index: similarity.NewIndex(),
		stats: opts.Stats,
		log:   opts.Logger,
		now:   opts.Now,
	}
	if s.stats == nil {
		s.stats = stats.New()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.shards = make([]*shard, n)
	for i := range s.shards {
		// Shards never self-evict; the store enforces the global bound.
		lru, err := simplelru.NewLRU[fingerprint.Fingerprint, *models.CacheEntry](opts.MaxCapacity+1, s.onRemove)
		if err != nil {
			return nil, err
		}
		s.shards[i] = &shard{lru: lru}
	}
	s.stats.BindSize(s.Len, opts.MaxCapacity)
	return s, nil
}

// onRemove runs under the owning shard's lock for every removal path.
func (s *Store) onRemove(fp fingerprint.Fingerprint, _ *models.CacheEntry) {
	s.size.Add(-1)
	s.index.Remove(fp)
}

func (s *Store) shard(fp fingerprint.Fingerprint) *shard {
	return s.shards[fp.Shard(len(s.shards))]
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	return int(s.size.Load())
}

// MaxCapacity returns the configured bound.
func (s *Store) MaxCapacity() int {
	return s.opts.MaxCapacity
}

// Stats returns the collector the store reports into.
func (s *Store) Stats() *stats.Collector {
	return s.stats
}

// Get returns the entry for fp and counts a hit or a miss.
func (s *Store) Get(ctx context.Context, fp fingerprint.Fingerprint) (models.CacheEntry, bool) {
	e, ok := s.Lookup(ctx, fp)
	if ok {
		s.stats.Hit()
	} else {
		s.stats.Miss()
	}
	return e, ok
}

// Lookup is Get without hit/miss accounting. It still refreshes the idle
// window and removes the entry if it has expired.
func (s *Store) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (models.CacheEntry, bool) {
	now := s.now()
	sh := s.shard(fp)

	sh.mu.Lock()
	e, ok := sh.lru.Get(fp)
	if !ok {
		sh.mu.Unlock()
		return models.CacheEntry{}, false
	}
	if e.Expired(now, s.opts.TTL, s.opts.TTI) {
		sh.lru.Remove(fp)
		sh.mu.Unlock()
		s.stats.Expired(1)
		s.persistDelete(ctx, fp)
		return models.CacheEntry{}, false
	}
	e.LastAccessedAt = now
	e.AccessCount++
	out := e.Clone()
	sh.mu.Unlock()
	return out, true
}

// LookupSimilar returns the live entry in scope whose embedding is most
// similar to emb, if the similarity reaches the configured threshold. It does
// not count hits or misses.
func (s *Store) LookupSimilar(ctx context.Context, scope string, emb []float32) (models.CacheEntry, float32, bool) {
	if len(emb) == 0 {
		return models.CacheEntry{}, 0, false
	}
	fp, score, ok := s.index.Best(scope, emb, s.opts.SimilarityThreshold)
	if !ok {
		return models.CacheEntry{}, 0, false
	}
	e, ok := s.Lookup(ctx, fp)
	if !ok {
		return models.CacheEntry{}, 0, false
	}
	return e, score, true
}

// Put inserts or overwrites the entry for fp in scope, evicting the least
// recently accessed entries first if the store is full. The returned entry is
// a copy.
func (s *Store) Put(ctx context.Context, fp fingerprint.Fingerprint, scope string, payload []byte, emb []float32) (models.CacheEntry, error) {
	now := s.now()
	entry := &models.CacheEntry{
		Fingerprint:    fp,
		Scope:          scope,
		Payload:        append([]byte(nil), payload...),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if len(emb) > 0 {
		entry.Embedding = append([]float32(nil), emb...)
	}
	out := entry.Clone()

	victims, err := s.insert(entry)
	for _, v := range victims {
		s.persistDelete(ctx, v)
	}
	if err != nil {
		return models.CacheEntry{}, err
	}
	s.persistSave(ctx, entry)
	return out, nil
}

// insert publishes entry and returns the fingerprints evicted to make room.
func (s *Store) insert(entry *models.CacheEntry) ([]fingerprint.Fingerprint, error) {
	sh := s.shard(entry.Fingerprint)

	sh.mu.Lock()
	if sh.lru.Contains(entry.Fingerprint) {
		s.publishLocked(entry)
		sh.mu.Unlock()
		return nil, nil
	}
	sh.mu.Unlock()

	var victims []fingerprint.Fingerprint
	if !s.reserve() {
		s.evictMu.Lock()
		spins := 0
		for !s.reserve() {
			fp, ok := s.evictOldest()
			if !ok {
				// Every slot is held by an insert that has not published yet.
				if spins++; spins > maxReserveSpins {
					s.evictMu.Unlock()
					return victims, mgerrors.CapacityExceeded("cache put", s.Len(), s.opts.MaxCapacity)
				}
				runtime.Gosched()
				continue
			}
			victims = append(victims, fp)
		}
		s.evictMu.Unlock()
	}

	sh.mu.Lock()
	if sh.lru.Contains(entry.Fingerprint) {
		// Overwritten by a concurrent insert; the reserved slot is not needed.
		s.size.Add(-1)
	}
	s.publishLocked(entry)
	sh.mu.Unlock()
	return victims, nil
}

const maxReserveSpins = 1000

// reserve claims one slot below capacity.
func (s *Store) reserve() bool {
	limit := int64(s.opts.MaxCapacity)
	for {
		n := s.size.Load()
		if n >= limit {
			return false
		}
		if s.size.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// publishLocked requires the entry's shard lock.
func (s *Store) publishLocked(entry *models.CacheEntry) {
	s.shard(entry.Fingerprint).lru.Add(entry.Fingerprint, entry)
	if len(entry.Embedding) > 0 {
		s.index.Add(entry.Fingerprint, entry.Scope, entry.Embedding)
	} else {
		s.index.Remove(entry.Fingerprint)
	}
}

// evictOldest removes the entry with the oldest last access, ties broken by
// oldest creation. Requires evictMu.
func (s *Store) evictOldest() (fingerprint.Fingerprint, bool) {
	for {
		var (
			victim    *models.CacheEntry
			victimIdx int
		)
		for i, sh := range s.shards {
			sh.mu.Lock()
			_, e, ok := sh.lru.GetOldest()
			if ok && (victim == nil || older(e, victim)) {
				c := *e
				victim, victimIdx = &c, i
			}
			sh.mu.Unlock()
		}
		if victim == nil {
			return fingerprint.Fingerprint{}, false
		}

		sh := s.shards[victimIdx]
		sh.mu.Lock()
		cur, ok := sh.lru.Peek(victim.Fingerprint)
		if ok && cur.LastAccessedAt.Equal(victim.LastAccessedAt) {
			sh.lru.Remove(victim.Fingerprint)
			sh.mu.Unlock()
			s.stats.Evicted(1)
			s.log.Debug("cache evict", zap.String("fingerprint", victim.Fingerprint.Short()))
			return victim.Fingerprint, true
		}
		// Touched or removed concurrently; pick again.
		sh.mu.Unlock()
	}
}

func older(a, b *models.CacheEntry) bool {
	if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Invalidate removes fp. It reports whether an entry was present.
func (s *Store) Invalidate(ctx context.Context, fp fingerprint.Fingerprint) bool {
	sh := s.shard(fp)
	sh.mu.Lock()
	removed := sh.lru.Remove(fp)
	sh.mu.Unlock()

	if removed {
		s.stats.Invalidated(1)
	}
	s.persistDelete(ctx, fp)
	return removed
}

// InvalidateAll removes every entry and returns how many were dropped.
// Saves still pending for purged entries are dropped; entries published after
// the purge are saved after the persister is cleared.
func (s *Store) InvalidateAll(ctx context.Context) int {
	for _, sh := range s.shards {
		sh.pmu.Lock()
	}
	defer func() {
		for _, sh := range s.shards {
			sh.pmu.Unlock()
		}
	}()

	s.evictMu.Lock()
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.lru.Len()
		sh.lru.Purge()
		sh.mu.Unlock()
	}
	s.index.Clear()
	s.evictMu.Unlock()

	s.stats.Invalidated(n)
	if s.opts.Persister != nil {
		if err := s.opts.Persister.Clear(ctx); err != nil {
			s.persistFailed("clear", err)
		}
	}
	return n
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()
	var expired []fingerprint.Fingerprint
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, fp := range sh.lru.Keys() {
			e, ok := sh.lru.Peek(fp)
			if ok && e.Expired(now, s.opts.TTL, s.opts.TTI) {
				sh.lru.Remove(fp)
				expired = append(expired, fp)
			}
		}
		sh.mu.Unlock()
	}
	if len(expired) == 0 {
		return 0
	}
	s.stats.Expired(len(expired))
	for _, fp := range expired {
		s.persistDelete(ctx, fp)
	}
	s.log.Debug("cache sweep", zap.Int("expired", len(expired)), zap.Int("size", s.Len()))
	return len(expired)
}

// Rehydrate loads non-expired entries from the persister. Loaded entries
// start a fresh idle window and access count; capacity is enforced by
// evicting the oldest created. Entries are not written back.
func (s *Store) Rehydrate(ctx context.Context) (int, error) {
	if s.opts.Persister == nil {
		return 0, nil
	}
	entries, err := s.opts.Persister.Load(ctx)
	if err != nil {
		s.persistFailed("load", err)
		return 0, mgerrors.Persistence("cache rehydrate", err)
	}

	// Every loaded entry gets the same last access, so LRU order must follow
	// creation for the eviction tie-break to hold.
	now := s.now()
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	var stale []fingerprint.Fingerprint
	loaded := 0
	for i := range entries {
		e := entries[i]
		if s.opts.TTL > 0 && now.Sub(e.CreatedAt) > s.opts.TTL {
			stale = append(stale, e.Fingerprint)
			continue
		}
		e.LastAccessedAt = now
		e.AccessCount = 0
		victims, err := s.insert(&e)
		stale = append(stale, victims...)
		if err != nil {
			return loaded, err
		}
		loaded++
	}

	for _, fp := range stale {
		s.persistDelete(ctx, fp)
	}
	s.log.Info("cache rehydrated", zap.Int("loaded", loaded), zap.Int("dropped", len(stale)), zap.Int("size", s.Len()))
	return s.Len(), nil
}

// CheckIndex reports fingerprints present in the similarity index but not in
// the store. It is empty unless an invariant is broken.
func (s *Store) CheckIndex() []fingerprint.Fingerprint {
	var orphans []fingerprint.Fingerprint
	for _, fp := range s.index.Fingerprints() {
		sh := s.shard(fp)
		sh.mu.Lock()
		ok := sh.lru.Contains(fp)
		sh.mu.Unlock()
		if !ok && s.index.Contains(fp) {
			orphans = append(orphans, fp)
		}
	}
	return orphans
}

// Close stops the sweeper and closes the persister.
func (s *Store) Close() error {
	s.Stop()
	if s.opts.Persister != nil {
		return s.opts.Persister.Close()
	}
	return nil
}

// persistSave writes e unless it has been replaced or removed since it was
// published. Persister calls for one shard are ordered by pmu and each one
// re-reads the in-memory state, so the persister converges on it.
func (s *Store) persistSave(ctx context.Context, e *models.CacheEntry) {
	if s.opts.Persister == nil {
		return
	}
	sh := s.shard(e.Fingerprint)
	sh.pmu.Lock()
	defer sh.pmu.Unlock()

	sh.mu.Lock()
	cur, ok := sh.lru.Peek(e.Fingerprint)
	var snap models.CacheEntry
	if ok && cur == e {
		snap = cur.Clone()
	}
	sh.mu.Unlock()
	if !ok || cur != e {
		return
	}
	if err := s.opts.Persister.Save(ctx, snap); err != nil {
		s.persistFailed("save", err, zap.String("fingerprint", e.Fingerprint.Short()))
	}
}

// persistDelete removes fp from the persister unless a newer entry for fp has
// been published since it was removed from memory.
func (s *Store) persistDelete(ctx context.Context, fp fingerprint.Fingerprint) {
	if s.opts.Persister == nil {
		return
	}
	sh := s.shard(fp)
	sh.pmu.Lock()
	defer sh.pmu.Unlock()

	sh.mu.Lock()
	live := sh.lru.Contains(fp)
	sh.mu.Unlock()
	if live {
		return
	}
	if err := s.opts.Persister.Delete(ctx, fp); err != nil {
		s.persistFailed("delete", err, zap.String("fingerprint", fp.Short()))
	}
}

func (s *Store) persistFailed(op string, err error, fields ...zap.Field) {
	s.stats.PersistError()
	s.log.Warn("cache persistence failed", append(fields, zap.String("op", op), zap.Error(err))...)
}
