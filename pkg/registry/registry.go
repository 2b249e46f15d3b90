// Package registry keeps lazily loaded, reference-counted model handles.
// Concurrent first requests for the same key share one load.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pario-ai/mathgate/pkg/dedup"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("registry closed")

// Loader builds the value for key.
type Loader[T any] func(ctx context.Context, key string) (T, error)

type entry[T any] struct {
	value T
	refs  int
}

// Registry maps keys to loaded values.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
	closed  bool
	loads   dedup.Group[*entry[T]]
	loader  Loader[T]
	loaded  atomic.Int64
	log     *zap.Logger
}

// New creates a Registry that loads values with loader.
func New[T any](loader Loader[T], log *zap.Logger) *Registry[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry[T]{
		entries: make(map[string]*entry[T]),
		loader:  loader,
		log:     log,
	}
}

// Handle is a counted reference to a loaded value. Release it when done.
type Handle[T any] struct {
	r        *Registry[T]
	key      string
	e        *entry[T]
	released atomic.Bool
}

// Value returns the loaded value.
func (h *Handle[T]) Value() T {
	return h.e.value
}

// Key returns the registry key.
func (h *Handle[T]) Key() string {
	return h.key
}

// Release drops the reference. Extra calls are no-ops.
func (h *Handle[T]) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.r.mu.Lock()
	h.e.refs--
	h.r.mu.Unlock()
}

// Acquire returns a handle for key, loading the value on first use.
func (r *Registry[T]) Acquire(ctx context.Context, key string) (*Handle[T], error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := r.entries[key]; ok {
			e.refs++
			r.mu.Unlock()
			return &Handle[T]{r: r, key: key, e: e}, nil
		}
		r.mu.Unlock()

		e, _, err := r.loads.Do(ctx, key, func(ctx context.Context) (*entry[T], error) {
			return r.load(ctx, key)
		})
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.entries[key] == e {
			e.refs++
			r.mu.Unlock()
			return &Handle[T]{r: r, key: key, e: e}, nil
		}
		// Evicted between load and acquire; try again.
		r.mu.Unlock()
	}
}

func (r *Registry[T]) load(ctx context.Context, key string) (*entry[T], error) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	v, err := r.loader(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		closeValue(v)
		return nil, ErrClosed
	}
	e := &entry[T]{value: v}
	r.entries[key] = e
	r.loaded.Add(1)
	r.log.Info("model loaded", zap.String("key", key))
	return e, nil
}

// Evict drops key if nothing references it. It reports whether the key is
// now absent.
func (r *Registry[T]) Evict(key string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return true
	}
	if e.refs > 0 {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, key)
	r.mu.Unlock()

	closeValue(e.value)
	r.log.Info("model evicted", zap.String("key", key))
	return true
}

// Len returns the number of loaded keys.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the loaded keys, sorted.
func (r *Registry[T]) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Loads returns how many loads have completed.
func (r *Registry[T]) Loads() int64 {
	return r.loaded.Load()
}

// Close refuses new acquisitions and closes every loaded value that
// implements io.Closer.
func (r *Registry[T]) Close() error {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry[T])
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := closeValue(e.value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeValue(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
