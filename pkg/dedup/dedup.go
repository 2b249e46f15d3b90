// Package dedup guarantees at most one in-flight computation per key.
// Concurrent callers for the same key share the leader's result or error.
package dedup

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	mgerrors "github.com/pario-ai/mathgate/pkg/errors"
)

// Group deduplicates computations producing V.
type Group[V any] struct {
	sf       singleflight.Group
	inflight atomic.Int64
}

// Do runs fn once for all concurrent callers of key.
//
// The computation runs on a context detached from the leader's cancellation
// but still bounded by the leader's deadline, so it completes for any waiters
// left behind when the leader gives up. A caller whose ctx is done stops
// waiting immediately and gets a Timeout error. leader reports whether this
// caller's fn produced the result. Errors are shared, never remembered: the
// next call after a failure starts a fresh computation.
func (g *Group[V]) Do(ctx context.Context, key string, fn func(context.Context) (V, error)) (v V, leader bool, err error) {
	if err := ctx.Err(); err != nil {
		return v, false, mgerrors.Timeout("dedup wait", err)
	}

	var ran atomic.Bool
	ch := g.sf.DoChan(key, func() (any, error) {
		ran.Store(true)
		g.inflight.Add(1)
		defer g.inflight.Add(-1)

		cctx, cancel := detach(ctx)
		defer cancel()
		return fn(cctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return v, ran.Load(), res.Err
		}
		out, _ := res.Val.(V)
		return out, ran.Load(), nil
	case <-ctx.Done():
		return v, false, mgerrors.Timeout("dedup wait", ctx.Err())
	}
}

// Forget drops key so the next Do starts a new computation even if one is
// still running.
func (g *Group[V]) Forget(key string) {
	g.sf.Forget(key)
}

// Inflight returns the number of computations currently running.
func (g *Group[V]) Inflight() int {
	return int(g.inflight.Load())
}

func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(base, deadline)
	}
	return context.WithCancel(base)
}

