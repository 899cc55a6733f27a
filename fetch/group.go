package fetch

import (
	"context"
	"errors"

	"github.com/wolfeidau/media-cache/cache"
	"golang.org/x/sync/singleflight"
)

// fillFunc fetches a range upstream and writes it through to the cache.
// The context passed to it is detached from any single request so that one
// caller timing out does not cancel the fill for other waiters.
type fillFunc func(ctx context.Context) (*cache.Response, error)

// group deduplicates concurrent fills of the same range using singleflight.
// It uses DoChan so each caller can respect its own context deadline without
// cancelling the in-flight fill for others.
type group struct {
	sf singleflight.Group
}

// do runs fn once per key among concurrent callers. It returns the response,
// whether it was shared with another caller, and any error.
//
// If the caller's context ends before the fill completes, do returns the
// context error but the fill continues for other waiters.
func (g *group) do(ctx context.Context, key string, fn fillFunc) (*cache.Response, bool, error) {
	ch := g.sf.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			g.forgetOnError(key, res.Err)
			return nil, res.Shared, res.Err
		}
		return res.Val.(*cache.Response), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// forgetOnError drops key from the group after a real fill failure so the
// next caller retries. Caller timeouts leave the in-flight fill alone.
func (g *group) forgetOnError(key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	g.sf.Forget(key)
}
