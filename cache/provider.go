package cache

import (
	"context"
	"sync"
	"sync/atomic"
)

// Provider owns the lifecycle of a shared Cache. The first Acquire opens it,
// later Acquires share it, and the last Release closes it. The budget
// computed by the first open is reused by every later open.
type Provider struct {
	cfg Config

	current atomic.Pointer[Cache]
	refs    atomic.Int64
	opens   atomic.Int64

	mu sync.Mutex // serializes open and close
}

// NewProvider creates a provider that opens caches with cfg.
func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

// Handle is one reference to a Provider's cache.
type Handle struct {
	p        *Provider
	c        *Cache
	released atomic.Bool
}

// Cache returns the shared cache.
func (h *Handle) Cache() *Cache {
	return h.c
}

// Release drops the reference. The cache closes when the last handle is
// released. Calling Release more than once has no further effect.
func (h *Handle) Release() error {
	if h.released.Swap(true) {
		return nil
	}
	return h.p.decRef(h.c)
}

// Acquire returns a handle on the shared cache, opening it if needed.
func (p *Provider) Acquire(ctx context.Context) (*Handle, error) {
	if c := p.current.Load(); c != nil {
		p.refs.Add(1)
		if p.current.Load() == c {
			return &Handle{p: p, c: c}, nil
		}
		// lost a race with the final release
		_ = p.decRef(c)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c := p.current.Load(); c != nil {
		p.refs.Add(1)
		return &Handle{p: p, c: c}, nil
	}

	c, err := Open(ctx, p.cfg)
	if err != nil {
		return nil, err
	}
	p.opens.Add(1)
	p.cfg.Budget = c.Budget()

	p.refs.Add(1)
	p.current.Store(c)
	return &Handle{p: p, c: c}, nil
}

// Opens returns how many times the underlying cache has been opened.
func (p *Provider) Opens() int64 {
	return p.opens.Load()
}

// Refs returns the number of outstanding handles.
func (p *Provider) Refs() int64 {
	return p.refs.Load()
}

// Budget returns the budget shared by every open, or zero before the first.
func (p *Provider) Budget() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Budget
}

func (p *Provider) decRef(c *Cache) error {
	if p.refs.Add(-1) > 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current.Load() != c || p.refs.Load() != 0 {
		return nil
	}
	// Unpublish first so a concurrent fast-path Acquire either sees nil or
	// is seen here through its reference.
	p.current.Store(nil)
	if p.refs.Load() != 0 {
		p.current.Store(c)
		return nil
	}
	return c.Close()
}
