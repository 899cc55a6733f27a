// Package fetch is the data-source layer in front of the cache. Opening a
// range records the access, serves stored ranges directly and fills misses
// from the origin, writing them through to the cache. Concurrent misses for
// the same range share one upstream fetch.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/cache"
)

// Store is the subset of the cache used by the fetch path.
type Store interface {
	Touch(ctx context.Context, key mediacache.ResourceKey) error
	GetRange(ctx context.Context, key mediacache.ResourceKey, offset int64) (*cache.Response, error)
	Put(ctx context.Context, key mediacache.ResourceKey, resp *cache.Response) error
}

// Upstream fetches ranges that are not cached.
type Upstream interface {
	Fetch(ctx context.Context, key mediacache.ResourceKey, offset int64) (*cache.Response, error)
}

// Result is an opened range.
type Result struct {
	Response *cache.Response
	// Hit is true when the range was served from the cache.
	Hit bool
	// Shared is true when the fill was shared with a concurrent caller.
	Shared bool
}

// Source opens media ranges through the cache.
type Source struct {
	store    Store
	upstream Upstream
	group    group
	logger   *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger for the source.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewSource creates a Source reading through store and filling from upstream.
func NewSource(store Store, upstream Upstream, opts ...Option) *Source {
	s := &Source{
		store:    store,
		upstream: upstream,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "fetch")
	return s
}

// Open returns the range of key starting at offset.
func (s *Source) Open(ctx context.Context, key mediacache.ResourceKey, offset int64) (*Result, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}

	if err := s.store.Touch(ctx, key); err != nil {
		return nil, fmt.Errorf("recording access: %w", err)
	}

	resp, err := s.store.GetRange(ctx, key, offset)
	if err == nil {
		return &Result{Response: resp, Hit: true}, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		// Unreadable ranges are refetched and overwritten.
		s.logger.Warn("stored range unreadable, refetching", "key", key, "offset", offset, "error", err)
	}

	resp, shared, err := s.group.do(ctx, flightKey(key, offset), func(ctx context.Context) (*cache.Response, error) {
		resp, err := s.upstream.Fetch(ctx, key, offset)
		if err != nil {
			return nil, err
		}
		if err := s.store.Put(ctx, key, resp); err != nil {
			// The caller still gets the bytes; only the write-through failed.
			s.logger.Error("failed to store range", "key", key, "offset", offset, "error", err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Shared: shared}, nil
}

func flightKey(key mediacache.ResourceKey, offset int64) string {
	return strconv.FormatInt(offset, 10) + "@" + string(key)
}
