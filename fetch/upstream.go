package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/cache"
	"github.com/wolfeidau/media-cache/credentials"
	"github.com/wolfeidau/media-cache/telemetry"
)

const (
	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRangeSize bounds the bytes fetched and stored for one range.
	DefaultMaxRangeSize = 64 << 20
)

var (
	// ErrUpstreamNotFound is returned when the origin has no such resource.
	ErrUpstreamNotFound = errors.New("upstream: not found")

	// ErrUpstream is returned for any other unsuccessful origin response.
	ErrUpstream = errors.New("upstream: request failed")

	// ErrRangeTooLarge is returned when the origin sends more than the range limit.
	ErrRangeTooLarge = errors.New("upstream: range too large")
)

// HTTPUpstream fetches ranges of media resources from their origin URL.
type HTTPUpstream struct {
	client  *http.Client
	routes  *credentials.UpstreamConfig
	maxSize int64
}

// UpstreamOption configures an HTTPUpstream.
type UpstreamOption func(*HTTPUpstream)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *HTTPUpstream) {
		u.client = client
	}
}

// WithRoutes sets per-host request headers.
func WithRoutes(routes *credentials.UpstreamConfig) UpstreamOption {
	return func(u *HTTPUpstream) {
		u.routes = routes
	}
}

// WithMaxRangeSize sets the largest range accepted from the origin.
func WithMaxRangeSize(n int64) UpstreamOption {
	return func(u *HTTPUpstream) {
		u.maxSize = n
	}
}

// NewHTTPUpstream creates an origin client.
func NewHTTPUpstream(opts ...UpstreamOption) *HTTPUpstream {
	u := &HTTPUpstream{
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, telemetry.TargetOrigin),
		},
		maxSize: DefaultMaxRangeSize,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Fetch downloads the range of key starting at offset. Non-zero offsets are
// requested with an open-ended Range header.
func (u *HTTPUpstream) Fetch(ctx context.Context, key mediacache.ResourceKey, offset int64) (*cache.Response, error) {
	target, err := mediacache.ParseKey(key)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range u.routes.HeadersFor(target.Hostname()) {
		req.Header.Set(k, v)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target.Redacted(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUpstreamNotFound
	case offset > 0 && resp.StatusCode != http.StatusPartialContent:
		return nil, fmt.Errorf("%w: range not honoured, status %d", ErrUpstream, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, u.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading upstream body: %w", err)
	}
	if int64(len(body)) > u.maxSize {
		return nil, ErrRangeTooLarge
	}

	return &cache.Response{
		Key:         key,
		Offset:      offset,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
