// Package mediacache holds the identifiers shared by the media cache packages.
package mediacache

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrInvalidKey is returned when a resource key is missing or empty.
	ErrInvalidKey = errors.New("invalid resource key")

	// ErrInvalidResource is returned when a key cannot be used as a URL.
	ErrInvalidResource = errors.New("invalid resource URL")
)

// ResourceKey identifies a cacheable resource. It is the source URL exactly as
// presented by the caller; no normalization is performed.
type ResourceKey string

// String returns the key as a string.
func (k ResourceKey) String() string {
	return string(k)
}

// Validate checks that the key can be used at the public API boundary.
func (k ResourceKey) Validate() error {
	if strings.TrimSpace(string(k)) == "" {
		return ErrInvalidKey
	}
	return nil
}

// ParseKey parses the key as an absolute URL.
// Keys that are not absolute URLs are still valid cache keys; callers use the
// error to decide whether URL-dependent work can proceed.
func ParseKey(k ResourceKey) (*url.URL, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(string(k))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidResource, k, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidResource, k)
	}
	return u, nil
}
