package metadb

import (
	"context"
	"errors"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// AccessStore records the last access time of each cached resource.
type AccessStore interface {
	// RecordAccess sets the last access time of key to now. Idempotent.
	RecordAccess(ctx context.Context, key mediacache.ResourceKey) error
	// LastAccess returns ErrNotFound when key has no entry.
	LastAccess(ctx context.Context, key mediacache.ResourceKey) (time.Time, error)
	// Entries returns a snapshot of all entries taken at call time.
	Entries(ctx context.Context) (*AccessSnapshot, error)
	// Oldest returns the least recently accessed entry not in exclude.
	Oldest(ctx context.Context, exclude map[mediacache.ResourceKey]struct{}) (AccessEntry, bool, error)
	// RemoveAccess deletes the entry for key. No-op if absent.
	RemoveAccess(ctx context.Context, key mediacache.ResourceKey) error
}

// SentMarkerStore records resources already reported to the accounting API.
type SentMarkerStore interface {
	Mark(ctx context.Context, key mediacache.ResourceKey) error
	IsMarked(ctx context.Context, key mediacache.ResourceKey) (bool, error)
	Unmark(ctx context.Context, key mediacache.ResourceKey) error
}

// MetaDB provides metadata storage for the media cache.
type MetaDB interface {
	AccessStore
	SentMarkerStore

	// Lifecycle
	Open(path string) error
	Close() error

	// RemoveEntry deletes the access entry and the sent marker for key together.
	RemoveEntry(ctx context.Context, key mediacache.ResourceKey) error
	// Reset deletes every access entry and sent marker.
	Reset(ctx context.Context) error
	// Counts returns the number of access entries and sent markers.
	Counts(ctx context.Context) (entries, marked int, err error)
}

// New creates a new MetaDB backed by bbolt.
func New(opts ...BoltDBOption) MetaDB {
	return NewBoltDB(opts...)
}
