// Package metadb provides metadata storage using bbolt for the media cache.
package metadb

import (
	"iter"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
)

// AccessEntry is the last access time recorded for a resource.
// Times have second precision.
type AccessEntry struct {
	Key        mediacache.ResourceKey `json:"key"`
	LastAccess time.Time              `json:"last_access"`
}

// AccessSnapshot is a point-in-time copy of the access entries, ordered
// oldest first with ties broken by key.
type AccessSnapshot struct {
	entries []AccessEntry
}

// All iterates the snapshot. It can be ranged over any number of times.
func (s *AccessSnapshot) All() iter.Seq[AccessEntry] {
	return func(yield func(AccessEntry) bool) {
		for _, e := range s.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// Len returns the number of entries in the snapshot.
func (s *AccessSnapshot) Len() int {
	return len(s.entries)
}
