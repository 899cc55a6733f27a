package metadb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	mediacache "github.com/wolfeidau/media-cache"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path, creating it if needed.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		b.db = nil
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// RecordAccess sets the last access time of key to now, replacing any
// previous index row so each key appears in the LRU index exactly once.
// A key entering the index drops any sent marker left from before it was
// cached, so it starts a fresh reporting cycle.
func (b *BoltDB) RecordAccess(_ context.Context, key mediacache.ResourceKey) error {
	ts := encodeTimestamp(b.now())
	return b.db.Update(func(tx *bbolt.Tx) error {
		access := tx.Bucket(bucketAccess)
		byTime := tx.Bucket(bucketAccessByTime)

		k := []byte(key)
		if old := access.Get(k); old != nil {
			if err := byTime.Delete(makeAccessIndexKey(old, string(key))); err != nil {
				return fmt.Errorf("deleting old access index: %w", err)
			}
		} else if err := tx.Bucket(bucketSent).Delete(k); err != nil {
			return fmt.Errorf("deleting stale sent marker: %w", err)
		}

		if err := access.Put(k, ts); err != nil {
			return fmt.Errorf("putting access: %w", err)
		}
		if err := byTime.Put(makeAccessIndexKey(ts, string(key)), k); err != nil {
			return fmt.Errorf("putting access index: %w", err)
		}
		return nil
	})
}

// LastAccess returns the recorded access time for key.
func (b *BoltDB) LastAccess(_ context.Context, key mediacache.ResourceKey) (time.Time, error) {
	var t time.Time
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketAccess).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		t = decodeTimestamp(val)
		return nil
	})
	return t, err
}

// Entries returns every access entry, oldest first.
func (b *BoltDB) Entries(_ context.Context) (*AccessSnapshot, error) {
	snap := &AccessSnapshot{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		byTime := tx.Bucket(bucketAccessByTime)
		snap.entries = make([]AccessEntry, 0, byTime.Stats().KeyN)

		cursor := byTime.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			ts, key := parseAccessIndexKey(k)
			snap.entries = append(snap.entries, AccessEntry{
				Key:        mediacache.ResourceKey(key),
				LastAccess: ts,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Oldest returns the least recently accessed entry whose key is not in
// exclude. The boolean is false when no such entry exists.
func (b *BoltDB) Oldest(_ context.Context, exclude map[mediacache.ResourceKey]struct{}) (AccessEntry, bool, error) {
	var (
		entry AccessEntry
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketAccessByTime).Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			ts, key := parseAccessIndexKey(k)
			if _, skip := exclude[mediacache.ResourceKey(key)]; skip {
				continue
			}
			entry = AccessEntry{Key: mediacache.ResourceKey(key), LastAccess: ts}
			found = true
			return nil
		}
		return nil
	})
	return entry, found, err
}

// RemoveAccess deletes the access entry for key.
func (b *BoltDB) RemoveAccess(_ context.Context, key mediacache.ResourceKey) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.removeAccessInTx(tx, key)
	})
}

func (b *BoltDB) removeAccessInTx(tx *bbolt.Tx, key mediacache.ResourceKey) error {
	access := tx.Bucket(bucketAccess)
	k := []byte(key)

	ts := access.Get(k)
	if ts == nil {
		return nil
	}
	if err := tx.Bucket(bucketAccessByTime).Delete(makeAccessIndexKey(ts, string(key))); err != nil {
		return fmt.Errorf("deleting access index: %w", err)
	}
	if err := access.Delete(k); err != nil {
		return fmt.Errorf("deleting access: %w", err)
	}
	return nil
}

// Mark records that key has been reported. Idempotent.
func (b *BoltDB) Mark(_ context.Context, key mediacache.ResourceKey) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		sent := tx.Bucket(bucketSent)
		if sent.Get([]byte(key)) != nil {
			return nil
		}
		if err := sent.Put([]byte(key), encodeTimestamp(b.now())); err != nil {
			return fmt.Errorf("putting sent marker: %w", err)
		}
		return nil
	})
}

// PruneMarkers deletes sent markers whose key has no access entry and
// returns how many were removed.
func (b *BoltDB) PruneMarkers(_ context.Context) (int, error) {
	var pruned int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		access := tx.Bucket(bucketAccess)
		sent := tx.Bucket(bucketSent)

		var orphans [][]byte
		err := sent.ForEach(func(k, _ []byte) error {
			if access.Get(k) == nil {
				orphans = append(orphans, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range orphans {
			if err := sent.Delete(k); err != nil {
				return fmt.Errorf("deleting sent marker: %w", err)
			}
		}
		pruned = len(orphans)
		return nil
	})
	return pruned, err
}

// IsMarked reports whether key has been marked as reported.
func (b *BoltDB) IsMarked(_ context.Context, key mediacache.ResourceKey) (bool, error) {
	var marked bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		marked = tx.Bucket(bucketSent).Get([]byte(key)) != nil
		return nil
	})
	return marked, err
}

// Unmark removes the sent marker for key.
func (b *BoltDB) Unmark(_ context.Context, key mediacache.ResourceKey) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSent).Delete([]byte(key))
	})
}

// RemoveEntry deletes the access entry, its index row, and the sent marker
// for key in a single transaction.
func (b *BoltDB) RemoveEntry(_ context.Context, key mediacache.ResourceKey) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := b.removeAccessInTx(tx, key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSent).Delete([]byte(key)); err != nil {
			return fmt.Errorf("deleting sent marker: %w", err)
		}
		return nil
	})
}

// Reset drops and recreates every bucket.
func (b *BoltDB) Reset(_ context.Context) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.logger.Debug("reset metadb")
	return nil
}

// Counts returns the number of access entries and sent markers.
func (b *BoltDB) Counts(_ context.Context) (entries, marked int, err error) {
	err = b.db.View(func(tx *bbolt.Tx) error {
		entries = tx.Bucket(bucketAccess).Stats().KeyN
		marked = tx.Bucket(bucketSent).Stats().KeyN
		return nil
	})
	return entries, marked, err
}

// Compile-time interface check
var _ MetaDB = (*BoltDB)(nil)
