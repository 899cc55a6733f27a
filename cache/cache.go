// Package cache stores fetched media ranges on disk under a byte budget and
// tracks their access times and accounting markers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/expiry"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

var (
	// ErrStorageInit is returned when the byte store or metadata store cannot be opened.
	ErrStorageInit = errors.New("cache storage initialization failed")

	// ErrNotFound is returned when no range is stored for a key and offset.
	ErrNotFound = errors.New("cache: not found")

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache: closed")
)

const (
	mediaDir   = "media"
	metaDBFile = "meta.db"
)

// Config configures a Cache.
type Config struct {
	// Dir is the storage directory. Ranges live in Dir/media and metadata in
	// Dir/meta.db.
	Dir string

	// Budget is the byte ceiling. Zero computes it from free disk space.
	Budget int64

	// Ceiling caps a computed budget. Zero means DefaultCeiling.
	Ceiling int64

	// TTL is the maximum idle time of an entry. Zero means expiry.DefaultTTL.
	TTL time.Duration

	// SweepInterval enables periodic TTL sweeps after the sweep at open.
	SweepInterval time.Duration

	// FreeSpace reports free bytes for a path. Defaults to FreeSpace.
	FreeSpace func(path string) (int64, error)

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Response is one stored range of a resource.
type Response struct {
	Key         mediacache.ResourceKey
	Offset      int64
	ContentType string
	Body        []byte
	CachedAt    time.Time
}

// Cache is the disk-backed media cache.
// Metadata mutations, eviction and sweeps are serialized by a single mutex;
// reads do not take it.
type Cache struct {
	dir     string
	budget  int64
	fs      *backend.Filesystem
	ranges  *rangeStore
	db      *metadb.BoltDB
	manager *expiry.Manager
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed atomic.Bool
}

// Open creates the storage directory, opens the byte and metadata stores,
// computes the budget and runs the TTL sweep.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: storage directory is required", ErrStorageInit)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FreeSpace == nil {
		cfg.FreeSpace = FreeSpace
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	logger := cfg.Logger.With("component", "cache")

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating storage directory: %w", ErrStorageInit, err)
	}

	budget := cfg.Budget
	if budget <= 0 {
		free, err := cfg.FreeSpace(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorageInit, err)
		}
		budget = ComputeBudget(free, cfg.Ceiling)
		logger.Info("computed cache budget",
			"free", humanize.IBytes(uint64(max(free, 0))),
			"budget", humanize.IBytes(uint64(budget)),
		)
	}

	fs, err := backend.NewFilesystem(filepath.Join(cfg.Dir, mediaDir))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageInit, err)
	}

	codec, err := backend.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageInit, err)
	}

	db := metadb.NewBoltDB(metadb.WithLogger(cfg.Logger), metadb.WithNow(cfg.Now))
	if err := db.Open(filepath.Join(cfg.Dir, metaDBFile)); err != nil {
		codec.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageInit, err)
	}

	c := &Cache{
		dir:    cfg.Dir,
		budget: budget,
		fs:     fs,
		ranges: &rangeStore{
			store: backend.NewInstrumentedBackend(fs, "filesystem"),
			codec: codec,
		},
		db:     db,
		logger: logger,
		now:    cfg.Now,
	}
	c.manager = expiry.NewManager(db, c.ranges, expiry.Config{
		TTL:           cfg.TTL,
		Budget:        budget,
		SweepInterval: cfg.SweepInterval,
		Locker:        &c.mu,
		Now:           cfg.Now,
		Logger:        cfg.Logger,
	})

	c.mu.Lock()
	c.manager.Sweep(ctx)
	c.mu.Unlock()
	c.updateState(ctx)

	if err := c.manager.Start(context.WithoutCancel(ctx)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageInit, err)
	}

	logger.Debug("opened cache", "dir", cfg.Dir, "budget", budget)
	return c, nil
}

// Dir returns the storage directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Budget returns the byte budget.
func (c *Cache) Budget() int64 {
	return c.budget
}

// Put stores one range of key, records the access and evicts down to budget.
// If the access cannot be recorded the range is removed again.
func (c *Cache) Put(ctx context.Context, key mediacache.ResourceKey, resp *Response) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("cache: nil response")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	size, encoding, err := c.ranges.write(ctx, key, resp, c.now())
	if err != nil {
		return err
	}

	if err := c.db.RecordAccess(ctx, key); err != nil {
		if derr := c.ranges.store.Delete(ctx, rangeKey(key, resp.Offset)); derr != nil {
			c.logger.Error("failed to roll back range", "key", key, "offset", resp.Offset, "error", derr)
		}
		return fmt.Errorf("recording access: %w", err)
	}

	telemetry.RecordRangeWrite(ctx, size, encoding)
	c.manager.Evict(ctx)
	c.updateState(ctx)
	return nil
}

// Get returns the range stored at offset zero. It does not refresh the
// access time.
func (c *Cache) Get(ctx context.Context, key mediacache.ResourceKey) (*Response, error) {
	return c.GetRange(ctx, key, 0)
}

// GetRange returns the range of key stored at offset.
func (c *Cache) GetRange(ctx context.Context, key mediacache.ResourceKey, offset int64) (*Response, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	resp, err := c.ranges.read(ctx, key, offset)
	switch {
	case errors.Is(err, ErrNotFound):
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return nil, err
	case err != nil:
		c.logger.Warn("failed to read stored range", "key", key, "offset", offset, "error", err)
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return nil, err
	}
	telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
	return resp, nil
}

// Offsets lists the stored range offsets of key.
func (c *Cache) Offsets(ctx context.Context, key mediacache.ResourceKey) ([]int64, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.ranges.offsets(ctx, key)
}

// Touch records an access to key. The fetch path calls it when a fetch starts.
func (c *Cache) Touch(ctx context.Context, key mediacache.ResourceKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	return c.db.RecordAccess(ctx, key)
}

// Remove deletes every range of key together with its entry and marker.
func (c *Cache) Remove(ctx context.Context, key mediacache.ResourceKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	freed, err := c.ranges.RemoveRanges(ctx, key)
	if err != nil {
		return fmt.Errorf("removing ranges: %w", err)
	}
	if err := c.db.RemoveEntry(ctx, key); err != nil {
		return fmt.Errorf("removing entry: %w", err)
	}

	telemetry.RecordRemoval(ctx, telemetry.ReasonManual, 1, freed)
	c.updateState(ctx)
	return nil
}

// Clear removes all ranges, entries and markers.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}

	entries, _, err := c.db.Counts(ctx)
	if err != nil {
		return fmt.Errorf("counting entries: %w", err)
	}
	usage, err := c.ranges.Usage(ctx)
	if err != nil {
		return fmt.Errorf("reading usage: %w", err)
	}

	if err := c.ranges.store.Purge(ctx); err != nil {
		return fmt.Errorf("purging ranges: %w", err)
	}
	if err := c.db.Reset(ctx); err != nil {
		return fmt.Errorf("resetting metadata: %w", err)
	}

	telemetry.RecordRemoval(ctx, telemetry.ReasonClear, entries, usage)
	c.updateState(ctx)
	c.logger.Info("cleared cache", "entries", entries, "bytes", humanize.IBytes(uint64(usage)))
	return nil
}

// Sweep runs the TTL sweep followed by eviction.
func (c *Cache) Sweep(ctx context.Context) (expiry.SweepResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return expiry.SweepResult{}, ErrClosed
	}
	result := c.manager.Sweep(ctx)
	c.updateState(ctx)
	return result, nil
}

// Recount re-measures the byte store from disk.
func (c *Cache) Recount(ctx context.Context) (before, after int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return 0, 0, ErrClosed
	}
	return c.fs.Recount(ctx)
}

// Mark records that key has been reported to the accounting API.
func (c *Cache) Mark(ctx context.Context, key mediacache.ResourceKey) error {
	if err := key.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	return c.db.Mark(ctx, key)
}

// IsMarked reports whether key has been reported.
func (c *Cache) IsMarked(ctx context.Context, key mediacache.ResourceKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	if c.closed.Load() {
		return false, ErrClosed
	}
	return c.db.IsMarked(ctx, key)
}

// LastAccess returns when key was last stored or touched.
// It returns metadb.ErrNotFound for untracked keys.
func (c *Cache) LastAccess(ctx context.Context, key mediacache.ResourceKey) (time.Time, error) {
	if err := key.Validate(); err != nil {
		return time.Time{}, err
	}
	if c.closed.Load() {
		return time.Time{}, ErrClosed
	}
	return c.db.LastAccess(ctx, key)
}

// Stats describes the cache contents.
type Stats struct {
	Entries int       `json:"entries"`
	Marked  int       `json:"marked"`
	Usage   int64     `json:"usage_bytes"`
	Budget  int64     `json:"budget_bytes"`
	Oldest  time.Time `json:"oldest,omitzero"`
	Newest  time.Time `json:"newest,omitzero"`
}

// Stats returns entry counts, usage and the access time range.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	if c.closed.Load() {
		return Stats{}, ErrClosed
	}

	st := Stats{Budget: c.budget}

	var err error
	if st.Entries, st.Marked, err = c.db.Counts(ctx); err != nil {
		return Stats{}, err
	}
	if st.Usage, err = c.ranges.Usage(ctx); err != nil {
		return Stats{}, err
	}

	snap, err := c.db.Entries(ctx)
	if err != nil {
		return Stats{}, err
	}
	for e := range snap.All() {
		if st.Oldest.IsZero() {
			st.Oldest = e.LastAccess
		}
		st.Newest = e.LastAccess
	}
	return st, nil
}

// Close stops background sweeps, waits for in-flight mutations and closes
// the stores. It is safe to call more than once.
func (c *Cache) Close() error {
	if c.closed.Load() {
		return nil
	}
	c.manager.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}

	c.ranges.codec.Close()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("closing metadata: %w", err)
	}
	c.logger.Debug("closed cache")
	return nil
}

func (c *Cache) updateState(ctx context.Context) {
	usage, err := c.ranges.Usage(ctx)
	if err != nil {
		return
	}
	entries, _, err := c.db.Counts(ctx)
	if err != nil {
		return
	}
	telemetry.UpdateCacheState(ctx, usage, c.budget, entries)
}
