// Package expiry removes cached media by TTL and by least-recent use under a
// byte budget.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

// DefaultTTL is how long an entry survives without being accessed.
const DefaultTTL = 10 * 24 * time.Hour

// Index is the access metadata walked by the manager.
type Index interface {
	Entries(ctx context.Context) (*metadb.AccessSnapshot, error)
	Oldest(ctx context.Context, exclude map[mediacache.ResourceKey]struct{}) (metadb.AccessEntry, bool, error)
	RemoveEntry(ctx context.Context, key mediacache.ResourceKey) error
	// PruneMarkers drops sent markers that have no entry behind them.
	PruneMarkers(ctx context.Context) (int, error)
}

// Ranges is the byte store holding the stored ranges of each key.
type Ranges interface {
	// RemoveRanges deletes every stored range of key and returns the bytes freed.
	RemoveRanges(ctx context.Context, key mediacache.ResourceKey) (int64, error)
	// Usage returns the bytes currently held by the store.
	Usage(ctx context.Context) (int64, error)
}

// Config holds expiration configuration.
type Config struct {
	// TTL is the maximum idle time of an entry. An entry expires once
	// now - lastAccess is strictly greater than TTL. Zero means DefaultTTL.
	TTL time.Duration

	// Budget is the byte ceiling enforced by Evict.
	Budget int64

	// SweepInterval enables background sweeps when positive.
	SweepInterval time.Duration

	// Locker is held around background sweeps. Callers of Sweep and Evict
	// must hold it themselves.
	Locker sync.Locker

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for expiration events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		TTL:    DefaultTTL,
		Logger: slog.Default(),
	}
}

// Manager applies the TTL sweep and the eviction policy.
type Manager struct {
	config Config
	index  Index
	ranges Ranges
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new expiration manager.
func NewManager(index Index, ranges Ranges, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Locker == nil {
		cfg.Locker = &sync.Mutex{}
	}

	return &Manager{
		config: cfg,
		index:  index,
		ranges: ranges,
		logger: cfg.Logger.With("component", "expiry"),
		now:    cfg.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Budget returns the byte ceiling enforced by Evict.
func (m *Manager) Budget() int64 {
	return m.config.Budget
}

// TTL returns the configured time-to-live.
func (m *Manager) TTL() time.Duration {
	return m.config.TTL
}

// EvictResult contains the results of an eviction run.
type EvictResult struct {
	Evicted    int
	BytesFreed int64
	Errors     int
	Usage      int64 // usage when the run stopped
	// Inconsistent is set when usage stayed over budget with no tracked
	// entries left to remove.
	Inconsistent bool
}

// Evict removes the least recently accessed entries until usage is within
// the budget. Entries that fail removal are skipped so the run always ends.
func (m *Manager) Evict(ctx context.Context) EvictResult {
	var result EvictResult

	usage, err := m.ranges.Usage(ctx)
	if err != nil {
		m.logger.Error("failed to read usage", "error", err)
		result.Errors++
		return result
	}

	failed := make(map[mediacache.ResourceKey]struct{})
	for usage > m.config.Budget {
		if err := ctx.Err(); err != nil {
			break
		}

		entry, ok, err := m.index.Oldest(ctx, failed)
		if err != nil {
			m.logger.Error("failed to find oldest entry", "error", err)
			result.Errors++
			break
		}
		if !ok {
			if len(failed) == 0 {
				m.logger.Warn("usage exceeds budget with no tracked entries",
					"usage", usage,
					"budget", m.config.Budget,
				)
				result.Inconsistent = true
				telemetry.RecordInconsistent(ctx)
			} else {
				m.logger.Warn("usage exceeds budget after failed evictions",
					"usage", usage,
					"budget", m.config.Budget,
					"failed", len(failed),
				)
			}
			break
		}

		freed, err := m.remove(ctx, entry.Key)
		if err != nil {
			m.logger.Warn("failed to evict entry", "key", entry.Key, "error", err)
			result.Errors++
			failed[entry.Key] = struct{}{}
			continue
		}

		result.Evicted++
		result.BytesFreed += freed
		m.logger.Debug("evicted entry by LRU",
			"key", entry.Key,
			"last_access", entry.LastAccess,
			"bytes", freed,
		)

		if usage, err = m.ranges.Usage(ctx); err != nil {
			m.logger.Error("failed to read usage", "error", err)
			result.Errors++
			break
		}
	}
	result.Usage = usage

	telemetry.RecordRemoval(ctx, telemetry.ReasonLRU, result.Evicted, result.BytesFreed)
	telemetry.RecordRemovalErrors(ctx, telemetry.ReasonLRU, result.Errors)

	if result.Evicted > 0 {
		m.logger.Info("eviction complete",
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"usage", result.Usage,
			"budget", m.config.Budget,
		)
	}
	return result
}

// SweepResult contains the results of a sweep.
type SweepResult struct {
	Expired       int
	BytesFreed    int64
	Errors        int
	InvalidKeys   int
	OrphanMarkers int // sent markers dropped because their key was not cached
	Evict         EvictResult
	Duration      time.Duration
}

// Sweep removes every entry idle for longer than the TTL, then runs Evict.
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	start := m.now()
	result := SweepResult{}

	m.logger.Debug("starting sweep")

	snap, err := m.index.Entries(ctx)
	if err != nil {
		m.logger.Error("failed to list entries", "error", err)
		result.Errors++
	} else {
		m.expire(ctx, snap, &result)
	}

	if n, err := m.index.PruneMarkers(ctx); err != nil {
		m.logger.Error("failed to prune sent markers", "error", err)
		result.Errors++
	} else {
		result.OrphanMarkers = n
	}

	result.Evict = m.Evict(ctx)
	result.Duration = m.now().Sub(start)

	telemetry.RecordRemoval(ctx, telemetry.ReasonTTL, result.Expired, result.BytesFreed)
	telemetry.RecordRemovalErrors(ctx, telemetry.ReasonTTL, result.Errors)
	telemetry.RecordSweep(ctx, result.Duration)

	if result.Expired > 0 || result.Evict.Evicted > 0 || result.OrphanMarkers > 0 {
		m.logger.Info("sweep complete",
			"ttl_expired", result.Expired,
			"orphan_markers", result.OrphanMarkers,
			"lru_evicted", result.Evict.Evicted,
			"bytes_freed", result.BytesFreed+result.Evict.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("sweep complete, nothing to expire")
	}

	return result
}

func (m *Manager) expire(ctx context.Context, snap *metadb.AccessSnapshot, result *SweepResult) {
	// Access times are stored in whole seconds, so compare at that resolution.
	now := m.now().Unix()
	ttl := int64(m.config.TTL / time.Second)

	// The snapshot is ordered oldest first, so the first live entry ends the scan.
	for entry := range snap.All() {
		idle := now - entry.LastAccess.Unix()
		if idle <= ttl {
			return
		}
		if ctx.Err() != nil {
			return
		}

		if _, err := mediacache.ParseKey(entry.Key); err != nil {
			m.logger.Warn("expiring entry with invalid resource key", "key", entry.Key, "error", err)
			result.InvalidKeys++
		}

		freed, err := m.remove(ctx, entry.Key)
		if err != nil {
			m.logger.Warn("failed to remove expired entry", "key", entry.Key, "error", err)
			result.Errors++
			continue
		}

		result.Expired++
		result.BytesFreed += freed
		m.logger.Debug("expired entry by TTL",
			"key", entry.Key,
			"last_access", entry.LastAccess,
			"age", time.Duration(idle)*time.Second,
		)
	}
}

// remove deletes the ranges first so a failure leaves the entry tracked and
// eligible for a later attempt.
func (m *Manager) remove(ctx context.Context, key mediacache.ResourceKey) (int64, error) {
	freed, err := m.ranges.RemoveRanges(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := m.index.RemoveEntry(ctx, key); err != nil {
		return freed, err
	}
	return freed, nil
}

// Start begins background sweeps when SweepInterval is positive.
func (m *Manager) Start(ctx context.Context) error {
	if m.config.SweepInterval <= 0 {
		return nil
	}

	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background sweeps and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.config.Locker.Lock()
			m.Sweep(ctx)
			m.config.Locker.Unlock()
		}
	}
}
