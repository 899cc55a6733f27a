package cache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/expiry"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(t *testing.T, clock *testClock, budget int64) Config {
	t.Helper()
	return Config{
		Dir:    t.TempDir(),
		Budget: budget,
		Now:    clock.Now,
	}
}

func newTestCache(t *testing.T, clock *testClock, budget int64) *Cache {
	t.Helper()
	c, err := Open(context.Background(), testConfig(t, clock, budget))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func videoResponse(size int) *Response {
	return &Response{
		ContentType: "video/mp4",
		Body:        bytes.Repeat([]byte{0x47}, size),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newTestClock(), 1<<30)
	key := mediacache.ResourceKey("https://cdn.example.com/v/a.mp4")

	require.NoError(t, c.Put(ctx, key, &Response{ContentType: "video/mp4", Body: []byte("frame data")}))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, got.Key)
	assert.Equal(t, "video/mp4", got.ContentType)
	assert.Equal(t, []byte("frame data"), got.Body)
	assert.False(t, got.CachedAt.IsZero())
}

func TestPutGetRangeAtOffset(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newTestClock(), 1<<30)
	key := mediacache.ResourceKey("https://cdn.example.com/v/a.mp4")

	require.NoError(t, c.Put(ctx, key, &Response{Offset: 0, ContentType: "video/mp4", Body: []byte("head")}))
	require.NoError(t, c.Put(ctx, key, &Response{Offset: 4096, ContentType: "video/mp4", Body: []byte("tail")}))

	got, err := c.GetRange(ctx, key, 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), got.Offset)
	assert.Equal(t, []byte("tail"), got.Body)

	offsets, err := c.Offsets(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 4096}, offsets)

	_, err = c.GetRange(ctx, key, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPlaylistIsCompressedOnDisk(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newTestClock(), 1<<30)
	key := mediacache.ResourceKey("https://cdn.example.com/v/master.m3u8")

	playlist := []byte("#EXTM3U\n" + strings.Repeat("#EXTINF:4.0,\nsegment.ts\n", 1000))
	require.NoError(t, c.Put(ctx, key, &Response{ContentType: "application/vnd.apple.mpegurl", Body: playlist}))

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Less(t, st.Usage, int64(len(playlist)))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, playlist, got.Body)
}

func TestGetMissing(t *testing.T) {
	c := newTestCache(t, newTestClock(), 1<<30)

	_, err := c.Get(context.Background(), "https://cdn.example.com/missing.mp4")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetDoesNotRefreshAccess(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	c := newTestCache(t, clock, 1<<30)
	key := mediacache.ResourceKey("https://cdn.example.com/v/a.mp4")

	require.NoError(t, c.Put(ctx, key, videoResponse(10)))
	before, err := c.db.LastAccess(ctx, key)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = c.Get(ctx, key)
	require.NoError(t, err)

	after, err := c.db.LastAccess(ctx, key)
	require.NoError(t, err)
	assert.True(t, before.Equal(after))

	require.NoError(t, c.Touch(ctx, key))
	touched, err := c.db.LastAccess(ctx, key)
	require.NoError(t, err)
	assert.True(t, touched.After(before))
}

func TestInvalidKeyRejected(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newTestClock(), 1<<30)

	for _, key := range []mediacache.ResourceKey{"", "   "} {
		require.ErrorIs(t, c.Put(ctx, key, videoResponse(1)), mediacache.ErrInvalidKey)
		_, err := c.Get(ctx, key)
		require.ErrorIs(t, err, mediacache.ErrInvalidKey)
		require.ErrorIs(t, c.Touch(ctx, key), mediacache.ErrInvalidKey)
		require.ErrorIs(t, c.Remove(ctx, key), mediacache.ErrInvalidKey)
		require.ErrorIs(t, c.Mark(ctx, key), mediacache.ErrInvalidKey)
	}

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Entries)
	assert.Zero(t, st.Usage)
}

func TestPutEvictsOldestUnderBudget(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	c := newTestCache(t, clock, 3000)

	keys := []mediacache.ResourceKey{
		"https://cdn.example.com/v/1.mp4",
		"https://cdn.example.com/v/2.mp4",
		"https://cdn.example.com/v/3.mp4",
	}
	for _, k := range keys {
		require.NoError(t, c.Put(ctx, k, videoResponse(1000)))
		clock.Advance(time.Second)

		st, err := c.Stats(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, st.Usage, st.Budget)
	}

	_, err := c.Get(ctx, keys[0])
	require.ErrorIs(t, err, ErrNotFound)
	for _, k := range keys[1:] {
		_, err := c.Get(ctx, k)
		require.NoError(t, err)
	}
}

func TestEvictionHonoursTouch(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	c := newTestCache(t, clock, 3000)

	first := mediacache.ResourceKey("https://cdn.example.com/v/1.mp4")
	second := mediacache.ResourceKey("https://cdn.example.com/v/2.mp4")
	third := mediacache.ResourceKey("https://cdn.example.com/v/3.mp4")

	require.NoError(t, c.Put(ctx, first, videoResponse(1000)))
	clock.Advance(time.Second)
	require.NoError(t, c.Put(ctx, second, videoResponse(1000)))
	clock.Advance(time.Second)
	require.NoError(t, c.Touch(ctx, first))
	clock.Advance(time.Second)
	require.NoError(t, c.Put(ctx, third, videoResponse(1000)))

	_, err := c.Get(ctx, second)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(ctx, first)
	require.NoError(t, err)
}

func TestEvictionUnmarks(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	c := newTestCache(t, clock, 3000)

	old := mediacache.ResourceKey("https://cdn.example.com/v/old.mp4")
	require.NoError(t, c.Put(ctx, old, videoResponse(1000)))
	require.NoError(t, c.Mark(ctx, old))

	for _, k := range []mediacache.ResourceKey{"https://cdn.example.com/v/2.mp4", "https://cdn.example.com/v/3.mp4"} {
		clock.Advance(time.Second)
		require.NoError(t, c.Put(ctx, k, videoResponse(1000)))
	}

	marked, err := c.IsMarked(ctx, old)
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newTestClock(), 1<<30)
	key := mediacache.ResourceKey("https://cdn.example.com/v/a.mp4")

	require.NoError(t, c.Put(ctx, key, videoResponse(100)))
	require.NoError(t, c.Put(ctx, key, &Response{Offset: 100, ContentType: "video/mp4", Body: []byte("more")}))
	require.NoError(t, c.Mark(ctx, key))

	require.NoError(t, c.Remove(ctx, key))

	_, err := c.Get(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)
	marked, err := c.IsMarked(ctx, key)
	require.NoError(t, err)
	assert.False(t, marked)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Entries)
	assert.Zero(t, st.Usage)
}

func TestClearThenPutAllowsFreshReport(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, newTestClock(), 1<<30)
	key := mediacache.ResourceKey("https://cdn.example.com/v/a.mp4")

	require.NoError(t, c.Put(ctx, key, videoResponse(100)))
	require.NoError(t, c.Mark(ctx, key))

	require.NoError(t, c.Clear(ctx))

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Entries)
	assert.Zero(t, st.Marked)
	assert.Zero(t, st.Usage)

	require.NoError(t, c.Put(ctx, key, videoResponse(100)))
	marked, err := c.IsMarked(ctx, key)
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestMarkerWithoutEntryDoesNotSuppressReentry(t *testing.T) {
	ctx := context.Background()

	t.Run("after sweep", func(t *testing.T) {
		clock := newTestClock()
		c := newTestCache(t, clock, 1<<30)
		key := mediacache.ResourceKey("https://cdn.example.com/v/a.mp4")

		require.NoError(t, c.Mark(ctx, key))
		clock.Advance(30 * 24 * time.Hour)

		res, err := c.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.OrphanMarkers)

		require.NoError(t, c.Put(ctx, key, videoResponse(100)))
		marked, err := c.IsMarked(ctx, key)
		require.NoError(t, err)
		assert.False(t, marked)
	})

	t.Run("without sweep", func(t *testing.T) {
		c := newTestCache(t, newTestClock(), 1<<30)
		key := mediacache.ResourceKey("https://cdn.example.com/v/b.mp4")

		require.NoError(t, c.Mark(ctx, key))
		require.NoError(t, c.Put(ctx, key, videoResponse(100)))

		marked, err := c.IsMarked(ctx, key)
		require.NoError(t, err)
		assert.False(t, marked)
	})
}

func TestOpenSweepsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	cfg := testConfig(t, clock, 1<<30)
	key := mediacache.ResourceKey("https://cdn.example.com/v/a.mp4")

	c, err := Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, key, videoResponse(100)))
	require.NoError(t, c.Mark(ctx, key))
	require.NoError(t, c.Close())

	clock.Advance(expiry.DefaultTTL + time.Second)

	c, err = Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Get(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)
	marked, err := c.IsMarked(ctx, key)
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestOpenComputesBudgetFromFreeSpace(t *testing.T) {
	tests := []struct {
		name string
		free int64
		want int64
	}{
		{"ceiling wins", 20 << 30, 5 << 30},
		{"half of free wins", 4 << 30, 2 << 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, newTestClock(), 0)
			cfg.FreeSpace = func(string) (int64, error) { return tt.free, nil }

			c, err := Open(context.Background(), cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })

			assert.Equal(t, tt.want, c.Budget())
		})
	}
}

func TestOpenFailures(t *testing.T) {
	t.Run("free space query fails", func(t *testing.T) {
		cfg := testConfig(t, newTestClock(), 0)
		cfg.FreeSpace = func(string) (int64, error) { return 0, errors.New("statfs failed") }

		_, err := Open(context.Background(), cfg)
		require.ErrorIs(t, err, ErrStorageInit)
	})

	t.Run("storage path is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "not-a-dir")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

		_, err := Open(context.Background(), Config{Dir: file, Budget: 1 << 20})
		require.ErrorIs(t, err, ErrStorageInit)
	})

	t.Run("missing dir", func(t *testing.T) {
		_, err := Open(context.Background(), Config{})
		require.ErrorIs(t, err, ErrStorageInit)
	})
}

func TestClosedCache(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, testConfig(t, newTestClock(), 1<<30))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	key := mediacache.ResourceKey("https://cdn.example.com/v/a.mp4")
	require.ErrorIs(t, c.Put(ctx, key, videoResponse(1)), ErrClosed)
	_, err = c.Get(ctx, key)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.Touch(ctx, key), ErrClosed)
	require.ErrorIs(t, c.Clear(ctx), ErrClosed)
	_, err = c.Stats(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	c := newTestCache(t, clock, 5000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				key := mediacache.ResourceKey("https://cdn.example.com/v/" + string(rune('a'+i)) + ".mp4")
				_ = c.Put(ctx, key, &Response{Offset: int64(j), ContentType: "video/mp4", Body: bytes.Repeat([]byte{1}, 200)})
			}
		}()
	}
	wg.Wait()

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, st.Usage, st.Budget)
}
