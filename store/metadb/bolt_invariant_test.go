package metadb

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	mediacache "github.com/wolfeidau/media-cache"
)

// countBucketEntries counts the number of entries in a bucket.
func countBucketEntries(tx *bbolt.Tx, bucket []byte) int {
	b := tx.Bucket(bucket)
	if b == nil {
		return 0
	}
	count := 0
	_ = b.ForEach(func(_, _ []byte) error {
		count++
		return nil
	})
	return count
}

// getBucketEntriesForValue returns all keys in a bucket whose value equals v.
func getBucketEntriesForValue(tx *bbolt.Tx, bucket []byte, v []byte) [][]byte {
	b := tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	var keys [][]byte
	_ = b.ForEach(func(k, val []byte) error {
		if bytes.Equal(val, v) {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		return nil
	})
	return keys
}

func TestAccessIndex_SingleEntryAfterRepeatedUpdates(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	db := newTestBoltDB(t, WithNow(clock.Now))

	key := mediacache.ResourceKey("https://cdn.example.com/movie.mp4")

	for i := 0; i < 10; i++ {
		require.NoError(t, db.RecordAccess(ctx, key))
		clock.Advance(time.Duration(i+1) * time.Minute)
	}

	err := db.db.View(func(tx *bbolt.Tx) error {
		rows := getBucketEntriesForValue(tx, bucketAccessByTime, []byte(key))
		require.Len(t, rows, 1, "index should hold one row per key")

		ts, k := parseAccessIndexKey(rows[0])
		assert.Equal(t, string(key), k)

		stored := tx.Bucket(bucketAccess).Get([]byte(key))
		assert.True(t, decodeTimestamp(stored).Equal(ts), "index timestamp should match access bucket")
		return nil
	})
	require.NoError(t, err)
}

func TestAccessIndex_MatchesAccessBucket(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	db := newTestBoltDB(t, WithNow(clock.Now))

	keys := []mediacache.ResourceKey{"a", "b", "c", "d"}
	for _, k := range keys {
		require.NoError(t, db.RecordAccess(ctx, k))
		clock.Advance(time.Second)
	}
	require.NoError(t, db.RecordAccess(ctx, "b"))
	require.NoError(t, db.RemoveEntry(ctx, "c"))
	require.NoError(t, db.RemoveAccess(ctx, "d"))

	err := db.db.View(func(tx *bbolt.Tx) error {
		assert.Equal(t, 2, countBucketEntries(tx, bucketAccess))
		assert.Equal(t, 2, countBucketEntries(tx, bucketAccessByTime))
		return nil
	})
	require.NoError(t, err)
}

func TestTimestampEncodingPreservesOrder(t *testing.T) {
	times := []time.Time{
		time.Unix(-100, 0),
		time.Unix(0, 0),
		time.Unix(1, 0),
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
	}

	for i := 1; i < len(times); i++ {
		prev := encodeTimestamp(times[i-1])
		cur := encodeTimestamp(times[i])
		assert.Negative(t, bytes.Compare(prev, cur), "encoded %v should sort before %v", times[i-1], times[i])
		assert.True(t, times[i].Equal(decodeTimestamp(cur)))
	}
}
