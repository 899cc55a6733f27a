package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketAccess       = []byte("access")         // key -> 8-byte unix seconds
	bucketAccessByTime = []byte("access_by_time") // 8-byte unix seconds + key -> key (LRU index)
	bucketSent         = []byte("sent")           // key -> 8-byte unix seconds when marked
)

var allBuckets = [][]byte{bucketAccess, bucketAccessByTime, bucketSent}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice
// of Unix seconds. The sign offset keeps lexicographic order equal to time order.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	s := t.Unix()
	binary.BigEndian.PutUint64(buf, uint64(s-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	s := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(s, 0).UTC()
}

// makeAccessIndexKey creates a key for the access_by_time index.
// Format: [8-byte timestamp][resource key]
func makeAccessIndexKey(ts []byte, key string) []byte {
	out := make([]byte, 8+len(key))
	copy(out[:8], ts)
	copy(out[8:], key)
	return out
}

// parseAccessIndexKey splits an access_by_time key into its parts.
func parseAccessIndexKey(data []byte) (time.Time, string) {
	if len(data) < 8 {
		return time.Time{}, ""
	}
	return decodeTimestamp(data[:8]), string(data[8:])
}
