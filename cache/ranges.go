package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
)

// rangeStore lays stored ranges out as <2hex>/<hash>/<offset> in the byte
// store, one framed file per range.
type rangeStore struct {
	store backend.Store
	codec *backend.Codec
}

func keyDir(key mediacache.ResourceKey) string {
	h := mediacache.HashKey(key)
	return path.Join(h.Dir(), h.String())
}

func rangeKey(key mediacache.ResourceKey, offset int64) string {
	return path.Join(keyDir(key), strconv.FormatInt(offset, 10))
}

// write frames and stores one range, returning the stored size.
func (rs *rangeStore) write(ctx context.Context, key mediacache.ResourceKey, resp *Response, now time.Time) (int64, string, error) {
	payload, encoding := rs.codec.Encode(resp.ContentType, resp.Body)

	header := &backend.RangeHeader{
		Key:             string(key),
		Offset:          resp.Offset,
		ContentType:     resp.ContentType,
		ContentLength:   int64(len(resp.Body)),
		ContentEncoding: encoding,
		ContentHash:     "blake3:" + mediacache.HashBytes(resp.Body).String(),
		CachedAt:        now.UTC().Format(time.RFC3339),
	}

	var buf bytes.Buffer
	if err := backend.WriteFramed(&buf, header, bytes.NewReader(payload)); err != nil {
		return 0, "", fmt.Errorf("framing range: %w", err)
	}
	size := int64(buf.Len())
	if err := rs.store.Write(ctx, rangeKey(key, resp.Offset), &buf); err != nil {
		return 0, "", fmt.Errorf("writing range: %w", err)
	}
	return size, encoding, nil
}

// read loads and decodes one range.
func (rs *rangeStore) read(ctx context.Context, key mediacache.ResourceKey, offset int64) (*Response, error) {
	rc, err := rs.store.Read(ctx, rangeKey(key, offset))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading range: %w", err)
	}
	defer func() { _ = rc.Close() }()

	header, body, err := backend.ReadFramed(rc)
	if err != nil {
		return nil, fmt.Errorf("reading range header: %w", err)
	}
	if header.Key != string(key) {
		return nil, fmt.Errorf("range belongs to %q: %w", header.Key, backend.ErrCorrupted)
	}

	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading range body: %w", err)
	}
	decoded, err := rs.codec.Decode(header.ContentEncoding, payload, header.ContentLength)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Key:         key,
		Offset:      header.Offset,
		ContentType: header.ContentType,
		Body:        decoded,
	}
	if t, err := time.Parse(time.RFC3339, header.CachedAt); err == nil {
		resp.CachedAt = t
	}
	return resp, nil
}

// offsets lists the stored range offsets of key in ascending order.
func (rs *rangeStore) offsets(ctx context.Context, key mediacache.ResourceKey) ([]int64, error) {
	keys, err := rs.store.List(ctx, keyDir(key))
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		off, err := strconv.ParseInt(path.Base(k), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, off)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// RemoveRanges deletes every stored range of key and returns the bytes freed.
func (rs *rangeStore) RemoveRanges(ctx context.Context, key mediacache.ResourceKey) (int64, error) {
	keys, err := rs.store.List(ctx, keyDir(key))
	if err != nil {
		return 0, fmt.Errorf("listing ranges: %w", err)
	}

	var freed int64
	for _, k := range keys {
		size, err := rs.store.Size(ctx, k)
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			return freed, fmt.Errorf("sizing range %s: %w", k, err)
		}
		if err := rs.store.Delete(ctx, k); err != nil {
			return freed, fmt.Errorf("deleting range %s: %w", k, err)
		}
		freed += size
	}
	return freed, nil
}

// Usage returns the bytes held by the byte store.
func (rs *rangeStore) Usage(ctx context.Context) (int64, error) {
	return rs.store.Usage(ctx)
}
