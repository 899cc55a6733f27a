package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/media-cache/telemetry"
)

// InstrumentedBackend wraps a Store with metrics recording.
type InstrumentedBackend struct {
	backend Store
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b Store, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	size, err := ib.backend.Size(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

// Usage is not timed; it is called after every write.
func (ib *InstrumentedBackend) Usage(ctx context.Context) (int64, error) {
	return ib.backend.Usage(ctx)
}

func (ib *InstrumentedBackend) Purge(ctx context.Context) error {
	start := time.Now()
	err := ib.backend.Purge(ctx)
	telemetry.RecordBackendOp(ctx, ib.name, "purge", outcomeFromError(err), time.Since(start), 0)
	return err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Store {
	return ib.backend
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Compile-time interface checks
var (
	_ Backend = (*InstrumentedBackend)(nil)
	_ Store   = (*InstrumentedBackend)(nil)
)
