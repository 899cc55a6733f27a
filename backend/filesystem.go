package backend

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const tmpPrefix = ".tmp-"

// Filesystem implements Backend using the local filesystem.
// Writes are atomic using a temp file and rename pattern.
// The number of stored bytes is tracked in memory; it is seeded by a walk of
// the root directory when the backend is created.
type Filesystem struct {
	root string

	mu    sync.Mutex // serializes renames and removals with usage accounting
	usage int64
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	usage, err := walkUsage(absRoot)
	if err != nil {
		return nil, fmt.Errorf("measuring root directory: %w", err)
	}

	return &Filesystem{root: absRoot, usage: usage}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Write stores data at the given key using atomic write.
func (fs *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := fs.keyToPath(key)

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Clean up temp file on error
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return fmt.Errorf("writing data: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := fs.commit(tmpPath, path, n); err != nil {
		return err
	}

	success = true
	return nil
}

// commit renames tmpPath over path and adjusts usage by the size difference.
func (fs *Filesystem) commit(tmpPath, path string, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var previous int64
	if info, err := os.Stat(path); err == nil {
		previous = info.Size()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	fs.usage += size - previous
	return nil
}

// Read retrieves data at the given key.
func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	path := fs.keyToPath(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key.
// The parent directory is removed as well once it is empty.
func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	path := fs.keyToPath(key)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat file: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	fs.usage -= info.Size()

	// Best effort; fails harmlessly when other ranges remain.
	if dir := filepath.Dir(path); dir != fs.root {
		_ = os.Remove(dir)
	}
	return nil
}

// Exists checks if a key exists.
func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	path := fs.keyToPath(key)
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// List returns all keys with the given prefix.
func (fs *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := fs.keyToPath(prefix)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}

	// If it's a file, return just that key
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Size returns the size of the data at the given key.
func (fs *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	path := fs.keyToPath(key)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size(), nil
}

// Usage returns the number of bytes stored under the root.
func (fs *Filesystem) Usage(ctx context.Context) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.usage, nil
}

// Recount walks the root directory and resets the tracked usage.
// It returns the previous and the recounted value.
func (fs *Filesystem) Recount(ctx context.Context) (before, after int64, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	after, err = walkUsage(fs.root)
	if err != nil {
		return fs.usage, fs.usage, fmt.Errorf("measuring root directory: %w", err)
	}
	before = fs.usage
	fs.usage = after
	return before, after, nil
}

// Purge removes everything under the root and resets usage to zero.
func (fs *Filesystem) Purge(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.root)
	if err != nil {
		return fmt.Errorf("reading root directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(fs.root, e.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", e.Name(), err)
		}
	}

	fs.usage = 0
	return nil
}

// keyToPath converts a key to a filesystem path.
func (fs *Filesystem) keyToPath(key string) string {
	return filepath.Join(fs.root, filepath.FromSlash(key))
}

// walkUsage sums the size of regular files under root, skipping temp files.
func walkUsage(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// Compile-time interface checks
var (
	_ Backend          = (*Filesystem)(nil)
	_ SizeAwareBackend = (*Filesystem)(nil)
	_ UsageBackend     = (*Filesystem)(nil)
	_ PurgeableBackend = (*Filesystem)(nil)
	_ Store            = (*Filesystem)(nil)
)
