package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"

	"github.com/infracollect/remod/locator"
)

const (
	locksDirName = ".locks"
	tmpDirName   = ".tmp"
)

// FilesystemCache implements Cache using the local filesystem. Every entry
// is a direct child of the root; bookkeeping lives in dot-prefixed children.
//
// Population of a key is guarded by an exclusive file lock, so concurrent
// processes sharing a root fetch each key at most once per refresh.
type FilesystemCache struct {
	baseDir string
	locker  *Locker
	logger  logr.Logger

	mu       sync.Mutex
	prepared bool
}

// FilesystemOption configures a FilesystemCache.
type FilesystemOption func(*FilesystemCache)

// WithLogger sets the logger used for cache events.
func WithLogger(logger logr.Logger) FilesystemOption {
	return func(c *FilesystemCache) {
		c.logger = logger
	}
}

// NewFilesystemCache creates a new filesystem-based cache at the given directory.
func NewFilesystemCache(baseDir string, opts ...FilesystemOption) *FilesystemCache {
	if abs, err := filepath.Abs(baseDir); err == nil {
		baseDir = abs
	}
	c := &FilesystemCache{
		baseDir: baseDir,
		locker:  NewLocker(filepath.Join(baseDir, locksDirName)),
		logger:  logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the cache root.
func (c *FilesystemCache) Dir() string {
	return c.baseDir
}

// Path returns the location an entry would occupy.
func (c *FilesystemCache) Path(id locator.Identity, filename string) string {
	return filepath.Join(c.baseDir, Key(id, filename))
}

// Has reports whether an entry exists.
func (c *FilesystemCache) Has(ctx context.Context, id locator.Identity, filename string) (bool, error) {
	if err := c.prepare(ctx); err != nil {
		return false, err
	}
	return exists(c.Path(id, filename))
}

// EnsureDir returns the directory entry for id, populating it from fetch
// when it is absent or force is set. The archive is unpacked into a private
// staging directory and its single top-level directory is renamed into place.
func (c *FilesystemCache) EnsureDir(ctx context.Context, id locator.Identity, force bool, fetch FetchFunc) (string, error) {
	if err := c.prepare(ctx); err != nil {
		return "", err
	}

	key := Key(id, "")
	path := filepath.Join(c.baseDir, key)

	unlock, err := c.locker.AcquireExclusive(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	defer unlock()

	if !force {
		ok, err := exists(path)
		if err != nil {
			return "", err
		}
		if ok {
			c.logger.V(1).Info("cache hit", "key", key)
			return path, nil
		}
	}

	// The old entry goes first, so a failed refresh leaves the key absent.
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("failed to remove cache entry: %w", err)
	}

	c.logger.Info("fetching repository archive", "repository", id.String(), "key", key)
	data, err := fetch(ctx)
	if err != nil {
		return "", err
	}

	tmpDir, err := c.createTempDir()
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := unpack(data, tmpDir); err != nil {
		return "", &UnpackError{Key: key, Err: err}
	}

	dirs, err := topLevelDirs(tmpDir)
	if err != nil {
		return "", &UnpackError{Key: key, Err: err}
	}
	if len(dirs) != 1 {
		return "", &UnpackError{Key: key, Found: dirs}
	}

	if err := os.Rename(filepath.Join(tmpDir, dirs[0]), path); err != nil {
		return "", fmt.Errorf("failed to move repository to cache: %w", err)
	}

	c.logger.V(1).Info("cache populated", "key", key, "path", path)
	return path, nil
}

// EnsureFile returns the file entry for filename in id, populating it from
// fetch when it is absent or force is set.
func (c *FilesystemCache) EnsureFile(ctx context.Context, id locator.Identity, filename string, force bool, fetch FetchFunc) (string, error) {
	if filename == "" {
		return "", errors.New("filename is required for a file entry")
	}
	if err := c.prepare(ctx); err != nil {
		return "", err
	}

	key := Key(id, filename)
	path := filepath.Join(c.baseDir, key)

	unlock, err := c.locker.AcquireExclusive(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	defer unlock()

	if !force {
		ok, err := exists(path)
		if err != nil {
			return "", err
		}
		if ok {
			c.logger.V(1).Info("cache hit", "key", key)
			return path, nil
		}
	}

	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("failed to remove cache entry: %w", err)
	}

	c.logger.Info("fetching file", "repository", id.String(), "filename", filename, "key", key)
	data, err := fetch(ctx)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write cache entry: %w", err)
	}

	err = c.updateManifest(ctx, func(m *manifest) {
		m.Files[key] = fileRecord{Repository: id.Repository(), Ref: id.Ref, Filename: filename}
	})
	if err != nil {
		return "", err
	}

	return path, nil
}

// Delete removes the directory entry of id together with its file entries.
// Lock files stay behind: another process may hold or be waiting on the same
// inode, and a recreated file would let two writers in at once. A nil id
// removes the whole root, lock files included.
func (c *FilesystemCache) Delete(ctx context.Context, id *locator.Identity) error {
	if id == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.prepared = false
		c.logger.Info("removing cache root", "path", c.baseDir)
		if err := os.RemoveAll(c.baseDir); err != nil {
			return fmt.Errorf("failed to remove cache: %w", err)
		}
		return nil
	}

	if err := c.prepare(ctx); err != nil {
		return err
	}

	keys := []string{Key(*id, "")}
	err := c.updateManifest(ctx, func(m *manifest) {
		for key, rec := range m.Files {
			if rec.Repository == id.Repository() && rec.Ref == id.Ref {
				keys = append(keys, key)
				delete(m.Files, key)
			}
		}
	})
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := c.removeEntry(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// removeEntry deletes one entry under its lock.
func (c *FilesystemCache) removeEntry(ctx context.Context, key string) error {
	unlock, err := c.locker.AcquireExclusive(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	path := filepath.Join(c.baseDir, key)
	c.logger.V(1).Info("removing cache entry", "key", key)
	err = os.RemoveAll(path)
	unlock()
	if err != nil {
		return fmt.Errorf("failed to remove cache entry: %w", err)
	}
	return nil
}

// prepare creates the root and checks its scheme marker. A root written with
// an older key scheme, or with an unreadable marker, is emptied first.
func (c *FilesystemCache) prepare(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prepared {
		return nil
	}

	if err := os.MkdirAll(c.baseDir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	unlock, err := c.locker.AcquireExclusive(ctx, manifestLockKey)
	if err != nil {
		return fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	defer unlock()

	path := filepath.Join(c.baseDir, manifestName)
	m, err := readManifest(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		m = newManifest()
	case err != nil:
		c.logger.Info("evicting cache with unreadable manifest", "path", c.baseDir, "error", err.Error())
		if err := evictEntries(c.baseDir); err != nil {
			return fmt.Errorf("failed to evict cache: %w", err)
		}
		m = newManifest()
	case m.Scheme > SchemeVersion:
		return fmt.Errorf("cache %s uses key scheme %d, newer than supported %d", c.baseDir, m.Scheme, SchemeVersion)
	case m.Scheme < SchemeVersion:
		c.logger.Info("evicting cache with stale key scheme", "path", c.baseDir, "scheme", m.Scheme)
		if err := evictEntries(c.baseDir); err != nil {
			return fmt.Errorf("failed to evict cache: %w", err)
		}
		m = newManifest()
	default:
		c.prepared = true
		return nil
	}

	if err := writeManifest(path, m); err != nil {
		return err
	}
	c.prepared = true
	return nil
}

func (c *FilesystemCache) updateManifest(ctx context.Context, fn func(*manifest)) error {
	unlock, err := c.locker.AcquireExclusive(ctx, manifestLockKey)
	if err != nil {
		return fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	defer unlock()

	path := filepath.Join(c.baseDir, manifestName)
	m, err := readManifest(path)
	if errors.Is(err, fs.ErrNotExist) {
		m = newManifest()
	} else if err != nil {
		return err
	}

	fn(m)
	return writeManifest(path, m)
}

// createTempDir creates a unique temporary directory under the cache's .tmp directory.
func (c *FilesystemCache) createTempDir() (string, error) {
	tmpBase := filepath.Join(c.baseDir, tmpDirName)
	if err := os.MkdirAll(tmpBase, 0o755); err != nil {
		return "", err
	}

	var randBytes [8]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return "", err
	}

	tmpDir := filepath.Join(tmpBase, hex.EncodeToString(randBytes[:]))
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", err
	}
	return tmpDir, nil
}

func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
