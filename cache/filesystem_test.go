package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infracollect/remod/locator"
)

// countingFetch returns a FetchFunc serving data and counting its calls.
func countingFetch(data []byte, calls *atomic.Int32) FetchFunc {
	return func(context.Context) ([]byte, error) {
		calls.Add(1)
		return data, nil
	}
}

func TestFilesystemCache_EnsureDir(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewFilesystemCache(t.TempDir())
	id := locator.MustParse("octocat/Hello-World:v2")
	archive := buildZip(t, map[string]string{"octocat-Hello-World-abc/greet.lua": "return {}"})

	var calls atomic.Int32
	path, err := c.EnsureDir(ctx, id, false, countingFetch(archive, &calls))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Dir(), "octocat_Hello-World_v2"), path)
	assert.FileExists(t, filepath.Join(path, "greet.lua"))

	t.Run("hit does not fetch", func(t *testing.T) {
		again, err := c.EnsureDir(ctx, id, false, countingFetch(archive, &calls))
		require.NoError(t, err)
		assert.Equal(t, path, again)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("force refetches and replaces", func(t *testing.T) {
		updated := buildZip(t, map[string]string{"octocat-Hello-World-def/other.lua": "return {}"})
		again, err := c.EnsureDir(ctx, id, true, countingFetch(updated, &calls))
		require.NoError(t, err)
		assert.Equal(t, path, again)
		assert.Equal(t, int32(2), calls.Load())
		assert.FileExists(t, filepath.Join(path, "other.lua"))
		assert.NoFileExists(t, filepath.Join(path, "greet.lua"))
	})

	has, err := c.Has(ctx, id, "")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestFilesystemCache_EnsureDir_MultipleTopLevelDirs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewFilesystemCache(t.TempDir())
	id := locator.MustParse("octocat/Hello-World")
	archive := buildZip(t, map[string]string{
		"first/a.lua":  "return {}",
		"second/b.lua": "return {}",
	})

	var calls atomic.Int32
	_, err := c.EnsureDir(ctx, id, false, countingFetch(archive, &calls))
	require.Error(t, err)

	var unpackErr *UnpackError
	require.True(t, errors.As(err, &unpackErr))
	assert.ElementsMatch(t, []string{"first", "second"}, unpackErr.Found)

	assert.NoDirExists(t, c.Path(id, ""))
	entries, err := os.ReadDir(filepath.Join(c.Dir(), tmpDirName))
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory should be discarded")
}

func TestFilesystemCache_EnsureDir_FetchErrorLeavesKeyAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewFilesystemCache(t.TempDir())
	id := locator.MustParse("octocat/Hello-World")
	archive := buildZip(t, map[string]string{"repo/a.lua": "return {}"})

	var calls atomic.Int32
	_, err := c.EnsureDir(ctx, id, false, countingFetch(archive, &calls))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = c.EnsureDir(ctx, id, true, func(context.Context) ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.NoDirExists(t, c.Path(id, ""))
}

func TestFilesystemCache_EnsureDir_Concurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewFilesystemCache(t.TempDir())
	id := locator.MustParse("octocat/Hello-World")
	archive := buildZip(t, map[string]string{"repo/a.lua": "return {}"})

	var calls atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.EnsureDir(ctx, id, false, countingFetch(archive, &calls))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestFilesystemCache_EnsureFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewFilesystemCache(t.TempDir())
	id := locator.MustParse("octocat/Hello-World")

	var calls atomic.Int32
	path, err := c.EnsureFile(ctx, id, "greet.py", false, countingFetch([]byte("v1"), &calls))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Dir(), "octocat_Hello-World_greet.py"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))

	_, err = c.EnsureFile(ctx, id, "greet.py", false, countingFetch([]byte("v2"), &calls))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	_, err = c.EnsureFile(ctx, id, "greet.py", true, countingFetch([]byte("v2"), &calls))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))

	_, err = c.EnsureFile(ctx, id, "", false, countingFetch([]byte("v2"), &calls))
	require.Error(t, err)
}

func TestFilesystemCache_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewFilesystemCache(t.TempDir())
	target := locator.MustParse("octocat/Hello-World")
	other := locator.MustParse("octocat/Spoon-Knife")
	archive := buildZip(t, map[string]string{"repo/a.lua": "return {}"})

	var calls atomic.Int32
	for _, id := range []locator.Identity{target, other} {
		_, err := c.EnsureDir(ctx, id, false, countingFetch(archive, &calls))
		require.NoError(t, err)
		_, err = c.EnsureFile(ctx, id, "a.lua", false, countingFetch([]byte("return {}"), &calls))
		require.NoError(t, err)
	}

	require.NoError(t, c.Delete(ctx, &target))

	assert.NoDirExists(t, c.Path(target, ""))
	assert.NoFileExists(t, c.Path(target, "a.lua"))
	assert.FileExists(t, c.locker.lockPath(Key(target, "")), "lock files outlive their entries")
	assert.DirExists(t, c.Path(other, ""))
	assert.FileExists(t, c.Path(other, "a.lua"))

	t.Run("missing entry is a no-op", func(t *testing.T) {
		require.NoError(t, c.Delete(ctx, &target))
	})

	t.Run("nil removes everything", func(t *testing.T) {
		require.NoError(t, c.Delete(ctx, nil))
		assert.NoDirExists(t, c.Dir())
		require.NoError(t, c.Delete(ctx, nil))
	})
}

func TestFilesystemCache_DeleteKeepsLockExclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewFilesystemCache(t.TempDir())
	id := locator.MustParse("octocat/Hello-World")
	archive := buildZip(t, map[string]string{"repo/a.lua": "return {}"})

	var calls atomic.Int32
	_, err := c.EnsureDir(ctx, id, false, countingFetch(archive, &calls))
	require.NoError(t, err)

	lockPath := c.locker.lockPath(Key(id, ""))
	before, err := os.Stat(lockPath)
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, &id))

	after, err := os.Stat(lockPath)
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after), "delete must not replace the lock file")

	// Another process holding the lock still keeps population out.
	held := flock.New(lockPath)
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	t.Cleanup(func() { held.Unlock() })

	waitCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = c.EnsureDir(waitCtx, id, false, countingFetch(archive, &calls))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFilesystemCache_StaleSchemeIsEvicted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	id := locator.MustParse("octocat/Hello-World")

	stale := filepath.Join(root, Key(id, ""))
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, writeManifest(filepath.Join(root, manifestName), &manifest{Scheme: 0}))

	c := NewFilesystemCache(root)
	has, err := c.Has(ctx, id, "")
	require.NoError(t, err)
	assert.False(t, has, "entries from an older scheme are evicted")

	archive := buildZip(t, map[string]string{"repo/fresh.lua": "return {}"})
	var calls atomic.Int32
	path, err := c.EnsureDir(ctx, id, false, countingFetch(archive, &calls))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "stale entry must not count as a hit")
	assert.FileExists(t, filepath.Join(path, "fresh.lua"))

	m, err := readManifest(filepath.Join(root, manifestName))
	require.NoError(t, err)
	assert.Equal(t, SchemeVersion, m.Scheme)
}

func TestFilesystemCache_AdoptsUnmarkedRoot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	id := locator.MustParse("octocat/Hello-World")
	require.NoError(t, os.MkdirAll(filepath.Join(root, Key(id, "")), 0o755))

	c := NewFilesystemCache(root)
	var calls atomic.Int32
	_, err := c.EnsureDir(ctx, id, false, countingFetch(nil, &calls))
	require.NoError(t, err)
	assert.Equal(t, int32(0), calls.Load())
	assert.FileExists(t, filepath.Join(root, manifestName))
}

func TestFilesystemCache_NewerSchemeIsRejected(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, writeManifest(filepath.Join(root, manifestName), &manifest{Scheme: SchemeVersion + 1}))

	c := NewFilesystemCache(root)
	var calls atomic.Int32
	_, err := c.EnsureDir(context.Background(), locator.MustParse("a/b"), false, countingFetch(nil, &calls))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}
