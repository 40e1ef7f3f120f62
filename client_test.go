package remod

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/infracollect/remod/locator"
	"github.com/infracollect/remod/remote"
	"github.com/infracollect/remod/resolve"
)

const greetLua = `-- Greeting helpers.
--     Indented detail.
local M = {}

-- Say hi to name.
function M.say_hi(name)
  return "hi, " .. name
end

return M
`

func zipball(t *testing.T, root string, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(root + "/" + name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// fakeFetcher serves fixed payloads and counts requests.
type fakeFetcher struct {
	archive  []byte
	files    map[string]string
	archives atomic.Int32
	raws     atomic.Int32
	err      error
}

func (f *fakeFetcher) FetchArchive(context.Context, locator.Identity) ([]byte, error) {
	f.archives.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.archive, nil
}

func (f *fakeFetcher) FetchFile(_ context.Context, _ locator.Identity, filename string) ([]byte, error) {
	f.raws.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	content, ok := f.files[filename]
	if !ok {
		return nil, &remote.FetchError{URL: filename, Status: http.StatusNotFound, Body: "404: Not Found"}
	}
	return []byte(content), nil
}

func (f *fakeFetcher) LatestCommit(context.Context, locator.Identity) (string, error) {
	return "7fd1a60b01f91b314f59955a4e4d4e80d8edf11d", nil
}

func newTestClient(t *testing.T, f remote.Fetcher) (*Client, string) {
	t.Helper()

	dir := t.TempDir()
	c, err := New(WithCacheDir(dir), WithFetcher(f))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, dir
}

func TestClient_Load_Directory(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{archive: zipball(t, "octocat-Hello-World-7fd1a60", map[string]string{"greet.lua": greetLua})}
	c, dir := newTestClient(t, f)
	ctx := context.Background()

	target := Target{Locator: "octocat/Hello-World:v2", Filename: "greet.lua", Entry: "say_hi"}

	h, err := c.Load(ctx, target)
	require.NoError(t, err)
	out, err := h.Call(ctx, cty.StringVal("octocat"))
	require.NoError(t, err)
	assert.Equal(t, cty.StringVal("hi, octocat"), out)
	require.NoError(t, h.Close())

	assert.DirExists(t, filepath.Join(dir, "octocat_Hello-World_v2"))

	// Second load is served from disk.
	h, err = c.Load(ctx, target)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.Equal(t, int32(1), f.archives.Load())

	// Forced refresh fetches again.
	h, err = c.Load(ctx, Target{Locator: target.Locator, Filename: "greet.lua", ForceRefresh: true})
	require.NoError(t, err)
	assert.Equal(t, resolve.KindModule, h.Kind())
	require.NoError(t, h.Close())
	assert.Equal(t, int32(2), f.archives.Load())
}

func TestClient_Load_DefaultFilename(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{archive: zipball(t, "root", map[string]string{"init.lua": "return { version = 2 }"})}
	c, _ := newTestClient(t, f)

	h, err := c.Load(context.Background(), Target{Locator: "octocat/Hello-World:v2", Entry: "version"})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	v, err := h.Data(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Equals(cty.NumberIntVal(2)).True())
}

func TestClient_Load_SingleFile(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{files: map[string]string{"greet.lua": greetLua}}
	c, dir := newTestClient(t, f)
	ctx := context.Background()

	target := Target{Locator: "octocat/Hello-World", Filename: "greet.lua", Entry: "say_hi", SingleFile: true}

	cached, err := c.Cached(ctx, target)
	require.NoError(t, err)
	assert.False(t, cached)

	h, err := c.Load(ctx, target)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	cached, err = c.Cached(ctx, target)
	require.NoError(t, err)
	assert.True(t, cached)

	assert.Equal(t, "say_hi", h.Name())
	assert.FileExists(t, filepath.Join(dir, "octocat_Hello-World_greet.lua"))

	path, err := c.CachePath(target)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "octocat_Hello-World_greet.lua"), path)

	h2, err := c.Load(ctx, target)
	require.NoError(t, err)
	require.NoError(t, h2.Close())
	assert.Equal(t, int32(1), f.raws.Load())
	assert.Equal(t, int32(0), f.archives.Load())

	_, err = c.Load(ctx, Target{Locator: "octocat/Hello-World", SingleFile: true})
	require.ErrorIs(t, err, ErrFilenameRequired)
	_, err = c.Cached(ctx, Target{Locator: "octocat/Hello-World", SingleFile: true})
	require.ErrorIs(t, err, ErrFilenameRequired)
}

func TestClient_Load_ConcurrentFetchOnce(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{archive: zipball(t, "root", map[string]string{"greet.lua": greetLua})}
	c, _ := newTestClient(t, f)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Load(context.Background(), Target{Locator: "octocat/Hello-World", Filename: "greet.lua"})
			if err != nil {
				errs <- err
				return
			}
			errs <- h.Close()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.archives.Load())
}

// gatedFetcher blocks archive fetches until release is closed or the fetch
// context ends.
type gatedFetcher struct {
	fakeFetcher
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *gatedFetcher) FetchArchive(ctx context.Context, id locator.Identity) ([]byte, error) {
	f.once.Do(func() { close(f.started) })
	select {
	case <-f.release:
		return f.fakeFetcher.FetchArchive(ctx, id)
	case <-ctx.Done():
		f.archives.Add(1)
		return nil, ctx.Err()
	}
}

func TestClient_Load_CancelledCallerDoesNotFailOthers(t *testing.T) {
	t.Parallel()

	f := &gatedFetcher{
		fakeFetcher: fakeFetcher{archive: zipball(t, "root", map[string]string{"init.lua": "return { version = 2 }"})},
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	c, _ := newTestClient(t, f)
	target := Target{Locator: "octocat/Hello-World"}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		h, err := c.Load(firstCtx, target)
		if err == nil {
			h.Close()
		}
		firstErr <- err
	}()
	<-f.started

	secondErr := make(chan error, 1)
	go func() {
		h, err := c.Load(context.Background(), target)
		if err == nil {
			h.Close()
		}
		secondErr <- err
	}()

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(f.release)
	require.NoError(t, <-secondErr)
	assert.Equal(t, int32(1), f.archives.Load())
}

func TestClient_Load_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("malformed locator does no I/O", func(t *testing.T) {
		t.Parallel()

		f := &fakeFetcher{}
		c, dir := newTestClient(t, f)

		_, err := c.Load(ctx, Target{Locator: "octocat", Filename: "greet.lua"})
		var malformed *MalformedLocatorError
		require.True(t, errors.As(err, &malformed))
		assert.Equal(t, "octocat", malformed.Locator)
		assert.Zero(t, f.archives.Load())

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("remote failure", func(t *testing.T) {
		t.Parallel()

		c, _ := newTestClient(t, &fakeFetcher{files: map[string]string{}})

		_, err := c.Load(ctx, Target{Locator: "octocat/Hello-World", Filename: "gone.lua", SingleFile: true})
		var fetchErr *RemoteFetchError
		require.True(t, errors.As(err, &fetchErr))
		assert.Equal(t, http.StatusNotFound, fetchErr.Status)

		path, err := c.CachePath(Target{Locator: "octocat/Hello-World", Filename: "gone.lua", SingleFile: true})
		require.NoError(t, err)
		assert.NoFileExists(t, path)
	})

	t.Run("archive with several roots", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		for _, name := range []string{"a/x.lua", "b/y.lua"} {
			_, err := zw.Create(name)
			require.NoError(t, err)
		}
		require.NoError(t, zw.Close())

		c, _ := newTestClient(t, &fakeFetcher{archive: buf.Bytes()})

		_, err := c.Load(ctx, Target{Locator: "octocat/Hello-World", Filename: "x.lua"})
		var unpackErr *UnpackError
		require.True(t, errors.As(err, &unpackErr))
		assert.ElementsMatch(t, []string{"a", "b"}, unpackErr.Found)
	})

	t.Run("missing entry", func(t *testing.T) {
		t.Parallel()

		c, _ := newTestClient(t, &fakeFetcher{files: map[string]string{"greet.lua": greetLua}})

		_, err := c.Load(ctx, Target{Locator: "octocat/Hello-World", Filename: "greet.lua", Entry: "say_bye", SingleFile: true})
		var attrErr *AttributeLookupError
		require.True(t, errors.As(err, &attrErr))
		assert.Equal(t, "say_bye", attrErr.Name)
	})

	t.Run("import failure", func(t *testing.T) {
		t.Parallel()

		c, _ := newTestClient(t, &fakeFetcher{files: map[string]string{"bad.lua": "return {"}})

		_, err := c.Load(ctx, Target{Locator: "octocat/Hello-World", Filename: "bad.lua", SingleFile: true})
		var importErr *ImportFailureError
		require.True(t, errors.As(err, &importErr))
	})

	t.Run("unsupported runtime", func(t *testing.T) {
		t.Parallel()

		c, _ := newTestClient(t, &fakeFetcher{files: map[string]string{"greet.py": "def say_hi(): pass"}})

		_, err := c.Load(ctx, Target{Locator: "octocat/Hello-World", Filename: "greet.py", SingleFile: true})
		var unsupported *UnsupportedError
		require.True(t, errors.As(err, &unsupported))
	})
}

func TestClient_Doc(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, &fakeFetcher{files: map[string]string{
		"greet.lua": greetLua,
		"bare.lua":  "return { x = 1 }",
	}})
	ctx := context.Background()

	doc, err := c.Doc(ctx, Target{Locator: "octocat/Hello-World", Filename: "greet.lua", SingleFile: true})
	require.NoError(t, err)
	assert.Equal(t, "Greeting helpers.\n    Indented detail.", doc)

	doc, err = c.Doc(ctx, Target{Locator: "octocat/Hello-World", Filename: "greet.lua", Entry: "say_hi", SingleFile: true})
	require.NoError(t, err)
	assert.Equal(t, "Say hi to name.", doc)

	doc, err = c.Doc(ctx, Target{Locator: "octocat/Hello-World", Filename: "bare.lua", SingleFile: true})
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestClient_DeleteCache(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{
		archive: zipball(t, "root", map[string]string{"greet.lua": greetLua}),
		files:   map[string]string{"greet.lua": greetLua},
	}
	c, dir := newTestClient(t, f)
	ctx := context.Background()

	for _, target := range []Target{
		{Locator: "octocat/Hello-World", Filename: "greet.lua"},
		{Locator: "octocat/Hello-World", Filename: "greet.lua", SingleFile: true},
		{Locator: "octocat/Spoon-Knife", Filename: "greet.lua"},
	} {
		h, err := c.Load(ctx, target)
		require.NoError(t, err)
		require.NoError(t, h.Close())
	}

	require.NoError(t, c.DeleteCache(ctx, "octocat/Hello-World"))
	assert.NoDirExists(t, filepath.Join(dir, "octocat_Hello-World"))
	assert.NoFileExists(t, filepath.Join(dir, "octocat_Hello-World_greet.lua"))
	assert.DirExists(t, filepath.Join(dir, "octocat_Spoon-Knife"))

	require.NoError(t, c.DeleteCache(ctx, "octocat/Hello-World"), "deleting twice is fine")

	require.NoError(t, c.DeleteCache(ctx, ""))
	assert.NoDirExists(t, dir)

	var malformed *MalformedLocatorError
	require.True(t, errors.As(c.DeleteCache(ctx, "a/b/c"), &malformed))
}

func TestClient_LatestCommit(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, &fakeFetcher{})

	sha, err := c.LatestCommit(context.Background(), "octocat/Hello-World")
	require.NoError(t, err)
	assert.Equal(t, "7fd1a60b01f91b314f59955a4e4d4e80d8edf11d", sha)
}

func TestNew_CacheDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(CacheDirEnv, dir)

	c, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	path, err := c.CachePath(Target{Locator: "octocat/Hello-World:v2"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "octocat_Hello-World_v2"), path)
}

func TestNew_InvalidOptions(t *testing.T) {
	t.Parallel()

	for name, opt := range map[string]Option{
		"empty cache dir": WithCacheDir(""),
		"nil fetcher":     WithFetcher(nil),
		"nil http client": WithHTTPClient(nil),
		"nil resolver":    WithResolver(nil),
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := New(opt)
			require.Error(t, err)
		})
	}
}

// TestClient_GitHubEndToEnd drives the default fetcher against a fake API.
func TestClient_GitHubEndToEnd(t *testing.T) {
	t.Parallel()

	archive := zipball(t, "octocat-Hello-World-abc123", map[string]string{
		"greet.lua": greetLua,
		"lib.lua":   "return { prefix = 'hey ' }",
	})

	var auth atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/api/repos/octocat/Hello-World/zipball/main", func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write(archive)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	gh, err := remote.NewGitHub(
		remote.WithToken("secret"),
		remote.WithBaseURL(server.URL+"/api/"),
		remote.WithHTTPClient(server.Client()),
	)
	require.NoError(t, err)

	c, dir := newTestClient(t, gh)

	h, err := c.Load(context.Background(), Target{Locator: "octocat/Hello-World:main", Filename: "greet.lua"})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	assert.Equal(t, "Bearer secret", auth.Load())
	assert.FileExists(t, filepath.Join(dir, "octocat_Hello-World_main", "lib.lua"))
	assert.Equal(t, []string{"say_hi"}, h.Module().Attributes())
}
