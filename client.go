// Package remod loads code straight from GitHub repositories.
//
// A Client fetches a repository archive (or a single raw file), keeps it in an
// on-disk cache and resolves it into a runnable handle: a whole module or
// one named attribute of it. Lua sources run in an embedded interpreter and
// extensionless executables run as gRPC plugins.
package remod

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/lithammer/dedent"
	"golang.org/x/sync/singleflight"

	"github.com/infracollect/remod/cache"
	"github.com/infracollect/remod/locator"
	"github.com/infracollect/remod/remote"
	"github.com/infracollect/remod/resolve"
	"github.com/infracollect/remod/resolve/luart"
	"github.com/infracollect/remod/resolve/plugin"
)

// CacheDirEnv overrides the default cache root.
const CacheDirEnv = "REMOD_CACHE_DIR"

// DefaultFilename is resolved when a repository is loaded without a filename.
const DefaultFilename = "init" + luart.Extension

// ErrFilenameRequired is returned for single-file targets without a filename.
var ErrFilenameRequired = errors.New("single-file targets require a filename")

// Target names the code to load.
type Target struct {
	// Locator is "owner/name" or "owner/name:ref".
	Locator string
	// Filename is the file to resolve, relative to the repository root. Its
	// stem is the module name and its extension selects the runtime.
	Filename string
	// Entry selects one attribute of the module. Empty returns the module.
	Entry string
	// ForceRefresh discards any cached copy and fetches again.
	ForceRefresh bool
	// SingleFile fetches only Filename instead of the repository archive.
	SingleFile bool
}

// Client loads remote code through a local cache.
type Client struct {
	cache    cache.Cache
	fetcher  remote.Fetcher
	resolver resolve.Resolver
	logger   logr.Logger

	cacheDir   string
	token      string
	httpClient *http.Client

	plugins *plugin.Resolver
	group   singleflight.Group
}

// New creates a new Client with the given options.
// If no options are provided, it uses default settings:
// - Filesystem cache at $REMOD_CACHE_DIR, or ~/.cache/remod
// - GitHub fetcher authenticated with $GITHUB_TOKEN when set
// - Lua files run in an embedded interpreter, extensionless files as plugins
func New(opts ...Option) (*Client, error) {
	c := &Client{
		logger: logr.Discard(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.cache == nil {
		dir, err := resolveCacheDir(c.cacheDir)
		if err != nil {
			return nil, err
		}
		c.cache = cache.NewFilesystemCache(dir, cache.WithLogger(c.logger.WithName("cache")))
	}

	if c.fetcher == nil {
		fopts := []remote.Option{
			remote.WithToken(c.token),
			remote.WithLogger(c.logger.WithName("remote")),
		}
		if c.httpClient != nil {
			fopts = append(fopts, remote.WithHTTPClient(c.httpClient))
		}
		gh, err := remote.NewGitHub(fopts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create fetcher: %w", err)
		}
		c.fetcher = gh
	}

	if c.resolver == nil {
		c.plugins = plugin.New(plugin.WithLogger(c.logger.WithName("plugin")))
		mux := resolve.NewMux()
		mux.Handle(luart.Extension, luart.New(luart.WithLogger(c.logger.WithName("lua"))))
		mux.Handle("", c.plugins)
		c.resolver = mux
	}

	return c, nil
}

func resolveCacheDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	if env := os.Getenv(CacheDirEnv); env != "" {
		return env, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".cache", "remod"), nil
}

// Load fetches the target if it is not cached and resolves it. The caller
// owns the returned handle and must Close it.
func (c *Client) Load(ctx context.Context, t Target) (*resolve.Handle, error) {
	id, err := locator.Parse(t.Locator)
	if err != nil {
		return nil, err
	}

	filename := t.Filename
	if t.SingleFile && filename == "" {
		return nil, ErrFilenameRequired
	}
	if filename == "" {
		filename = DefaultFilename
	}

	path, err := c.ensure(ctx, id, filename, t)
	if err != nil {
		return nil, err
	}

	c.logger.V(1).Info("resolving", "locator", id.String(), "filename", filename, "entry", t.Entry, "path", path)
	if t.SingleFile {
		return c.resolver.FromFile(ctx, path, filename, t.Entry)
	}
	return c.resolver.FromDir(ctx, path, filename, t.Entry)
}

// ensure returns the cache entry for the target. Concurrent calls for the
// same entry share one population.
func (c *Client) ensure(ctx context.Context, id locator.Identity, filename string, t Target) (string, error) {
	var (
		key      string
		populate func(context.Context) (string, error)
	)
	if t.SingleFile {
		key = cache.Key(id, filename)
		populate = func(ctx context.Context) (string, error) {
			return c.cache.EnsureFile(ctx, id, filename, t.ForceRefresh, func(ctx context.Context) ([]byte, error) {
				return c.fetcher.FetchFile(ctx, id, filename)
			})
		}
	} else {
		key = cache.Key(id, "")
		populate = func(ctx context.Context) (string, error) {
			return c.cache.EnsureDir(ctx, id, t.ForceRefresh, func(ctx context.Context) ([]byte, error) {
				return c.fetcher.FetchArchive(ctx, id)
			})
		}
	}
	// A forced refresh must not join a plain load already in flight.
	if t.ForceRefresh {
		key += "\x00force"
	}

	// The flight is shared, so it must not die with the caller that started
	// it. Each caller still stops waiting when its own context ends.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return populate(flightCtx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Doc loads the target and returns its dedented description, or "" when it
// has none.
func (c *Client) Doc(ctx context.Context, t Target) (string, error) {
	h, err := c.Load(ctx, t)
	if err != nil {
		return "", err
	}
	defer h.Close()

	doc := h.Doc()
	if doc == "" {
		return "", nil
	}
	return dedent.Dedent(doc), nil
}

// DeleteCache removes the cached entries of a locator. An empty locator
// clears the whole cache.
func (c *Client) DeleteCache(ctx context.Context, loc string) error {
	if loc == "" {
		c.logger.Info("clearing cache")
		return c.cache.Delete(ctx, nil)
	}
	id, err := locator.Parse(loc)
	if err != nil {
		return err
	}
	c.logger.Info("deleting cache entries", "locator", id.String())
	return c.cache.Delete(ctx, &id)
}

// LatestCommit returns the SHA of the newest commit on the locator's ref, or
// on the default branch when it has none.
func (c *Client) LatestCommit(ctx context.Context, loc string) (string, error) {
	id, err := locator.Parse(loc)
	if err != nil {
		return "", err
	}
	return c.fetcher.LatestCommit(ctx, id)
}

// CachePath returns where the target's entry lives, whether or not it has
// been fetched.
func (c *Client) CachePath(t Target) (string, error) {
	id, filename, err := cacheEntry(t)
	if err != nil {
		return "", err
	}
	return c.cache.Path(id, filename), nil
}

// Cached reports whether the target's entry has been fetched.
func (c *Client) Cached(ctx context.Context, t Target) (bool, error) {
	id, filename, err := cacheEntry(t)
	if err != nil {
		return false, err
	}
	return c.cache.Has(ctx, id, filename)
}

// cacheEntry maps a target to the identity and filename of its cache entry.
// Directory targets have an empty filename.
func cacheEntry(t Target) (locator.Identity, string, error) {
	id, err := locator.Parse(t.Locator)
	if err != nil {
		return locator.Identity{}, "", err
	}
	if !t.SingleFile {
		return id, "", nil
	}
	if t.Filename == "" {
		return locator.Identity{}, "", ErrFilenameRequired
	}
	return id, t.Filename, nil
}

// Close stops every plugin process started by the client.
func (c *Client) Close() error {
	if c.plugins != nil {
		return c.plugins.Close()
	}
	return nil
}
