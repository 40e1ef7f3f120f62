package cache

import (
	"context"

	"github.com/infracollect/remod/locator"
)

// FetchFunc retrieves the bytes used to populate a cache entry.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Cache defines the interface for the on-disk cache of fetched repositories.
type Cache interface {
	// EnsureDir returns the directory entry for a repository, invoking fetch
	// to download and unpack its archive if the entry is absent or force is set.
	EnsureDir(ctx context.Context, id locator.Identity, force bool, fetch FetchFunc) (string, error)

	// EnsureFile returns the file entry for a single file of a repository,
	// invoking fetch to download it if the entry is absent or force is set.
	EnsureFile(ctx context.Context, id locator.Identity, filename string, force bool, fetch FetchFunc) (string, error)

	// Has reports whether an entry exists. An empty filename checks the
	// directory entry.
	Has(ctx context.Context, id locator.Identity, filename string) (bool, error)

	// Delete removes the entries of id, or the whole cache when id is nil.
	// Deleting something that does not exist is not an error.
	Delete(ctx context.Context, id *locator.Identity) error

	// Path returns the location an entry would occupy.
	Path(id locator.Identity, filename string) string
}
