package remod

import (
	"github.com/infracollect/remod/cache"
	"github.com/infracollect/remod/locator"
	"github.com/infracollect/remod/remote"
	"github.com/infracollect/remod/resolve"
)

// MalformedLocatorError is returned before any I/O when a locator does not
// have the form "owner/name" or "owner/name:ref".
type MalformedLocatorError = locator.MalformedError

// RemoteFetchError is returned when GitHub answers with a non-success status
// or cannot be reached.
type RemoteFetchError = remote.FetchError

// UnpackError is returned when a fetched archive cannot be unpacked or does
// not contain exactly one top-level directory.
type UnpackError = cache.UnpackError

// ImportFailureError is returned when a runtime cannot load the module.
type ImportFailureError = resolve.ImportError

// AttributeLookupError is returned when the requested entry does not exist.
type AttributeLookupError = resolve.AttributeError

// UnsupportedError is returned when no runtime handles the filename.
type UnsupportedError = resolve.UnsupportedError
