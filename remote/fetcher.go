// Package remote retrieves repository snapshots and single files from GitHub.
package remote

import (
	"context"
	"fmt"

	"github.com/infracollect/remod/locator"
)

// Fetcher defines the interface for retrieving repository content.
type Fetcher interface {
	// FetchArchive returns a whole-repository archive at id.Ref, or at the
	// default branch when no reference is set.
	FetchArchive(ctx context.Context, id locator.Identity) ([]byte, error)

	// FetchFile returns the raw bytes of one file at id.Ref.
	FetchFile(ctx context.Context, id locator.Identity, filename string) ([]byte, error)

	// LatestCommit returns the SHA of the newest commit at id.Ref, or on the
	// default branch when no reference is set.
	LatestCommit(ctx context.Context, id locator.Identity) (string, error)
}

// FetchError is returned when the remote answers with a non-success status.
type FetchError struct {
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("GET %s returned status %d: %s", e.URL, e.Status, e.Body)
	}
	return fmt.Sprintf("GET %s returned status %d", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
