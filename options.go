package remod

import (
	"errors"
	"net/http"

	"github.com/go-logr/logr"

	"github.com/infracollect/remod/cache"
	"github.com/infracollect/remod/remote"
	"github.com/infracollect/remod/resolve"
)

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets a custom logger for the client and everything it creates.
// If not set, logging is disabled (logr.Discard() is used).
func WithLogger(logger logr.Logger) Option {
	return func(cl *Client) error {
		cl.logger = logger
		return nil
	}
}

// WithCache sets a custom cache implementation.
func WithCache(c cache.Cache) Option {
	return func(cl *Client) error {
		if c == nil {
			return errors.New("cache cannot be nil")
		}
		cl.cache = c
		return nil
	}
}

// WithCacheDir sets the filesystem cache directory.
func WithCacheDir(dir string) Option {
	return func(cl *Client) error {
		if dir == "" {
			return errors.New("cache directory cannot be empty")
		}
		cl.cacheDir = dir
		return nil
	}
}

// WithFetcher sets a custom fetcher implementation. It takes precedence over
// WithToken and WithHTTPClient.
func WithFetcher(f remote.Fetcher) Option {
	return func(cl *Client) error {
		if f == nil {
			return errors.New("fetcher cannot be nil")
		}
		cl.fetcher = f
		return nil
	}
}

// WithToken sets the GitHub token for the default fetcher.
func WithToken(token string) Option {
	return func(cl *Client) error {
		cl.token = token
		return nil
	}
}

// WithHTTPClient sets a custom HTTP client for the default fetcher.
func WithHTTPClient(client *http.Client) Option {
	return func(cl *Client) error {
		if client == nil {
			return errors.New("http client cannot be nil")
		}
		cl.httpClient = client
		return nil
	}
}

// WithResolver replaces the default runtimes.
func WithResolver(r resolve.Resolver) Option {
	return func(cl *Client) error {
		if r == nil {
			return errors.New("resolver cannot be nil")
		}
		cl.resolver = r
		return nil
	}
}
