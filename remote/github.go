package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/go-github/v67/github"

	"github.com/infracollect/remod/locator"
)

const (
	// TokenEnv is the environment variable consulted when no token is given.
	TokenEnv = "GITHUB_TOKEN"

	// DefaultBranch is the reference used for raw file fetches when the
	// locator names none.
	DefaultBranch = "master"

	defaultRawBaseURL = "https://raw.githubusercontent.com/"
	defaultMaxBytes   = 512 << 20
	maxErrorBodyBytes = 64 << 10
)

// ErrTooLarge is returned when a response exceeds the configured size limit.
var ErrTooLarge = errors.New("response exceeds size limit")

// GitHub implements Fetcher against the GitHub REST API and raw content host.
type GitHub struct {
	client     *github.Client
	rawBaseURL *url.URL
	format     github.ArchiveFormat
	maxBytes   int64
	logger     logr.Logger
}

type config struct {
	httpClient *http.Client
	token      string
	baseURL    string
	rawBaseURL string
	format     github.ArchiveFormat
	maxBytes   int64
	logger     logr.Logger
}

// Option configures a GitHub fetcher.
type Option func(*config) error

// WithToken sets the bearer token. When unset, GITHUB_TOKEN is used.
func WithToken(token string) Option {
	return func(cfg *config) error {
		cfg.token = token
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(client *http.Client) Option {
	return func(cfg *config) error {
		if client == nil {
			return errors.New("http client cannot be nil")
		}
		cfg.httpClient = client
		return nil
	}
}

// WithBaseURL points the API client at a different endpoint, such as a
// GitHub Enterprise server or a test server.
func WithBaseURL(baseURL string) Option {
	return func(cfg *config) error {
		cfg.baseURL = baseURL
		return nil
	}
}

// WithRawBaseURL sets the host serving raw file content.
func WithRawBaseURL(rawBaseURL string) Option {
	return func(cfg *config) error {
		cfg.rawBaseURL = rawBaseURL
		return nil
	}
}

// WithArchiveFormat selects zipball or tarball archives.
func WithArchiveFormat(format github.ArchiveFormat) Option {
	return func(cfg *config) error {
		if format != github.Zipball && format != github.Tarball {
			return fmt.Errorf("unsupported archive format %q", format)
		}
		cfg.format = format
		return nil
	}
}

// WithMaxBytes bounds the size of any single fetched payload.
func WithMaxBytes(n int64) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return fmt.Errorf("max bytes must be positive, got %d", n)
		}
		cfg.maxBytes = n
		return nil
	}
}

// WithLogger sets the logger for request events.
func WithLogger(logger logr.Logger) Option {
	return func(cfg *config) error {
		cfg.logger = logger
		return nil
	}
}

// NewGitHub creates a GitHub fetcher.
func NewGitHub(opts ...Option) (*GitHub, error) {
	cfg := &config{
		rawBaseURL: defaultRawBaseURL,
		format:     github.Zipball,
		maxBytes:   defaultMaxBytes,
		logger:     logr.Discard(),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.token == "" {
		cfg.token = os.Getenv(TokenEnv)
	}

	client := github.NewClient(cfg.httpClient)
	if cfg.token != "" {
		client = client.WithAuthToken(cfg.token)
	}
	if cfg.baseURL != "" {
		u, err := parseBaseURL(cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		client.BaseURL = u
	}

	rawBase, err := parseBaseURL(cfg.rawBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid raw base URL: %w", err)
	}

	return &GitHub{
		client:     client,
		rawBaseURL: rawBase,
		format:     cfg.format,
		maxBytes:   cfg.maxBytes,
		logger:     cfg.logger,
	}, nil
}

// FetchArchive downloads a repository archive through the API, following
// its redirect to the archive host.
func (g *GitHub) FetchArchive(ctx context.Context, id locator.Identity) ([]byte, error) {
	u := fmt.Sprintf("repos/%s/%s/%s", url.PathEscape(id.Owner), url.PathEscape(id.Name), g.format)
	if id.Ref != "" {
		u += "/" + id.Ref
	}

	req, err := g.client.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	g.logger.V(1).Info("downloading archive", "url", req.URL.String())

	buf := &limitedBuffer{limit: g.maxBytes}
	resp, err := g.client.Do(ctx, req, buf)
	if err != nil {
		return nil, wrapError(req.URL.String(), resp, err)
	}
	return buf.Bytes(), nil
}

// FetchFile downloads one file from the raw content host. The reference
// defaults to DefaultBranch.
func (g *GitHub) FetchFile(ctx context.Context, id locator.Identity, filename string) ([]byte, error) {
	if filename == "" {
		return nil, errors.New("filename is required")
	}
	ref := id.Ref
	if ref == "" {
		ref = DefaultBranch
	}

	u := g.rawBaseURL.JoinPath(id.Owner, id.Name, ref, filename).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	g.logger.V(1).Info("downloading file", "url", u)

	resp, err := g.client.Client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &FetchError{URL: u, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	buf := &limitedBuffer{limit: g.maxBytes}
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", u, err)
	}
	return buf.Bytes(), nil
}

// LatestCommit returns the newest commit SHA reachable from id.Ref.
func (g *GitHub) LatestCommit(ctx context.Context, id locator.Identity) (string, error) {
	opts := &github.CommitsListOptions{
		SHA:         id.Ref,
		ListOptions: github.ListOptions{PerPage: 1},
	}
	commits, resp, err := g.client.Repositories.ListCommits(ctx, id.Owner, id.Name, opts)
	if err != nil {
		return "", wrapError(fmt.Sprintf("repos/%s/%s/commits", id.Owner, id.Name), resp, err)
	}
	if len(commits) == 0 {
		return "", fmt.Errorf("no commits found for %s", id)
	}
	return commits[0].GetSHA(), nil
}

// wrapError converts go-github failures into FetchError when the server
// answered with a status.
func wrapError(u string, resp *github.Response, err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return &FetchError{URL: u, Status: ghErr.Response.StatusCode, Body: ghErr.Message, Err: err}
	}
	if resp != nil && resp.Response != nil && resp.StatusCode >= http.StatusMultipleChoices {
		return &FetchError{URL: u, Status: resp.StatusCode, Body: err.Error(), Err: err}
	}
	return fmt.Errorf("request to %s failed: %w", u, err)
}

func parseBaseURL(s string) (*url.URL, error) {
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	return url.Parse(s)
}

// limitedBuffer collects writes up to limit bytes. It must not implement
// io.ReaderFrom, or io.Copy would bypass the limit.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if int64(b.buf.Len()+len(p)) > b.limit {
		return 0, ErrTooLarge
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
