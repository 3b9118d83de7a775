package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPSource serves releases published under a base URL: the index at
// <base>/<index-file> and target bytes at <base>/targets/<name>.
type HTTPSource struct {
	client    *retryablehttp.Client
	baseURL   string
	indexFile string

	mu    sync.Mutex
	index *releaseIndex
}

// HTTPOpt configures an HTTPSource.
type HTTPOpt func(*HTTPSource)

// WithClient replaces the default retrying HTTP client.
func WithClient(client *retryablehttp.Client) HTTPOpt {
	return func(s *HTTPSource) {
		s.client = client
	}
}

// WithIndexFile overrides the release index filename.
func WithIndexFile(name string) HTTPOpt {
	return func(s *HTTPSource) {
		s.indexFile = name
	}
}

// NewHTTP creates a source reading releases from baseURL.
func NewHTTP(baseURL string, opts ...HTTPOpt) (*HTTPSource, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	s := &HTTPSource{
		client:    client,
		baseURL:   baseURL,
		indexFile: IndexFilename,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Invalidate discards the cached release index so the next call
// re-fetches it. Call between reconciliation passes in long-running
// processes; within a pass the cached index keeps version and target
// set consistent.
func (s *HTTPSource) Invalidate() {
	s.mu.Lock()
	s.index = nil
	s.mu.Unlock()
}

// ReleaseVersion returns the version declared by the release index.
func (s *HTTPSource) ReleaseVersion(ctx context.Context) (uint64, error) {
	idx, err := s.loadIndex(ctx)
	if err != nil {
		return 0, err
	}
	return idx.version, nil
}

// Targets returns the target set declared by the release index,
// sorted by name.
func (s *HTTPSource) Targets(ctx context.Context) ([]Target, error) {
	idx, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]Target, len(idx.targets))
	copy(targets, idx.targets)
	return targets, nil
}

// Contains reports whether name is declared by the cached release
// index. Returns false before the index has been fetched.
func (s *HTTPSource) Contains(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index != nil && s.index.contains(name)
}

// Open fetches the raw bytes for the named target.
func (s *HTTPSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ValidateName(name); err != nil {
		return nil, &FetchError{Name: name, Err: err}
	}

	resource, err := url.JoinPath(s.baseURL, "targets", name)
	if err != nil {
		return nil, &FetchError{Name: name, Err: err}
	}
	body, err := s.get(ctx, resource)
	if err != nil {
		return nil, &FetchError{Name: name, Err: err}
	}
	return body, nil
}

func (s *HTTPSource) loadIndex(ctx context.Context) (*releaseIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil {
		return s.index, nil
	}

	resource, err := url.JoinPath(s.baseURL, s.indexFile)
	if err != nil {
		return nil, fmt.Errorf("build index url: %w", err)
	}
	body, err := s.get(ctx, resource)
	if err != nil {
		return nil, fmt.Errorf("fetch release index: %w", err)
	}
	defer func() {
		_ = body.Close()
	}()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read release index: %w", err)
	}
	idx, err := parseIndex(data)
	if err != nil {
		return nil, err
	}
	s.index = idx
	return idx, nil
}

func (s *HTTPSource) get(ctx context.Context, resource string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, resource, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s for %s", resp.Status, resource)
	}
	return resp.Body, nil
}
