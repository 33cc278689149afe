package chamfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for edge map fetches.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retry attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 50 MB to prevent OOM.
	maxResponseBytes = 50 << 20
)

// FetchOption configures FetchEdges behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

func (c fetchConfig) httpClient() *http.Client {
	if c.client != nil {
		return c.client
	}
	return &http.Client{Timeout: c.timeout}
}

// FetchEdges downloads an edge map (PNG or JSON point list) from url.
// Transport failures and non-200 responses are retried with exponential
// backoff; a payload that does not decode is not.
func FetchEdges(ctx context.Context, url string, opts ...FetchOption) (*EdgeSet, error) {
	if url == "" {
		return nil, fmt.Errorf("fetch edges: URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	client := cfg.httpClient()

	lastErr := errors.New("no attempts made")
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch edges: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		resp, err := doFetch(ctx, client, url, nil)
		if err != nil {
			lastErr = err
			Logger().Warn("edge fetch failed", "url", url, "attempt", attempt+1, "error", err)
			continue
		}

		e, err := ParseEdgePayload(resp.body)
		if err != nil {
			// Decode errors are not transient; do not retry.
			return nil, fmt.Errorf("fetch edges: %w", err)
		}
		return e, nil
	}

	return nil, fmt.Errorf("fetch edges: all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

// EdgePoller re-fetches one edge map URL with conditional requests, so a
// map the server reports unchanged is neither downloaded nor decoded again.
// Not safe for concurrent use.
type EdgePoller struct {
	url          string
	client       *http.Client
	etag         string
	lastModified string
}

// NewEdgePoller creates a poller for url. Only the timeout and HTTP client
// options apply; a failed poll is simply retried on the next one.
func NewEdgePoller(url string, opts ...FetchOption) (*EdgePoller, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: poll URL is empty", ErrInvalidInput)
	}
	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &EdgePoller{url: url, client: cfg.httpClient()}, nil
}

// Poll fetches the map once. changed is false, with a nil EdgeSet, when the
// server answers 304 Not Modified.
func (p *EdgePoller) Poll(ctx context.Context) (edges *EdgeSet, changed bool, err error) {
	hdr := http.Header{}
	if p.etag != "" {
		hdr.Set("If-None-Match", p.etag)
	}
	if p.lastModified != "" {
		hdr.Set("If-Modified-Since", p.lastModified)
	}

	resp, err := doFetch(ctx, p.client, p.url, hdr)
	if err != nil {
		return nil, false, fmt.Errorf("poll edges: %w", err)
	}
	if resp.status == http.StatusNotModified {
		return nil, false, nil
	}
	e, err := ParseEdgePayload(resp.body)
	if err != nil {
		return nil, false, fmt.Errorf("poll edges: %w", err)
	}
	p.etag, p.lastModified = resp.etag, resp.lastModified
	return e, true, nil
}

// Run polls every interval until ctx is done, passing each changed map or
// error to fn
func (p *EdgePoller) Run(ctx context.Context, interval time.Duration, fn func(*EdgeSet, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if e, changed, err := p.Poll(ctx); err != nil || changed {
			if ctx.Err() != nil {
				return
			}
			fn(e, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fetchResponse is what doFetch keeps of a response
type fetchResponse struct {
	status       int
	body         []byte
	etag         string
	lastModified string
}

// doFetch performs a single HTTP GET. 200 and 304 are successes.
func doFetch(ctx context.Context, client *http.Client, url string, hdr http.Header) (fetchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fetchResponse{}, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "image/png, application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fetchResponse{}, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out := fetchResponse{
		status:       resp.StatusCode,
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return out, nil
	default:
		return fetchResponse{}, fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	}

	out.body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fetchResponse{}, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return out, nil
}
