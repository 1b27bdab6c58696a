// Package httpclient is the JSON-over-HTTP helper shared by vendor clients.
// Every failure it returns is classified into the pkg/vendor taxonomy.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"integrationcore/internal/clock"
	"integrationcore/pkg/vendor"

	"go.uber.org/zap"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultAPIKeyHeader = "X-Api-Key"

	// maxErrorBody caps how much of an error response ends up in the message.
	maxErrorBody = 512
)

// ErrNoBaseURL is returned by New when no usable base URL is configured.
var ErrNoBaseURL = errors.New("httpclient: base url is required")

// Options configures a Client.
type Options struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration

	// HTTPClient overrides the transport; Timeout is ignored when set.
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Client sends JSON requests relative to a base URL.
type Client struct {
	base       *url.URL
	apiKey     string
	keyHeader  string
	httpClient *http.Client
	clock      clock.Clock
	logger     *zap.Logger
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, ErrNoBaseURL
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: %q has no scheme or host", ErrNoBaseURL, opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	keyHeader := opts.APIKeyHeader
	if keyHeader == "" {
		keyHeader = DefaultAPIKeyHeader
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		base:       base,
		apiKey:     opts.APIKey,
		keyHeader:  keyHeader,
		httpClient: httpClient,
		clock:      clock.OrReal(opts.Clock),
		logger:     logger.Named("http").With(zap.String("host", base.Host)),
	}, nil
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Do sends body (JSON-encoded when non-nil) to path and decodes the response
// into out when out is non-nil.
//
// Status mapping: 401 and 403 are auth failures, 429 is a rate limit
// carrying Retry-After, 5xx is a connection failure, any other 4xx is a
// rejected request. Transport errors and timeouts are connection failures
// and an undecodable body is malformed.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return vendor.Request(op, fmt.Errorf("failed to encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), reader)
	if err != nil {
		return vendor.Request(op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return vendor.Connection(op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Vendor request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", c.clock.Since(start)))

	if err := c.checkStatus(op, resp); err != nil {
		return err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return vendor.Connection(op, fmt.Errorf("failed to read response: %w", err))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return vendor.Malformed(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// Get is Do with GET and no body.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post is Do with POST.
func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil || ref.IsAbs() {
		return path
	}
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawQuery = ref.RawQuery
	return u.String()
}

func (c *Client) checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if len(bytes.TrimSpace(snippet)) == 0 {
		cause = fmt.Errorf("status %d", resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return vendor.Auth(op, cause)
	case resp.StatusCode == http.StatusTooManyRequests:
		return vendor.RateLimited(op, c.retryAfter(resp.Header.Get("Retry-After")), cause)
	case resp.StatusCode >= 500:
		return vendor.Connection(op, cause)
	default:
		return vendor.Request(op, cause)
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func (c *Client) retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(c.clock.Now()); d > 0 {
			return d
		}
	}
	return 0
}
