// Package httpapi reads resource status from a JSON status API.
//
// The API exposes one document per workflow resource:
//
//	GET {base}/workflows/{workflow}/resources       -> [{"id","kind","status","detail"}]
//	GET {base}/workflows/{workflow}/resources/{id}  -> {"id","kind","status","detail"}
//
// A 404 on a resource means it has not been created yet.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/engine"
)

// DefaultRequestTimeout bounds a single status request.
const DefaultRequestTimeout = 10 * time.Second

// ResourceStatus is the status document for one resource.
type ResourceStatus struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind,omitempty"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Client talks to the status API.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	headers    http.Header
	logger     zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		c.headers.Add(key, value)
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With().Str("component", "httpapi").Logger()
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}

	c := &Client{
		base:       u,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
		headers:    make(http.Header),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

// GetResource fetches one resource's status document.
func (c *Client) GetResource(ctx context.Context, workflow, resourceID string) (*ResourceStatus, error) {
	var rs ResourceStatus
	if err := c.get(ctx, c.endpoint("workflows", workflow, "resources", resourceID), resourceID, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// ListResources fetches the status documents of every resource of a workflow.
func (c *Client) ListResources(ctx context.Context, workflow string) ([]ResourceStatus, error) {
	var list []ResourceStatus
	if err := c.get(ctx, c.endpoint("workflows", workflow, "resources"), "", &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Health checks that the API answers.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, c.endpoint("healthz"), "", nil)
}

func (c *Client) get(ctx context.Context, endpoint, resourceID string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return engine.NewTransientError("status request failed", err).
			WithCode(engine.ErrCodeSampleFailed).
			WithResource(resourceID)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("url", endpoint).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Status request")

	if err := classifyResponse(resp, resourceID); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return err
	}
	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return engine.NewTransientError("failed to decode status response", err).
			WithCode(engine.ErrCodeSampleFailed).
			WithResource(resourceID)
	}
	return nil
}

// classifyResponse maps HTTP status codes to engine error classes.
func classifyResponse(resp *http.Response, resourceID string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return engine.NewNotFoundError(resourceID, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return engine.NewThrottledError("status API rate limited", nil).
			WithCode(engine.ErrCodeRateLimited).
			WithResource(resourceID).
			WithDetail("retry_after", resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		return engine.NewTransientError(fmt.Sprintf("status API returned %d", resp.StatusCode), nil).
			WithCode(engine.ErrCodeSampleFailed).
			WithResource(resourceID)
	default:
		return engine.NewPermanentError(fmt.Sprintf("status API returned %d", resp.StatusCode), nil).
			WithCode(engine.ErrCodeSampleFailed).
			WithResource(resourceID)
	}
}
