package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	apperrors "github.com/orguetta/finely/pkg/errors"
)

// Doer is satisfied by Client and CircuitBreakerClient.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Config holds HTTP client configuration
type Config struct {
	// Timeout bounds every call end to end. Callers that use Transport
	// directly are bounded by the same value while waiting for response
	// headers. A timeout is reported as a network error, never as an
	// authorization failure.
	Timeout         time.Duration
	MaxConnsPerHost int
	UserAgent       string
}

// DefaultConfig returns the defaults used against the finance API.
func DefaultConfig() Config {
	return Config{
		Timeout:         5 * time.Second,
		MaxConnsPerHost: 100,
		UserAgent:       "finely/0.1",
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithRoundTripper wraps the pooled transport, e.g. with the bearer token
// interceptor. Wrappers are applied in the order given.
func WithRoundTripper(wrap func(base http.RoundTripper) http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = wrap(c.httpClient.Transport)
	}
}

// Client wraps http.Client with pooling defaults and error classification.
// It never retries on its own.
type Client struct {
	httpClient *http.Client
	config     Config
}

// NewTransport builds the pooled transport shared by every client.
func NewTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// New creates a new HTTP client with connection pooling.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Transport: NewTransport(cfg),
			Timeout:   cfg.Timeout,
		},
		config: cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transport returns the (possibly wrapped) round tripper used by the client.
func (c *Client) Transport() http.RoundTripper {
	return c.httpClient.Transport
}

// Do executes the request once. Transport failures, including timeouts, come
// back as NETWORK_ERROR; application errors raised by wrapping round
// trippers (for example SESSION_EXPIRED) are returned unchanged.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if c.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	return resp, nil
}

// Get performs an HTTP GET request.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create GET request: %w", err)
	}
	return c.Do(ctx, req)
}

// Post performs an HTTP POST request.
func (c *Client) Post(ctx context.Context, url string, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(ctx, req)
}

func classifyTransportError(ctx context.Context, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	// Caller gave up; that is neither a network fault nor an auth fault.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return fmt.Errorf("http request canceled: %w", ctx.Err())
	}
	return apperrors.Network(err)
}
