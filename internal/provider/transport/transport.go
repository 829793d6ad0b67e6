// Package transport is the outbound HTTP layer shared by the provider
// clients. It owns the request timeout and the retry budget.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vnmchuo/llmgate/internal/provider"
)

const maxErrorBody = 4096

type Client struct {
	http            *http.Client
	maxRetries      int
	initialInterval time.Duration
}

type Option func(*Client)

// WithTimeout bounds a single attempt, including reading a streamed body.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func WithInitialInterval(d time.Duration) Option {
	return func(c *Client) { c.initialInterval = d }
}

// WithHTTPClient replaces the underlying client. Its transport is used as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   120 * time.Second,
		},
		maxRetries:      3,
		initialInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HTTPClient returns the underlying client for SDKs that manage requests
// themselves.
func (c *Client) HTTPClient() *http.Client { return c.http }

func (c *Client) MaxRetries() int { return c.maxRetries }

// Do sends the request built by build, retrying network failures, 429 and
// 5xx responses. Any other non-2xx status is returned as *provider.APIError
// immediately. The caller closes the returned body.
func (c *Client) Do(ctx context.Context, name provider.Identity, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval

	op := func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		apiErr := &provider.APIError{
			Provider:   name,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
		if apiErr.Retryable() {
			return nil, apiErr
		}
		return nil, backoff.Permanent(apiErr)
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
	)
	if err != nil {
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, fmt.Errorf("%s request failed: %w", name, err)
	}
	return resp, nil
}
