// Package httprpc issues single blocking JSON-RPC calls over HTTPS. It is
// the gateway's only component that speaks plain HTTP; the dispatcher owns
// exactly one Client instance and never shares it across threads.
package httprpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"sync"
	"time"

	"gateway/internal/xerrors"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultTotalTimeout   = 30 * time.Second
)

// Client performs self-contained POST/GET calls against one base host. It
// keeps no connection pool beyond what net/http's transport already
// provides and records the outcome of the last call for inspection, as the
// source client does with getLastResponseCode/getLastErrorMessage.
type Client struct {
	http          *http.Client
	headers       map[string]string
	mu            sync.Mutex
	lastStatus    int
	lastErr       string
}

// Option configures a Client at construction.
type Option func(*Client)

// WithTimeouts overrides the connect and total request timeouts.
func WithTimeouts(connect, total time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = total
		if transport, ok := c.http.Transport.(*http.Transport); ok {
			transport.TLSHandshakeTimeout = connect
		}
	}
}

// WithVerifySSL toggles certificate verification. Verification defaults to
// on; callers pass false only in test harnesses against self-signed venues.
func WithVerifySSL(verify bool) Option {
	return func(c *Client) {
		transport, ok := c.http.Transport.(*http.Transport)
		if !ok {
			return
		}
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{}
		}
		transport.TLSClientConfig.InsecureSkipVerify = !verify
	}
}

// New creates a Client with the source's defaults: a 10s connect timeout, a
// 30s total timeout, and certificate verification enabled.
func New(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Timeout: defaultTotalTimeout,
			Transport: &http.Transport{
				TLSHandshakeTimeout: defaultConnectTimeout,
			},
		},
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetHeader installs a header sent with every subsequent request.
func (c *Client) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers[key] = value
}

// LastStatusCode returns the HTTP status of the most recently completed
// call, or 0 if no call has completed yet.
func (c *Client) LastStatusCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStatus
}

// LastError returns the diagnostic string of the most recently failed
// call, or "" if the last call succeeded.
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Post issues a POST with the given body and one-off headers layered on top
// of the client's standing headers, returning the raw response body.
func (c *Client) Post(ctx context.Context, url string, body []byte, headers map[string]string) (string, error) {
	return c.do(ctx, http.MethodPost, url, bytes.NewReader(body), headers)
}

// Get issues a GET, returning the raw response body.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (string, error) {
	return c.do(ctx, http.MethodGet, url, nil, headers)
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return "", c.fail(xerrors.TransportWrap(err, "build request"))
	}

	c.mu.Lock()
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	c.mu.Unlock()
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.fail(xerrors.TransportWrap(err, method+" "+url))
	}
	defer resp.Body.Close()

	c.mu.Lock()
	c.lastStatus = resp.StatusCode
	c.mu.Unlock()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", c.fail(xerrors.TransportWrap(err, "read response body"))
	}

	c.mu.Lock()
	c.lastErr = ""
	c.mu.Unlock()
	return string(data), nil
}

func (c *Client) fail(err error) error {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
	return err
}
