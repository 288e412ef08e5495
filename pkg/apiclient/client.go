// Package apiclient provides the HTTP transport used to reach the remote API
package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/publicsuffix"
)

// Credentials controls whether the cookie jar takes part in a request.
// The values mirror the fetch API so they can be forwarded verbatim from
// configuration.
type Credentials string

const (
	CredentialsOmit       Credentials = "omit"
	CredentialsSameOrigin Credentials = "same-origin"
	CredentialsInclude    Credentials = "include"
)

// ParseCredentials validates a credentials policy. The empty string means
// "not set" and is accepted.
func ParseCredentials(s string) (Credentials, error) {
	switch c := Credentials(strings.ToLower(strings.TrimSpace(s))); c {
	case "", CredentialsOmit, CredentialsSameOrigin, CredentialsInclude:
		return c, nil
	default:
		return "", fmt.Errorf("invalid credentials policy %q", s)
	}
}

// RetryConfig defines retry behavior for idempotent requests
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig is used by NewClient
var DefaultRetryConfig = RetryConfig{
	MaxRetries:      3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	Multiplier:      1.5,
	MaxElapsedTime:  30 * time.Second,
}

// Request describes a single call against the API.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        any
	Credentials Credentials
}

// Client is a JSON client for the remote API
type Client struct {
	BaseURL     string
	HTTPClient  *http.Client
	RetryConfig RetryConfig
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. A cookie jar is only
// present if the supplied client carries one.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.HTTPClient = hc
		}
	}
}

// WithTransport swaps the round tripper while keeping the client's jar and timeout.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.HTTPClient.Transport = rt
		}
	}
}

// WithRetryConfig sets the retry configuration
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Client) {
		c.RetryConfig = cfg
	}
}

// NewClient creates a Client for baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:     strings.TrimSuffix(baseURL, "/"),
		HTTPClient:  newHTTPClient(),
		RetryConfig: DefaultRetryConfig,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestURL joins path onto the base URL.
func (c *Client) RequestURL(path string, query url.Values) (*url.URL, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host are required", c.BaseURL)
	}

	u := base
	if path != "" {
		u = base.JoinPath(path)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u, nil
}

// Get performs a GET request and decodes the response into out
func (c *Client) Get(ctx context.Context, path string, params url.Values, out any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: params}, out)
}

// PostJSON performs a POST request with a JSON body
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// Do executes req and decodes the response into out, which may be nil.
// GET and HEAD requests are retried with exponential backoff on retryable
// failures; everything else is sent exactly once.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u, err := c.RequestURL(req.Path, req.Query)
	if err != nil {
		return err
	}

	var payload []byte
	if req.Body != nil {
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	attempt := func() ([]byte, error) {
		return c.execute(ctx, method, u.String(), payload, req.Credentials)
	}

	var body []byte
	if method == http.MethodGet || method == http.MethodHead {
		body, err = c.executeWithRetries(ctx, attempt)
	} else {
		body, err = attempt()
	}
	if err != nil {
		return err
	}

	return decodeData(body, out)
}

func (c *Client) executeWithRetries(ctx context.Context, attempt func() ([]byte, error)) ([]byte, error) {
	bOff := backoff.NewExponentialBackOff()
	bOff.InitialInterval = c.RetryConfig.InitialInterval
	bOff.MaxInterval = c.RetryConfig.MaxInterval
	bOff.Multiplier = c.RetryConfig.Multiplier
	bOff.MaxElapsedTime = c.RetryConfig.MaxElapsedTime

	var policy backoff.BackOff = bOff
	if c.RetryConfig.MaxRetries >= 0 {
		policy = backoff.WithMaxRetries(bOff, uint64(c.RetryConfig.MaxRetries))
	}

	var body []byte
	err := backoff.Retry(func() error {
		var err error
		body, err = attempt()
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))

	return body, err
}

func (c *Client) execute(ctx context.Context, method, rawURL string, payload []byte, creds Credentials) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClientFor(creds).Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseError(resp.StatusCode, body)
	}

	return body, nil
}

// httpClientFor returns a jar-less copy of the client when cookies must be omitted.
func (c *Client) httpClientFor(creds Credentials) *http.Client {
	if creds != CredentialsOmit || c.HTTPClient.Jar == nil {
		return c.HTTPClient
	}
	clientCopy := *c.HTTPClient
	clientCopy.Jar = nil
	return &clientCopy
}

// decodeData unwraps a {"data": ...} envelope when present and decodes it into out.
func decodeData(body []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err == nil {
		if data, ok := envelope["data"]; ok {
			body = data
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var (
	sharedTransport *http.Transport
	transportOnce   sync.Once
)

// getTransport returns the shared connection pool
func getTransport() *http.Transport {
	transportOnce.Do(func() {
		sharedTransport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	})
	return sharedTransport
}

// newHTTPClient builds a client with its own cookie jar over the shared transport.
func newHTTPClient() *http.Client {
	hc := &http.Client{
		Transport: getTransport(),
		Timeout:   10 * time.Second,
	}
	if jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List}); err == nil {
		hc.Jar = jar
	}
	return hc
}
