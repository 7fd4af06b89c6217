package poller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultMaxBodySize is applied to requests that do not set their own limit.
const DefaultMaxBodySize = 4 << 20

// DefaultTimeout is applied to requests that do not set their own timeout.
const DefaultTimeout = 10 * time.Second

// connection pooling limits; a handful of backends are polled sequentially
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 2
	defaultMaxConnsPerHost     = 4
	defaultIdleConnTimeout     = 60 * time.Second
)

// ErrHTTPStatus is wrapped by [Response.Err] when the backend answered with a
// non-2xx status code.
var ErrHTTPStatus = errors.New("unexpected http status")

// ErrResponseTooLarge is returned when a response body exceeds the
// request's size limit. The partial body is discarded.
var ErrResponseTooLarge = errors.New("response body too large")

// Request describes one outbound call made through [Client.Fetch].
type Request struct {
	// Method is the HTTP method. Empty defaults to GET.
	Method string

	// URL is the full target URL.
	URL string

	// Headers are set on the request in addition to the defaults.
	Headers map[string]string

	// Body is sent as the request body. It is a byte slice so the same
	// request can be replayed.
	Body []byte

	// Timeout bounds the whole call. Zero means [DefaultTimeout].
	Timeout time.Duration

	// MaxBodySize caps the response body in bytes. Zero means
	// [DefaultMaxBodySize]; a negative value disables the cap.
	MaxBodySize int64
}

// Response holds the result of an HTTP request made by [Client].
type Response struct {
	// Body contains the HTTP response body. It is never truncated: a body
	// over the limit leaves Body nil and sets Error.
	Body []byte

	// StatusCode is the HTTP status code.
	// Zero if the request failed before receiving a response.
	StatusCode int

	// Header holds the response headers. Nil if no response was received.
	Header http.Header

	// Latency is the total time taken for the request.
	Latency time.Duration

	// Error contains any transport error that occurred during the request.
	Error error
}

// Err returns the transport error, or an error wrapping [ErrHTTPStatus] if
// the status code is not 2xx.
func (r Response) Err() error {
	if r.Error != nil {
		return r.Error
	}
	if r.StatusCode < 200 || r.StatusCode > 299 {
		return fmt.Errorf("%w: %d %s", ErrHTTPStatus, r.StatusCode, http.StatusText(r.StatusCode))
	}
	return nil
}

// Client is an HTTP client wrapper shared by all backend probes.
//
// Client uses per-request timeouts via context rather than a global timeout,
// so every outbound call is bounded even if the caller's context is not.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a new polling [Client] with a pooled transport.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		},
	}
}

// Fetch performs an HTTP request and returns a structured [Response].
//
// Fetch always returns a Response; transport errors are captured in the
// Error field rather than returned separately. Use [Response.Err] to treat
// non-2xx answers as failures too.
func (c *Client) Fetch(ctx context.Context, r Request) Response {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("failed to create request: %w", err),
		}
	}

	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("request failed: %w", err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := readBody(resp.Body, r.MaxBodySize)
	if err != nil {
		return Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Latency:    time.Since(start),
			Error:      fmt.Errorf("failed to read response body: %w", err),
		}
	}

	return Response{
		Body:       payload,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Latency:    time.Since(start),
	}
}

// readBody reads r fully, failing with [ErrResponseTooLarge] rather than
// returning a truncated payload.
func readBody(r io.Reader, limit int64) ([]byte, error) {
	if limit == 0 {
		limit = DefaultMaxBodySize
	}
	if limit < 0 {
		return io.ReadAll(r)
	}
	payload, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", ErrResponseTooLarge, limit)
	}
	return payload, nil
}

// Close closes all idle connections in the client's connection pool.
//
// Safe to call multiple times and on a nil Client. The client remains usable
// afterwards.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}
