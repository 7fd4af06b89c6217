// Package transmission probes a Transmission torrent client over its RPC API.
package transmission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jpalmerr/mediamon/internal/poller"
)

// SessionHeader carries the Transmission session token.
const SessionHeader = "X-Transmission-Session-Id"

// ErrSessionConflict is returned when the server still answers 409 after the
// call was re-issued with a fresh session token.
var ErrSessionConflict = errors.New("transmission session conflict")

// ErrMalformedResponse is returned when the RPC envelope has no arguments.
var ErrMalformedResponse = errors.New("malformed transmission response")

// SessionStats holds the arguments of a session-stats call.
type SessionStats struct {
	ActiveTorrentCount int   `json:"activeTorrentCount"`
	PausedTorrentCount int   `json:"pausedTorrentCount"`
	DownloadSpeed      int64 `json:"downloadSpeed"`
	UploadSpeed        int64 `json:"uploadSpeed"`
}

// SessionParameters holds the arguments of a session-get call.
type SessionParameters struct {
	Version string `json:"version"`
}

type rpcRequest struct {
	Method string `json:"method"`
}

type rpcResponse struct {
	Arguments json.RawMessage `json:"arguments"`
	Result    string          `json:"result"`
}

// Client calls the Transmission RPC endpoint.
//
// The session token is renegotiated transparently: a 409 answer carries a
// fresh token, which is stored and the same call is re-issued exactly once.
type Client struct {
	url     string
	http    *poller.Client
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	sessionID string
}

// NewClient creates a [Client] for the Transmission instance at baseURL.
func NewClient(baseURL string, httpClient *poller.Client, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     strings.TrimSuffix(baseURL, "/") + "/transmission/rpc",
		http:    httpClient,
		timeout: timeout,
		logger:  logger,
	}
}

// SessionStats performs a session-stats call.
func (c *Client) SessionStats(ctx context.Context) (SessionStats, error) {
	var stats SessionStats
	err := c.call(ctx, "session-stats", &stats)
	return stats, err
}

// SessionParameters performs a session-get call.
func (c *Client) SessionParameters(ctx context.Context) (SessionParameters, error) {
	var params SessionParameters
	err := c.call(ctx, "session-get", &params)
	return params, err
}

func (c *Client) call(ctx context.Context, method string, args any) error {
	body, err := json.Marshal(rpcRequest{Method: method})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	resp := c.do(ctx, body)
	if resp.Error == nil && resp.StatusCode == http.StatusConflict {
		token := resp.Header.Get(SessionHeader)
		if token == "" {
			return fmt.Errorf("%s: %w: no session id in 409 response", method, ErrSessionConflict)
		}
		c.setSessionID(token)
		c.logger.Debug("transmission session renegotiated", "method", method)

		resp = c.do(ctx, body)
		if resp.Error == nil && resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("%s: %w", method, ErrSessionConflict)
		}
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return fmt.Errorf("%s: decode: %w", method, err)
	}
	if len(envelope.Arguments) == 0 || string(envelope.Arguments) == "null" {
		return fmt.Errorf("%s: %w: missing arguments (result %q)", method, ErrMalformedResponse, envelope.Result)
	}
	if err := json.Unmarshal(envelope.Arguments, args); err != nil {
		return fmt.Errorf("%s: decode arguments: %w", method, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, body []byte) poller.Response {
	return c.http.Fetch(ctx, poller.Request{
		Method: http.MethodPost,
		URL:    c.url,
		Headers: map[string]string{
			SessionHeader:  c.getSessionID(),
			"Content-Type": "application/json",
		},
		Body:    body,
		Timeout: c.timeout,
	})
}

func (c *Client) getSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}
