// Package httpstore implements the coordination store as a client of a
// lablock gateway, so lab hosts only need HTTP access to share locks.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ebogdum/lablock/coordination"
)

const backend = "http"

// ErrUnauthorized is returned when the gateway rejects the API key
var ErrUnauthorized = errors.New("gateway rejected credentials")

// Client talks to the /v1/entries API of a lablock gateway.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// NewClient creates a gateway client for endpoint (e.g. http://locks:8480).
func NewClient(endpoint, apiKey string, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway endpoint %q: %w", endpoint, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid gateway endpoint %q: scheme must be http or https", endpoint)
	}

	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ping checks that the gateway answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return coordination.Unavailable(backend, "ping", "", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return coordination.Unavailable(backend, "ping", "", fmt.Errorf("health check returned status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) Read(ctx context.Context, key string) (*coordination.Entry, error) {
	var body EntryResponse
	if err := c.do(ctx, "read", http.MethodGet, "/v1/entries", url.Values{"key": {key}}, nil, &body); err != nil {
		return nil, err
	}
	entry := body.Entry()
	return &entry, nil
}

func (c *Client) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error {
	req := CreateRequest{Value: value, TTLMs: ttl.Milliseconds()}
	return c.do(ctx, "create", http.MethodPut, "/v1/entries", url.Values{"key": {key}}, req, nil)
}

func (c *Client) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	req := RefreshRequest{TTLMs: ttl.Milliseconds()}
	return c.do(ctx, "refresh", http.MethodPatch, "/v1/entries", url.Values{"key": {key}}, req, nil)
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.do(ctx, "delete", http.MethodDelete, "/v1/entries", url.Values{"key": {key}}, nil, nil)
}

func (c *Client) CompareAndDelete(ctx context.Context, key, value string) error {
	query := url.Values{"key": {key}, "value": {value}}
	return c.do(ctx, "compare_and_delete", http.MethodDelete, "/v1/entries", query, nil, nil)
}

// List returns the live entries under prefix. Gateways fronting a backend
// that cannot enumerate answer with coordination.ErrNotSupported.
func (c *Client) List(ctx context.Context, prefix string) ([]coordination.Entry, error) {
	var body []EntryResponse
	if err := c.do(ctx, "list", http.MethodGet, "/v1/entries/list", url.Values{"prefix": {prefix}}, nil, &body); err != nil {
		return nil, err
	}

	entries := make([]coordination.Entry, 0, len(body))
	for _, e := range body {
		entries = append(entries, e.Entry())
	}
	return entries, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// do sends one request and decodes a 2xx body into out when out is non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out interface{}) error {
	key := query.Get("key")
	if key == "" {
		key = query.Get("prefix")
	}

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	reqURL := c.endpoint + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return coordination.Unavailable(backend, op, key, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return coordination.Unavailable(backend, op, key, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
		return nil
	}

	return c.decodeError(op, key, resp.StatusCode, respBody)
}

// decodeError maps a gateway error body back onto the coordination errors.
func (c *Client) decodeError(op, key string, status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Code == "" {
		errResp = ErrorResponse{Message: strings.TrimSpace(string(body))}
	}

	c.logger.Debug("Gateway returned error",
		zap.String("op", op),
		zap.String("key", key),
		zap.Int("status_code", status),
		zap.String("error_code", errResp.Code))

	switch errResp.Code {
	case CodeNotFound:
		return coordination.ErrNotFound
	case CodeAlreadyExists:
		return coordination.ErrAlreadyExists
	case CodeValueMismatch:
		return coordination.ErrValueMismatch
	case CodeNotSupported:
		return coordination.ErrNotSupported
	case CodeStoreUnavailable:
		return coordination.Unavailable(backend, op, key, errors.New(errResp.Message))
	case CodeUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, errResp.Message)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, status)
	case status == http.StatusTooManyRequests || status >= 500:
		// Rate limiting and proxy failures are transient from the caller's view
		return coordination.Unavailable(backend, op, key, fmt.Errorf("gateway returned status %d: %s", status, errResp.Message))
	default:
		return fmt.Errorf("gateway %s failed with status %d: %s", op, status, errResp.Message)
	}
}
