// Package treeclient implements tree.Store against a hub's HTTP tree API,
// so agents and CLI commands run the same logic whether they hold the store
// directly or reach it over the network.
package treeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ThomasVuNguyen/village/internal/fault"
	"github.com/ThomasVuNguyen/village/internal/tree"
)

// DefaultTimeout bounds every non-streaming tree request.
const DefaultTimeout = 15 * time.Second

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	backoff time.Duration
	timeout time.Duration
}

var _ tree.Store = (*Client)(nil)

type Option func(*Client)

// WithHTTPClient replaces the underlying client, e.g. for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTracing wraps the transport with otelhttp instrumentation.
func WithTracing() Option {
	return func(c *Client) {
		base := c.http.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		c.http.Transport = otelhttp.NewTransport(base)
	}
}

// WithReconnectBackoff sets the pause between subscription reconnects.
func WithReconnectBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		backoff: 5 * time.Second,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) url(path string) (string, error) {
	clean, err := tree.CleanPath(path)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return c.baseURL + "/tree", nil
	}
	return c.baseURL + "/tree/" + clean, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, header http.Header) (json.RawMessage, error) {
	u, err := c.url(path)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(buf)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", fault.ErrUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		return nil, apiError(resp.StatusCode, payload)
	}
	return payload, nil
}

// apiError turns a hub {code, detail} envelope back into the matching
// sentinel so callers behave the same as against a local store.
func apiError(status int, body []byte) error {
	var envelope struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	}
	detail := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Detail != "" {
		detail = envelope.Detail
	}

	var sentinel error
	switch status {
	case http.StatusBadRequest:
		sentinel = fault.ErrBadRequest
	case http.StatusUnauthorized:
		sentinel = fault.ErrUnauthorized
	case http.StatusForbidden:
		sentinel = fault.ErrForbidden
	case http.StatusNotFound:
		sentinel = fault.ErrNotFound
	case http.StatusConflict:
		sentinel = fault.ErrConflict
	case http.StatusServiceUnavailable:
		sentinel = fault.ErrUnavailable
	default:
		return fmt.Errorf("tree api: status %d: %s", status, detail)
	}
	return fmt.Errorf("%w: %s", sentinel, detail)
}

func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	payload, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	if isJSONNull(payload) {
		return nil, nil
	}
	return payload, nil
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	_, err := c.do(ctx, http.MethodPut, path, value, nil)
	return err
}

// Create is a conditional put: the hub rejects it with Conflict when the
// path is already occupied.
func (c *Client) Create(ctx context.Context, path string, value any) error {
	header := http.Header{"If-None-Match": []string{"*"}}
	_, err := c.do(ctx, http.MethodPut, path, value, header)
	if errors.Is(err, fault.ErrConflict) {
		return tree.ErrExists
	}
	return err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	_, err := c.do(ctx, http.MethodPatch, path, fields, nil)
	return err
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	return err
}

func (c *Client) Push(ctx context.Context, collection string, value any) (string, error) {
	payload, err := c.do(ctx, http.MethodPost, collection, value, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(payload, &out); err != nil || out.Name == "" {
		return "", fmt.Errorf("push %s: malformed response %q", collection, payload)
	}
	return out.Name, nil
}

func isJSONNull(raw []byte) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}
