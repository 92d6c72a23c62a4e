// Package transport talks to the PlayHT HTTP API.
//
// It covers the v1 (Standard voices) conversion API, the v2 job and streaming
// API, v3 streaming against per-engine inference addresses, and the v3 auth
// endpoint that hands out those addresses. Non-2xx responses become
// [*APIError]. All requests go through an instrumented round tripper that
// records client spans and request latency.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	"github.com/MrWong99/playht/internal/observe"
	"github.com/MrWong99/playht/pkg/coordinates"
)

const (
	// DefaultBaseURL is the PlayHT API root.
	DefaultBaseURL = "https://api.play.ht"

	defaultPollInterval = time.Second

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 * 1024
)

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Its transport is wrapped with
// tracing and metrics.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.base = hc
		}
	}
}

// WithBaseURL overrides the API root, e.g. for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithPollInterval sets how often job status is polled for one-shot
// generation. Defaults to 1s.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Client is a PlayHT API client bound to one set of credentials. It is safe
// for concurrent use.
type Client struct {
	creds        coordinates.Credentials
	baseURL      string
	pollInterval time.Duration
	base         *http.Client
	http         *http.Client
	logger       *slog.Logger
	metrics      *observe.Metrics
}

// New creates a Client. The API key and user ID are required.
func New(creds coordinates.Credentials, opts ...Option) (*Client, error) {
	if creds.APIKey == "" {
		return nil, fmt.Errorf("transport: api key must not be empty")
	}
	if creds.UserID == "" {
		return nil, fmt.Errorf("transport: user id must not be empty")
	}
	c := &Client{
		creds:        creds,
		baseURL:      DefaultBaseURL,
		pollInterval: defaultPollInterval,
		base:         &http.Client{},
		logger:       slog.Default(),
		metrics:      observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(c)
	}

	wrapped := *c.base
	next := wrapped.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	wrapped.Transport = observe.RoundTripper(next, c.metrics)
	c.http = &wrapped
	c.logger = c.logger.With("component", "transport")
	return c, nil
}

// Coordinates returns a [coordinates.Generator] backed by the auth endpoint.
func (c *Client) Coordinates() coordinates.Generator {
	return coordinates.GeneratorFunc(c.ResolveCoordinates)
}

// APIError is a non-2xx response from the PlayHT API.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string // status text, e.g. "Forbidden"
	Code       string // error_id from the body, or a class derived from the status
	Message    string // error_message from the body, if any
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("transport: %s %s: status %d %s", e.Method, e.URL, e.StatusCode, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// ErrorCode returns the machine-readable error code.
func (e *APIError) ErrorCode() string { return e.Code }

// HTTPStatus returns the response status code and text.
func (e *APIError) HTTPStatus() (int, string) { return e.StatusCode, e.Status }

// ErrorMessage returns the server-provided message.
func (e *APIError) ErrorMessage() string { return e.Message }

// newAPIError builds an APIError from resp and consumes its body.
func newAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := &APIError{
		Method:     resp.Request.Method,
		URL:        redact(resp.Request.URL.String()),
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
	}

	var p fastjson.Parser
	if v, err := p.ParseBytes(body); err == nil {
		e.Code = string(v.GetStringBytes("error_id"))
		e.Message = firstString(v, "error_message", "message", "error")
	} else if text := strings.TrimSpace(string(body)); text != "" {
		e.Message = text
	}
	if e.Code == "" {
		if resp.StatusCode >= 500 {
			e.Code = "ERR_BAD_RESPONSE"
		} else {
			e.Code = "ERR_BAD_REQUEST"
		}
	}
	return e
}

func firstString(v *fastjson.Value, keys ...string) string {
	for _, k := range keys {
		if s := v.GetStringBytes(k); len(s) > 0 {
			return string(s)
		}
	}
	return ""
}

// redact drops the query string, which may carry access tokens.
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

// newRequest builds an authenticated request. body is JSON-encoded when
// non-nil.
func (c *Client) newRequest(ctx context.Context, method, url string, body any, accept string) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("transport: marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("transport: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	req.Header.Set("Authorization", "Bearer "+c.creds.APIKey)
	req.Header.Set("X-User-Id", c.creds.UserID)
	return req, nil
}

// do sends req and returns the response if its status is 2xx. The caller owns
// the body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: %s %s: %w", req.Method, redact(req.URL.String()), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, newAPIError(resp)
	}
	return resp, nil
}

// doJSON sends req and decodes a 2xx JSON response into out.
func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("transport: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// stream sends req and returns the response body, recording the time to
// response headers as synthesis latency for engine.
func (c *Client) stream(req *http.Request, engine string) (io.ReadCloser, error) {
	start := time.Now()
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordSynthesis(req.Context(), engine, time.Since(start).Seconds())
	return resp.Body, nil
}

// poll calls check every poll interval until it reports done or ctx ends.
func (c *Client) poll(ctx context.Context, check func() (bool, error)) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		done, err := check()
		if err != nil || done {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
