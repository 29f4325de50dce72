// Package apiclient is the single choke point for calls to the messaging platform's admin API.
// It builds requests against one versioned root, attaches the current bearer token, classifies
// every response by status code and decodes success bodies. It owns no business rules.
package apiclient

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

	"golang.org/x/time/rate"

	"mkr.su/console/internal/ids"
	"mkr.su/console/internal/obs"
)

const (
	defaultVersion  = "v1"
	defaultTimeout  = 30 * time.Second
	maxBodyBytes    = 8 << 20
	requestIDHeader = "X-Request-ID"
)

// TokenSource yields the current bearer token. It is consulted once per authenticated call,
// right before the request is built; an empty string means there is no session.
type TokenSource interface {
	BearerToken(ctx context.Context) string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) string

func (f TokenFunc) BearerToken(ctx context.Context) string { return f(ctx) }

// Config configures the client.
type Config struct {
	// BaseURL is scheme and host of the API server, e.g. https://kluboksrm.ru.
	BaseURL string
	// Version is the API version segment; the root becomes {BaseURL}/api/{Version}.
	Version string
	// Timeout bounds every round trip. Defaults to 30s.
	Timeout time.Duration
	// RequestsPerSecond enables a client side token bucket when positive.
	RequestsPerSecond float64
	Burst             int
	// HTTPClient overrides the transport. Its Timeout is replaced when zero.
	HTTPClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithTokenSource sets where authenticated calls read the bearer token from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// Client issues API calls. Safe for concurrent use.
type Client struct {
	root       string
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
}

// New validates cfg and constructs a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("apiclient: BaseURL is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("apiclient: BaseURL must be a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.New("apiclient: BaseURL scheme must be http or https")
	}
	if parsed.User != nil {
		return nil, errors.New("apiclient: BaseURL must not include user info")
	}

	version := strings.Trim(strings.TrimSpace(cfg.Version), "/")
	if version == "" {
		version = defaultVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = timeout
	}

	c := &Client{
		root:       base + "/api/" + version,
		httpClient: httpClient,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Root returns the versioned API root every path is resolved against.
func (c *Client) Root() string { return c.root }

// Request describes one call.
type Request struct {
	Method string
	Path   string
	// Body is encoded as JSON when non-nil.
	Body any
	// Public calls are sent without an Authorization header (login, register).
	Public bool
}

// Response is the raw outcome of a successful call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// StatusIn reports whether the response status is one of codes.
func (r *Response) StatusIn(codes ...int) bool {
	if r == nil {
		return false
	}
	for _, code := range codes {
		if r.Status == code {
			return true
		}
	}
	return false
}

// Send performs exactly one round trip. On a 2xx status the body is decoded into out (skipped
// when out is nil or the status is 204). Any other outcome is returned as a *Failure.
func (c *Client) Send(ctx context.Context, req Request, out any) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	fail := func(kind Kind, status int, message string, err error) *Failure {
		return &Failure{Kind: kind, Status: status, Method: method, Path: req.Path, Message: message, Err: err}
	}
	if !strings.HasPrefix(req.Path, "/") {
		return nil, fail(KindRequest, 0, "", errors.New("path must start with /"))
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fail(KindRequest, 0, "", fmt.Errorf("encode body: %w", err))
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.root+req.Path, body)
	if err != nil {
		return nil, fail(KindRequest, 0, "", err)
	}
	requestID := ids.RequestID()
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(requestIDHeader, requestID)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fail(KindNetwork, 0, "", fmt.Errorf("rate limiter: %w", err))
		}
	}

	// The token is read after the limiter so a session ended while waiting is not replayed.
	if !req.Public {
		token := ""
		if c.tokens != nil {
			token = c.tokens.BearerToken(ctx)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	done := obs.Begin(method, req.Path)
	start := time.Now()
	resp, status, err := c.roundTrip(httpReq, out)
	kind := KindOf(err)
	if err != nil {
		var f *Failure
		if errors.As(err, &f) {
			f.Method, f.Path = method, req.Path
		}
	}
	done(kind.String())
	obs.LogRequest(map[string]any{
		"request_id":  requestID,
		"method":      method,
		"path":        req.Path,
		"status":      status,
		"outcome":     kind.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return resp, err
}

func (c *Client) roundTrip(httpReq *http.Request, out any) (*Response, int, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, &Failure{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, resp.StatusCode, &Failure{Kind: KindNetwork, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	kind := Classify(resp.StatusCode)
	if kind != KindNone {
		return nil, resp.StatusCode, &Failure{Kind: kind, Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if len(raw) > maxBodyBytes {
		return nil, resp.StatusCode, &Failure{Kind: KindInvalidResponse, Status: resp.StatusCode, Err: errors.New("response body too large")}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, resp.StatusCode, &Failure{Kind: KindInvalidResponse, Status: resp.StatusCode, Err: errors.New("empty body")}
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, resp.StatusCode, &Failure{Kind: KindInvalidResponse, Status: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
		}
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: raw}, resp.StatusCode, nil
}
