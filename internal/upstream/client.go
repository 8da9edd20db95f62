// Package upstream talks to the CodeRider MaaS API: it exchanges the GitLab
// access token for a short-lived JWT and forwards chat calls with it.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// DefaultHost is the public CodeRider deployment.
const DefaultHost = "https://coderider.jihulab.com"

const (
	contentTypeJSON = "application/json"
	userAgent       = "coderider-gateway/0.1"

	jwtPath    = "/api/v1/auth/jwt"
	chatPath   = "/api/v1/llm/v1/chat/completions"
	configPath = "/api/v1/config"

	tokenRefreshMargin = time.Minute
	maxErrorBody       = 64 * 1024
	maxResponseBody    = 16 << 20
)

var (
	// ErrAuthExpired means the GitLab access token or the JWT was rejected
	// and a human has to refresh the credentials.
	ErrAuthExpired = errors.New("coderider authorization expired")
	// ErrTimeout means the upstream did not answer in time.
	ErrTimeout = errors.New("upstream timed out")
)

// StatusError is a non-success upstream answer that is not an auth failure.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream error status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream error status %d: %s", e.StatusCode, e.Message)
}

// Options configures a Client.
type Options struct {
	Host        string
	AccessToken string
	Timeout     time.Duration
	// HTTPClient overrides the pooled client built from Timeout.
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client is safe for concurrent use. The JWT cache is the only shared state.
type Client struct {
	host        string
	accessToken string
	client      *http.Client
	now         func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	refresh   singleflight.Group
}

// New constructs a client for the given host.
func New(opts Options) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(opts.Host), "/")
	if host == "" {
		host = DefaultHost
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		return nil, fmt.Errorf("upstream host %q must be an http(s) URL", opts.Host)
	}

	client := opts.HTTPClient
	if client == nil {
		client = newHTTPClient(opts.Timeout)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		host:        host,
		accessToken: strings.TrimSpace(opts.AccessToken),
		client:      client,
		now:         now,
	}, nil
}

// Host returns the normalised upstream base URL.
func (c *Client) Host() string {
	return c.host
}

// ChatCompletions posts payload to the chat endpoint and returns the raw
// response body. The body is returned as-is so the caller can reshape it.
func (c *Client) ChatCompletions(ctx context.Context, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return c.authorized(ctx, http.MethodPost, chatPath, body)
}

// FetchConfig returns the upstream model configuration document.
func (c *Client) FetchConfig(ctx context.Context) ([]byte, error) {
	return c.authorized(ctx, http.MethodGet, configPath, nil)
}

func (c *Client) authorized(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidate(token)
		return nil, fmt.Errorf("%w: jwt rejected by %s", ErrAuthExpired, path)
	}
	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, classifyTransportError(fmt.Errorf("read upstream response: %w", err))
	}
	return data, nil
}

// Token returns a cached JWT, exchanging the access token when the cached
// one is missing or within a minute of expiry. Concurrent refreshes share
// one exchange.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.expiresAt.Add(-tokenRefreshMargin)) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	result, err, _ := c.refresh.Do("jwt", func() (any, error) {
		return c.exchange(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Client) exchange(ctx context.Context) (string, error) {
	if c.accessToken == "" {
		return "", fmt.Errorf("%w: GitLab access token is not configured", ErrAuthExpired)
	}

	req, err := c.newRequest(ctx, http.MethodPost, jwtPath, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Access-Token", c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyTransportError(fmt.Errorf("jwt exchange: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return "", fmt.Errorf("%w: jwt exchange rejected with status %d", ErrAuthExpired, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("jwt exchange: %w", parseAPIError(resp))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", fmt.Errorf("read jwt response: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return "", errors.New("jwt response is not valid JSON")
	}

	token := gjson.GetBytes(data, "token").String()
	expiresAt, ok := parseExpiry(gjson.GetBytes(data, "tokenExpiresAt"))
	if token == "" || !ok {
		return "", errors.New("jwt response is missing token or tokenExpiresAt")
	}

	c.mu.Lock()
	c.token = token
	c.expiresAt = expiresAt
	c.mu.Unlock()
	return token, nil
}

func (c *Client) invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
		c.expiresAt = time.Time{}
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, reader)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// parseExpiry accepts RFC 3339 timestamps and unix times in seconds or
// milliseconds.
func parseExpiry(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.String:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, v.Str); err == nil {
				return t, true
			}
		}
	case gjson.Number:
		n := v.Int()
		if n <= 0 {
			return time.Time{}, false
		}
		if n > 1e12 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &StatusError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", err)}
	}

	for _, path := range []string{"error.message", "message", "detail", "error"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(v.Str)}
		}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("upstream request failed: %w", err)
}
