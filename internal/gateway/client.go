package gateway

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

	"errandline/internal/metrics"
)

const (
	DefaultTimeout = 25 * time.Second
	backoffBase    = 200 * time.Millisecond
	maxBody        = 64 << 20
)

// Client performs JSON requests against the marketplace backend.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Retries    int
	Log        *zap.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client with the default timeout and no retries.
func New(baseURL string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: DefaultTimeout,
		Log:     log,
	}
}

// Request describes one logical call. Timeout and Retries override the client defaults.
type Request struct {
	Method    string
	Path      string
	Query     url.Values
	Body      any
	Multipart *Multipart
	Bearer    string
	Timeout   time.Duration
	Retries   *int
}

// Retries is a convenience for Request.Retries.
func Retries(n int) *int { return &n }

// Do sends req and decodes a successful JSON body into out (which may be nil).
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	payload, contentType, err := c.encode(req)
	if err != nil {
		return &Error{Kind: KindValidation, Message: "encode request body", Err: err}
	}
	timeout := c.timeout(req)
	retries := c.Retries
	if req.Retries != nil {
		retries = *req.Retries
	}
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			metrics.IncreaseGatewayRetriesMetric()
			if err := c.wait(ctx, backoffBase*time.Duration(1<<(attempt-1))); err != nil {
				return transportError(err)
			}
		}
		lastErr = c.attempt(ctx, req, payload, contentType, timeout, attempt, out)
		if lastErr == nil {
			metrics.IncreaseGatewayRequestsMetric(req.Method, "ok")
			return nil
		}
		metrics.IncreaseGatewayRequestsMetric(req.Method, string(KindOf(lastErr)))
		if !retryable(ctx, lastErr) {
			break
		}
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, req Request, payload []byte, contentType string, timeout time.Duration, attempt int, out any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, c.url(req), body)
	if err != nil {
		return &Error{Kind: KindValidation, Message: "build request", Err: err}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Bearer)
	}

	c.Log.Debug("api request", zap.String("method", req.Method), zap.String("path", req.Path), zap.Int("attempt", attempt))
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		c.Log.Debug("api request failed", zap.String("path", req.Path), zap.Error(err))
		return transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := errorFromResponse(resp.StatusCode, data)
		c.Log.Debug("api response error", zap.String("path", req.Path), zap.Int("status", resp.StatusCode), zap.String("code", apiErr.Code))
		return apiErr
	}
	c.Log.Debug("api response ok", zap.String("path", req.Path), zap.Int("status", resp.StatusCode))
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: KindServer, Status: resp.StatusCode, Message: "malformed success body", Err: err}
	}
	return nil
}

// retryable reports whether another attempt may follow err.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindUnauthorized, KindConflict, KindValidation:
		return false
	}
	// The request was applied; only the body was unreadable.
	if s := StatusOf(err); s >= 200 && s < 300 {
		return false
	}
	return true
}

func transportError(err error) *Error {
	msg := "network error"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	} else if errors.Is(err, context.Canceled) {
		msg = "request canceled"
	}
	return &Error{Kind: KindTransport, Message: msg, Err: err}
}

func (c *Client) encode(req Request) ([]byte, string, error) {
	if req.Multipart != nil {
		return req.Multipart.encode()
	}
	if req.Body == nil {
		return nil, "", nil
	}
	b, err := json.Marshal(req.Body)
	if err != nil {
		return nil, "", err
	}
	return b, "application/json", nil
}

func (c *Client) url(req Request) string {
	u := strings.TrimRight(c.BaseURL, "/") + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	return u
}

func (c *Client) timeout(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if c.sleep != nil {
		return c.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PathEscape joins escaped path segments onto a prefix.
func PathEscape(prefix string, segments ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, s := range segments {
		b.WriteString("/")
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func (r Request) String() string {
	return fmt.Sprintf("%s %s", r.Method, r.Path)
}
