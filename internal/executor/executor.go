// Package executor runs request descriptors against the real
// request-handling subsystem. Workers and the in-process SyncDriver are its
// only callers.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/vitesse/pkg/types"
)

// Executor executes one request descriptor.
type Executor interface {
	// Execute returns the response for req, or an *ExecutionError when the
	// request failed inside the application.
	Execute(ctx context.Context, req *types.Request) (*types.Response, error)
}

// ExecutionError is an application failure raised while executing a
// request. Code follows HTTP status semantics.
type ExecutionError struct {
	Code    int
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed (%d): %s", e.Code, e.Message)
}

// CodeOf extracts the application code of err, defaulting to 500.
func CodeOf(err error) int {
	var execErr *ExecutionError
	if errors.As(err, &execErr) && execErr.Code != 0 {
		return execErr.Code
	}
	return http.StatusInternalServerError
}

// MessageOf returns the message an application failure is reported with.
func MessageOf(err error) string {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Message
	}
	return err.Error()
}

// Func adapts an ordinary function to Executor.
type Func func(ctx context.Context, req *types.Request) (*types.Response, error)

func (f Func) Execute(ctx context.Context, req *types.Request) (*types.Response, error) {
	return f(ctx, req)
}

// ============================================================================
// HTTP executor
// ============================================================================

const defaultMaxBody = 10 << 20

// HTTPExecutor executes descriptors as HTTP requests. Relative targets are
// resolved against BaseURL.
type HTTPExecutor struct {
	client  *http.Client
	baseURL *url.URL
	maxBody int64
}

// HTTPOption configures an HTTPExecutor.
type HTTPOption func(*HTTPExecutor)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(e *HTTPExecutor) { e.client = c }
}

// WithMaxBody bounds how much of a response body is kept.
func WithMaxBody(n int64) HTTPOption {
	return func(e *HTTPExecutor) { e.maxBody = n }
}

// NewHTTPExecutor creates an executor for baseURL. An empty baseURL only
// accepts absolute targets.
func NewHTTPExecutor(baseURL string, timeout time.Duration, opts ...HTTPOption) (*HTTPExecutor, error) {
	e := &HTTPExecutor{
		client:  &http.Client{Timeout: timeout},
		maxBody: defaultMaxBody,
	}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		e.baseURL = u
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *HTTPExecutor) resolve(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if e.baseURL == nil {
		return "", fmt.Errorf("relative target %q without base url", target)
	}
	return e.baseURL.ResolveReference(u).String(), nil
}

// Execute performs the request. Server errors (5xx) and requests that never
// got a response are ExecutionErrors; any other status is a response.
func (e *HTTPExecutor) Execute(ctx context.Context, req *types.Request) (*types.Response, error) {
	target, err := e.resolve(req.Target)
	if err != nil {
		return nil, &ExecutionError{Code: http.StatusBadRequest, Message: err.Error()}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, &ExecutionError{Code: http.StatusBadRequest, Message: err.Error()}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &ExecutionError{Code: http.StatusBadGateway, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return nil, &ExecutionError{Code: http.StatusBadGateway, Message: fmt.Sprintf("read body: %v", err)}
	}

	if resp.StatusCode >= 500 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return nil, &ExecutionError{Code: resp.StatusCode, Message: msg}
	}

	out := &types.Response{Status: resp.StatusCode, Body: data}
	for k := range resp.Header {
		out.Header(k, resp.Header.Get(k))
	}
	return out, nil
}
