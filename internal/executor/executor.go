// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package executor performs one buffered API call against a connection's
// upstream with bearer injection. The explorer uses it interactively and the
// orchestrator uses it for every planned call.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sdmg/gateway/internal/store"
)

// Error codes returned by this package.
const (
	CodeInactive    = "CONNECTION_INACTIVE"
	CodeUnreachable = "UPSTREAM_UNREACHABLE"
	CodeTimeout     = "UPSTREAM_TIMEOUT"
)

// DefaultTimeout bounds an execution when the Executor was built without one.
const DefaultTimeout = 30 * time.Second

// maxBodyBytes caps how much response body is retained. Bytes past the cap
// are still read and counted so the size counters stay truthful.
const maxBodyBytes = 1 << 20

// truncatedSuffix is appended to a capped body.
const truncatedSuffix = "\n...[truncated at 1MB]"

// Error describes an execution failure. Upstream HTTP statuses are not
// errors; they come back in the Result.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// TokenSource supplies bearer tokens per connection and drops ones an
// upstream refused.
type TokenSource interface {
	Token(ctx context.Context, connectionID string) (string, error)
	Invalidate(connectionID string)
}

// Request is one API call to execute.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Result is the buffered outcome of one execution.
type Result struct {
	Status        int               `json:"status"`
	DurationMS    int64             `json:"duration_ms"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body"`
	Truncated     bool              `json:"truncated"`
	RequestBytes  int64             `json:"request_bytes"`
	ResponseBytes int64             `json:"response_bytes"`
	URL           string            `json:"url"`
}

// Executor issues buffered upstream calls.
type Executor struct {
	tokens  TokenSource
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// New builds an Executor. client must dial through the URL checker (see
// proxy.NewHTTPClient); zero timeout means DefaultTimeout; nil logger
// discards nothing useful, so it falls back to stderr.
func New(tokens TokenSource, client *http.Client, logger *slog.Logger, timeout time.Duration) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{tokens: tokens, client: client, logger: logger, timeout: timeout}
}

// Execute runs req against conn's upstream. It acquires a bearer, issues the
// call, and on an upstream 401 invalidates the token and retries exactly
// once. Any HTTP status is a successful execution; errors mean the call
// never completed.
func (e *Executor) Execute(ctx context.Context, conn *store.Connection, req Request) (*Result, error) {
	if conn == nil || !conn.Active {
		return nil, &Error{Code: CodeInactive, Message: "connection is missing or inactive"}
	}
	target, err := composeURL(conn.SAPBaseURL, req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	token, err := e.tokens.Token(ctx, conn.ID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := e.do(ctx, target, token, req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		e.tokens.Invalidate(conn.ID)
		if token, err = e.tokens.Token(ctx, conn.ID); err != nil {
			return nil, err
		}
		e.logger.Debug("retrying after upstream 401", slog.String("connection_id", conn.ID), slog.String("url", target))
		if resp, err = e.do(ctx, target, token, req); err != nil {
			return nil, classifyTransport(err)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	kept, err := io.Copy(&buf, io.LimitReader(resp.Body, maxBodyBytes))
	var discarded int64
	if err == nil {
		discarded, err = io.Copy(io.Discard, resp.Body)
	}
	if err != nil {
		return nil, classifyTransport(err)
	}

	body := buf.String()
	if discarded > 0 {
		body += truncatedSuffix
	}
	headers := make(map[string]string, len(resp.Header))
	for k, vals := range resp.Header {
		headers[k] = strings.Join(vals, ", ")
	}
	return &Result{
		Status:        resp.StatusCode,
		DurationMS:    time.Since(start).Milliseconds(),
		Headers:       headers,
		Body:          body,
		Truncated:     discarded > 0,
		RequestBytes:  int64(len(req.Body)),
		ResponseBytes: kept + discarded,
		URL:           target,
	}, nil
}

// do builds and issues a single attempt. The body is a fresh reader each
// time, which is what makes the 401 replay possible.
func (e *Executor) do(ctx context.Context, target, token string, req Request) (*http.Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 && !bodyless(method) {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}
	if body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	hreq.Header.Set("Authorization", "Bearer "+token)
	return e.client.Do(hreq)
}

// bodyless reports whether the method forwards without a body, mirroring the
// streaming proxy's policy.
func bodyless(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// composeURL joins the connection base with the call path and query. The
// base keeps its own path prefix; a missing leading slash on path is
// tolerated.
func composeURL(base, path string, query map[string]string) (string, error) {
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := strings.TrimSuffix(base, "/") + path
	if len(query) == 0 {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", &Error{Code: CodeUnreachable, Message: "Upstream connection failed"}
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func classifyTransport(err error) error {
	if isTimeout(err) {
		return &Error{Code: CodeTimeout, Message: "Upstream request timed out"}
	}
	return &Error{Code: CodeUnreachable, Message: "Upstream connection failed"}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr interface{ Timeout() bool }
	return errors.As(err, &nerr) && nerr.Timeout()
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
