// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package proxy streams tenant requests to validated upstreams. It owns
// header sanitization, the body buffering policy that keeps Content-Length
// honest, and the single 401 replay used by bearer-authenticated routes.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sdmg/gateway/internal/urlcheck"
)

// Client-visible failure messages. Upstream error details never reach the
// tenant verbatim.
const (
	MsgConnectFailed  = "Upstream connection failed"
	MsgTimeout        = "Upstream request timed out"
	MsgTokenFailed    = "Failed to acquire upstream token"
	MsgBadJSONBody    = "Request body is not valid JSON"
	MsgBodyReadFailed = "Failed to read request body"
)

// DefaultTimeout bounds an upstream exchange when the Target does not say
// otherwise.
const DefaultTimeout = 120 * time.Second

// streamChunkSize is the copy buffer for response streaming. Small enough to
// flush server-sent events promptly, large enough not to thrash on downloads.
const streamChunkSize = 32 * 1024

// strippedRequestHeaders never cross the gateway toward an upstream. Keys are
// lower-case; matching is case-insensitive. x-api-key is the tenant's gateway
// credential and must not leak upstream; content-length is recomputed from
// the forwarded body.
var strippedRequestHeaders = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"keep-alive":          {},
	"transfer-encoding":   {},
	"te":                  {},
	"trailer":             {},
	"upgrade":             {},
	"proxy-authorization": {},
	"proxy-connection":    {},
	"x-api-key":           {},
	"content-length":      {},
}

// strippedResponseHeaders are hop-by-hop fields dropped from upstream
// responses before they reach the tenant.
var strippedResponseHeaders = map[string]struct{}{
	"connection":         {},
	"keep-alive":         {},
	"transfer-encoding":  {},
	"te":                 {},
	"trailer":            {},
	"upgrade":            {},
	"proxy-authenticate": {},
	"proxy-connection":   {},
}

// Target describes one upstream exchange.
type Target struct {
	// URL is the fully composed upstream URL: connection base plus the
	// remainder path plus the caller's query string.
	URL string
	// Overrides are applied after sanitization with Set semantics, so they
	// always survive whatever the caller sent. Bearer and agent-key
	// injection happen here.
	Overrides http.Header
	// Timeout bounds the whole exchange. Zero means DefaultTimeout.
	Timeout time.Duration
	// Retry401, when set, is invoked after an upstream 401 to produce
	// replacement overrides (typically a fresh bearer). The request is
	// replayed at most once and only while the body is replayable. Nil
	// disables the retry.
	Retry401 func(ctx context.Context) (http.Header, error)
}

// Proxy forwards tenant requests over a transport whose dialer re-validates
// every address, so a DNS answer cannot change between URL validation and
// connect.
type Proxy struct {
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewHTTPClient returns a client for upstream traffic: every dial goes
// through checker and environment proxies are ignored, since they would
// route tenant traffic through hosts the URL checker never saw. Timeouts
// come from request contexts, not the client.
func NewHTTPClient(checker *urlcheck.Checker) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           checker.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// New builds a Proxy dialing through checker. timeout is the default
// per-exchange budget; zero means DefaultTimeout. A nil logger discards.
func New(checker *urlcheck.Checker, logger *slog.Logger, timeout time.Duration) *Proxy {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Proxy{
		client:  NewHTTPClient(checker),
		logger:  logger,
		timeout: timeout,
	}
}

// bodyless reports whether the method forwards without a body.
func bodyless(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// isJSON reports whether a Content-Type names a JSON payload.
func isJSON(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/json") || strings.HasSuffix(firstToken(ct), "+json")
}

func firstToken(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// Forward relays r to t and streams the upstream response back through w.
// Failures before the first downstream byte become JSON error responses;
// after that the stream is aborted as-is.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, t Target) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	var buffered []byte
	var stream io.Reader
	switch {
	case bodyless(r.Method):
		// Body and its framing headers stay behind.
	case isJSON(r.Header.Get("Content-Type")):
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			p.writeError(w, r, http.StatusBadRequest, MsgBodyReadFailed, err)
			return
		}
		if len(raw) > 0 && !json.Valid(raw) {
			p.writeError(w, r, http.StatusBadRequest, MsgBadJSONBody, nil)
			return
		}
		buffered = raw
	default:
		// Non-JSON bodies stream straight through and cannot be replayed.
		stream = r.Body
	}

	req, err := p.buildRequest(ctx, r, t, t.Overrides, buffered, stream)
	if err != nil {
		p.writeError(w, r, http.StatusBadGateway, MsgConnectFailed, err)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.writeTransportError(w, r, err)
		return
	}

	// One replay with fresh credentials. Streamed bodies are gone by now, so
	// the retry is limited to bodyless and buffered requests.
	if resp.StatusCode == http.StatusUnauthorized && t.Retry401 != nil && stream == nil {
		drain(resp)
		overrides, rerr := t.Retry401(ctx)
		if rerr != nil {
			p.logger.Warn("credential refresh after upstream 401 failed",
				slog.String("url", t.URL), slog.String("error", rerr.Error()))
			p.writeError(w, r, http.StatusBadGateway, MsgTokenFailed, nil)
			return
		}
		req, err = p.buildRequest(ctx, r, t, overrides, buffered, nil)
		if err != nil {
			p.writeError(w, r, http.StatusBadGateway, MsgConnectFailed, err)
			return
		}
		resp, err = p.client.Do(req)
		if err != nil {
			p.writeTransportError(w, r, err)
			return
		}
	}
	defer func() { _ = resp.Body.Close() }()

	for k, vals := range resp.Header {
		if _, skip := strippedResponseHeaders[strings.ToLower(k)]; skip {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	p.stream(ctx, w, resp.Body, t.URL)
}

// buildRequest assembles the outbound request: sanitized caller headers,
// then overrides, then exactly one of a buffered or streamed body.
func (p *Proxy) buildRequest(ctx context.Context, r *http.Request, t Target, overrides http.Header, buffered []byte, stream io.Reader) (*http.Request, error) {
	var body io.Reader
	switch {
	case stream != nil:
		body = stream
	case buffered != nil:
		body = bytes.NewReader(buffered)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, t.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	for k, vals := range r.Header {
		if _, skip := strippedRequestHeaders[strings.ToLower(k)]; skip {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if bodyless(r.Method) {
		req.Header.Del("Content-Type")
	}
	switch {
	case buffered != nil:
		// The reader already implies this, but being explicit keeps the
		// forwarded Content-Length equal to the buffered byte count.
		req.ContentLength = int64(len(buffered))
	case stream != nil && r.ContentLength >= 0:
		// Streamed bodies pass through unchanged, framing included; without
		// this the upstream would see chunked encoding and no length.
		req.ContentLength = r.ContentLength
	}
	for k, vals := range overrides {
		req.Header.Del(k)
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// stream copies the upstream body downstream chunk by chunk, flushing after
// every write so event streams arrive as they are produced.
func (p *Proxy) stream(ctx context.Context, w http.ResponseWriter, body io.Reader, url string) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away; the deferred close tears down upstream.
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) && ctx.Err() == nil {
				p.logger.Warn("upstream body terminated early",
					slog.String("url", url), slog.String("error", rerr.Error()))
			}
			return
		}
	}
}

// writeTransportError classifies a round-trip failure. Timeouts become 504,
// everything else 502.
func (p *Proxy) writeTransportError(w http.ResponseWriter, r *http.Request, err error) {
	if isTimeout(err) {
		p.writeError(w, r, http.StatusGatewayTimeout, MsgTimeout, err)
		return
	}
	p.writeError(w, r, http.StatusBadGateway, MsgConnectFailed, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr interface{ Timeout() bool }
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (p *Proxy) writeError(w http.ResponseWriter, r *http.Request, status int, msg string, cause error) {
	attrs := []any{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	p.logger.Warn("proxy error", attrs...)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// drain discards a response we will not relay so its connection can be
// reused for the replay.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
