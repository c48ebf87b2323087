// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/sdmg/gateway/internal/apikey"
	"github.com/sdmg/gateway/internal/store"
)

// backgroundWriteTimeout bounds fire-and-forget writes (key touches, log
// rows) so they cannot pile up behind a stalled database.
const backgroundWriteTimeout = 5 * time.Second

// requestID assigns every request an id, honoring one the caller brought.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, rid)))
	})
}

// recovery turns handler panics into a 500 envelope. http.ErrAbortHandler
// passes through; it is how net/http signals a torn-down client connection.
func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				s.logger.Error("panic in handler",
					slog.Any("panic", rec),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())))
				writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// observe records the request counter and duration histogram for every
// request, including ones rejected before authentication.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newRecorder(w)
		next.ServeHTTP(rec, r)
		s.metrics.RecordRequest(r.Context(),
			chi.RouteContext(r.Context()).RoutePattern(), r.Method, rec.Status(), time.Since(start))
	})
}

// rateLimit enforces the per-key proxy quota before any database work.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.Allow(limiterKey(r)) {
			writeError(w, http.StatusTooManyRequests, "Too many requests", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limiterKey buckets by the presented API key when it has the right shape,
// so a tenant's quota follows the key wherever it calls from. Everything
// else shares a per-address bucket. RemoteAddr is used as-is; forwarded-for
// headers are caller-controlled and would let a client mint fresh buckets.
func limiterKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); apikey.WellFormed(key) {
		return "key:" + apikey.Hash(key)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// authenticate is the key check every data-plane route sits behind. The hash
// is computed before the lookup so the two failure shapes cost the same.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		if key == "" {
			writeError(w, http.StatusUnauthorized, "API key required", "MISSING_KEY")
			return
		}
		if !apikey.WellFormed(key) {
			writeError(w, http.StatusUnauthorized, "Invalid API key format", "BAD_FORMAT")
			return
		}
		row, err := s.store.LookupAPIKey(r.Context(), apikey.Hash(key))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid API key", "INVALID")
			return
		}
		if err != nil {
			s.logger.Error("api key lookup failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
			return
		}
		switch {
		case !row.Token.Active:
			writeError(w, http.StatusUnauthorized, "API key is deactivated", "DEACTIVATED")
			return
		case row.Token.ExpiresAt.Valid && row.Token.ExpiresAt.Time.Before(time.Now()):
			writeError(w, http.StatusUnauthorized, "API key has expired", "EXPIRED")
			return
		case !row.TenantActive:
			writeError(w, http.StatusForbidden, "Tenant is deactivated", "TENANT_DEACTIVATED")
			return
		case !row.Conn.Active:
			writeError(w, http.StatusForbidden, "Connection is deactivated", "CONN_DEACTIVATED")
			return
		}

		go s.touchKey(row.Token.ID)

		id := &Identity{
			TokenID:  row.Token.ID,
			UserID:   row.Token.UserID,
			TenantID: row.Token.TenantID,
			Conn:     &row.Conn,
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// touchKey records one key use. Never on the request path.
func (s *Server) touchKey(tokenID string) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
	defer cancel()
	if err := s.store.TouchAPIKey(ctx, tokenID); err != nil {
		s.logger.Debug("touch api key", slog.String("token_id", tokenID), slog.String("error", err.Error()))
	}
}

// logRequests persists one inbound row per data-plane request after the
// response ends, and feeds the upstream-duration histogram for proxy routes.
// Runs after authentication so every row carries a tenant.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFrom(r.Context())
		meta := &requestMeta{}
		rec := newRecorder(w)
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), metaKey, meta)))
		elapsed := time.Since(start)

		if meta.UpstreamTarget != "" {
			s.metrics.RecordUpstream(r.Context(), meta.UpstreamTarget, rec.Status(), elapsed)
		}

		row := &store.RequestLog{
			TenantID:     id.TenantID,
			TokenID:      nullString(id.TokenID),
			ConnectionID: nullString(id.Conn.ID),
			Direction:    store.DirectionInbound,
			Target:       nullString(routeTarget(chi.RouteContext(r.Context()).RoutePattern())),
			Method:       r.Method,
			Path:         r.URL.Path,
			TargetURL:    nullString(meta.TargetURL),
			StatusCode:   rec.Status(),
			RequestSize:  max(r.ContentLength, 0),
			ResponseSize: rec.Bytes(),
			DurationMS:   elapsed.Milliseconds(),
			ErrorMessage: nullString(rec.ErrorMessage()),
			Headers:      headerSnapshot(r.Header),
		}
		go s.appendLogs(row)
	})
}

// appendLogs writes rows outside the request path, stopping at the first
// failure; a logging outage must never become request latency.
func (s *Server) appendLogs(rows ...*store.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
	defer cancel()
	for _, row := range rows {
		if err := s.store.AppendRequestLog(ctx, row); err != nil {
			s.logger.Debug("append request log", slog.String("error", err.Error()))
			return
		}
	}
}

// routeTarget maps a route pattern to the stored target label.
func routeTarget(pattern string) string {
	switch {
	case strings.Contains(pattern, "/dm/"):
		return store.TargetSAPDM
	case strings.Contains(pattern, "/agent/"):
		return store.TargetAgent
	default:
		return ""
	}
}

// loggedHeaders is the allow-list persisted with each row. Credentials are
// redacted, not dropped, so their presence stays visible.
var loggedHeaders = []string{
	"content-type", "user-agent", "accept", "x-correlation-id", "authorization", "x-api-key",
}

func headerSnapshot(h http.Header) store.StringMap {
	snap := make(store.StringMap, len(loggedHeaders))
	for _, k := range loggedHeaders {
		v := h.Get(k)
		if v == "" {
			continue
		}
		if k == "authorization" || k == "x-api-key" {
			v = "[REDACTED]"
		}
		snap[k] = v
	}
	return snap
}

// response recorder

// errSnippetCap bounds how much of an error response body is retained for
// the log row.
const errSnippetCap = 2048

// recorder captures status and byte count on the way through, plus the
// leading bytes of error responses so the envelope message can be logged.
type recorder struct {
	http.ResponseWriter
	status  int
	bytes   int64
	wrote   bool
	snippet []byte
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w}
}

func (rec *recorder) WriteHeader(code int) {
	if !rec.wrote {
		rec.status = code
		rec.wrote = true
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if !rec.wrote {
		rec.status = http.StatusOK
		rec.wrote = true
	}
	if rec.status >= 400 && len(rec.snippet) < errSnippetCap {
		rec.snippet = append(rec.snippet, b[:min(len(b), errSnippetCap-len(rec.snippet))]...)
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

func (rec *recorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *recorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

func (rec *recorder) Status() int {
	if !rec.wrote {
		return http.StatusOK
	}
	return rec.status
}

func (rec *recorder) Bytes() int64 { return rec.bytes }

// ErrorMessage extracts the envelope message from a captured error body.
// Non-envelope bodies (an upstream's own error shape) yield nothing.
func (rec *recorder) ErrorMessage() string {
	if rec.Status() < 400 || len(rec.snippet) == 0 {
		return ""
	}
	return gjson.GetBytes(rec.snippet, "error").String()
}
