// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sdmg/gateway/internal/adminauth"
)

// maxBodyBytes caps management request bodies.
const maxBodyBytes = 1 << 20

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r)
	})
}

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

// observe feeds the shared request metrics so /api traffic shows up next to
// /gw traffic.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		s.metrics.RecordRequest(r.Context(),
			chi.RouteContext(r.Context()).RoutePattern(), r.Method, sw.Status(), time.Since(start))
	})
}

// authenticate requires a valid access token and attaches the session.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required", "MISSING_TOKEN")
			return
		}
		claims, err := s.issuer.Verify(raw, adminauth.TypeAccess)
		if err != nil {
			msg, code := authFailure(err)
			writeError(w, http.StatusUnauthorized, msg, code)
			return
		}
		sess := &session{userID: claims.Subject, tenantID: claims.TenantID, claims: claims}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
	})
}

func authFailure(err error) (msg, code string) {
	switch {
	case errors.Is(err, adminauth.ErrTokenExpired):
		return "Token has expired", "TOKEN_EXPIRED"
	case errors.Is(err, adminauth.ErrTokenRevoked):
		return "Token has been revoked", "TOKEN_REVOKED"
	default:
		return "Invalid token", "TOKEN_INVALID"
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// rateLimitUser buckets authenticated requests per user.
func (s *Server) rateLimitUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r.Context())
		if !s.userLimits.Allow("user:" + sess.userID) {
			writeError(w, http.StatusTooManyRequests, "Too many requests", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitLogin buckets login attempts per client address, before any
// credential check runs.
func (s *Server) rateLimitLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.loginLimits.Allow("ip:" + host) {
			writeError(w, http.StatusTooManyRequests, "Too many login attempts", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the response status for the metrics middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

func (sw *statusWriter) Status() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

// validate checks payload tags. Field names in messages come from json tags
// so they match what the caller actually sent.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "url":
		return fe.Field() + " must be a valid URL"
	case "email":
		return fe.Field() + " must be a valid email address"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at least %s entries", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at most %s entries", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// decodeValid parses and validates a JSON body. False means the 400 has
// been written.
func decodeValid(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Request body is not valid JSON", "INVALID_BODY")
		return false
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = validationMessage(fe)
			}
			writeError(w, http.StatusBadRequest, "Validation failed: "+strings.Join(msgs, "; "), "VALIDATION_FAILED")
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", "VALIDATION_FAILED")
		return false
	}
	return true
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, apiError{Error: message, Code: code})
}
