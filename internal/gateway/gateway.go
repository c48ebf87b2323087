// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gateway is the data plane: the /gw HTTP surface tenants call with
// an API key. It authenticates keys, rate-limits per key, proxies single
// requests to the connection's SAP Digital Manufacturing upstream or its
// agent endpoint, and runs orchestrated multi-call plans.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/sdmg/gateway/internal/autoresolver"
	"github.com/sdmg/gateway/internal/config"
	"github.com/sdmg/gateway/internal/metrics"
	"github.com/sdmg/gateway/internal/orchestrator"
	"github.com/sdmg/gateway/internal/proxy"
	"github.com/sdmg/gateway/internal/ratelimit"
	"github.com/sdmg/gateway/internal/store"
)

// Store is the slice of persistence the data plane touches.
type Store interface {
	LookupAPIKey(ctx context.Context, tokenHash string) (*store.AuthRow, error)
	TouchAPIKey(ctx context.Context, tokenID string) error
	AppendRequestLog(ctx context.Context, r *store.RequestLog) error
	UseCaseBySlug(ctx context.Context, tenantID, slug string) (*store.UseCase, error)
}

// TokenSource hands out cached upstream bearers for a connection.
type TokenSource interface {
	Token(ctx context.Context, connectionID string) (string, error)
	Invalidate(connectionID string)
}

// Secrets opens stored credential envelopes.
type Secrets interface {
	Decrypt(encrypted string) (string, error)
}

// Forwarder streams one exchange between the caller and an upstream.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, t proxy.Target)
}

// PlanRunner executes orchestration plans against a connection.
type PlanRunner interface {
	Run(ctx context.Context, conn *store.Connection, plan orchestrator.Plan) (*orchestrator.RunResult, error)
}

// PlanResolver compiles a slug list into an executable plan.
type PlanResolver interface {
	Resolve(ctx context.Context, tenantID string, slugs []string, contextVals map[string]string, overrides store.OverrideMap) (*autoresolver.Resolution, error)
}

// Deps are the collaborators a Server is wired with.
type Deps struct {
	Store    Store
	Tokens   TokenSource
	Secrets  Secrets
	Proxy    Forwarder
	Runner   PlanRunner
	Resolver PlanResolver
	Metrics  *metrics.Gateway
}

// Server is the data-plane HTTP server.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    Store
	tokens   TokenSource
	secrets  Secrets
	proxy    Forwarder
	runner   PlanRunner
	resolver PlanResolver
	metrics  *metrics.Gateway
	limiters *ratelimit.Pool
}

// New builds a Server. A nil logger falls back to stderr.
func New(cfg *config.Config, logger *slog.Logger, d Deps) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		store:    d.Store,
		tokens:   d.Tokens,
		secrets:  d.Secrets,
		proxy:    d.Proxy,
		runner:   d.Runner,
		resolver: d.Resolver,
		metrics:  d.Metrics,
		limiters: ratelimit.NewPool(cfg.RateLimitProxy),
	}
}

// Routes assembles the /gw router. Health is open; everything else passes
// rate limiting, key authentication and request logging.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", "NOT_FOUND")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "METHOD_NOT_ALLOWED")
	})
	r.Route("/gw", func(r chi.Router) {
		r.Use(s.requestID, s.recovery, s.observe)
		r.Get("/health", s.handleHealth)
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit, s.authenticate, s.logRequests)
			r.Handle("/dm/*", http.HandlerFunc(s.handleDM))
			r.Post("/agent/*", s.handleAgent)
			r.Post("/query", s.handleQuery)
			r.Post("/use-case/{slug}", s.handleUseCase)
		})
	})
	return r
}

// LimiterCount reports the live per-key limiter count, for the gauge.
func (s *Server) LimiterCount() int64 { return int64(s.limiters.Len()) }

// Identity is what key authentication attaches to the request context.
type Identity struct {
	TokenID  string
	UserID   string
	TenantID string
	Conn     *store.Connection
}

type ctxKey int

const (
	identityKey ctxKey = iota
	requestIDKey
	metaKey
)

func withIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the authenticated identity, nil before authentication.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// RequestIDFrom returns the request id assigned by the middleware chain.
func RequestIDFrom(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey).(string)
	return rid
}

// requestMeta is filled in by handlers for the logging middleware to read
// once the response has ended. One goroutine writes, the same request's
// middleware reads after ServeHTTP returns.
type requestMeta struct {
	TargetURL      string
	UpstreamTarget string
}

func metaFrom(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(metaKey).(*requestMeta)
	return m
}
