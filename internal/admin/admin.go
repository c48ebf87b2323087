// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package admin is the management surface: the JWT-protected /api routes
// operators use to sign in, configure connections and API keys, import
// definitions, maintain use-case templates, inspect request logs, and test
// upstream calls interactively.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/sdmg/gateway/internal/adminauth"
	"github.com/sdmg/gateway/internal/config"
	"github.com/sdmg/gateway/internal/executor"
	"github.com/sdmg/gateway/internal/metrics"
	"github.com/sdmg/gateway/internal/ratelimit"
	"github.com/sdmg/gateway/internal/store"
)

// Store is the persistence slice the management surface works on. Every
// method is tenant-scoped; the connection accessors are additionally
// owner-scoped.
type Store interface {
	UserByEmail(ctx context.Context, email string) (*store.User, error)

	ListConnections(ctx context.Context, tenantID string) ([]store.Connection, error)
	ConnectionForUser(ctx context.Context, id, userID, tenantID string) (*store.Connection, error)
	CreateConnection(ctx context.Context, c *store.Connection) error
	UpdateConnection(ctx context.Context, c *store.Connection) error
	DeactivateConnection(ctx context.Context, id, userID, tenantID string) error
	UpsertAssignments(ctx context.Context, connectionID string, definitionIDs []string) error

	CreateToken(ctx context.Context, t *store.APIToken) error
	ListTokens(ctx context.Context, tenantID string) ([]store.APIToken, error)
	DeactivateToken(ctx context.Context, id, tenantID string) error

	ListDefinitions(ctx context.Context, tenantID string, f store.DefinitionFilter) ([]store.Definition, int, error)
	ImportDefinitions(ctx context.Context, defs []store.Definition) (int, error)

	ListUseCases(ctx context.Context, tenantID string) ([]store.UseCase, error)
	CreateUseCase(ctx context.Context, u *store.UseCase) error

	ListRequestLogs(ctx context.Context, tenantID string, f store.RequestLogFilter) ([]store.RequestLog, int, error)
	RequestLogStats(ctx context.Context, tenantID string, days int) ([]store.RequestLogStat, error)
}

// Secrets seals connection credentials before they reach the store.
type Secrets interface {
	Encrypt(plaintext string) (string, error)
}

// URLChecker vets operator-supplied upstream URLs before they are saved.
type URLChecker interface {
	Validate(ctx context.Context, raw string) error
}

// Explorer issues one interactive test call against a connection.
type Explorer interface {
	Execute(ctx context.Context, conn *store.Connection, req executor.Request) (*executor.Result, error)
}

// Invalidator drops a connection's cached upstream bearer. Wired to the
// token cache so credential updates take effect immediately.
type Invalidator interface {
	Invalidate(connectionID string)
}

// Deps are the collaborators a Server is wired with. Tokens may be nil.
type Deps struct {
	Store    Store
	Secrets  Secrets
	URLs     URLChecker
	Explorer Explorer
	Tokens   Invalidator
	Issuer   *adminauth.Issuer
	Metrics  *metrics.Gateway
}

// Server is the management HTTP server.
type Server struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       Store
	secrets     Secrets
	urls        URLChecker
	explorer    Explorer
	tokens      Invalidator
	issuer      *adminauth.Issuer
	metrics     *metrics.Gateway
	userLimits  *ratelimit.Pool
	loginLimits *ratelimit.Pool
}

// New builds a Server. A nil logger falls back to stderr.
func New(cfg *config.Config, logger *slog.Logger, d Deps) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Server{
		cfg:         cfg,
		logger:      logger,
		store:       d.Store,
		secrets:     d.Secrets,
		urls:        d.URLs,
		explorer:    d.Explorer,
		tokens:      d.Tokens,
		issuer:      d.Issuer,
		metrics:     d.Metrics,
		userLimits:  ratelimit.NewPool(cfg.RateLimitAPI),
		loginLimits: ratelimit.NewPool(cfg.RateLimitLogin),
	}
}

// Routes assembles the /api router. Login and refresh are open (login
// address-limited); everything else requires a valid access token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", "NOT_FOUND")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "METHOD_NOT_ALLOWED")
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requestID, s.recovery, s.observe)
		if len(s.cfg.AllowedOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   s.cfg.AllowedOrigins,
				AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
				ExposedHeaders:   []string{"X-Request-Id"},
				AllowCredentials: true,
				MaxAge:           300,
			}))
		}
		r.Route("/auth", func(r chi.Router) {
			r.With(s.rateLimitLogin).Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
			r.With(s.authenticate).Post("/logout", s.handleLogout)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate, s.rateLimitUser)
			r.Route("/connections", func(r chi.Router) {
				r.Get("/", s.handleListConnections)
				r.Post("/", s.handleCreateConnection)
				r.Get("/{id}", s.handleGetConnection)
				r.Put("/{id}", s.handleUpdateConnection)
				r.Delete("/{id}", s.handleDeleteConnection)
				r.Post("/{id}/assignments", s.handleUpsertAssignments)
			})
			r.Route("/keys", func(r chi.Router) {
				r.Get("/", s.handleListKeys)
				r.Post("/", s.handleMintKey)
				r.Delete("/{id}", s.handleDeactivateKey)
			})
			r.Route("/definitions", func(r chi.Router) {
				r.Get("/", s.handleListDefinitions)
				r.Post("/import", s.handleImportDefinitions)
			})
			r.Route("/use-cases", func(r chi.Router) {
				r.Get("/", s.handleListUseCases)
				r.Post("/", s.handleCreateUseCase)
			})
			r.Route("/logs", func(r chi.Router) {
				r.Get("/", s.handleListLogs)
				r.Get("/stats", s.handleLogStats)
			})
			r.Post("/explorer/execute", s.handleExplorerExecute)
		})
	})
	return r
}

// session is what authentication attaches to the request context.
type session struct {
	userID   string
	tenantID string
	claims   *adminauth.Claims
}

type ctxKey int

const sessionKey ctxKey = 0

func withSession(ctx context.Context, sess *session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

func sessionFrom(ctx context.Context) *session {
	sess, _ := ctx.Value(sessionKey).(*session)
	return sess
}
