// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/sdmg/gateway/internal/admin"
	"github.com/sdmg/gateway/internal/adminauth"
	"github.com/sdmg/gateway/internal/adminserver"
	"github.com/sdmg/gateway/internal/autoresolver"
	"github.com/sdmg/gateway/internal/config"
	"github.com/sdmg/gateway/internal/defsbundle"
	"github.com/sdmg/gateway/internal/executor"
	"github.com/sdmg/gateway/internal/gateway"
	"github.com/sdmg/gateway/internal/metrics"
	"github.com/sdmg/gateway/internal/orchestrator"
	"github.com/sdmg/gateway/internal/proxy"
	"github.com/sdmg/gateway/internal/revocation"
	"github.com/sdmg/gateway/internal/store"
	"github.com/sdmg/gateway/internal/tokencache"
	"github.com/sdmg/gateway/internal/urlcheck"
	"github.com/sdmg/gateway/internal/vault"
	"github.com/sdmg/gateway/internal/version"
)

const (
	// tokenFetchTimeout bounds one token-endpoint round-trip.
	tokenFetchTimeout = 10 * time.Second
	// bundleWatchTick is how often the definitions bundle is re-checked.
	bundleWatchTick = 5 * time.Second
	// pruneInterval is how often expired request logs are removed.
	pruneInterval = 24 * time.Hour
	// shutdownGrace bounds graceful server shutdown after a signal.
	shutdownGrace = 5 * time.Second
)

// run wires the whole gateway and serves until ctx is canceled.
func run(ctx context.Context, c cmdRun, stdout, stderr io.Writer) error {
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := newLogger(cfg, c.Debug, stderr)
	logger.Info("starting SDMG gateway",
		slog.String("version", version.String()),
		slog.Int("port", cfg.Port),
		slog.Int("admin_port", cfg.AdminPort),
		slog.String("environment", cfg.Environment))

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.SeedTenants(ctx); err != nil {
		return err
	}
	if err := seedDevAdmin(ctx, cfg, st, logger); err != nil {
		return err
	}

	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	// Every upstream-bound socket dials through the checker, so an address
	// that turned private after validation still cannot be reached.
	checker := urlcheck.New(nil, cfg.Dev())
	upstreamClient := proxy.NewHTTPClient(checker)

	tokens := tokencache.New(upstreamCredentials(st, v), &http.Client{
		Transport: upstreamClient.Transport,
		Timeout:   tokenFetchTimeout,
	})

	promRegistry := prometheus.NewRegistry()
	promReader, err := otelprom.New(otelprom.WithRegisterer(promRegistry))
	if err != nil {
		return fmt.Errorf("create prometheus reader: %w", err)
	}
	meter, metricsShutdown, err := metrics.NewMetricsFromEnv(ctx, stdout, promReader)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = metricsShutdown(shutdownCtx)
	}()
	gwMetrics := metrics.NewGateway(meter)
	tokens.OnLookup = func(hit bool) { gwMetrics.RecordTokenCacheLookup(context.Background(), hit) }

	exec := executor.New(tokens, upstreamClient, logger, cfg.ExplorerTimeout)
	orch := orchestrator.New(st, exec, logger)
	resolver := autoresolver.New(st, logger)

	revoked := revocation.NewSet()
	revoked.Start(ctx, revocation.SweepInterval, logger)
	issuer := adminauth.New(cfg.JWTSecret, cfg.JWTAccessExpiry, cfg.JWTRefreshExpiry, revoked)

	if cfg.DefinitionsDir != "" {
		if err := defsbundle.StartWatcher(ctx, st, store.DefaultTenantID, cfg.DefinitionsDir, logger, bundleWatchTick); err != nil {
			return err
		}
	}

	gw := gateway.New(cfg, logger, gateway.Deps{
		Store:    st,
		Tokens:   tokens,
		Secrets:  v,
		Proxy:    proxy.New(checker, logger, cfg.UpstreamTimeout),
		Runner:   orch,
		Resolver: resolver,
		Metrics:  gwMetrics,
	})
	if err := gwMetrics.ObserveRateLimiters(gw.LimiterCount); err != nil {
		return fmt.Errorf("register rate limiter gauge: %w", err)
	}

	mgmt := admin.New(cfg, logger, admin.Deps{
		Store:    st,
		Secrets:  v,
		URLs:     checker,
		Explorer: exec,
		Tokens:   tokens,
		Issuer:   issuer,
		Metrics:  gwMetrics,
	})

	root := http.NewServeMux()
	root.Handle("/gw/", gw.Routes())
	root.Handle("/api/", mgmt.Routes())

	go pruneLogs(ctx, st, cfg, logger)

	servers := []*http.Server{
		{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
		},
		{
			Addr:              fmt.Sprintf(":%d", cfg.AdminPort),
			Handler:           adminserver.Handler(logger, promRegistry, st),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	return serve(ctx, logger, servers)
}

// serve runs every server until one fails or ctx is canceled, then shuts
// them all down with a bounded grace period.
func serve(ctx context.Context, logger *slog.Logger, servers []*http.Server) error {
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			logger.Info("listening", slog.String("address", srv.Addr))
			errCh <- srv.ListenAndServe()
		}()
	}

	var failure error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			failure = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.String("address", srv.Addr), slog.String("error", err.Error()))
		}
	}
	if failure == nil {
		logger.Info("gateway shut down gracefully")
	}
	return failure
}

// newLogger follows the environment: human-readable text in development,
// JSON elsewhere. --debug wins over LOG_LEVEL.
func newLogger(cfg *config.Config, debug bool, stderr io.Writer) *slog.Logger {
	level := cfg.LogLevel
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Dev() {
		return slog.New(slog.NewTextHandler(stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(stderr, opts))
}

// upstreamCredentials resolves a connection id to decrypted OAuth2
// credentials for the token cache. The secret lives only for the fetch.
func upstreamCredentials(st *store.Store, v *vault.Vault) tokencache.Source {
	return tokencache.SourceFunc(func(ctx context.Context, connectionID string) (tokencache.Credentials, error) {
		conn, err := st.ConnectionByID(ctx, connectionID)
		if err != nil {
			return tokencache.Credentials{}, err
		}
		secret, err := v.Decrypt(conn.ClientSecretEnc)
		if err != nil {
			return tokencache.Credentials{}, fmt.Errorf("decrypt client secret for connection %s: %w", connectionID, err)
		}
		return tokencache.Credentials{
			ConnectionID: connectionID,
			TokenURL:     conn.TokenURL,
			ClientID:     conn.ClientID,
			ClientSecret: secret,
		}, nil
	})
}

// seedDevAdmin provisions the development sign-in account when configured.
// Production deployments provision users out of band.
func seedDevAdmin(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) error {
	if !cfg.Dev() || cfg.DevAdminEmail == "" || cfg.DevAdminPassword == "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.DevAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash dev admin password: %w", err)
	}
	err = st.CreateUser(ctx, &store.User{
		TenantID:     store.DefaultTenantID,
		Email:        cfg.DevAdminEmail,
		PasswordHash: string(hash),
		Role:         "admin",
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err == nil {
		logger.Info("seeded development admin user", slog.String("email", cfg.DevAdminEmail))
	}
	return err
}

// pruneLogs removes request logs past the retention horizon, once at
// startup and then daily.
func pruneLogs(ctx context.Context, st *store.Store, cfg *config.Config, logger *slog.Logger) {
	retention := time.Duration(cfg.LogRetentionDays) * 24 * time.Hour
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if removed, err := st.PruneRequestLogs(ctx, retention); err != nil {
			logger.Error("prune request logs", slog.String("error", err.Error()))
		} else if removed > 0 {
			logger.Info("pruned request logs", slog.Int64("removed", removed))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
