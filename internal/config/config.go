// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// LookupEnv mirrors os.LookupEnv so tests can inject a fake environment.
type LookupEnv func(key string) (string, bool)

// Config carries every tunable the gateway reads at startup. Values are
// resolved once in Load; packages receive the struct, never the environment.
type Config struct {
	// Port is the gateway listen port serving /gw and /api.
	Port int
	// AdminPort is the operational listen port serving /metrics, /health and pprof.
	AdminPort int
	// Environment is "development" unless overridden. Development permits
	// plaintext http upstreams and switches logs to the text handler.
	Environment string
	// DatabaseURL is the PostgreSQL DSN. Required.
	DatabaseURL string
	// EncryptionMode selects the secret-at-rest scheme. Only "local" is implemented.
	EncryptionMode string
	// EncryptionKey is the 64-char hex AES-256 key protecting client secrets. Required.
	EncryptionKey string
	// JWTSecret signs management access and refresh tokens. Required.
	JWTSecret string
	// JWTAccessExpiry bounds management access tokens.
	JWTAccessExpiry time.Duration
	// JWTRefreshExpiry bounds management refresh tokens.
	JWTRefreshExpiry time.Duration
	// UpstreamTimeout bounds a single proxied upstream exchange.
	UpstreamTimeout time.Duration
	// ExplorerTimeout bounds a single explorer execution.
	ExplorerTimeout time.Duration
	// RateLimitProxy is the per-key /gw request budget per minute.
	RateLimitProxy int
	// RateLimitAPI is the per-user /api request budget per minute.
	RateLimitAPI int
	// RateLimitLogin is the per-address login attempt budget per minute.
	RateLimitLogin int
	// LogRetentionDays bounds how long request logs are kept.
	LogRetentionDays int
	// AllowedOrigins is the CORS allowlist for the management surface.
	AllowedOrigins []string
	// LogLevel is the minimum slog level.
	LogLevel slog.Level
	// DefinitionsDir, when set, is imported at startup and watched for changes.
	DefinitionsDir string
	// DevAdminEmail/DevAdminPassword seed a management user at startup.
	// Honored in development only; production users are provisioned out of band.
	DevAdminEmail    string
	DevAdminPassword string
}

const (
	defaultPort             = 3000
	defaultAdminPort        = 1064
	defaultEnvironment      = "development"
	defaultEncryptionMode   = "local"
	defaultJWTAccessExpiry  = 15 * time.Minute
	defaultJWTRefreshExpiry = 7 * 24 * time.Hour
	defaultUpstreamTimeout  = 120 * time.Second
	defaultExplorerTimeout  = 30 * time.Second
	defaultRateLimitProxy   = 100
	defaultRateLimitAPI     = 120
	defaultRateLimitLogin   = 5
	defaultLogRetentionDays = 30
)

// Load resolves the configuration from lookup, applying defaults and
// validating required values. All problems are joined into a single error so
// a misconfigured deployment reports everything at once.
func Load(lookup LookupEnv) (*Config, error) {
	c := &Config{
		Port:             defaultPort,
		AdminPort:        defaultAdminPort,
		Environment:      defaultEnvironment,
		EncryptionMode:   defaultEncryptionMode,
		JWTAccessExpiry:  defaultJWTAccessExpiry,
		JWTRefreshExpiry: defaultJWTRefreshExpiry,
		UpstreamTimeout:  defaultUpstreamTimeout,
		ExplorerTimeout:  defaultExplorerTimeout,
		RateLimitProxy:   defaultRateLimitProxy,
		RateLimitAPI:     defaultRateLimitAPI,
		RateLimitLogin:   defaultRateLimitLogin,
		LogRetentionDays: defaultLogRetentionDays,
		LogLevel:         slog.LevelInfo,
	}

	var errs []error
	intVar(lookup, "PORT", &c.Port, &errs)
	intVar(lookup, "ADMIN_PORT", &c.AdminPort, &errs)
	stringVar(lookup, "ENVIRONMENT", &c.Environment)
	stringVar(lookup, "DATABASE_URL", &c.DatabaseURL)
	stringVar(lookup, "ENCRYPTION_MODE", &c.EncryptionMode)
	stringVar(lookup, "ENCRYPTION_KEY", &c.EncryptionKey)
	stringVar(lookup, "JWT_SECRET", &c.JWTSecret)
	durationVar(lookup, "JWT_ACCESS_EXPIRY", &c.JWTAccessExpiry, &errs)
	durationVar(lookup, "JWT_REFRESH_EXPIRY", &c.JWTRefreshExpiry, &errs)
	durationVar(lookup, "UPSTREAM_TIMEOUT", &c.UpstreamTimeout, &errs)
	durationVar(lookup, "EXPLORER_TIMEOUT", &c.ExplorerTimeout, &errs)
	intVar(lookup, "RATE_LIMIT_PROXY", &c.RateLimitProxy, &errs)
	intVar(lookup, "RATE_LIMIT_API", &c.RateLimitAPI, &errs)
	intVar(lookup, "RATE_LIMIT_LOGIN", &c.RateLimitLogin, &errs)
	intVar(lookup, "LOG_RETENTION_DAYS", &c.LogRetentionDays, &errs)
	stringVar(lookup, "DEFINITIONS_DIR", &c.DefinitionsDir)
	stringVar(lookup, "DEV_ADMIN_EMAIL", &c.DevAdminEmail)
	stringVar(lookup, "DEV_ADMIN_PASSWORD", &c.DevAdminPassword)

	if raw, ok := lookup("ALLOWED_ORIGINS"); ok && raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, origin)
			}
		}
	}
	if raw, ok := lookup("LOG_LEVEL"); ok {
		if err := c.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		}
	}

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must be set"))
	}
	if c.EncryptionMode != "local" {
		errs = append(errs, fmt.Errorf("ENCRYPTION_MODE %q is not supported, only \"local\"", c.EncryptionMode))
	}
	if c.EncryptionKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY must be set"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Dev reports whether the gateway runs with development relaxations.
func (c *Config) Dev() bool { return c.Environment == "development" }

func stringVar(lookup LookupEnv, key string, dst *string) {
	if raw, ok := lookup(key); ok && raw != "" {
		*dst = raw
	}
}

func intVar(lookup LookupEnv, key string, dst *int, errs *[]error) {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = v
}

// durationVar accepts both plain Go durations ("90s") and the extended day
// syntax ("7d") used by deployment manifests.
func durationVar(lookup LookupEnv, key string, dst *time.Duration, errs *[]error) {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return
	}
	v, err := str2duration.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = v
}
