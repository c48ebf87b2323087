// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) LookupEnv {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

var minimalEnv = map[string]string{
	"DATABASE_URL":   "postgres://gw:gw@localhost:5432/gw",
	"ENCRYPTION_KEY": "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	"JWT_SECRET":     "test-secret",
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(lookupFrom(minimalEnv))
	require.NoError(t, err)
	require.Equal(t, 3000, c.Port)
	require.Equal(t, 1064, c.AdminPort)
	require.Equal(t, "development", c.Environment)
	require.True(t, c.Dev())
	require.Equal(t, "local", c.EncryptionMode)
	require.Equal(t, 15*time.Minute, c.JWTAccessExpiry)
	require.Equal(t, 7*24*time.Hour, c.JWTRefreshExpiry)
	require.Equal(t, 120*time.Second, c.UpstreamTimeout)
	require.Equal(t, 30*time.Second, c.ExplorerTimeout)
	require.Equal(t, 100, c.RateLimitProxy)
	require.Equal(t, 120, c.RateLimitAPI)
	require.Equal(t, 5, c.RateLimitLogin)
	require.Equal(t, 30, c.LogRetentionDays)
	require.Empty(t, c.AllowedOrigins)
	require.Equal(t, slog.LevelInfo, c.LogLevel)
	require.Empty(t, c.DefinitionsDir)
}

func TestLoadOverrides(t *testing.T) {
	env := map[string]string{
		"PORT":               "8080",
		"ADMIN_PORT":         "9090",
		"ENVIRONMENT":        "production",
		"JWT_ACCESS_EXPIRY":  "5m",
		"JWT_REFRESH_EXPIRY": "30d",
		"UPSTREAM_TIMEOUT":   "45s",
		"EXPLORER_TIMEOUT":   "1m",
		"RATE_LIMIT_PROXY":   "10",
		"RATE_LIMIT_API":     "20",
		"RATE_LIMIT_LOGIN":   "3",
		"LOG_RETENTION_DAYS": "7",
		"ALLOWED_ORIGINS":    "https://a.example.com, https://b.example.com",
		"LOG_LEVEL":          "debug",
		"DEFINITIONS_DIR":    "/etc/dmgw/definitions",
		"DEV_ADMIN_EMAIL":    "admin@example.com",
		"DEV_ADMIN_PASSWORD": "changeme",
	}
	for k, v := range minimalEnv {
		env[k] = v
	}
	c, err := Load(lookupFrom(env))
	require.NoError(t, err)
	require.Equal(t, 8080, c.Port)
	require.Equal(t, 9090, c.AdminPort)
	require.False(t, c.Dev())
	require.Equal(t, 5*time.Minute, c.JWTAccessExpiry)
	require.Equal(t, 30*24*time.Hour, c.JWTRefreshExpiry)
	require.Equal(t, 45*time.Second, c.UpstreamTimeout)
	require.Equal(t, time.Minute, c.ExplorerTimeout)
	require.Equal(t, 10, c.RateLimitProxy)
	require.Equal(t, 20, c.RateLimitAPI)
	require.Equal(t, 3, c.RateLimitLogin)
	require.Equal(t, 7, c.LogRetentionDays)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, c.AllowedOrigins)
	require.Equal(t, slog.LevelDebug, c.LogLevel)
	require.Equal(t, "/etc/dmgw/definitions", c.DefinitionsDir)
	require.Equal(t, "admin@example.com", c.DevAdminEmail)
	require.Equal(t, "changeme", c.DevAdminPassword)
}

func TestLoadJoinsAllErrors(t *testing.T) {
	env := map[string]string{
		"PORT":              "not-a-number",
		"JWT_ACCESS_EXPIRY": "soon",
		"LOG_LEVEL":         "verbose",
		"ENCRYPTION_MODE":   "kms",
	}
	_, err := Load(lookupFrom(env))
	require.Error(t, err)
	// every problem is reported in one pass
	require.ErrorContains(t, err, "PORT")
	require.ErrorContains(t, err, "JWT_ACCESS_EXPIRY")
	require.ErrorContains(t, err, "LOG_LEVEL")
	require.ErrorContains(t, err, `ENCRYPTION_MODE "kms" is not supported`)
	require.ErrorContains(t, err, "DATABASE_URL must be set")
	require.ErrorContains(t, err, "ENCRYPTION_KEY must be set")
	require.ErrorContains(t, err, "JWT_SECRET must be set")
}
