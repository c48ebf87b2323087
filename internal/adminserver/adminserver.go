// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package adminserver is the operational HTTP surface on the admin port:
// Prometheus metrics, a database-backed health probe, and the pprof
// handlers. It is meant for the orchestration platform, not for tenants,
// and must not be exposed publicly.
package adminserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DisablePprofEnvVar disables the pprof handlers when set to any value.
// Profiling is on by default; the endpoints cost nothing until scraped.
const DisablePprofEnvVar = "DISABLE_PPROF"

// healthTimeout bounds the database ping behind /health.
const healthTimeout = time.Second

// Pinger reports backend reachability; wired to the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler assembles the admin mux: /metrics from registry, /health from db,
// and /debug/pprof/* unless DISABLE_PPROF is set.
func Handler(logger *slog.Logger, registry prometheus.Gatherer, db Pinger) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			logger.Warn("health probe failed", slog.String("error", err.Error()))
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	if _, ok := os.LookupEnv(DisablePprofEnvVar); !ok {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}
