// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package defsbundle

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sdmg/gateway/internal/store"
)

// syncRecorder is importRecorder plus locking; the watcher imports from its
// own goroutine.
type syncRecorder struct {
	mu    sync.Mutex
	calls int
	last  []store.Definition
}

func (r *syncRecorder) ImportDefinitions(_ context.Context, defs []store.Definition) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = defs
	return len(defs), nil
}

func (r *syncRecorder) snapshot() (int, []store.Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, r.last
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartWatcherInitialImportFails(t *testing.T) {
	err := StartWatcher(t.Context(), &syncRecorder{}, store.DefaultTenantID, t.TempDir(), discard(), time.Hour)
	require.ErrorContains(t, err, "initial bundle import")
}

func TestStartWatcherReimportsOnChange(t *testing.T) {
	dir := writeBundle(t, testManifest, map[string]string{"sfc.json": testGroup})
	rec := &syncRecorder{}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	require.NoError(t, StartWatcher(ctx, rec, store.DefaultTenantID, dir, discard(), 5*time.Millisecond))

	calls, defs := rec.snapshot()
	require.Equal(t, 1, calls, "initial import is synchronous")
	require.Len(t, defs, 2)

	// Unchanged files must not trigger further imports.
	time.Sleep(30 * time.Millisecond)
	calls, _ = rec.snapshot()
	require.Equal(t, 1, calls)

	// Touch a listed file into the future; the next tick re-imports.
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "sfc.json"), future, future))
	require.Eventually(t, func() bool {
		calls, _ := rec.snapshot()
		return calls == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
}
