// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package defsbundle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type watcher struct {
	lastMod  time.Time
	dir      string
	tenantID string
	st       ImportStore
	l        *slog.Logger
}

// StartWatcher imports the bundle at dir once, then polls it every tick and
// re-imports when any listed file changes. The initial import failing is an
// error; later failures are logged and retried on the next tick.
func StartWatcher(ctx context.Context, st ImportStore, tenantID, dir string, l *slog.Logger, tick time.Duration) error {
	w := &watcher{st: st, tenantID: tenantID, dir: dir, l: l}

	if err := w.load(ctx); err != nil {
		return fmt.Errorf("initial bundle import: %w", err)
	}

	l.Info("watching definitions bundle", slog.String("dir", dir), slog.String("interval", tick.String()))
	go w.watch(ctx, tick)
	return nil
}

func (w *watcher) watch(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.l.Info("stop watching definitions bundle", slog.String("dir", w.dir))
			return
		case <-ticker.C:
			perTickCtx, cancel := context.WithTimeout(ctx, tick)
			if err := w.load(perTickCtx); err != nil {
				w.l.Error("bundle re-import failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// load re-imports when the newest mtime across the manifest and its listed
// files moved past the last import.
func (w *watcher) load(ctx context.Context) error {
	mod, err := w.latestMod()
	if err != nil {
		return err
	}
	if mod.Sub(w.lastMod) <= 0 {
		return nil
	}
	loaded, inserted, err := Import(ctx, w.st, w.tenantID, w.dir)
	if err != nil {
		return err
	}
	w.lastMod = mod
	w.l.Info("definitions bundle imported",
		slog.String("dir", w.dir), slog.Int("loaded", loaded), slog.Int("inserted", inserted))
	return nil
}

func (w *watcher) latestMod() (time.Time, error) {
	manifest := filepath.Join(w.dir, manifestName)
	stat, err := os.Stat(manifest)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat bundle manifest: %w", err)
	}
	latest := stat.ModTime()

	raw, err := os.ReadFile(manifest)
	if err != nil {
		return time.Time{}, err
	}
	for _, name := range listedFiles(raw) {
		stat, err := os.Stat(filepath.Join(w.dir, filepath.Clean(name)))
		if err != nil {
			// A half-written bundle can miss files mid-update; the import
			// itself reports that with a better message.
			continue
		}
		if stat.ModTime().After(latest) {
			latest = stat.ModTime()
		}
	}
	return latest, nil
}

func listedFiles(manifest []byte) []string {
	var m Manifest
	if err := yaml.Unmarshal(manifest, &m); err != nil {
		return nil
	}
	files := make([]string, 0, len(m.Definitions))
	for _, entry := range m.Definitions {
		if entry.File != "" {
			files = append(files, entry.File)
		}
	}
	return files
}
