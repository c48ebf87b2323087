// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package defsbundle loads API definition bundles from disk and imports
// them into the store. A bundle is a directory with a manifest.yaml naming
// one JSON file per API group; import is conflict-do-nothing, so shipping
// the same bundle twice is harmless. An optional watcher re-imports when
// the bundle changes, so definition updates roll out without a restart.
package defsbundle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sdmg/gateway/internal/store"
)

// manifestName is the fixed entry point of a bundle directory.
const manifestName = "manifest.yaml"

// Manifest is the bundle index.
type Manifest struct {
	Definitions []ManifestEntry `yaml:"definitions"`
}

// ManifestEntry names one API group and the JSON file describing it.
type ManifestEntry struct {
	Slug    string `yaml:"slug"`
	Title   string `yaml:"title"`
	Version string `yaml:"version"`
	File    string `yaml:"file"`
}

// groupFile is one JSON file of a bundle.
type groupFile struct {
	BasePath string     `json:"base_path"`
	APIs     []apiEntry `json:"apis"`
}

// apiEntry is one operation within a group. Slug defaults to the group slug
// plus the slugified name.
type apiEntry struct {
	Slug           string                `json:"slug"`
	Name           string                `json:"name"`
	Method         string                `json:"method"`
	Path           string                `json:"path"`
	Params         []store.QueryParam    `json:"params"`
	Headers        map[string]string     `json:"headers"`
	DependsOnHints []store.Dependency    `json:"depends_on_hints"`
	ResponseFields []store.ResponseField `json:"response_fields"`
	Tags           []string              `json:"tags"`
}

// Load reads the bundle at dir into definitions ready for import. The
// tenant is not set here; the importer stamps it.
func Load(dir string) ([]store.Definition, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read bundle manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse bundle manifest: %w", err)
	}
	if len(m.Definitions) == 0 {
		return nil, fmt.Errorf("bundle manifest lists no definitions")
	}

	var out []store.Definition
	for _, entry := range m.Definitions {
		if entry.Slug == "" || entry.File == "" {
			return nil, fmt.Errorf("bundle manifest entry needs slug and file, got slug=%q file=%q", entry.Slug, entry.File)
		}
		name := filepath.Clean(entry.File)
		if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
			return nil, fmt.Errorf("bundle file %q escapes the bundle directory", entry.File)
		}
		defs, err := loadGroup(dir, entry, name)
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	return out, nil
}

func loadGroup(dir string, entry ManifestEntry, name string) ([]store.Definition, error) {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("read bundle file %s: %w", name, err)
	}
	var g groupFile
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("parse bundle file %s: %w", name, err)
	}

	defs := make([]store.Definition, 0, len(g.APIs))
	for i, api := range g.APIs {
		slug := api.Slug
		if slug == "" {
			if api.Name == "" {
				return nil, fmt.Errorf("bundle file %s: api %d needs a slug or a name", name, i)
			}
			slug = entry.Slug + "-" + slugify(api.Name)
		}
		if api.Path == "" {
			return nil, fmt.Errorf("bundle file %s: api %q has no path", name, slug)
		}
		method := strings.ToUpper(api.Method)
		if method == "" {
			method = "GET"
		}
		defs = append(defs, store.Definition{
			Slug:           slug,
			Name:           api.Name,
			Method:         method,
			Path:           joinPath(g.BasePath, api.Path),
			QueryParams:    api.Params,
			RequestHeaders: api.Headers,
			DependsOn:      api.DependsOnHints,
			ResponseFields: api.ResponseFields,
			Tags:           append(store.StringList{entry.Slug}, api.Tags...),
		})
	}
	return defs, nil
}

// ImportStore is the persistence slice the importer needs.
type ImportStore interface {
	ImportDefinitions(ctx context.Context, defs []store.Definition) (int, error)
}

// Import loads the bundle at dir and imports it for tenantID. Returns how
// many definitions were loaded and how many rows were actually inserted;
// slugs the tenant already has are skipped.
func Import(ctx context.Context, st ImportStore, tenantID, dir string) (loaded, inserted int, err error) {
	defs, err := Load(dir)
	if err != nil {
		return 0, 0, err
	}
	for i := range defs {
		defs[i].TenantID = tenantID
	}
	inserted, err = st.ImportDefinitions(ctx, defs)
	if err != nil {
		return 0, 0, fmt.Errorf("import bundle: %w", err)
	}
	return len(defs), inserted, nil
}

// joinPath concatenates base and path with exactly one slash between them.
func joinPath(base, path string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// slugify lowercases s and collapses every non-alphanumeric run into one
// hyphen.
func slugify(s string) string {
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			hyphen = false
		default:
			if !hyphen && b.Len() > 0 {
				b.WriteByte('-')
				hyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
