// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package defsbundle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sdmg/gateway/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testManifest = `definitions:
  - slug: sfc
    title: Shop Floor Control
    version: "1.0"
    file: sfc.json
`

const testGroup = `{
  "base_path": "/sfc/v1",
  "apis": [
    {
      "slug": "sfc-detail",
      "name": "SFC Detail",
      "method": "get",
      "path": "/sfcdetail",
      "params": [{"name": "plant", "required": true}, {"name": "sfc", "required": true}],
      "response_fields": [{"path": "sfc.material[0].material", "leaf_name": "material"}],
      "tags": ["execution"]
    },
    {
      "name": "Release SFC",
      "method": "POST",
      "path": "sfcs/release",
      "depends_on_hints": [
        {"api_slug": "sfc-detail", "field_mappings": [{"source": "sfc.sfc", "target": "sfc"}]}
      ]
    }
  ]
}`

func writeBundle(t *testing.T, manifest string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o600))
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeBundle(t, testManifest, map[string]string{"sfc.json": testGroup})

	defs, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	detail := defs[0]
	require.Equal(t, "sfc-detail", detail.Slug)
	require.Equal(t, "GET", detail.Method)
	require.Equal(t, "/sfc/v1/sfcdetail", detail.Path)
	require.Equal(t, store.QueryParams{
		{Name: "plant", Required: true},
		{Name: "sfc", Required: true},
	}, detail.QueryParams)
	require.Equal(t, store.ResponseFields{{Path: "sfc.material[0].material", LeafName: "material"}}, detail.ResponseFields)
	require.Equal(t, store.StringList{"sfc", "execution"}, detail.Tags)

	release := defs[1]
	require.Equal(t, "sfc-release-sfc", release.Slug, "slug derived from group slug and name")
	require.Equal(t, "POST", release.Method)
	require.Equal(t, "/sfc/v1/sfcs/release", release.Path)
	require.Equal(t, store.Dependencies{
		{APISlug: "sfc-detail", FieldMappings: []store.FieldMapping{{Source: "sfc.sfc", Target: "sfc"}}},
	}, release.DependsOn)
	require.Equal(t, store.StringList{"sfc"}, release.Tags)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		files    map[string]string
		wantErr  string
	}{
		{
			name:    "missing manifest",
			wantErr: "read bundle manifest",
		},
		{
			name:     "manifest not yaml",
			manifest: "{not yaml",
			wantErr:  "parse bundle manifest",
		},
		{
			name:     "empty manifest",
			manifest: "definitions: []",
			wantErr:  "lists no definitions",
		},
		{
			name:     "entry without file",
			manifest: "definitions:\n  - slug: sfc\n",
			wantErr:  "needs slug and file",
		},
		{
			name:     "file escapes bundle",
			manifest: "definitions:\n  - slug: sfc\n    file: ../../etc/passwd\n",
			wantErr:  "escapes the bundle directory",
		},
		{
			name:     "listed file missing",
			manifest: testManifest,
			wantErr:  "read bundle file sfc.json",
		},
		{
			name:     "api without path",
			manifest: testManifest,
			files:    map[string]string{"sfc.json": `{"apis": [{"slug": "x"}]}`},
			wantErr:  `api "x" has no path`,
		},
		{
			name:     "api without slug or name",
			manifest: testManifest,
			files:    map[string]string{"sfc.json": `{"apis": [{"path": "/x"}]}`},
			wantErr:  "needs a slug or a name",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			if tc.manifest != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(tc.manifest), 0o600))
			}
			for name, body := range tc.files {
				require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
			}
			_, err := Load(dir)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

// importRecorder counts imports and remembers the last batch.
type importRecorder struct {
	calls int
	last  []store.Definition
	err   error
}

func (r *importRecorder) ImportDefinitions(_ context.Context, defs []store.Definition) (int, error) {
	r.calls++
	r.last = defs
	if r.err != nil {
		return 0, r.err
	}
	return len(defs), nil
}

func TestImport(t *testing.T) {
	dir := writeBundle(t, testManifest, map[string]string{"sfc.json": testGroup})
	rec := &importRecorder{}

	loaded, inserted, err := Import(t.Context(), rec, store.DefaultTenantID, dir)
	require.NoError(t, err)
	require.Equal(t, 2, loaded)
	require.Equal(t, 2, inserted)
	require.Len(t, rec.last, 2)
	for _, d := range rec.last {
		require.Equal(t, store.DefaultTenantID, d.TenantID)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"SFC Detail", "sfc-detail"},
		{"Release  SFC!", "release-sfc"},
		{"  plant/material ", "plant-material"},
		{"v1", "v1"},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, slugify(tc.in), tc.in)
	}
}
