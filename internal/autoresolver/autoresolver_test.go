// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package autoresolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sdmg/gateway/internal/orchestrator"
	"github.com/sdmg/gateway/internal/store"
)

type fakeDefs map[string]*store.Definition

func (f fakeDefs) DefinitionsBySlugs(_ context.Context, _ string, slugs []string) (map[string]*store.Definition, error) {
	out := make(map[string]*store.Definition, len(slugs))
	for _, s := range slugs {
		if d, ok := f[s]; ok {
			out[s] = d
		}
	}
	return out, nil
}

func providerDef(slug string, fields ...store.ResponseField) *store.Definition {
	return &store.Definition{Slug: slug, Name: slug, Method: "GET", Path: "/" + slug, ResponseFields: fields, Active: true}
}

func consumerDef(slug string, qps ...store.QueryParam) *store.Definition {
	return &store.Definition{Slug: slug, Name: slug, Method: "GET", Path: "/" + slug, QueryParams: qps, Active: true}
}

func TestResolveContextBinding(t *testing.T) {
	r := New(fakeDefs{
		"orders": consumerDef("orders",
			store.QueryParam{Name: "plant", Required: true},
			store.QueryParam{Name: "status"},
		),
	}, nil)

	res, err := r.Resolve(t.Context(), store.DefaultTenantID, []string{"orders"},
		map[string]string{"plant": "P100"}, nil)
	require.NoError(t, err)
	require.Equal(t, []orchestrator.Call{{Slug: "orders", Params: map[string]string{"plant": "P100"}}}, res.Calls)
	require.Empty(t, res.DependencyEdges)
	require.Empty(t, res.UnresolvedParams, "optional parameters without a value are simply omitted")
	require.Equal(t, []orchestrator.Layer{{Layer: 0, Slugs: []string{"orders"}}}, res.Layers)
}

func TestResolveProviderEdge(t *testing.T) {
	r := New(fakeDefs{
		"list-orders": providerDef("list-orders", store.ResponseField{Path: "value[0].order", LeafName: "order"}),
		"order-steps": consumerDef("order-steps", store.QueryParam{Name: "order", Required: true}),
	}, nil)

	res, err := r.Resolve(t.Context(), store.DefaultTenantID,
		[]string{"list-orders", "order-steps"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []Edge{{
		From:    "list-orders",
		To:      "order-steps",
		Mapping: store.FieldMapping{Source: "value[0].order", Target: "order"},
	}}, res.DependencyEdges)
	require.Equal(t, map[string][]store.Dependency{
		"order-steps": {{APISlug: "list-orders", FieldMappings: []store.FieldMapping{{Source: "value[0].order", Target: "order"}}}},
	}, res.Dynamic)
	require.Equal(t, []orchestrator.Layer{
		{Layer: 0, Slugs: []string{"list-orders"}},
		{Layer: 1, Slugs: []string{"order-steps"}},
	}, res.Layers)
	require.Empty(t, res.Warnings)
	require.Empty(t, res.UnresolvedParams)
}

func TestResolveAmbiguityIsDeterministic(t *testing.T) {
	defs := fakeDefs{
		"a":    providerDef("a", store.ResponseField{Path: "data.order", LeafName: "order"}),
		"c":    providerDef("c", store.ResponseField{Path: "value[0].order", LeafName: "order"}),
		"need": consumerDef("need", store.QueryParam{Name: "order", Required: true}),
	}
	r := New(defs, nil)

	res, err := r.Resolve(t.Context(), store.DefaultTenantID, []string{"a", "c", "need"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.DependencyEdges, 1)
	require.Equal(t, "a", res.DependencyEdges[0].From, "first provider in caller slug order wins")
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "Ambiguous providers")
	require.Contains(t, res.Warnings[0], `using "a"`)

	// Flipping the caller's slug order flips the winner.
	res, err = r.Resolve(t.Context(), store.DefaultTenantID, []string{"c", "a", "need"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "c", res.DependencyEdges[0].From)
}

func TestResolveOverride(t *testing.T) {
	r := New(fakeDefs{
		"a":    providerDef("a", store.ResponseField{Path: "data.order", LeafName: "order"}),
		"c":    providerDef("c", store.ResponseField{Path: "value[0].order", LeafName: "order"}),
		"need": consumerDef("need", store.QueryParam{Name: "order", Required: true}),
	}, nil)

	res, err := r.Resolve(t.Context(), store.DefaultTenantID, []string{"a", "c", "need"}, nil,
		store.OverrideMap{"need": {"order": {SourceSlug: "c", SourcePath: "value[0].order"}}})
	require.NoError(t, err)
	require.Equal(t, []Edge{{
		From:    "c",
		To:      "need",
		Mapping: store.FieldMapping{Source: "value[0].order", Target: "order"},
	}}, res.DependencyEdges)
	require.Empty(t, res.Warnings, "an override silences the ambiguity")
}

func TestResolveOverrideUnknownSource(t *testing.T) {
	r := New(fakeDefs{
		"need": consumerDef("need", store.QueryParam{Name: "order", Required: true}),
	}, nil)

	res, err := r.Resolve(t.Context(), store.DefaultTenantID, []string{"need"}, nil,
		store.OverrideMap{"need": {"order": {SourceSlug: "absent", SourcePath: "x"}}})
	require.NoError(t, err)
	require.Empty(t, res.DependencyEdges)
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], `"absent"`)
	require.Equal(t, []UnresolvedParam{{Slug: "need", Param: "order"}}, res.UnresolvedParams)
}

func TestResolveMissingSlugDropped(t *testing.T) {
	r := New(fakeDefs{"real": consumerDef("real")}, nil)

	res, err := r.Resolve(t.Context(), store.DefaultTenantID, []string{"real", "ghost"}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"API definition not found: ghost"}, res.Warnings)
	require.Len(t, res.Calls, 1)
	require.Equal(t, "real", res.Calls[0].Slug)
	require.NotContains(t, res.APIDetails, "ghost")
}

func TestResolveSelfIsNeverAProvider(t *testing.T) {
	d := consumerDef("solo", store.QueryParam{Name: "order", Required: true})
	d.ResponseFields = []store.ResponseField{{Path: "data.order", LeafName: "order"}}
	r := New(fakeDefs{"solo": d}, nil)

	res, err := r.Resolve(t.Context(), store.DefaultTenantID, []string{"solo"}, nil, nil)
	require.NoError(t, err)
	require.Empty(t, res.DependencyEdges)
	require.Equal(t, []UnresolvedParam{{Slug: "solo", Param: "order"}}, res.UnresolvedParams)
}

func TestResolveContextBeatsProvider(t *testing.T) {
	r := New(fakeDefs{
		"a":    providerDef("a", store.ResponseField{Path: "data.order", LeafName: "order"}),
		"need": consumerDef("need", store.QueryParam{Name: "order"}),
	}, nil)

	res, err := r.Resolve(t.Context(), store.DefaultTenantID, []string{"a", "need"},
		map[string]string{"order": "ORD-9"}, nil)
	require.NoError(t, err)
	require.Empty(t, res.DependencyEdges, "a caller-supplied value needs no edge")
	require.Equal(t, map[string]string{"order": "ORD-9"}, res.Calls[1].Params)
	require.Equal(t, []orchestrator.Layer{{Layer: 0, Slugs: []string{"a", "need"}}}, res.Layers)
}

func TestResolveCycleLeftUnplaced(t *testing.T) {
	a := consumerDef("a", store.QueryParam{Name: "bval", Required: true})
	a.ResponseFields = []store.ResponseField{{Path: "aval", LeafName: "aval"}}
	b := consumerDef("b", store.QueryParam{Name: "aval", Required: true})
	b.ResponseFields = []store.ResponseField{{Path: "bval", LeafName: "bval"}}
	r := New(fakeDefs{"a": a, "b": b}, nil)

	res, err := r.Resolve(t.Context(), store.DefaultTenantID, []string{"a", "b"}, nil, nil)
	require.NoError(t, err)
	require.Empty(t, res.Layers)
	require.Equal(t, []string{"a", "b"}, res.Unplaced)
	require.Len(t, res.Calls, 2, "the orchestrator owns turning the cycle into rejections")
}

func TestResolveLeafNameFallback(t *testing.T) {
	r := New(fakeDefs{
		"p":    providerDef("p", store.ResponseField{Path: "value[0].material"}),
		"need": consumerDef("need", store.QueryParam{Name: "material"}),
	}, nil)

	res, err := r.Resolve(t.Context(), store.DefaultTenantID, []string{"p", "need"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.DependencyEdges, 1)
	require.Equal(t, "p", res.DependencyEdges[0].From, "leaf name falls back to the last path field")
}

func TestResolveIsDeterministic(t *testing.T) {
	defs := fakeDefs{
		"a":    providerDef("a", store.ResponseField{Path: "data.order", LeafName: "order"}),
		"c":    providerDef("c", store.ResponseField{Path: "value[0].order", LeafName: "order"}),
		"need": consumerDef("need", store.QueryParam{Name: "order"}, store.QueryParam{Name: "plant"}),
	}
	r := New(defs, nil)

	first, err := r.Resolve(t.Context(), store.DefaultTenantID, []string{"a", "c", "need"},
		map[string]string{"plant": "P1"}, nil)
	require.NoError(t, err)
	second, err := r.Resolve(t.Context(), store.DefaultTenantID, []string{"a", "c", "need"},
		map[string]string{"plant": "P1"}, nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
