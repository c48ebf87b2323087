// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package autoresolver compiles a bare list of API slugs plus a flat context
// into a full execution plan: which parameter comes from the caller, which
// from another call's response, and in what order the calls must run.
package autoresolver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sdmg/gateway/internal/jsonpath"
	"github.com/sdmg/gateway/internal/orchestrator"
	"github.com/sdmg/gateway/internal/store"
)

// Edge records one resolved data flow: Mapping.Source on From's response
// feeds Mapping.Target of To.
type Edge struct {
	From    string             `json:"from"`
	To      string             `json:"to"`
	Mapping store.FieldMapping `json:"mapping"`
}

// UnresolvedParam is a required parameter nothing could satisfy. Non-fatal
// here; the upstream decides what a missing parameter means at execution.
type UnresolvedParam struct {
	Slug  string `json:"slug"`
	Param string `json:"param"`
}

// APIDetail summarizes one resolved definition for the caller.
type APIDetail struct {
	Name   string `json:"name"`
	Method string `json:"method"`
	Path   string `json:"path"`
}

// Resolution is a compiled plan. Calls and Dynamic feed the orchestrator in
// sequential mode; the rest is diagnostic output for the caller.
type Resolution struct {
	Calls            []orchestrator.Call  `json:"calls"`
	Layers           []orchestrator.Layer `json:"layers"`
	Unplaced         []string             `json:"unplaced,omitempty"`
	DependencyEdges  []Edge               `json:"dependencyEdges"`
	Warnings         []string             `json:"warnings,omitempty"`
	UnresolvedParams []UnresolvedParam    `json:"unresolvedParams,omitempty"`
	APIDetails       map[string]APIDetail `json:"apiDetails"`

	// Dynamic is the edge set grouped for the orchestrator.
	Dynamic map[string][]store.Dependency `json:"-"`
}

// provider is one advertised response field.
type provider struct {
	slug string
	path string
}

// Resolver builds Resolutions from stored definitions.
type Resolver struct {
	defs   orchestrator.DefinitionSource
	logger *slog.Logger
}

// New builds a Resolver. A nil logger falls back to stderr.
func New(defs orchestrator.DefinitionSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Resolver{defs: defs, logger: logger}
}

// Resolve compiles slugs against tenantID's definitions. contextVals are the
// caller's flat parameter values; overrides pin specific parameters to
// specific source fields, bypassing auto-resolution. Only a failed
// definition fetch is an error; everything else degrades into warnings and
// unresolved parameters.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, slugs []string, contextVals map[string]string, overrides store.OverrideMap) (*Resolution, error) {
	defs, err := r.defs.DefinitionsBySlugs(ctx, tenantID, slugs)
	if err != nil {
		return nil, fmt.Errorf("loading definitions: %w", err)
	}

	res := &Resolution{APIDetails: make(map[string]APIDetail)}
	var resolved []string
	for _, s := range slugs {
		d, ok := defs[s]
		if !ok {
			res.Warnings = append(res.Warnings, "API definition not found: "+s)
			continue
		}
		resolved = append(resolved, s)
		res.APIDetails[s] = APIDetail{Name: d.Name, Method: d.Method, Path: d.Path}
	}

	// Provider index: leaf name → advertised fields, aggregated in the
	// caller's slug order so candidate choice is deterministic.
	providers := make(map[string][]provider)
	for _, s := range resolved {
		for _, rf := range defs[s].ResponseFields {
			leaf := rf.LeafName
			if leaf == "" {
				leaf = jsonpath.Leaf(rf.Path)
			}
			if leaf == "" {
				continue
			}
			providers[leaf] = append(providers[leaf], provider{slug: s, path: rf.Path})
		}
	}

	inRun := make(map[string]struct{}, len(resolved))
	for _, s := range resolved {
		inRun[s] = struct{}{}
	}

	params := make(map[string]map[string]string)
	addEdge := func(from, to string, m store.FieldMapping) {
		res.DependencyEdges = append(res.DependencyEdges, Edge{From: from, To: to, Mapping: m})
	}

	for _, s := range resolved {
		for _, qp := range defs[s].QueryParams {
			if o, ok := overrides[s][qp.Name]; ok {
				if _, present := inRun[o.SourceSlug]; !present {
					res.Warnings = append(res.Warnings, fmt.Sprintf(
						"Override for parameter %q of %q names %q which is not part of this plan", qp.Name, s, o.SourceSlug))
					if qp.Required {
						res.UnresolvedParams = append(res.UnresolvedParams, UnresolvedParam{Slug: s, Param: qp.Name})
					}
					continue
				}
				addEdge(o.SourceSlug, s, store.FieldMapping{Source: o.SourcePath, Target: qp.Name})
				continue
			}
			if v, ok := contextVals[qp.Name]; ok {
				if params[s] == nil {
					params[s] = make(map[string]string)
				}
				params[s][qp.Name] = v
				continue
			}
			candidates := candidatesFor(providers[qp.Name], s)
			if len(candidates) > 0 {
				chosen := candidates[0]
				if len(candidates) > 1 {
					names := make([]string, len(candidates))
					for i, c := range candidates {
						names[i] = c.slug
					}
					res.Warnings = append(res.Warnings, fmt.Sprintf(
						"Ambiguous providers for parameter %q of %q: candidates [%s]; using %q",
						qp.Name, s, strings.Join(names, ", "), chosen.slug))
				}
				addEdge(chosen.slug, s, store.FieldMapping{Source: chosen.path, Target: qp.Name})
				continue
			}
			if qp.Required {
				res.UnresolvedParams = append(res.UnresolvedParams, UnresolvedParam{Slug: s, Param: qp.Name})
			}
		}
	}

	res.Dynamic = groupEdges(res.DependencyEdges)

	deps := make(map[string][]string, len(resolved))
	for _, e := range res.DependencyEdges {
		deps[e.To] = append(deps[e.To], e.From)
	}
	res.Layers, res.Unplaced = orchestrator.BuildLayers(resolved, deps)
	if len(res.Unplaced) > 0 {
		r.logger.Warn("auto-resolved plan has a dependency cycle",
			slog.String("tenant_id", tenantID), slog.Any("unplaced", res.Unplaced))
	}

	res.Calls = make([]orchestrator.Call, len(resolved))
	for i, s := range resolved {
		res.Calls[i] = orchestrator.Call{Slug: s, Params: params[s]}
	}
	return res, nil
}

// candidatesFor filters a provider list down to other slugs; a call never
// feeds itself.
func candidatesFor(all []provider, self string) []provider {
	var out []provider
	for _, p := range all {
		if p.slug != self {
			out = append(out, p)
		}
	}
	return out
}

// groupEdges turns the flat edge list into per-dependent dependency entries,
// merging edges that share a provider and keeping edge order.
func groupEdges(edges []Edge) map[string][]store.Dependency {
	if len(edges) == 0 {
		return nil
	}
	out := make(map[string][]store.Dependency)
	for _, e := range edges {
		deps := out[e.To]
		merged := false
		for i := range deps {
			if deps[i].APISlug == e.From {
				deps[i].FieldMappings = append(deps[i].FieldMappings, e.Mapping)
				merged = true
				break
			}
		}
		if !merged {
			deps = append(deps, store.Dependency{APISlug: e.From, FieldMappings: []store.FieldMapping{e.Mapping}})
		}
		out[e.To] = deps
	}
	return out
}
