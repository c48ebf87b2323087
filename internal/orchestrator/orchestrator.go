// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package orchestrator executes batches of named API calls: all at once, or
// as a layered pipeline where earlier responses feed later parameters.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/sdmg/gateway/internal/executor"
	"github.com/sdmg/gateway/internal/jsonpath"
	"github.com/sdmg/gateway/internal/store"
)

// MaxCalls bounds one plan.
const MaxCalls = 20

// Error codes returned by Run for plans that never reach an upstream.
const (
	CodePlanTooLarge = "PLAN_TOO_LARGE"
	CodePlanInvalid  = "PLAN_INVALID"
)

// Execution modes.
const (
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

// Per-call outcome statuses.
const (
	StatusFulfilled = "fulfilled"
	StatusRejected  = "rejected"
)

// Error describes a rejected plan.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Call names one API operation to run.
type Call struct {
	Slug    string            `json:"slug"`
	Params  map[string]string `json:"params,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Plan is one orchestration request. Dynamic carries extra dependencies the
// auto-resolver derived, keyed by the dependent slug; they are concatenated
// with each definition's static depends_on.
type Plan struct {
	Calls   []Call
	Mode    string
	Dynamic map[string][]store.Dependency
}

// CallResult is the settled outcome of one call. Method, Path, URL and
// RequestBytes are for request logging, not the response payload.
type CallResult struct {
	Slug              string            `json:"slug"`
	Status            string            `json:"status"`
	StatusCode        int               `json:"statusCode,omitempty"`
	ResponseHeaders   map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody      any               `json:"responseBody,omitempty"`
	ResponseSizeBytes int64             `json:"responseSizeBytes,omitempty"`
	DurationMS        int64             `json:"durationMs"`
	Error             string            `json:"error,omitempty"`
	Layer             int               `json:"layer"`
	InjectedParams    map[string]string `json:"injectedParams,omitempty"`

	Method       string `json:"-"`
	Path         string `json:"-"`
	URL          string `json:"-"`
	RequestBytes int64  `json:"-"`
}

// RunResult is the overall outcome. Results preserve the submitted call
// order regardless of execution order.
type RunResult struct {
	TotalDurationMS int64        `json:"totalDurationMs"`
	Mode            string       `json:"mode"`
	Layers          []Layer      `json:"layers,omitempty"`
	Results         []CallResult `json:"results"`
}

// DefinitionSource fetches active definitions by slug in one round-trip.
type DefinitionSource interface {
	DefinitionsBySlugs(ctx context.Context, tenantID string, slugs []string) (map[string]*store.Definition, error)
}

// Runner issues one upstream call.
type Runner interface {
	Execute(ctx context.Context, conn *store.Connection, req executor.Request) (*executor.Result, error)
}

// Orchestrator runs plans against one connection at a time.
type Orchestrator struct {
	defs   DefinitionSource
	exec   Runner
	logger *slog.Logger
}

// New builds an Orchestrator. A nil logger falls back to stderr.
func New(defs DefinitionSource, exec Runner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Orchestrator{defs: defs, exec: exec, logger: logger}
}

// Run validates plan and executes it against conn. Plan-shape problems come
// back as *Error before any upstream or database I/O; per-call failures are
// settled outcomes inside the RunResult, never an error.
func (o *Orchestrator) Run(ctx context.Context, conn *store.Connection, plan Plan) (*RunResult, error) {
	if len(plan.Calls) > MaxCalls {
		return nil, &Error{Code: CodePlanTooLarge, Message: fmt.Sprintf("plan exceeds the maximum of %d calls", MaxCalls)}
	}
	mode := plan.Mode
	if mode == "" {
		mode = ModeParallel
	}
	if err := validate(plan, mode); err != nil {
		return nil, &Error{Code: CodePlanInvalid, Message: err.Error()}
	}

	slugs := make([]string, len(plan.Calls))
	callBySlug := make(map[string]Call, len(plan.Calls))
	order := make(map[string]int, len(plan.Calls))
	for i, c := range plan.Calls {
		slugs[i] = c.Slug
		callBySlug[c.Slug] = c
		order[c.Slug] = i
	}

	start := time.Now()
	defs, err := o.defs.DefinitionsBySlugs(ctx, conn.TenantID, slugs)
	if err != nil {
		return nil, fmt.Errorf("loading definitions: %w", err)
	}

	res := &RunResult{Mode: mode, Results: make([]CallResult, len(plan.Calls))}

	// Static depends_on concatenated with dynamic deps, used for both
	// layering and injection.
	merged := make(map[string][]store.Dependency, len(slugs))
	for _, s := range slugs {
		merged[s] = combinedDeps(defs[s], plan.Dynamic[s])
	}

	var layers []Layer
	if mode == ModeParallel {
		layers = []Layer{{Layer: 0, Slugs: slugs}}
	} else {
		deps := make(map[string][]string, len(slugs))
		for _, s := range slugs {
			for _, d := range merged[s] {
				deps[s] = append(deps[s], d.APISlug)
			}
		}
		var leftover []string
		layers, leftover = BuildLayers(slugs, deps)
		if len(leftover) > 0 {
			msg := "Circular dependency detected involving: " + strings.Join(leftover, ", ")
			for i, c := range plan.Calls {
				res.Results[i] = CallResult{Slug: c.Slug, Status: StatusRejected, Error: msg}
			}
			res.TotalDurationMS = time.Since(start).Milliseconds()
			return res, nil
		}
		res.Layers = layers
	}

	// Response context: parsed JSON bodies of fulfilled calls, keyed by
	// slug. Non-JSON responses provide nothing to extract from.
	var mu sync.Mutex
	responses := make(map[string]gjson.Result, len(slugs))

	for _, layer := range layers {
		g, gctx := errgroup.WithContext(ctx)
		for _, slug := range layer.Slugs {
			call := callBySlug[slug]
			def := defs[slug]
			deps := merged[slug]
			layerNo := layer.Layer
			g.Go(func() error {
				outcome := o.runCall(gctx, conn, call, def, deps, layerNo, responses, &mu)
				mu.Lock()
				if outcome.Status == StatusFulfilled && outcome.parsed.Exists() {
					responses[slug] = outcome.parsed
				}
				res.Results[order[slug]] = outcome.CallResult
				mu.Unlock()
				// Settled either way; a rejection must not cancel siblings.
				return nil
			})
		}
		_ = g.Wait()
	}

	res.TotalDurationMS = time.Since(start).Milliseconds()
	return res, nil
}

// validate rejects structurally broken plans with every problem joined.
func validate(plan Plan, mode string) error {
	var errs []error
	if len(plan.Calls) == 0 {
		errs = append(errs, errors.New("plan has no calls"))
	}
	if mode != ModeParallel && mode != ModeSequential {
		errs = append(errs, fmt.Errorf("mode must be %q or %q", ModeParallel, ModeSequential))
	}
	seen := make(map[string]struct{}, len(plan.Calls))
	for i, c := range plan.Calls {
		if c.Slug == "" {
			errs = append(errs, fmt.Errorf("call %d has no slug", i))
			continue
		}
		if _, dup := seen[c.Slug]; dup {
			errs = append(errs, fmt.Errorf("duplicate call slug %q", c.Slug))
		}
		seen[c.Slug] = struct{}{}
	}
	for target, deps := range plan.Dynamic {
		if _, ok := seen[target]; !ok {
			errs = append(errs, fmt.Errorf("dynamic dependency targets %q which is not in the plan", target))
		}
		for _, d := range deps {
			if _, ok := seen[d.APISlug]; !ok {
				errs = append(errs, fmt.Errorf("dynamic dependency of %q references %q which is not in the plan", target, d.APISlug))
			}
		}
	}
	return errors.Join(errs...)
}

func combinedDeps(def *store.Definition, dynamic []store.Dependency) []store.Dependency {
	if def == nil {
		return dynamic
	}
	if len(dynamic) == 0 {
		return def.DependsOn
	}
	out := make([]store.Dependency, 0, len(def.DependsOn)+len(dynamic))
	out = append(out, def.DependsOn...)
	return append(out, dynamic...)
}

// callOutcome pairs the externally visible result with the parsed body kept
// for dependent calls.
type callOutcome struct {
	CallResult
	parsed gjson.Result
}

// runCall settles one call: inject, compose, execute, parse.
func (o *Orchestrator) runCall(ctx context.Context, conn *store.Connection, call Call, def *store.Definition, deps []store.Dependency, layer int, responses map[string]gjson.Result, mu *sync.Mutex) callOutcome {
	out := callOutcome{CallResult: CallResult{Slug: call.Slug, Status: StatusRejected, Layer: layer}}
	if def == nil {
		out.Error = "API definition not found: " + call.Slug
		return out
	}

	var injected map[string]string
	if layer > 0 {
		injected = o.inject(call.Slug, deps, responses, mu)
	}
	params := make(map[string]string, len(injected)+len(call.Params))
	for k, v := range injected {
		params[k] = v
	}
	for k, v := range call.Params {
		params[k] = v
	}

	body, params := applyBodyParams(call.Body, params)
	path := composePath(def, params)
	out.Method = def.Method
	out.Path = path
	out.InjectedParams = injected
	out.RequestBytes = int64(len(body))

	started := time.Now()
	res, err := o.exec.Execute(ctx, conn, executor.Request{
		Method:  def.Method,
		Path:    path,
		Headers: call.Headers,
		Body:    body,
	})
	if err != nil {
		out.Error = err.Error()
		out.DurationMS = time.Since(started).Milliseconds()
		o.logger.Debug("orchestrated call rejected",
			slog.String("slug", call.Slug), slog.String("error", out.Error))
		return out
	}

	out.Status = StatusFulfilled
	out.StatusCode = res.Status
	out.ResponseHeaders = res.Headers
	out.ResponseSizeBytes = res.ResponseBytes
	out.DurationMS = res.DurationMS
	out.URL = res.URL
	if json.Valid([]byte(res.Body)) {
		out.ResponseBody = json.RawMessage(res.Body)
		out.parsed = gjson.Parse(res.Body)
	} else {
		out.ResponseBody = res.Body
	}
	return out
}

// inject resolves the parameters flowing into slug from earlier fulfilled
// responses, walking its combined dependency mappings.
func (o *Orchestrator) inject(slug string, deps []store.Dependency, responses map[string]gjson.Result, mu *sync.Mutex) map[string]string {
	injected := make(map[string]string)
	for _, dep := range deps {
		mu.Lock()
		source, ok := responses[dep.APISlug]
		mu.Unlock()
		if !ok {
			continue
		}
		for _, m := range dep.FieldMappings {
			p, err := jsonpath.Parse(m.Source)
			if err != nil {
				o.logger.Warn("bad field mapping source",
					slog.String("slug", slug), slog.String("source", m.Source), slog.String("error", err.Error()))
				continue
			}
			if v, found := p.Extract(source); found {
				injected[m.Target] = jsonpath.Render(v)
			}
		}
	}
	return injected
}

// applyBodyParams sets every parameter whose name carries a "body." prefix
// into the JSON request body, creating an object when the call had none.
// The remaining parameters feed the path and query. A parameter the body
// cannot absorb (malformed body) is dropped rather than leaking into the
// query string.
func applyBodyParams(body json.RawMessage, params map[string]string) (json.RawMessage, map[string]string) {
	rest := make(map[string]string, len(params))
	out := body
	for k, v := range params {
		target, ok := strings.CutPrefix(k, "body.")
		if !ok || target == "" {
			rest[k] = v
			continue
		}
		if len(out) == 0 {
			out = json.RawMessage(`{}`)
		}
		if mutated, err := sjson.SetBytes(out, target, v); err == nil {
			out = mutated
		}
	}
	return out, rest
}

// composePath renders def.path with params: placeholders first, then every
// declared query parameter that has a value and no placeholder of its own.
func composePath(def *store.Definition, params map[string]string) string {
	path := def.Path
	for k, v := range params {
		path = strings.ReplaceAll(path, "{"+k+"}", escape(v))
	}
	var extra []string
	for _, qp := range def.QueryParams {
		v, ok := params[qp.Name]
		if !ok || v == "" {
			continue
		}
		if strings.Contains(def.Path, "{"+qp.Name+"}") {
			continue
		}
		extra = append(extra, escape(qp.Name)+"="+escape(v))
	}
	if len(extra) == 0 {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(extra, "&")
}

// escape matches JavaScript's encodeURIComponent closely enough for query
// building: spaces become %20, not +.
func escape(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}
