// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sdmg/gateway/internal/executor"
	"github.com/sdmg/gateway/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

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

type fakeRunner struct {
	mu       sync.Mutex
	requests []executor.Request
	respond  func(req executor.Request) (*executor.Result, error)
}

func (f *fakeRunner) Execute(_ context.Context, _ *store.Connection, req executor.Request) (*executor.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeRunner) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Path
	}
	return out
}

func okJSON(body string) (*executor.Result, error) {
	return &executor.Result{
		Status:        http.StatusOK,
		Body:          body,
		Headers:       map[string]string{"Content-Type": "application/json"},
		ResponseBytes: int64(len(body)),
		DurationMS:    1,
	}, nil
}

func def(slug, method, path string, qps []store.QueryParam, deps []store.Dependency) *store.Definition {
	return &store.Definition{
		Slug:        slug,
		Method:      method,
		Path:        path,
		QueryParams: qps,
		DependsOn:   deps,
		Active:      true,
	}
}

var testConn = &store.Connection{ID: "conn-1", TenantID: store.DefaultTenantID, Active: true}

func TestRunParallel(t *testing.T) {
	runner := &fakeRunner{respond: func(req executor.Request) (*executor.Result, error) {
		return okJSON(fmt.Sprintf(`{"from":%q}`, req.Path))
	}}
	o := New(fakeDefs{
		"a": def("a", "GET", "/a", nil, nil),
		"b": def("b", "GET", "/b", nil, nil),
		"c": def("c", "GET", "/c", nil, nil),
	}, runner, nil)

	res, err := o.Run(t.Context(), testConn, Plan{
		Calls: []Call{{Slug: "a"}, {Slug: "b"}, {Slug: "c"}},
		Mode:  ModeParallel,
	})
	require.NoError(t, err)
	require.Equal(t, ModeParallel, res.Mode)
	require.Nil(t, res.Layers)
	require.Len(t, res.Results, 3)
	for i, slug := range []string{"a", "b", "c"} {
		r := res.Results[i]
		require.Equal(t, slug, r.Slug, "results keep the submitted order")
		require.Equal(t, StatusFulfilled, r.Status)
		require.Equal(t, http.StatusOK, r.StatusCode)
		require.Equal(t, 0, r.Layer)
		require.JSONEq(t, fmt.Sprintf(`{"from":"/%s"}`, slug), string(r.ResponseBody.(json.RawMessage)))
	}
}

func TestRunParallelIssuesConcurrently(t *testing.T) {
	const n = 3
	var inFlight atomic.Int32
	barrier := make(chan struct{})
	runner := &fakeRunner{respond: func(executor.Request) (*executor.Result, error) {
		if inFlight.Add(1) == n {
			close(barrier)
		}
		select {
		case <-barrier:
		case <-time.After(5 * time.Second):
			return nil, errors.New("calls were not issued concurrently")
		}
		return okJSON(`{}`)
	}}
	o := New(fakeDefs{
		"a": def("a", "GET", "/a", nil, nil),
		"b": def("b", "GET", "/b", nil, nil),
		"c": def("c", "GET", "/c", nil, nil),
	}, runner, nil)

	res, err := o.Run(t.Context(), testConn, Plan{
		Calls: []Call{{Slug: "a"}, {Slug: "b"}, {Slug: "c"}},
		Mode:  ModeParallel,
	})
	require.NoError(t, err)
	for _, r := range res.Results {
		require.Equal(t, StatusFulfilled, r.Status, r.Error)
	}
}

func TestRunSequentialInjection(t *testing.T) {
	runner := &fakeRunner{respond: func(req executor.Request) (*executor.Result, error) {
		if req.Path == "/orders" {
			return okJSON(`{"value":[{"order":"ORD-1","plant":"P100"}]}`)
		}
		return okJSON(`{"steps":[]}`)
	}}
	o := New(fakeDefs{
		"list-orders": def("list-orders", "GET", "/orders", nil, nil),
		"order-steps": def("order-steps", "GET", "/steps",
			[]store.QueryParam{{Name: "order", Required: true}, {Name: "plant"}},
			[]store.Dependency{{APISlug: "list-orders", FieldMappings: []store.FieldMapping{
				{Source: "value[0].order", Target: "order"},
				{Source: "value[0].plant", Target: "plant"},
			}}}),
	}, runner, nil)

	res, err := o.Run(t.Context(), testConn, Plan{
		Calls: []Call{{Slug: "order-steps"}, {Slug: "list-orders"}},
		Mode:  ModeSequential,
	})
	require.NoError(t, err)
	require.Equal(t, ModeSequential, res.Mode)
	require.Equal(t, []Layer{
		{Layer: 0, Slugs: []string{"list-orders"}},
		{Layer: 1, Slugs: []string{"order-steps"}},
	}, res.Layers)

	// Submitted order preserved even though execution order differed.
	require.Equal(t, "order-steps", res.Results[0].Slug)
	require.Equal(t, "list-orders", res.Results[1].Slug)

	steps := res.Results[0]
	require.Equal(t, StatusFulfilled, steps.Status)
	require.Equal(t, 1, steps.Layer)
	require.Equal(t, map[string]string{"order": "ORD-1", "plant": "P100"}, steps.InjectedParams)
	require.Equal(t, "/steps?order=ORD-1&plant=P100", steps.Path)
	require.Equal(t, []string{"/orders", "/steps?order=ORD-1&plant=P100"}, runner.paths())
}

func TestRunSequentialCallerParamsWin(t *testing.T) {
	runner := &fakeRunner{respond: func(req executor.Request) (*executor.Result, error) {
		if req.Path == "/a" {
			return okJSON(`{"id":"injected"}`)
		}
		return okJSON(`{}`)
	}}
	o := New(fakeDefs{
		"a": def("a", "GET", "/a", nil, nil),
		"b": def("b", "GET", "/b",
			[]store.QueryParam{{Name: "id"}},
			[]store.Dependency{{APISlug: "a", FieldMappings: []store.FieldMapping{{Source: "id", Target: "id"}}}}),
	}, runner, nil)

	res, err := o.Run(t.Context(), testConn, Plan{
		Calls: []Call{{Slug: "a"}, {Slug: "b", Params: map[string]string{"id": "caller"}}},
		Mode:  ModeSequential,
	})
	require.NoError(t, err)
	require.Equal(t, "/b?id=caller", res.Results[1].Path)
	require.Equal(t, map[string]string{"id": "injected"}, res.Results[1].InjectedParams,
		"injection is still reported even when overridden")
}

func TestRunSequentialPlaceholderConsumesParam(t *testing.T) {
	runner := &fakeRunner{respond: func(req executor.Request) (*executor.Result, error) {
		if req.Path == "/orders" {
			return okJSON(`{"value":[{"order":"ORD 1"}]}`)
		}
		return okJSON(`{}`)
	}}
	o := New(fakeDefs{
		"orders": def("orders", "GET", "/orders", nil, nil),
		"detail": def("detail", "GET", "/orders/{order}/detail",
			[]store.QueryParam{{Name: "order"}},
			[]store.Dependency{{APISlug: "orders", FieldMappings: []store.FieldMapping{{Source: "value[0].order", Target: "order"}}}}),
	}, runner, nil)

	res, err := o.Run(t.Context(), testConn, Plan{
		Calls: []Call{{Slug: "orders"}, {Slug: "detail"}},
		Mode:  ModeSequential,
	})
	require.NoError(t, err)
	require.Equal(t, "/orders/ORD%201/detail", res.Results[1].Path,
		"placeholder is escaped and not repeated as a query parameter")
}

func TestRunSequentialBodyInjection(t *testing.T) {
	runner := &fakeRunner{respond: func(req executor.Request) (*executor.Result, error) {
		if req.Path == "/orders" {
			return okJSON(`{"value":[{"order":"ORD-1"}]}`)
		}
		return okJSON(`{}`)
	}}
	o := New(fakeDefs{
		"orders": def("orders", "GET", "/orders", nil, nil),
		"release": def("release", "POST", "/orders/release", nil,
			[]store.Dependency{{APISlug: "orders", FieldMappings: []store.FieldMapping{
				{Source: "value[0].order", Target: "body.order.id"},
			}}}),
	}, runner, nil)

	res, err := o.Run(t.Context(), testConn, Plan{
		Calls: []Call{{Slug: "orders"}, {Slug: "release", Body: json.RawMessage(`{"quantity":1}`)}},
		Mode:  ModeSequential,
	})
	require.NoError(t, err)
	require.Equal(t, StatusFulfilled, res.Results[1].Status)
	require.Len(t, runner.requests, 2)
	require.JSONEq(t, `{"quantity":1,"order":{"id":"ORD-1"}}`, string(runner.requests[1].Body),
		"body-targeted mappings mutate the request body, not the query")
	require.Equal(t, "/orders/release", res.Results[1].Path, "nothing leaks into the query string")
}

func TestApplyBodyParams(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		params   map[string]string
		wantBody string
		wantRest map[string]string
	}{
		{
			name:     "creates object when call had no body",
			params:   map[string]string{"body.sfc": "SFC-9", "plant": "P100"},
			wantBody: `{"sfc":"SFC-9"}`,
			wantRest: map[string]string{"plant": "P100"},
		},
		{
			name:     "nested target merges into existing body",
			body:     `{"keep":true}`,
			params:   map[string]string{"body.order.id": "ORD-1"},
			wantBody: `{"keep":true,"order":{"id":"ORD-1"}}`,
			wantRest: map[string]string{},
		},
		{
			name:     "bare prefix stays a query parameter",
			params:   map[string]string{"body.": "x"},
			wantBody: "",
			wantRest: map[string]string{"body.": "x"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body, rest := applyBodyParams(json.RawMessage(tc.body), tc.params)
			if tc.wantBody == "" {
				require.Empty(t, body)
			} else {
				require.JSONEq(t, tc.wantBody, string(body))
			}
			require.Empty(t, cmp.Diff(tc.wantRest, rest))
		})
	}
}

func TestRunSequentialCycle(t *testing.T) {
	runner := &fakeRunner{respond: func(executor.Request) (*executor.Result, error) {
		return okJSON(`{}`)
	}}
	o := New(fakeDefs{
		"a": def("a", "GET", "/a", nil, []store.Dependency{{APISlug: "b"}}),
		"b": def("b", "GET", "/b", nil, []store.Dependency{{APISlug: "a"}}),
	}, runner, nil)

	res, err := o.Run(t.Context(), testConn, Plan{
		Calls: []Call{{Slug: "a"}, {Slug: "b"}},
		Mode:  ModeSequential,
	})
	require.NoError(t, err)
	require.Empty(t, runner.requests, "a cyclic plan must not reach the upstream")
	require.Nil(t, res.Layers)
	for _, r := range res.Results {
		require.Equal(t, StatusRejected, r.Status)
		require.Contains(t, r.Error, "Circular dependency")
		require.Contains(t, r.Error, "a")
		require.Contains(t, r.Error, "b")
	}
}

func TestRunSequentialMissingDefinition(t *testing.T) {
	runner := &fakeRunner{respond: func(executor.Request) (*executor.Result, error) {
		return okJSON(`{}`)
	}}
	o := New(fakeDefs{"known": def("known", "GET", "/known", nil, nil)}, runner, nil)

	res, err := o.Run(t.Context(), testConn, Plan{
		Calls: []Call{{Slug: "known"}, {Slug: "ghost"}},
		Mode:  ModeSequential,
	})
	require.NoError(t, err)
	require.Equal(t, StatusFulfilled, res.Results[0].Status)
	require.Equal(t, StatusRejected, res.Results[1].Status)
	require.Equal(t, "API definition not found: ghost", res.Results[1].Error)
	require.Equal(t, []string{"/known"}, runner.paths())
}

func TestRunRejectedDependencyDoesNotStopDependents(t *testing.T) {
	runner := &fakeRunner{respond: func(req executor.Request) (*executor.Result, error) {
		if req.Path == "/a" {
			return nil, &executor.Error{Code: executor.CodeUnreachable, Message: "Upstream connection failed"}
		}
		return okJSON(`{}`)
	}}
	o := New(fakeDefs{
		"a": def("a", "GET", "/a", nil, nil),
		"b": def("b", "GET", "/b",
			[]store.QueryParam{{Name: "id"}},
			[]store.Dependency{{APISlug: "a", FieldMappings: []store.FieldMapping{{Source: "id", Target: "id"}}}}),
	}, runner, nil)

	res, err := o.Run(t.Context(), testConn, Plan{
		Calls: []Call{{Slug: "a"}, {Slug: "b"}},
		Mode:  ModeSequential,
	})
	require.NoError(t, err)
	require.Equal(t, StatusRejected, res.Results[0].Status)
	require.Equal(t, "Upstream connection failed", res.Results[0].Error)
	require.Equal(t, StatusFulfilled, res.Results[1].Status, "dependents still execute")
	require.Equal(t, "/b", res.Results[1].Path, "the unresolved parameter is simply absent")
	require.Empty(t, res.Results[1].InjectedParams)
}

func TestRunDynamicDeps(t *testing.T) {
	runner := &fakeRunner{respond: func(req executor.Request) (*executor.Result, error) {
		if req.Path == "/a" {
			return okJSON(`{"plant":"P007"}`)
		}
		return okJSON(`{}`)
	}}
	o := New(fakeDefs{
		"a": def("a", "GET", "/a", nil, nil),
		"b": def("b", "GET", "/b", []store.QueryParam{{Name: "plant"}}, nil),
	}, runner, nil)

	res, err := o.Run(t.Context(), testConn, Plan{
		Calls: []Call{{Slug: "a"}, {Slug: "b"}},
		Mode:  ModeSequential,
		Dynamic: map[string][]store.Dependency{
			"b": {{APISlug: "a", FieldMappings: []store.FieldMapping{{Source: "plant", Target: "plant"}}}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []Layer{
		{Layer: 0, Slugs: []string{"a"}},
		{Layer: 1, Slugs: []string{"b"}},
	}, res.Layers, "dynamic deps order the pipeline like static ones")
	require.Equal(t, "/b?plant=P007", res.Results[1].Path)
}

func TestRunNonJSONResponse(t *testing.T) {
	runner := &fakeRunner{respond: func(req executor.Request) (*executor.Result, error) {
		if req.Path == "/a" {
			return okJSON(`not json at all`)
		}
		return okJSON(`{}`)
	}}
	o := New(fakeDefs{
		"a": def("a", "GET", "/a", nil, nil),
		"b": def("b", "GET", "/b",
			[]store.QueryParam{{Name: "x"}},
			[]store.Dependency{{APISlug: "a", FieldMappings: []store.FieldMapping{{Source: "x", Target: "x"}}}}),
	}, runner, nil)

	res, err := o.Run(t.Context(), testConn, Plan{
		Calls: []Call{{Slug: "a"}, {Slug: "b"}},
		Mode:  ModeSequential,
	})
	require.NoError(t, err)
	require.Equal(t, StatusFulfilled, res.Results[0].Status, "unparseable bodies still fulfill")
	require.Equal(t, "not json at all", res.Results[0].ResponseBody)
	require.Equal(t, "/b", res.Results[1].Path, "nothing to extract from a non-JSON body")
}

func TestRunPlanTooLarge(t *testing.T) {
	calls := make([]Call, MaxCalls+1)
	for i := range calls {
		calls[i] = Call{Slug: fmt.Sprintf("s%d", i)}
	}
	o := New(fakeDefs{}, &fakeRunner{}, nil)

	_, err := o.Run(t.Context(), testConn, Plan{Calls: calls, Mode: ModeParallel})
	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, CodePlanTooLarge, oerr.Code)
}

func TestRunPlanInvalid(t *testing.T) {
	runner := &fakeRunner{respond: func(executor.Request) (*executor.Result, error) {
		return okJSON(`{}`)
	}}
	o := New(fakeDefs{}, runner, nil)

	tests := []struct {
		name string
		plan Plan
		want string
	}{
		{name: "empty", plan: Plan{Mode: ModeParallel}, want: "no calls"},
		{name: "bad mode", plan: Plan{Calls: []Call{{Slug: "a"}}, Mode: "pipelined"}, want: "mode must be"},
		{name: "empty slug", plan: Plan{Calls: []Call{{Slug: ""}}, Mode: ModeParallel}, want: "has no slug"},
		{name: "duplicate slug", plan: Plan{Calls: []Call{{Slug: "a"}, {Slug: "a"}}, Mode: ModeParallel}, want: "duplicate call slug"},
		{
			name: "dynamic target not in plan",
			plan: Plan{
				Calls:   []Call{{Slug: "a"}},
				Mode:    ModeSequential,
				Dynamic: map[string][]store.Dependency{"zz": {{APISlug: "a"}}},
			},
			want: `targets "zz"`,
		},
		{
			name: "dynamic source not in plan",
			plan: Plan{
				Calls:   []Call{{Slug: "a"}},
				Mode:    ModeSequential,
				Dynamic: map[string][]store.Dependency{"a": {{APISlug: "zz"}}},
			},
			want: `references "zz"`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Run(t.Context(), testConn, tc.plan)
			var oerr *Error
			require.ErrorAs(t, err, &oerr)
			require.Equal(t, CodePlanInvalid, oerr.Code)
			require.Contains(t, oerr.Message, tc.want)
		})
	}
	require.Empty(t, runner.requests, "invalid plans never reach the upstream")
}

func TestBuildLayers(t *testing.T) {
	t.Run("diamond", func(t *testing.T) {
		layers, leftover := BuildLayers(
			[]string{"d", "b", "c", "a"},
			map[string][]string{
				"b": {"a"},
				"c": {"a"},
				"d": {"b", "c"},
			},
		)
		require.Nil(t, leftover)
		require.Equal(t, []Layer{
			{Layer: 0, Slugs: []string{"a"}},
			{Layer: 1, Slugs: []string{"b", "c"}},
			{Layer: 2, Slugs: []string{"d"}},
		}, layers)
	})
	t.Run("out of set deps are ignored", func(t *testing.T) {
		layers, leftover := BuildLayers(
			[]string{"a", "b"},
			map[string][]string{"a": {"external"}, "b": {"a"}},
		)
		require.Nil(t, leftover)
		require.Equal(t, []Layer{
			{Layer: 0, Slugs: []string{"a"}},
			{Layer: 1, Slugs: []string{"b"}},
		}, layers)
	})
	t.Run("cycle leaves leftover", func(t *testing.T) {
		layers, leftover := BuildLayers(
			[]string{"a", "b", "c"},
			map[string][]string{"a": {"b"}, "b": {"a"}},
		)
		require.Equal(t, []Layer{{Layer: 0, Slugs: []string{"c"}}}, layers)
		require.Equal(t, []string{"a", "b"}, leftover)
	})
	t.Run("no deps is one layer", func(t *testing.T) {
		layers, leftover := BuildLayers([]string{"x", "y"}, nil)
		require.Nil(t, leftover)
		require.Equal(t, []Layer{{Layer: 0, Slugs: []string{"x", "y"}}}, layers)
	})
}
