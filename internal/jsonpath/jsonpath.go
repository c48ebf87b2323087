// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package jsonpath implements the dependency-extraction path dialect used by
// API definitions: dot-separated fields with [N] array indexing, where a bare
// [] means [0]. Examples: "value[0].plant", "value[].material",
// "resources.list[3].name".
package jsonpath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Step selects one traversal hop: an object field when Name is non-empty,
// otherwise the array element at Index.
type Step struct {
	Name  string
	Index int
}

// Path is a parsed sequence of steps.
type Path []Step

// Parse compiles raw into a Path. The grammar is deliberately small; anything
// outside it is a syntax error rather than a best-effort guess.
func Parse(raw string) (Path, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty path")
	}
	var path Path
	for _, seg := range strings.Split(raw, ".") {
		name, brackets, err := splitSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", raw, err)
		}
		if name == "" && len(brackets) == 0 {
			return nil, fmt.Errorf("path %q: empty segment", raw)
		}
		if name != "" {
			path = append(path, Step{Name: name})
		}
		for _, b := range brackets {
			path = append(path, Step{Index: b})
		}
	}
	return path, nil
}

// splitSegment separates "list[3][0]" into "list" and [3, 0].
func splitSegment(seg string) (name string, indexes []int, err error) {
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		if strings.ContainsAny(seg, "]") {
			return "", nil, fmt.Errorf("unmatched %q in %q", "]", seg)
		}
		return seg, nil, nil
	}
	name = seg[:open]
	rest := seg[open:]
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, fmt.Errorf("unexpected %q in %q", string(rest[0]), seg)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return "", nil, fmt.Errorf("unmatched %q in %q", "[", seg)
		}
		inner := rest[1:end]
		if inner == "" {
			// [] selects the first element
			indexes = append(indexes, 0)
		} else {
			n, aerr := strconv.Atoi(inner)
			if aerr != nil || n < 0 {
				return "", nil, fmt.Errorf("bad index %q in %q", inner, seg)
			}
			indexes = append(indexes, n)
		}
		rest = rest[end+1:]
	}
	return name, indexes, nil
}

// Extract walks doc along the path. ok is false when any hop is missing or
// of the wrong kind; that is the "undefined" case, not an error.
func (p Path) Extract(doc gjson.Result) (v gjson.Result, ok bool) {
	cur := doc
	for _, step := range p {
		switch {
		case step.Name != "":
			if !cur.IsObject() {
				return gjson.Result{}, false
			}
			next, exists := cur.Map()[step.Name]
			if !exists {
				return gjson.Result{}, false
			}
			cur = next
		default:
			if !cur.IsArray() {
				return gjson.Result{}, false
			}
			arr := cur.Array()
			if step.Index >= len(arr) {
				return gjson.Result{}, false
			}
			cur = arr[step.Index]
		}
	}
	return cur, true
}

// Render is the string form a resolved value takes when injected into a
// parameter: scalars as their literal text, null as "null", composites as
// their JSON text.
func Render(v gjson.Result) string {
	if v.Type == gjson.Null {
		return "null"
	}
	return v.String()
}

// Leaf returns the final field name of raw, the key under which providers
// advertise the value. Index steps are skipped: the leaf of
// "value[0].plant" is "plant", of "items[3]" is "items".
func Leaf(raw string) string {
	p, err := Parse(raw)
	if err != nil {
		return ""
	}
	for i := len(p) - 1; i >= 0; i-- {
		if p[i].Name != "" {
			return p[i].Name
		}
	}
	return ""
}
