// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package jsonpath

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParse(t *testing.T) {
	tests := []struct {
		raw  string
		want Path
	}{
		{raw: "plant", want: Path{{Name: "plant"}}},
		{raw: "value[0].plant", want: Path{{Name: "value"}, {Index: 0}, {Name: "plant"}}},
		{raw: "value[].material", want: Path{{Name: "value"}, {Index: 0}, {Name: "material"}}},
		{raw: "resources.list[3].name", want: Path{{Name: "resources"}, {Name: "list"}, {Index: 3}, {Name: "name"}}},
		{raw: "grid[1][2]", want: Path{{Name: "grid"}, {Index: 1}, {Index: 2}}},
		{raw: "[0].id", want: Path{{Index: 0}, {Name: "id"}}},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := Parse(tc.raw)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{
		"",
		".",
		"a..b",
		"a[",
		"a[x]",
		"a[-1]",
		"a]b",
		"a[0]b",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := Parse(raw)
			require.Error(t, err)
		})
	}
}

func TestExtract(t *testing.T) {
	doc := gjson.Parse(`{
		"value": [{"plant": "P1", "material": "M-100"}, {"plant": "P2"}],
		"resources": {"list": [{"name": "a"}, {"name": "b"}, {"name": "c"}, {"name": "d"}]},
		"count": 42,
		"active": true,
		"nothing": null
	}`)

	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{raw: "value[0].plant", want: "P1", ok: true},
		{raw: "value[].material", want: "M-100", ok: true},
		{raw: "value[1].plant", want: "P2", ok: true},
		{raw: "resources.list[3].name", want: "d", ok: true},
		{raw: "count", want: "42", ok: true},
		{raw: "active", want: "true", ok: true},
		{raw: "nothing", want: "null", ok: true},
		{raw: "value[5].plant", ok: false},   // index out of range
		{raw: "value[0].missing", ok: false}, // absent field
		{raw: "count[0]", ok: false},         // index into scalar
		{raw: "value.plant", ok: false},      // field into array
		{raw: "absent.any", ok: false},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			p, err := Parse(tc.raw)
			require.NoError(t, err)
			v, ok := p.Extract(doc)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.want, Render(v))
			}
		})
	}
}

func TestRenderComposite(t *testing.T) {
	doc := gjson.Parse(`{"obj": {"a": 1}, "arr": [1, 2]}`)
	p, err := Parse("obj")
	require.NoError(t, err)
	v, ok := p.Extract(doc)
	require.True(t, ok)
	require.JSONEq(t, `{"a": 1}`, Render(v))

	p, err = Parse("arr")
	require.NoError(t, err)
	v, ok = p.Extract(doc)
	require.True(t, ok)
	require.JSONEq(t, `[1, 2]`, Render(v))
}

func TestLeaf(t *testing.T) {
	require.Equal(t, "plant", Leaf("value[0].plant"))
	require.Equal(t, "material", Leaf("value[].material"))
	require.Equal(t, "items", Leaf("items[3]"))
	require.Equal(t, "plant", Leaf("plant"))
	require.Equal(t, "", Leaf("[0]"))
	require.Equal(t, "", Leaf("a[x]"))
}
