// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version exposes the build version stamped by the Go linker.
package version

import "strings"

// version is populated by the Go linker from the release tooling. Builds made
// without it report "dev".
var version string

// String returns the human-readable build version.
//
// Release builds carry a plain tag such as "1.4.2". Snapshot builds carry
// "<tag>-<n>-g<sha>" straight from git describe; those are reported as
// "<sha> (<tag>+<n>)" so logs identify the exact commit.
func String() string {
	v := strings.TrimSpace(version)
	if v == "" {
		return "dev"
	}
	parts := strings.Split(v, "-")
	if len(parts) < 3 {
		return v
	}
	sha := parts[len(parts)-1]
	n := parts[len(parts)-2]
	if !strings.HasPrefix(sha, "g") || !isDigits(n) {
		return v
	}
	tag := strings.Join(parts[:len(parts)-2], "-")
	if n == "0" {
		return tag
	}
	return sha[1:] + " (" + tag + "+" + n + ")"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
