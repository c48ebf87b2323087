// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package apikey defines the gateway API key format: "sdmg_" followed by
// 40 hex characters. Only the SHA-256 of a key is ever persisted.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
)

const (
	// Prefix starts every gateway API key.
	Prefix = "sdmg_"
	// TotalLength is the plaintext length: prefix + 40 hex chars.
	TotalLength = 45
	// DisplayLength is how much of the plaintext is stored for display.
	DisplayLength = 12

	randomBytes = 20
)

// Mint generates a fresh key from r (crypto/rand when nil).
func Mint(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	raw := make([]byte, randomBytes)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	return Prefix + hex.EncodeToString(raw), nil
}

// WellFormed reports whether plaintext has the key shape. It exists so the
// authenticator can refuse garbage without a database round-trip.
func WellFormed(plaintext string) bool {
	return strings.HasPrefix(plaintext, Prefix) && len(plaintext) == TotalLength
}

// Hash returns the hex SHA-256 of the full plaintext, the only stored form.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// DisplayPrefix returns the leading chars of plaintext shown in listings.
func DisplayPrefix(plaintext string) string {
	if len(plaintext) < DisplayLength {
		return plaintext
	}
	return plaintext[:DisplayLength]
}
