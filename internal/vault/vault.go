// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package vault encrypts upstream client secrets at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"
	"slices"
)

// Error codes returned by this package.
const (
	CodeKeyInvalid    = "KEY_INVALID"
	CodeDecryptFailed = "DECRYPT_FAILED"
)

const (
	keyHexLength = 64 // 32 bytes, hex encoded
	ivSize       = 16
	tagSize      = 16
)

// Error reports a vault failure. Decryption failures are deliberately
// uniform: callers learn nothing about which part of the envelope was wrong.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

var errDecrypt = &Error{Code: CodeDecryptFailed, Message: "decryption failed"}

// Crypto seals and opens secret strings. Implemented by Vault; declared as
// an interface so handlers can take a test double.
type Crypto interface {
	// Encrypt seals plaintext and returns the base64 envelope.
	Encrypt(plaintext string) (string, error)
	// Decrypt opens a base64 envelope produced by Encrypt.
	Decrypt(encrypted string) (string, error)
}

// Vault is an AES-256-GCM Crypto with a fixed key.
//
// Envelope layout, base64 std encoded: IV(16) || TAG(16) || CIPHERTEXT.
// The tag precedes the ciphertext, so stored blobs stay compatible with the
// deployments this gateway replaces.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a 64-char hex key. Any other key shape fails with
// KEY_INVALID.
func New(hexKey string) (*Vault, error) {
	if len(hexKey) != keyHexLength {
		return nil, &Error{Code: CodeKeyInvalid, Message: "encryption key must be 64 hex characters"}
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, &Error{Code: CodeKeyInvalid, Message: "encryption key must be 64 hex characters"}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &Error{Code: CodeKeyInvalid, Message: "encryption key rejected"}
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, &Error{Code: CodeKeyInvalid, Message: "encryption key rejected"}
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	// Seal appends the tag after the ciphertext; the envelope wants it first.
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return base64.StdEncoding.EncodeToString(slices.Concat(iv, tag, ct)), nil
}

// Decrypt opens an envelope. Bad base64, truncation, tampering and
// wrong-key failures all come back as the same DECRYPT_FAILED error.
func (v *Vault) Decrypt(encrypted string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", errDecrypt
	}
	if len(data) < ivSize+tagSize {
		return "", errDecrypt
	}
	iv := data[:ivSize]
	tag := data[ivSize : ivSize+tagSize]
	ct := data[ivSize+tagSize:]
	plaintext, err := v.aead.Open(nil, iv, slices.Concat(ct, tag), nil)
	if err != nil {
		return "", errDecrypt
	}
	return string(plaintext), nil
}
