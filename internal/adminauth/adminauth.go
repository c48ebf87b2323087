// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package adminauth issues and verifies the HS256 JWTs guarding the
// management surface. An access token is short-lived and presented on every
// request; a refresh token is long-lived and single-use: rotating it revokes
// the presented jti, so a replayed refresh token dies on the revocation set.
package adminauth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sdmg/gateway/internal/revocation"
)

// Token type values carried in the "typ" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	// ErrTokenInvalid covers malformed tokens, bad signatures, and wrong
	// signing methods.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned for structurally valid but stale tokens.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked is returned when the jti is on the revocation set.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrWrongType is returned when an access token is presented where a
	// refresh token is required, or vice versa.
	ErrWrongType = errors.New("wrong token type")
)

// Claims is the payload of both token kinds.
type Claims struct {
	TenantID  string `json:"ten"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Pair is a freshly issued access/refresh token pair.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`
}

// Issuer signs and verifies management tokens with a shared HS256 secret.
type Issuer struct {
	secret        []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	revoked       *revocation.Set
	now           func() time.Time
}

// New builds an Issuer. revoked may be shared with other consumers; it is
// consulted on every Verify.
func New(secret string, accessExpiry, refreshExpiry time.Duration, revoked *revocation.Set) *Issuer {
	return &Issuer{
		secret:        []byte(secret),
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
		revoked:       revoked,
		now:           time.Now,
	}
}

// Issue mints a fresh pair for userID within tenantID.
func (i *Issuer) Issue(userID, tenantID string) (*Pair, error) {
	access, err := i.sign(userID, tenantID, TypeAccess, i.accessExpiry)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(userID, tenantID, TypeRefresh, i.refreshExpiry)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(i.accessExpiry / time.Second),
	}, nil
}

func (i *Issuer) sign(userID, tenantID, typ string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := &Claims{
		TenantID:  tenantID,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify parses raw, checks the signature, expiry, type, and revocation
// state, and returns the claims. wantType is TypeAccess or TypeRefresh.
func (i *Issuer) Verify(raw, wantType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return i.now() }),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, ErrTokenInvalid
	}
	if claims.TokenType != wantType {
		return nil, ErrWrongType
	}
	if i.revoked != nil && i.revoked.Revoked(claims.ID) {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Rotate verifies a refresh token, revokes it, and issues a fresh pair.
// The revocation happens before issuing, so a concurrent replay of the same
// refresh token loses the race at Verify.
func (i *Issuer) Rotate(refreshToken string) (*Pair, error) {
	claims, err := i.Verify(refreshToken, TypeRefresh)
	if err != nil {
		return nil, err
	}
	i.Revoke(claims)
	return i.Issue(claims.Subject, claims.TenantID)
}

// Revoke inserts the token's jti into the revocation set until its natural
// expiry.
func (i *Issuer) Revoke(claims *Claims) {
	if i.revoked == nil || claims == nil || claims.ExpiresAt == nil {
		return
	}
	i.revoked.Revoke(claims.ID, claims.ExpiresAt.Time)
}
