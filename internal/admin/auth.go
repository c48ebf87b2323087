// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package admin

import (
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/sdmg/gateway/internal/adminauth"
	"github.com/sdmg/gateway/internal/store"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// dummyHash is compared when the email is unknown so both failure paths
// cost one bcrypt verification.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeValid(w, r, &req) {
		return
	}
	user, err := s.store.UserByEmail(r.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
		writeError(w, http.StatusUnauthorized, "Invalid email or password", "INVALID_CREDENTIALS")
		return
	}
	if err != nil {
		s.logger.Error("user lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid email or password", "INVALID_CREDENTIALS")
		return
	}
	if !user.Active {
		writeError(w, http.StatusForbidden, "Account is deactivated", "USER_DEACTIVATED")
		return
	}

	pair, err := s.issuer.Issue(user.ID, user.TenantID)
	if err != nil {
		s.logger.Error("token issue failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	s.logger.Info("user logged in", slog.String("user_id", user.ID), slog.String("tenant_id", user.TenantID))
	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeValid(w, r, &req) {
		return
	}
	pair, err := s.issuer.Rotate(req.RefreshToken)
	if err != nil {
		msg, code := authFailure(err)
		writeError(w, http.StatusUnauthorized, msg, code)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleLogout revokes the presented access token, and the refresh token
// too when the body carries one.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if !decodeValid(w, r, &req) {
		return
	}
	sess := sessionFrom(r.Context())
	s.issuer.Revoke(sess.claims)
	if req.RefreshToken != "" {
		if claims, err := s.issuer.Verify(req.RefreshToken, adminauth.TypeRefresh); err == nil {
			s.issuer.Revoke(claims)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
