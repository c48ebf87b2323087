// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package admin

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sdmg/gateway/internal/apikey"
	"github.com/sdmg/gateway/internal/store"
)

type mintKeyRequest struct {
	ConnectionID  string `json:"connection_id" validate:"required,uuid4"`
	Label         string `json:"label" validate:"max=120"`
	ExpiresInDays int    `json:"expires_in_days" validate:"omitempty,min=1,max=3650"`
}

// mintKeyResponse is the only place a key plaintext ever appears.
type mintKeyResponse struct {
	ID           string     `json:"id"`
	APIKey       string     `json:"api_key"`
	Prefix       string     `json:"prefix"`
	Label        string     `json:"label,omitempty"`
	ConnectionID string     `json:"connection_id"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type keyResponse struct {
	ID           string     `json:"id"`
	ConnectionID string     `json:"connection_id"`
	Prefix       string     `json:"prefix"`
	Label        string     `json:"label,omitempty"`
	Active       bool       `json:"active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RequestCount int64      `json:"request_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (s *Server) handleMintKey(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var req mintKeyRequest
	if !decodeValid(w, r, &req) {
		return
	}
	conn, err := s.store.ConnectionForUser(r.Context(), req.ConnectionID, sess.userID, sess.tenantID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Connection not found", "NOT_FOUND")
		return
	}
	if err != nil {
		s.logger.Error("get connection failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}

	plaintext, err := apikey.Mint(nil)
	if err != nil {
		s.logger.Error("key mint failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	token := &store.APIToken{
		UserID:       sess.userID,
		TenantID:     sess.tenantID,
		ConnectionID: conn.ID,
		TokenHash:    apikey.Hash(plaintext),
		TokenPrefix:  apikey.DisplayPrefix(plaintext),
		Label:        req.Label,
		Active:       true,
	}
	if req.ExpiresInDays > 0 {
		token.ExpiresAt = sql.NullTime{
			Time:  time.Now().AddDate(0, 0, req.ExpiresInDays).UTC(),
			Valid: true,
		}
	}
	if err := s.store.CreateToken(r.Context(), token); err != nil {
		s.logger.Error("create token failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	s.logger.Info("api key minted",
		slog.String("token_id", token.ID), slog.String("connection_id", conn.ID))
	writeJSON(w, http.StatusCreated, mintKeyResponse{
		ID:           token.ID,
		APIKey:       plaintext,
		Prefix:       token.TokenPrefix,
		Label:        token.Label,
		ConnectionID: token.ConnectionID,
		ExpiresAt:    nullTimePtr(token.ExpiresAt),
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	tokens, err := s.store.ListTokens(r.Context(), sess.tenantID)
	if err != nil {
		s.logger.Error("list tokens failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	out := make([]keyResponse, len(tokens))
	for i := range tokens {
		t := &tokens[i]
		out[i] = keyResponse{
			ID:           t.ID,
			ConnectionID: t.ConnectionID,
			Prefix:       t.TokenPrefix,
			Label:        t.Label,
			Active:       t.Active,
			ExpiresAt:    nullTimePtr(t.ExpiresAt),
			LastUsedAt:   nullTimePtr(t.LastUsedAt),
			RequestCount: t.RequestCount,
			CreatedAt:    t.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleDeactivateKey(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	err := s.store.DeactivateToken(r.Context(), chi.URLParam(r, "id"), sess.tenantID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "API key not found", "NOT_FOUND")
		return
	}
	if err != nil {
		s.logger.Error("deactivate token failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
