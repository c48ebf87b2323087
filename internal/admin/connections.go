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

	"github.com/sdmg/gateway/internal/store"
	"github.com/sdmg/gateway/internal/urlcheck"
)

// connectionRequest serves create and update. client_secret is required on
// create; an empty one on update keeps the stored secret.
type connectionRequest struct {
	Name         string `json:"name" validate:"required,max=120"`
	SAPBaseURL   string `json:"sap_base_url" validate:"required,url"`
	TokenURL     string `json:"token_url" validate:"required,url"`
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret"`
	AgentAPIURL  string `json:"agent_api_url" validate:"omitempty,url"`
	AgentAPIKey  string `json:"agent_api_key"`
}

// connectionResponse is a connection with its secrets stripped. Presence of
// the agent key is reported, never the key itself.
type connectionResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	SAPBaseURL      string    `json:"sap_base_url"`
	TokenURL        string    `json:"token_url"`
	ClientID        string    `json:"client_id"`
	AgentAPIURL     string    `json:"agent_api_url,omitempty"`
	AgentConfigured bool      `json:"agent_configured"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toConnectionResponse(c *store.Connection) connectionResponse {
	return connectionResponse{
		ID:              c.ID,
		Name:            c.Name,
		SAPBaseURL:      c.SAPBaseURL,
		TokenURL:        c.TokenURL,
		ClientID:        c.ClientID,
		AgentAPIURL:     c.AgentAPIURL.String,
		AgentConfigured: c.AgentAPIURL.Valid && c.AgentAPIKeyEnc.Valid,
		Active:          c.Active,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	conns, err := s.store.ListConnections(r.Context(), sess.tenantID)
	if err != nil {
		s.logger.Error("list connections failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	out := make([]connectionResponse, len(conns))
	for i := range conns {
		out[i] = toConnectionResponse(&conns[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	conn, err := s.store.ConnectionForUser(r.Context(), chi.URLParam(r, "id"), sess.userID, sess.tenantID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Connection not found", "NOT_FOUND")
		return
	}
	if err != nil {
		s.logger.Error("get connection failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, toConnectionResponse(conn))
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var req connectionRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if req.ClientSecret == "" {
		writeError(w, http.StatusBadRequest, "Validation failed: client_secret is required", "VALIDATION_FAILED")
		return
	}
	if !s.checkAgentPair(w, req.AgentAPIURL, req.AgentAPIKey) {
		return
	}
	if !s.checkURLs(w, r, req.SAPBaseURL, req.TokenURL, req.AgentAPIURL) {
		return
	}

	secretEnc, err := s.secrets.Encrypt(req.ClientSecret)
	if err != nil {
		s.logger.Error("secret encryption failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	conn := &store.Connection{
		UserID:          sess.userID,
		TenantID:        sess.tenantID,
		Name:            req.Name,
		SAPBaseURL:      req.SAPBaseURL,
		TokenURL:        req.TokenURL,
		ClientID:        req.ClientID,
		ClientSecretEnc: secretEnc,
		Active:          true,
	}
	if req.AgentAPIURL != "" {
		agentEnc, err := s.secrets.Encrypt(req.AgentAPIKey)
		if err != nil {
			s.logger.Error("agent key encryption failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
			return
		}
		conn.AgentAPIURL = sql.NullString{String: req.AgentAPIURL, Valid: true}
		conn.AgentAPIKeyEnc = sql.NullString{String: agentEnc, Valid: true}
	}

	if err := s.store.CreateConnection(r.Context(), conn); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "A connection with this name already exists", "ALREADY_EXISTS")
			return
		}
		s.logger.Error("create connection failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	s.logger.Info("connection created",
		slog.String("connection_id", conn.ID), slog.String("tenant_id", sess.tenantID))
	writeJSON(w, http.StatusCreated, toConnectionResponse(conn))
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var req connectionRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if !s.checkAgentPair(w, req.AgentAPIURL, req.AgentAPIKey) {
		return
	}
	if !s.checkURLs(w, r, req.SAPBaseURL, req.TokenURL, req.AgentAPIURL) {
		return
	}

	conn, err := s.store.ConnectionForUser(r.Context(), chi.URLParam(r, "id"), sess.userID, sess.tenantID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Connection not found", "NOT_FOUND")
		return
	}
	if err != nil {
		s.logger.Error("get connection failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}

	conn.Name = req.Name
	conn.SAPBaseURL = req.SAPBaseURL
	conn.TokenURL = req.TokenURL
	conn.ClientID = req.ClientID
	if req.ClientSecret != "" {
		enc, err := s.secrets.Encrypt(req.ClientSecret)
		if err != nil {
			s.logger.Error("secret encryption failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
			return
		}
		conn.ClientSecretEnc = enc
	}
	switch {
	case req.AgentAPIURL == "":
		// Omitting the agent pair removes it.
		conn.AgentAPIURL = sql.NullString{}
		conn.AgentAPIKeyEnc = sql.NullString{}
	case req.AgentAPIKey != "":
		enc, err := s.secrets.Encrypt(req.AgentAPIKey)
		if err != nil {
			s.logger.Error("agent key encryption failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
			return
		}
		conn.AgentAPIURL = sql.NullString{String: req.AgentAPIURL, Valid: true}
		conn.AgentAPIKeyEnc = sql.NullString{String: enc, Valid: true}
	default:
		// URL without a key keeps the stored key.
		if !conn.AgentAPIKeyEnc.Valid {
			writeError(w, http.StatusBadRequest,
				"Validation failed: agent_api_key is required when agent_api_url is set", "VALIDATION_FAILED")
			return
		}
		conn.AgentAPIURL = sql.NullString{String: req.AgentAPIURL, Valid: true}
	}

	if err := s.store.UpdateConnection(r.Context(), conn); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Connection not found", "NOT_FOUND")
			return
		}
		s.logger.Error("update connection failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	// Credentials may have changed; the cached bearer is no longer trusted.
	if s.tokens != nil {
		s.tokens.Invalidate(conn.ID)
	}
	writeJSON(w, http.StatusOK, toConnectionResponse(conn))
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	id := chi.URLParam(r, "id")
	err := s.store.DeactivateConnection(r.Context(), id, sess.userID, sess.tenantID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Connection not found", "NOT_FOUND")
		return
	}
	if err != nil {
		s.logger.Error("deactivate connection failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	if s.tokens != nil {
		s.tokens.Invalidate(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignmentsRequest struct {
	DefinitionIDs []string `json:"definition_ids" validate:"required,min=1,dive,required"`
}

func (s *Server) handleUpsertAssignments(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var req assignmentsRequest
	if !decodeValid(w, r, &req) {
		return
	}
	conn, err := s.store.ConnectionForUser(r.Context(), chi.URLParam(r, "id"), sess.userID, sess.tenantID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Connection not found", "NOT_FOUND")
		return
	}
	if err != nil {
		s.logger.Error("get connection failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	if err := s.store.UpsertAssignments(r.Context(), conn.ID, req.DefinitionIDs); err != nil {
		s.logger.Error("upsert assignments failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"assigned": len(req.DefinitionIDs)})
}

// checkAgentPair enforces that the agent endpoint and key travel together
// on create. Update relaxes this to allow keeping a stored key.
func (s *Server) checkAgentPair(w http.ResponseWriter, agentURL, agentKey string) bool {
	if agentURL == "" && agentKey != "" {
		writeError(w, http.StatusBadRequest,
			"Validation failed: agent_api_url is required when agent_api_key is set", "VALIDATION_FAILED")
		return false
	}
	return true
}

// checkURLs runs SSRF validation over every URL an operator submitted.
// Rejections surface the checker's stable code so the UI can explain.
func (s *Server) checkURLs(w http.ResponseWriter, r *http.Request, urls ...string) bool {
	for _, raw := range urls {
		if raw == "" {
			continue
		}
		if err := s.urls.Validate(r.Context(), raw); err != nil {
			var uerr *urlcheck.Error
			if errors.As(err, &uerr) {
				writeError(w, http.StatusBadRequest, uerr.Message, uerr.Code)
				return false
			}
			writeError(w, http.StatusBadRequest, "URL validation failed", urlcheck.CodeMalformed)
			return false
		}
	}
	return true
}
