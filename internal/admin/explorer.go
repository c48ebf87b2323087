// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sdmg/gateway/internal/executor"
	"github.com/sdmg/gateway/internal/store"
	"github.com/sdmg/gateway/internal/tokencache"
)

type explorerRequest struct {
	ConnectionID string            `json:"connection_id" validate:"required,uuid4"`
	Method       string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Path         string            `json:"path" validate:"required"`
	Query        map[string]string `json:"query,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
}

// handleExplorerExecute runs one buffered call against a connection so an
// operator can try an endpoint before wiring a definition to it.
func (s *Server) handleExplorerExecute(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var req explorerRequest
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

	result, err := s.explorer.Execute(r.Context(), conn, executor.Request{
		Method:  req.Method,
		Path:    req.Path,
		Query:   req.Query,
		Headers: req.Headers,
		Body:    req.Body,
	})
	if err != nil {
		status, msg, code := explorerFailure(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("explorer execution failed", slog.String("error", err.Error()))
		}
		writeError(w, status, msg, code)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// explorerFailure maps execution errors onto the envelope. Upstream HTTP
// statuses are not errors; they arrive inside the result.
func explorerFailure(err error) (status int, msg, code string) {
	var eerr *executor.Error
	if errors.As(err, &eerr) {
		switch eerr.Code {
		case executor.CodeInactive:
			return http.StatusBadRequest, eerr.Message, eerr.Code
		case executor.CodeTimeout:
			return http.StatusGatewayTimeout, eerr.Message, eerr.Code
		default:
			return http.StatusBadGateway, eerr.Message, eerr.Code
		}
	}
	var terr *tokencache.Error
	if errors.As(err, &terr) {
		return http.StatusBadGateway, terr.Message, terr.Code
	}
	return http.StatusInternalServerError, "Internal server error", "INTERNAL"
}
