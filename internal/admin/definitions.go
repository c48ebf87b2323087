// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sdmg/gateway/internal/store"
)

type definitionPayload struct {
	Slug           string                `json:"slug" validate:"required,max=80"`
	Name           string                `json:"name" validate:"required"`
	Method         string                `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Path           string                `json:"path" validate:"required"`
	QueryParams    []store.QueryParam    `json:"query_params,omitempty"`
	RequestHeaders map[string]string     `json:"request_headers,omitempty"`
	RequestBody    json.RawMessage       `json:"request_body,omitempty"`
	DependsOn      []store.Dependency    `json:"depends_on,omitempty"`
	ResponseFields []store.ResponseField `json:"response_fields,omitempty"`
	Tags           []string              `json:"tags,omitempty"`
}

type importRequest struct {
	Definitions []definitionPayload `json:"definitions" validate:"required,min=1,dive"`
}

func (s *Server) handleImportDefinitions(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var req importRequest
	if !decodeValid(w, r, &req) {
		return
	}
	defs := make([]store.Definition, len(req.Definitions))
	for i, p := range req.Definitions {
		defs[i] = store.Definition{
			TenantID:       sess.tenantID,
			Slug:           p.Slug,
			Name:           p.Name,
			Method:         strings.ToUpper(p.Method),
			Path:           p.Path,
			QueryParams:    p.QueryParams,
			RequestHeaders: p.RequestHeaders,
			RequestBody:    p.RequestBody,
			DependsOn:      p.DependsOn,
			ResponseFields: p.ResponseFields,
			Tags:           p.Tags,
			Version:        1,
			Active:         true,
		}
	}
	inserted, err := s.store.ImportDefinitions(r.Context(), defs)
	if err != nil {
		s.logger.Error("import definitions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	s.logger.Info("definitions imported",
		slog.Int("received", len(defs)), slog.Int("inserted", inserted), slog.String("tenant_id", sess.tenantID))
	writeJSON(w, http.StatusOK, map[string]int{"imported": inserted, "received": len(defs)})
}

type definitionResponse struct {
	ID             string                `json:"id"`
	Slug           string                `json:"slug"`
	Name           string                `json:"name"`
	Method         string                `json:"method"`
	Path           string                `json:"path"`
	QueryParams    []store.QueryParam    `json:"query_params,omitempty"`
	DependsOn      []store.Dependency    `json:"depends_on,omitempty"`
	ResponseFields []store.ResponseField `json:"response_fields,omitempty"`
	Tags           []string              `json:"tags,omitempty"`
	Version        int                   `json:"version"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	q := r.URL.Query()
	filter := store.DefinitionFilter{
		Query:  q.Get("q"),
		Limit:  intParam(q.Get("limit")),
		Offset: intParam(q.Get("offset")),
	}
	if raw := q.Get("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				filter.Tags = append(filter.Tags, tag)
			}
		}
	}

	defs, total, err := s.store.ListDefinitions(r.Context(), sess.tenantID, filter)
	if err != nil {
		s.logger.Error("list definitions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	out := make([]definitionResponse, len(defs))
	for i := range defs {
		d := &defs[i]
		out[i] = definitionResponse{
			ID:             d.ID,
			Slug:           d.Slug,
			Name:           d.Name,
			Method:         d.Method,
			Path:           d.Path,
			QueryParams:    d.QueryParams,
			DependsOn:      d.DependsOn,
			ResponseFields: d.ResponseFields,
			Tags:           d.Tags,
			Version:        d.Version,
			CreatedAt:      d.CreatedAt,
			UpdatedAt:      d.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"definitions": out,
		"total":       total,
	})
}

// intParam parses a numeric query parameter, treating garbage as absent.
func intParam(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
