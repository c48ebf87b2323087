// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sdmg/gateway/internal/store"
)

type useCaseRequest struct {
	Slug            string            `json:"slug" validate:"required,max=80"`
	Title           string            `json:"title" validate:"required,max=200"`
	Slugs           []string          `json:"slugs" validate:"required,min=1,dive,required"`
	RequiredContext []string          `json:"required_context,omitempty"`
	ContextDefaults map[string]string `json:"context_defaults,omitempty"`
	Overrides       store.OverrideMap `json:"overrides,omitempty"`
}

type useCaseResponse struct {
	ID              string            `json:"id"`
	Slug            string            `json:"slug"`
	Title           string            `json:"title"`
	Slugs           []string          `json:"slugs"`
	RequiredContext []string          `json:"required_context,omitempty"`
	ContextDefaults map[string]string `json:"context_defaults,omitempty"`
	Overrides       store.OverrideMap `json:"overrides,omitempty"`
	Active          bool              `json:"active"`
	CreatedAt       time.Time         `json:"created_at"`
}

func toUseCaseResponse(u *store.UseCase) useCaseResponse {
	return useCaseResponse{
		ID:              u.ID,
		Slug:            u.Slug,
		Title:           u.Title,
		Slugs:           u.Slugs,
		RequiredContext: u.RequiredContext,
		ContextDefaults: u.ContextDefaults,
		Overrides:       u.Overrides,
		Active:          u.Active,
		CreatedAt:       u.CreatedAt,
	}
}

func (s *Server) handleListUseCases(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	ucs, err := s.store.ListUseCases(r.Context(), sess.tenantID)
	if err != nil {
		s.logger.Error("list use cases failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	out := make([]useCaseResponse, len(ucs))
	for i := range ucs {
		out[i] = toUseCaseResponse(&ucs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"use_cases": out})
}

func (s *Server) handleCreateUseCase(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	var req useCaseRequest
	if !decodeValid(w, r, &req) {
		return
	}
	uc := &store.UseCase{
		TenantID:        sess.tenantID,
		Slug:            req.Slug,
		Title:           req.Title,
		Slugs:           req.Slugs,
		RequiredContext: req.RequiredContext,
		ContextDefaults: req.ContextDefaults,
		Overrides:       req.Overrides,
		Active:          true,
	}
	if err := s.store.CreateUseCase(r.Context(), uc); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "A use case with this slug already exists", "ALREADY_EXISTS")
			return
		}
		s.logger.Error("create use case failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	s.logger.Info("use case created", slog.String("slug", uc.Slug), slog.String("tenant_id", sess.tenantID))
	writeJSON(w, http.StatusCreated, toUseCaseResponse(uc))
}
