// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sdmg/gateway/internal/autoresolver"
	"github.com/sdmg/gateway/internal/metrics"
	"github.com/sdmg/gateway/internal/orchestrator"
	"github.com/sdmg/gateway/internal/proxy"
	"github.com/sdmg/gateway/internal/store"
	"github.com/sdmg/gateway/internal/tokencache"
)

// maxPlanBody caps orchestration request bodies.
const maxPlanBody = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleDM proxies one request to the connection's SAP upstream with a
// cached bearer, retrying once on 401 with a fresh one.
func (s *Server) handleDM(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	target := upstreamURL(id.Conn.SAPBaseURL, r, "/gw/dm")
	if meta := metaFrom(r.Context()); meta != nil {
		meta.TargetURL = target
		meta.UpstreamTarget = metrics.TargetDM
	}

	token, err := s.tokens.Token(r.Context(), id.Conn.ID)
	if err != nil {
		s.logger.Warn("bearer acquisition failed",
			slog.String("connection_id", id.Conn.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, proxy.MsgTokenFailed, tokenErrCode(err))
		return
	}

	s.proxy.Forward(w, r, proxy.Target{
		URL:       target,
		Overrides: bearerHeader(token),
		Timeout:   s.cfg.UpstreamTimeout,
		Retry401:  s.retryBearer(id.Conn.ID),
	})
}

// handleAgent proxies to the connection's agent endpoint with its stored
// key. No 401 retry: the agent key is static, a rejection will not heal.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	if !id.Conn.AgentAPIURL.Valid || id.Conn.AgentAPIURL.String == "" ||
		!id.Conn.AgentAPIKeyEnc.Valid || id.Conn.AgentAPIKeyEnc.String == "" {
		writeError(w, http.StatusBadRequest, "Agent API is not configured for this connection", "AGENT_NOT_CONFIGURED")
		return
	}
	agentKey, err := s.secrets.Decrypt(id.Conn.AgentAPIKeyEnc.String)
	if err != nil {
		s.logger.Error("agent key decryption failed",
			slog.String("connection_id", id.Conn.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}

	target := upstreamURL(id.Conn.AgentAPIURL.String, r, "/gw/agent")
	if meta := metaFrom(r.Context()); meta != nil {
		meta.TargetURL = target
		meta.UpstreamTarget = metrics.TargetAgent
	}

	overrides := http.Header{}
	overrides.Set("x-api-key", agentKey)
	s.proxy.Forward(w, r, proxy.Target{
		URL:       target,
		Overrides: overrides,
		Timeout:   s.cfg.UpstreamTimeout,
	})
}

// queryRequest is the /gw/query body: either an explicit plan (calls) or an
// auto-resolved one (slugs + context).
type queryRequest struct {
	Calls     []orchestrator.Call `json:"calls"`
	Mode      string              `json:"mode"`
	Slugs     []string            `json:"slugs"`
	Context   map[string]string   `json:"context"`
	Overrides store.OverrideMap   `json:"overrides"`
}

// queryResponse is the run result, plus the resolution when the plan was
// compiled from slugs.
type queryResponse struct {
	*orchestrator.RunResult
	Resolution *autoresolver.Resolution `json:"resolution,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case len(req.Calls) > 0:
		s.runPlan(w, r, orchestrator.Plan{Calls: req.Calls, Mode: req.Mode}, nil)
	case len(req.Slugs) > 0:
		s.runResolved(w, r, req.Slugs, req.Context, req.Overrides)
	default:
		writeError(w, http.StatusBadRequest, "Request must contain calls or slugs", orchestrator.CodePlanInvalid)
	}
}

// handleUseCase runs a stored template: its slugs, auto-resolved, with the
// caller's context merged over the template defaults.
func (s *Server) handleUseCase(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	var req struct {
		Context map[string]string `json:"context"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	uc, err := s.store.UseCaseBySlug(r.Context(), id.TenantID, chi.URLParam(r, "slug"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Use case not found", "NOT_FOUND")
		return
	}
	if err != nil {
		s.logger.Error("use case lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}

	merged := make(map[string]string, len(uc.ContextDefaults)+len(req.Context))
	for k, v := range uc.ContextDefaults {
		merged[k] = v
	}
	for k, v := range req.Context {
		merged[k] = v
	}

	var missing []string
	for _, k := range uc.RequiredContext {
		if _, ok := merged[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		writeError(w, http.StatusBadRequest,
			"Missing required context: "+strings.Join(missing, ", "), "MISSING_CONTEXT")
		return
	}

	s.runResolved(w, r, uc.Slugs, merged, uc.Overrides)
}

// runResolved compiles slugs through the auto-resolver and executes the
// resulting plan sequentially with the derived dependencies.
func (s *Server) runResolved(w http.ResponseWriter, r *http.Request, slugs []string, contextVals map[string]string, overrides store.OverrideMap) {
	id := IdentityFrom(r.Context())
	res, err := s.resolver.Resolve(r.Context(), id.TenantID, slugs, contextVals, overrides)
	if err != nil {
		s.logger.Error("auto-resolution failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	if len(res.Calls) == 0 {
		msg := "No resolvable APIs in request"
		if len(res.Warnings) > 0 {
			msg = strings.Join(res.Warnings, "; ")
		}
		writeError(w, http.StatusBadRequest, msg, orchestrator.CodePlanInvalid)
		return
	}
	s.runPlan(w, r, orchestrator.Plan{
		Calls:   res.Calls,
		Mode:    orchestrator.ModeSequential,
		Dynamic: res.Dynamic,
	}, res)
}

// runPlan executes a plan and writes the settled results. Plan-shape
// problems are the caller's fault (400); anything else is ours (500).
func (s *Server) runPlan(w http.ResponseWriter, r *http.Request, plan orchestrator.Plan, res *autoresolver.Resolution) {
	id := IdentityFrom(r.Context())
	result, err := s.runner.Run(r.Context(), id.Conn, plan)
	if err != nil {
		var oerr *orchestrator.Error
		if errors.As(err, &oerr) {
			writeError(w, http.StatusBadRequest, oerr.Message, oerr.Code)
			return
		}
		s.logger.Error("orchestration failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}

	fulfilled, rejected := 0, 0
	for i := range result.Results {
		cr := &result.Results[i]
		if cr.Status == orchestrator.StatusFulfilled {
			fulfilled++
		} else {
			rejected++
		}
		s.metrics.RecordUpstream(r.Context(), metrics.TargetOrchestrator,
			cr.StatusCode, time.Duration(cr.DurationMS)*time.Millisecond)
	}
	s.metrics.RecordOrchestratorCalls(r.Context(), result.Mode, fulfilled, rejected)
	s.logPlanCalls(r.Context(), id, result)

	writeJSON(w, http.StatusOK, queryResponse{RunResult: result, Resolution: res})
}

// logPlanCalls persists one outbound row per orchestrated call, marked with
// the plan's request id so the fan-out can be reassembled.
func (s *Server) logPlanCalls(ctx context.Context, id *Identity, result *orchestrator.RunResult) {
	rid := RequestIDFrom(ctx)
	rows := make([]*store.RequestLog, 0, len(result.Results))
	for i := range result.Results {
		cr := &result.Results[i]
		rows = append(rows, &store.RequestLog{
			TenantID:     id.TenantID,
			TokenID:      nullString(id.TokenID),
			ConnectionID: nullString(id.Conn.ID),
			Direction:    store.DirectionOutbound,
			Target:       nullString(store.TargetSAPDM),
			Method:       cr.Method,
			Path:         cr.Path,
			TargetURL:    nullString(cr.URL),
			StatusCode:   cr.StatusCode,
			RequestSize:  cr.RequestBytes,
			ResponseSize: cr.ResponseSizeBytes,
			DurationMS:   cr.DurationMS,
			ErrorMessage: nullString(cr.Error),
			Headers:      store.StringMap{"x-request-id": rid},
		})
	}
	go s.appendLogs(rows...)
}

// retryBearer is the dm-route 401 policy: drop the cached token, fetch a
// fresh one, replay once.
func (s *Server) retryBearer(connectionID string) func(context.Context) (http.Header, error) {
	return func(ctx context.Context) (http.Header, error) {
		s.tokens.Invalidate(connectionID)
		token, err := s.tokens.Token(ctx, connectionID)
		if err != nil {
			return nil, err
		}
		return bearerHeader(token), nil
	}
}

func bearerHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func tokenErrCode(err error) string {
	var terr *tokencache.Error
	if errors.As(err, &terr) {
		return terr.Code
	}
	return ""
}

// upstreamURL composes connection base + the request path past prefix + the
// original query. The escaped path is used so percent-encoding survives the
// trip.
func upstreamURL(base string, r *http.Request, prefix string) string {
	target := strings.TrimRight(base, "/") + strings.TrimPrefix(r.URL.EscapedPath(), prefix)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

// decodeBody parses a JSON body into v, treating an empty body as an empty
// object. False means the 400 has been written.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxPlanBody)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "Request body is not valid JSON", "INVALID_BODY")
	return false
}

// apiError is the error envelope every route writes.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, apiError{Error: message, Code: code})
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
