// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package admin

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sdmg/gateway/internal/urlcheck"
)

const createConnBody = `{
	"name": "plant-b",
	"sap_base_url": "https://dm.example.com/api",
	"token_url": "https://auth.example.com/oauth/token",
	"client_id": "client-1",
	"client_secret": "s3cret",
	"agent_api_url": "https://agent.example.com",
	"agent_api_key": "agent-key"
}`

func TestCreateConnection(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t)
	pair := h.login(t)

	rec := h.do(http.MethodPost, "/api/connections", createConnBody, pair.AccessToken)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp connectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	require.Equal(t, "plant-b", resp.Name)
	require.True(t, resp.AgentConfigured)
	require.True(t, resp.Active)
	require.NotContains(t, rec.Body.String(), "client_secret")
	require.NotContains(t, rec.Body.String(), "s3cret")

	stored := h.store.conns[resp.ID]
	require.NotNil(t, stored)
	require.Equal(t, u.ID, stored.UserID)
	require.Equal(t, u.TenantID, stored.TenantID)
	require.Equal(t, "enc:s3cret", stored.ClientSecretEnc)
	require.Equal(t, "enc:agent-key", stored.AgentAPIKeyEnc.String)
}

func TestCreateConnectionRequiresSecret(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t)
	pair := h.login(t)

	body := `{"name":"n","sap_base_url":"https://a.example.com","token_url":"https://b.example.com","client_id":"c"}`
	rec := h.do(http.MethodPost, "/api/connections", body, pair.AccessToken)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	msg, code := envelope(t, rec)
	require.Equal(t, "VALIDATION_FAILED", code)
	require.Contains(t, msg, "client_secret is required")
}

func TestCreateConnectionValidation(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t)
	pair := h.login(t)

	body := `{"sap_base_url":"not a url","token_url":"https://b.example.com","client_id":"c","client_secret":"s"}`
	rec := h.do(http.MethodPost, "/api/connections", body, pair.AccessToken)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	msg, code := envelope(t, rec)
	require.Equal(t, "VALIDATION_FAILED", code)
	require.Contains(t, msg, "name is required")
	require.Contains(t, msg, "sap_base_url must be a valid URL")
}

func TestCreateConnectionRejectsBlockedURL(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t)
	pair := h.login(t)
	h.urls.errs["https://dm.example.com/api"] = &urlcheck.Error{
		Code: urlcheck.CodePrivateIP, Message: "URL resolves to a private address",
	}

	rec := h.do(http.MethodPost, "/api/connections", createConnBody, pair.AccessToken)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	msg, code := envelope(t, rec)
	require.Equal(t, urlcheck.CodePrivateIP, code)
	require.Equal(t, "URL resolves to a private address", msg)
	require.Empty(t, h.store.conns, "a rejected connection is never stored")
}

func TestCreateConnectionAgentKeyNeedsURL(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t)
	pair := h.login(t)

	body := `{"name":"n","sap_base_url":"https://a.example.com","token_url":"https://b.example.com","client_id":"c","client_secret":"s","agent_api_key":"k"}`
	rec := h.do(http.MethodPost, "/api/connections", body, pair.AccessToken)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	msg, _ := envelope(t, rec)
	require.Contains(t, msg, "agent_api_url is required when agent_api_key is set")
}

func TestCreateConnectionConflict(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t)
	h.seedConnection(u.ID) // name plant-a
	pair := h.login(t)

	body := `{"name":"plant-a","sap_base_url":"https://a.example.com","token_url":"https://b.example.com","client_id":"c","client_secret":"s"}`
	rec := h.do(http.MethodPost, "/api/connections", body, pair.AccessToken)
	require.Equal(t, http.StatusConflict, rec.Code)
	_, code := envelope(t, rec)
	require.Equal(t, "ALREADY_EXISTS", code)
}

func TestListAndGetConnectionStripSecrets(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t)
	conn := h.seedConnection(u.ID)
	pair := h.login(t)

	rec := h.do(http.MethodGet, "/api/connections", "", pair.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), conn.ID)
	require.NotContains(t, rec.Body.String(), "enc:")

	rec = h.do(http.MethodGet, "/api/connections/"+conn.ID, "", pair.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "enc:")

	rec = h.do(http.MethodGet, "/api/connections/"+uuid.NewString(), "", pair.AccessToken)
	require.Equal(t, http.StatusNotFound, rec.Code)
	_, code := envelope(t, rec)
	require.Equal(t, "NOT_FOUND", code)
}

func TestUpdateConnectionKeepsStoredSecret(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t)
	conn := h.seedConnection(u.ID)
	pair := h.login(t)

	body := `{"name":"renamed","sap_base_url":"https://a.example.com","token_url":"https://b.example.com","client_id":"c2"}`
	rec := h.do(http.MethodPut, "/api/connections/"+conn.ID, body, pair.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored := h.store.conns[conn.ID]
	require.Equal(t, "renamed", stored.Name)
	require.Equal(t, "enc:secret", stored.ClientSecretEnc, "empty client_secret keeps the stored one")
	require.Equal(t, []string{conn.ID}, h.tokens.ids, "cached bearers drop on update")
}

func TestUpdateConnectionReplacesSecret(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t)
	conn := h.seedConnection(u.ID)
	pair := h.login(t)

	body := `{"name":"plant-a","sap_base_url":"https://a.example.com","token_url":"https://b.example.com","client_id":"c","client_secret":"fresh"}`
	rec := h.do(http.MethodPut, "/api/connections/"+conn.ID, body, pair.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "enc:fresh", h.store.conns[conn.ID].ClientSecretEnc)
}

func TestUpdateConnectionAgentRules(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t)
	pair := h.login(t)

	withAgent := func() string {
		c := h.seedConnection(u.ID)
		c.AgentAPIURL = sql.NullString{String: "https://agent.example.com", Valid: true}
		c.AgentAPIKeyEnc = sql.NullString{String: "enc:old-key", Valid: true}
		return c.ID
	}
	base := `"sap_base_url":"https://a.example.com","token_url":"https://b.example.com","client_id":"c"`

	// Omitting the pair clears it.
	id := withAgent()
	rec := h.do(http.MethodPut, "/api/connections/"+id, `{"name":"n1",`+base+`}`, pair.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.False(t, h.store.conns[id].AgentAPIURL.Valid)
	require.False(t, h.store.conns[id].AgentAPIKeyEnc.Valid)

	// URL plus key replaces both.
	id = withAgent()
	rec = h.do(http.MethodPut, "/api/connections/"+id,
		`{"name":"n2",`+base+`,"agent_api_url":"https://agent2.example.com","agent_api_key":"new-key"}`, pair.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://agent2.example.com", h.store.conns[id].AgentAPIURL.String)
	require.Equal(t, "enc:new-key", h.store.conns[id].AgentAPIKeyEnc.String)

	// URL without a key keeps the stored key.
	id = withAgent()
	rec = h.do(http.MethodPut, "/api/connections/"+id,
		`{"name":"n3",`+base+`,"agent_api_url":"https://agent3.example.com"}`, pair.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://agent3.example.com", h.store.conns[id].AgentAPIURL.String)
	require.Equal(t, "enc:old-key", h.store.conns[id].AgentAPIKeyEnc.String)

	// URL without a key and nothing stored is an error.
	plain := h.seedConnection(u.ID)
	rec = h.do(http.MethodPut, "/api/connections/"+plain.ID,
		`{"name":"n4",`+base+`,"agent_api_url":"https://agent4.example.com"}`, pair.AccessToken)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	msg, _ := envelope(t, rec)
	require.Contains(t, msg, "agent_api_key is required when agent_api_url is set")
}

func TestDeleteConnection(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t)
	conn := h.seedConnection(u.ID)
	pair := h.login(t)

	rec := h.do(http.MethodDelete, "/api/connections/"+conn.ID, "", pair.AccessToken)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.False(t, h.store.conns[conn.ID].Active)
	require.Equal(t, []string{conn.ID}, h.tokens.ids)

	rec = h.do(http.MethodDelete, "/api/connections/"+uuid.NewString(), "", pair.AccessToken)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertAssignments(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t)
	conn := h.seedConnection(u.ID)
	pair := h.login(t)

	rec := h.do(http.MethodPost, "/api/connections/"+conn.ID+"/assignments",
		`{"definition_ids":["def-1","def-2"]}`, pair.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"assigned": 2}`, rec.Body.String())
	require.Equal(t, []string{"def-1", "def-2"}, h.store.assigned[conn.ID])

	rec = h.do(http.MethodPost, "/api/connections/"+uuid.NewString()+"/assignments",
		`{"definition_ids":["def-1"]}`, pair.AccessToken)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/api/connections/"+conn.ID+"/assignments",
		`{"definition_ids":[]}`, pair.AccessToken)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	msg, _ := envelope(t, rec)
	require.Contains(t, msg, "definition_ids")
}
