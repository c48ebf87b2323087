// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Stable tenant ids seeded at bootstrap. The platform tenant cannot be
// deactivated.
const (
	PlatformTenantID = "00000000-0000-0000-0000-000000000001"
	DefaultTenantID  = "00000000-0000-0000-0000-000000000002"
)

// Tenant is the isolation boundary; every persisted entity carries its id.
type Tenant struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

// User is a management-surface account.
type User struct {
	ID           string    `db:"id"`
	TenantID     string    `db:"tenant_id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	Role         string    `db:"role"`
	Active       bool      `db:"active"`
	CreatedAt    time.Time `db:"created_at"`
}

// Connection is a configured upstream: the SAP base URL plus the OAuth2
// client-credentials needed to talk to it, and optionally a companion agent
// endpoint. Secrets are stored encrypted (vault envelopes).
type Connection struct {
	ID              string         `db:"id"`
	UserID          string         `db:"user_id"`
	TenantID        string         `db:"tenant_id"`
	Name            string         `db:"name"`
	SAPBaseURL      string         `db:"sap_base_url"`
	TokenURL        string         `db:"token_url"`
	ClientID        string         `db:"client_id"`
	ClientSecretEnc string         `db:"client_secret_enc"`
	AgentAPIURL     sql.NullString `db:"agent_api_url"`
	AgentAPIKeyEnc  sql.NullString `db:"agent_api_key_enc"`
	Active          bool           `db:"active"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// APIToken is a gateway credential. Only the SHA-256 of the plaintext is
// stored; TokenPrefix keeps the first chars for display.
type APIToken struct {
	ID           string       `db:"id"`
	UserID       string       `db:"user_id"`
	TenantID     string       `db:"tenant_id"`
	ConnectionID string       `db:"connection_id"`
	TokenHash    string       `db:"token_hash"`
	TokenPrefix  string       `db:"token_prefix"`
	Label        string       `db:"label"`
	Active       bool         `db:"active"`
	ExpiresAt    sql.NullTime `db:"expires_at"`
	LastUsedAt   sql.NullTime `db:"last_used_at"`
	RequestCount int64        `db:"request_count"`
	CreatedAt    time.Time    `db:"created_at"`
}

// AuthRow is the flat result of the single authentication round-trip joining
// token, connection and tenant.
type AuthRow struct {
	Token        APIToken   `db:"token"`
	Conn         Connection `db:"conn"`
	TenantActive bool       `db:"tenant_active"`
}

// QueryParam declares one parameter an API accepts.
type QueryParam struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
	Default  string `json:"default,omitempty"`
	Example  string `json:"example,omitempty"`
}

// FieldMapping routes one response field of a dependency into one parameter
// of the dependent call.
type FieldMapping struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Dependency declares that a definition needs values from another slug.
type Dependency struct {
	APISlug       string         `json:"api_slug"`
	FieldMappings []FieldMapping `json:"field_mappings"`
}

// ResponseField advertises one leaf a definition's response exposes.
type ResponseField struct {
	Path     string `json:"path"`
	LeafName string `json:"leaf_name"`
}

// Definition is a named API operation a tenant may invoke by slug.
type Definition struct {
	ID             string          `db:"id"`
	TenantID       string          `db:"tenant_id"`
	Slug           string          `db:"slug"`
	Name           string          `db:"name"`
	Method         string          `db:"method"`
	Path           string          `db:"path"`
	QueryParams    QueryParams     `db:"query_params"`
	RequestHeaders StringMap       `db:"request_headers"`
	RequestBody    json.RawMessage `db:"request_body"`
	ResponseSchema json.RawMessage `db:"response_schema"`
	Provides       StringList      `db:"provides"` // deprecated, kept for imported bundles
	DependsOn      Dependencies    `db:"depends_on"`
	ResponseFields ResponseFields  `db:"response_fields"`
	Tags           StringList      `db:"tags"`
	Version        int             `db:"version"`
	Active         bool            `db:"active"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// Override pins a parameter of one slug to a field of another slug's
// response, bypassing auto-resolution.
type Override struct {
	SourceSlug string `json:"source_slug"`
	SourcePath string `json:"source_path"`
}

// OverrideMap is slug → parameter → override.
type OverrideMap map[string]map[string]Override

// UseCase is a stored orchestration template: run these slugs with this
// context, auto-resolved.
type UseCase struct {
	ID              string      `db:"id"`
	TenantID        string      `db:"tenant_id"`
	Slug            string      `db:"slug"`
	Title           string      `db:"title"`
	Slugs           StringList  `db:"slugs"`
	RequiredContext StringList  `db:"required_context"`
	ContextDefaults StringMap   `db:"context_defaults"`
	Overrides       OverrideMap `db:"overrides"`
	Active          bool        `db:"active"`
	CreatedAt       time.Time   `db:"created_at"`
}

// Request log direction and target values.
const (
	DirectionInbound  = "inbound"  // a client request into the gateway
	DirectionOutbound = "outbound" // an upstream call the orchestrator made

	TargetSAPDM = "sap_dm"
	TargetAgent = "agent"
)

// RequestLog is one persisted data-plane exchange.
type RequestLog struct {
	ID           string         `db:"id"`
	TenantID     string         `db:"tenant_id"`
	TokenID      sql.NullString `db:"token_id"`
	ConnectionID sql.NullString `db:"connection_id"`
	Direction    string         `db:"direction"`
	Target       sql.NullString `db:"target"`
	Method       string         `db:"method"`
	Path         string         `db:"path"`
	TargetURL    sql.NullString `db:"target_url"`
	StatusCode   int            `db:"status_code"`
	RequestSize  int64          `db:"request_size"`
	ResponseSize int64          `db:"response_size"`
	DurationMS   int64          `db:"duration_ms"`
	ErrorMessage sql.NullString `db:"error_message"`
	Headers      StringMap      `db:"headers"`
	CreatedAt    time.Time      `db:"created_at"`
}

// RequestLogStat is one aggregate bucket of GET /api/logs/stats.
type RequestLogStat struct {
	Day        time.Time `db:"day"`
	Requests   int64     `db:"requests"`
	Errors     int64     `db:"errors"`
	AvgDurMS   float64   `db:"avg_duration_ms"`
	TotalBytes int64     `db:"total_bytes"`
}

// JSON column wrappers. Postgres stores these as jsonb; the wrappers keep
// sqlx scanning symmetrical with marshaling.

type (
	QueryParams    []QueryParam
	Dependencies   []Dependency
	ResponseFields []ResponseField
	StringList     []string
	StringMap      map[string]string
)

func (q QueryParams) Value() (driver.Value, error)    { return jsonValue(q) }
func (q *QueryParams) Scan(src any) error             { return jsonScan(q, src) }
func (d Dependencies) Value() (driver.Value, error)   { return jsonValue(d) }
func (d *Dependencies) Scan(src any) error            { return jsonScan(d, src) }
func (r ResponseFields) Value() (driver.Value, error) { return jsonValue(r) }
func (r *ResponseFields) Scan(src any) error          { return jsonScan(r, src) }
func (l StringList) Value() (driver.Value, error)     { return jsonValue(l) }
func (l *StringList) Scan(src any) error              { return jsonScan(l, src) }
func (m StringMap) Value() (driver.Value, error)      { return jsonValue(m) }
func (m *StringMap) Scan(src any) error               { return jsonScan(m, src) }
func (o OverrideMap) Value() (driver.Value, error)    { return jsonValue(o) }
func (o *OverrideMap) Scan(src any) error             { return jsonScan(o, src) }

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonScan(dst any, src any) error {
	switch s := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(s) == 0 {
			return nil
		}
		return json.Unmarshal(s, dst)
	case string:
		if s == "" {
			return nil
		}
		return json.Unmarshal([]byte(s), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}
