// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendRequestLog inserts one exchange record. Append-only.
func (s *Store) AppendRequestLog(ctx context.Context, r *RequestLog) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	const q = `
INSERT INTO request_logs
	(id, tenant_id, token_id, connection_id, direction, target, method, path, target_url, status_code,
	 request_size, response_size, duration_ms, error_message, headers)
VALUES
	(:id, :tenant_id, :token_id, :connection_id, :direction, :target, :method, :path, :target_url, :status_code,
	 :request_size, :response_size, :duration_ms, :error_message, :headers)`
	if _, err := s.db.NamedExecContext(ctx, q, r); err != nil {
		return fmt.Errorf("append request log: %w", err)
	}
	return nil
}

// RequestLogFilter narrows ListRequestLogs.
type RequestLogFilter struct {
	// StatusCode filters to one status when non-zero.
	StatusCode int
	// ConnectionID filters to one connection when non-empty.
	ConnectionID string
	// Limit/Offset paginate; Limit is clamped to 100.
	Limit  int
	Offset int
}

// ListRequestLogs pages through a tenant's logs, newest first.
func (s *Store) ListRequestLogs(ctx context.Context, tenantID string, f RequestLogFilter) ([]RequestLog, int, error) {
	where := `WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.StatusCode != 0 {
		args = append(args, f.StatusCode)
		where += fmt.Sprintf(` AND status_code = $%d`, len(args))
	}
	if f.ConnectionID != "" {
		args = append(args, f.ConnectionID)
		where += fmt.Sprintf(` AND connection_id = $%d`, len(args))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM request_logs `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count request logs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	q := fmt.Sprintf(`SELECT * FROM request_logs %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))
	var out []RequestLog
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, 0, fmt.Errorf("list request logs: %w", err)
	}
	return out, total, nil
}

// RequestLogStats aggregates per-day counters for the last days.
func (s *Store) RequestLogStats(ctx context.Context, tenantID string, days int) ([]RequestLogStat, error) {
	if days <= 0 {
		days = 7
	}
	const q = `
SELECT
	date_trunc('day', created_at)              AS day,
	COUNT(*)                                   AS requests,
	COUNT(*) FILTER (WHERE status_code >= 400) AS errors,
	COALESCE(AVG(duration_ms), 0)              AS avg_duration_ms,
	COALESCE(SUM(response_size), 0)            AS total_bytes
FROM request_logs
WHERE tenant_id = $1 AND created_at >= now() - ($2 * interval '1 day')
GROUP BY 1
ORDER BY 1 DESC`
	var out []RequestLogStat
	if err := s.db.SelectContext(ctx, &out, q, tenantID, days); err != nil {
		return nil, fmt.Errorf("request log stats: %w", err)
	}
	return out, nil
}

// PruneRequestLogs deletes logs older than the retention horizon and reports
// how many rows went away. A background sweeper calls this daily.
func (s *Store) PruneRequestLogs(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_logs WHERE created_at < now() - ($1 * interval '1 second')`,
		int64(retention.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("prune request logs: %w", err)
	}
	return res.RowsAffected()
}
