// Copyright SDMG Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package admin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/sdmg/gateway/internal/store"
)

type logEntry struct {
	ID           string    `json:"id"`
	TokenID      string    `json:"token_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Direction    string    `json:"direction"`
	Target       string    `json:"target,omitempty"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	TargetURL    string    `json:"target_url,omitempty"`
	StatusCode   int       `json:"status_code"`
	RequestSize  int64     `json:"request_size"`
	ResponseSize int64     `json:"response_size"`
	DurationMS   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	q := r.URL.Query()
	filter := store.RequestLogFilter{
		StatusCode:   intParam(q.Get("status")),
		ConnectionID: q.Get("connection_id"),
		Limit:        intParam(q.Get("limit")),
		Offset:       intParam(q.Get("offset")),
	}
	rows, total, err := s.store.ListRequestLogs(r.Context(), sess.tenantID, filter)
	if err != nil {
		s.logger.Error("list request logs failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	out := make([]logEntry, len(rows))
	for i := range rows {
		row := &rows[i]
		out[i] = logEntry{
			ID:           row.ID,
			TokenID:      row.TokenID.String,
			ConnectionID: row.ConnectionID.String,
			Direction:    row.Direction,
			Target:       row.Target.String,
			Method:       row.Method,
			Path:         row.Path,
			TargetURL:    row.TargetURL.String,
			StatusCode:   row.StatusCode,
			RequestSize:  row.RequestSize,
			ResponseSize: row.ResponseSize,
			DurationMS:   row.DurationMS,
			ErrorMessage: row.ErrorMessage.String,
			CreatedAt:    row.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": out, "total": total})
}

type statEntry struct {
	Day        string  `json:"day"`
	Requests   int64   `json:"requests"`
	Errors     int64   `json:"errors"`
	AvgDurMS   float64 `json:"avg_duration_ms"`
	TotalBytes int64   `json:"total_bytes"`
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	days := intParam(r.URL.Query().Get("days"))
	if days <= 0 {
		days = 7
	}
	if days > s.cfg.LogRetentionDays {
		days = s.cfg.LogRetentionDays
	}
	stats, err := s.store.RequestLogStats(r.Context(), sess.tenantID, days)
	if err != nil {
		s.logger.Error("request log stats failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error", "INTERNAL")
		return
	}
	out := make([]statEntry, len(stats))
	for i, st := range stats {
		out[i] = statEntry{
			Day:        st.Day.Format("2006-01-02"),
			Requests:   st.Requests,
			Errors:     st.Errors,
			AvgDurMS:   st.AvgDurMS,
			TotalBytes: st.TotalBytes,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days, "stats": out})
}
