package oltp

import (
	"context"
	"fmt"
	"time"
)

// indexBump is the shared shape of a conversation/session/user index row:
// a counter plus an extending time window, keyed by tenant + natural id.
type indexBump struct {
	Table    string
	IDColumn string
}

var (
	conversationIndex = indexBump{Table: "conversations", IDColumn: "conversation_id"}
	sessionIndex      = indexBump{Table: "sessions", IDColumn: "session_id"}
	userIndex         = indexBump{Table: "users", IDColumn: "user_id"}
)

// BumpConversation creates or extends the conversation index row: first_seen
// is set once, last_seen extends forward, trace_count increments by one.
func (s *Store) BumpConversation(ctx context.Context, tenantID, conversationID string, seenAt time.Time) error {
	return s.bumpIndex(ctx, conversationIndex, tenantID, conversationID, seenAt)
}

// BumpSession creates or extends the session index row.
func (s *Store) BumpSession(ctx context.Context, tenantID, sessionID string, seenAt time.Time) error {
	return s.bumpIndex(ctx, sessionIndex, tenantID, sessionID, seenAt)
}

// BumpUser creates or extends the user index row.
func (s *Store) BumpUser(ctx context.Context, tenantID, userID string, seenAt time.Time) error {
	return s.bumpIndex(ctx, userIndex, tenantID, userID, seenAt)
}

func (s *Store) bumpIndex(ctx context.Context, idx indexBump, tenantID, naturalID string, seenAt time.Time) error {
	if naturalID == "" {
		return nil
	}

	q := fmt.Sprintf(`
INSERT INTO %s (tenant_id, %s, first_seen, last_seen, trace_count)
VALUES ($1, $2, $3, $3, 1)
ON CONFLICT (tenant_id, %s) DO UPDATE SET
	last_seen = GREATEST(%s.last_seen, EXCLUDED.last_seen),
	first_seen = LEAST(%s.first_seen, EXCLUDED.first_seen),
	trace_count = %s.trace_count + 1`,
		idx.Table, idx.IDColumn, idx.IDColumn, idx.Table, idx.Table, idx.Table)

	if _, err := s.db.ExecContext(ctx, q, tenantID, naturalID, seenAt); err != nil {
		return fmt.Errorf("oltp: bumping %s index: %w", idx.Table, err)
	}
	return nil
}

// TraceFilter narrows ListTraces to a tenant's traces, optionally scoped by
// conversation/session/user and a time window.
type TraceFilter struct {
	TenantID       string
	ConversationID string
	SessionID      string
	UserID         string
	Since          time.Time
	Until          time.Time
	HasIssuesOnly  bool

	Limit  int
	Offset int
}

// ListTraces returns summary rows matching the filter, most recent first.
func (s *Store) ListTraces(ctx context.Context, f TraceFilter) ([]Summary, error) {
	q := `
SELECT tenant_id, trace_id, project_id, query, response, total_tokens, total_cost,
       start_time, end_time, total_latency_ms, finish_reason, model, has_issues,
       conversation_id, session_id, user_id, version
FROM trace_summaries
WHERE tenant_id = $1`
	args := []interface{}{f.TenantID}

	if f.ConversationID != "" {
		args = append(args, f.ConversationID)
		q += fmt.Sprintf(" AND conversation_id = $%d", len(args))
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		q += fmt.Sprintf(" AND session_id = $%d", len(args))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		q += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		q += fmt.Sprintf(" AND start_time >= $%d", len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		q += fmt.Sprintf(" AND start_time <= $%d", len(args))
	}
	if f.HasIssuesOnly {
		q += " AND has_issues = true"
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY start_time DESC LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("oltp: listing traces: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(
			&sum.TenantID, &sum.TraceID, &sum.ProjectID, &sum.Query, &sum.Response,
			&sum.TotalTokens, &sum.TotalCost, &sum.StartTime, &sum.EndTime, &sum.TotalLatencyMs,
			&sum.FinishReason, &sum.Model, &sum.HasIssues,
			&sum.ConversationID, &sum.SessionID, &sum.UserID, &sum.Version,
		); err != nil {
			return nil, fmt.Errorf("oltp: scanning trace list row: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
