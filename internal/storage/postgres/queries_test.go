package postgres

import (
	"context"
	"fmt"
)

// countMetricRows counts stored events for one event name and session. Pass an
// empty sessionID to count across sessions.
func (db *DB) countMetricRows(ctx context.Context, eventName, sessionID string) (int64, error) {
	cond := "WHERE event_name = $1"
	args := []any{eventName}

	if sessionID != "" {
		cond += " AND session_id = $2"
		args = append(args, sessionID)
	}

	var n int64
	row := db.Pool.QueryRow(ctx, "SELECT COUNT(*)::bigint FROM metric_events "+cond, args...)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("scan count: %w", err)
	}
	return n, nil
}

// latestMetricMeta returns the raw meta JSON of the newest matching event.
func (db *DB) latestMetricMeta(ctx context.Context, eventName, sessionID string) ([]byte, error) {
	var meta []byte
	row := db.Pool.QueryRow(ctx, `
SELECT meta::text
FROM metric_events
WHERE event_name = $1 AND session_id = $2
ORDER BY created_at DESC, id DESC
LIMIT 1`, eventName, sessionID)
	if err := row.Scan(&meta); err != nil {
		return nil, fmt.Errorf("scan meta: %w", err)
	}
	return meta, nil
}
