package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"example.com/portfolio-ingest/internal/dedupe"
	"example.com/portfolio-ingest/internal/domain"
	"example.com/portfolio-ingest/internal/storage"
)

const (
	insertContactSQL = `INSERT INTO contact_submissions (name, email, message, segment)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`

	insertMetricSQL = `INSERT INTO metric_events (event_name, page, session_id, value, duration_ms, success, meta)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)`

	// The predicate and the bucket column share one window length ($8, seconds).
	insertMetricDedupedSQL = `INSERT INTO metric_events
  (event_name, page, session_id, value, duration_ms, success, dedupe_key, dedupe_bucket, meta)
SELECT $1, $2, $3, $4, $5, $6, $7,
  floor(extract(epoch FROM now())::float8 / $8::float8)::bigint,
  $9::jsonb
WHERE NOT EXISTS (
  SELECT 1 FROM metric_events
  WHERE event_name = $1
    AND session_id = $3
    AND dedupe_key = $7
    AND created_at > now() - make_interval(secs => $8::float8)
)`

	lockScopeSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

	uniqueViolation = "23505"
)

type Writer struct {
	db *DB
}

func NewWriter(db *DB) *Writer { return &Writer{db: db} }

// InsertContact stores a validated contact and returns it with the id and
// created_at the database assigned.
func (w *Writer) InsertContact(ctx context.Context, c domain.Contact) (domain.Contact, error) {
	err := w.db.Pool.QueryRow(ctx, insertContactSQL, c.Name, c.Email, c.Message, c.Segment).
		Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return domain.Contact{}, classify("insert contact", err)
	}
	return c, nil
}

// InsertMetric stores an event on the plain path.
func (w *Writer) InsertMetric(ctx context.Context, m domain.Metric) error {
	meta, err := metaArg(m.Meta)
	if err != nil {
		return &storage.Error{Op: "insert metric", Err: err}
	}
	_, err = w.db.Pool.Exec(ctx, insertMetricSQL,
		m.EventName, m.Page, m.SessionID, m.Value, m.DurationMs, m.Success, meta)
	if err != nil {
		return classify("insert metric", err)
	}
	return nil
}

// InsertMetricDeduped inserts m unless a row with the same scope exists inside
// the trailing window. Concurrent calls for one scope serialize on a
// transaction-scoped advisory lock; the unique index on the window bucket
// rejects anything that slips past with ErrUniqueViolation.
func (w *Writer) InsertMetricDeduped(ctx context.Context, m domain.Metric, scope dedupe.Scope) (int64, error) {
	if scope.Window <= 0 {
		return 0, &storage.Error{Op: "insert metric deduped", Err: errors.New("dedupe window must be positive")}
	}
	meta, err := metaArg(m.Meta)
	if err != nil {
		return 0, &storage.Error{Op: "insert metric deduped", Err: err}
	}

	var affected int64
	err = pgx.BeginFunc(ctx, w.db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockScopeSQL, lockKey(scope)); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, insertMetricDedupedSQL,
			m.EventName, m.Page, scope.SessionID, m.Value, m.DurationMs, m.Success,
			scope.Key, scope.Window.Seconds(), meta)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, classify("insert metric deduped", err)
	}
	return affected, nil
}

func lockKey(s dedupe.Scope) string {
	return s.EventName + "\x1f" + s.SessionID + "\x1f" + s.Key
}

// metaArg returns nil or a JSON string, cast to jsonb in SQL.
func metaArg(meta map[string]any) (any, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := domain.EncodeMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return string(b), nil
}

func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			return &storage.Error{Op: op, Err: fmt.Errorf("%w: %w", storage.ErrUniqueViolation, err)}
		}
		return &storage.Error{Op: op, Retryable: retryableCode(pgErr.Code), Err: err}
	}
	return &storage.Error{Op: op, Retryable: pgconn.SafeToRetry(err) || pgconn.Timeout(err), Err: err}
}

func retryableCode(code string) bool {
	switch {
	case code == "40001", code == "40P01", code == "57P01":
		return true
	case len(code) == 5 && code[:2] == "08":
		return true
	}
	return false
}
