// Package sqlite is the embedded durable store, for single-node deployments
// without a Postgres server.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/hamed0406/connwatch/internal/domain"
	"github.com/hamed0406/connwatch/internal/history"
	"github.com/hamed0406/connwatch/internal/repo"
)

var _ repo.Store = (*Store)(nil)

// Timestamps are stored as unix nanoseconds so ordering is numeric.
const schema = `
CREATE TABLE IF NOT EXISTS connections (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    type        TEXT NOT NULL,
    target      TEXT NOT NULL,
    port        INTEGER,
    engine      TEXT NOT NULL DEFAULT '',
    timeout_s   INTEGER NOT NULL,
    interval_s  INTEGER NOT NULL,
    enabled     BOOLEAN NOT NULL DEFAULT 1,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS connection_status (
    connection_id        TEXT PRIMARY KEY REFERENCES connections(id) ON DELETE CASCADE,
    status               TEXT NOT NULL,
    latency_ms           REAL,
    http_status          INTEGER,
    detail               TEXT NOT NULL DEFAULT '',
    last_checked_at      INTEGER,
    consecutive_failures INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS check_history (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
    status        TEXT NOT NULL,
    latency_ms    REAL,
    http_status   INTEGER,
    detail        TEXT NOT NULL DEFAULT '',
    checked_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_conn_time ON check_history(connection_id, checked_at);
CREATE INDEX IF NOT EXISTS idx_history_checked_at ON check_history(checked_at);
`

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open creates the database file if needed and applies the schema.
func Open(path string, log *zap.Logger) (*Store, error) {
	dsn := "file:" + path + "?" + url.Values{
		// Applied on every new connection; a failing pragma fails the connection.
		"_pragma": {"foreign_keys(1)", "busy_timeout(5000)", "journal_mode(WAL)", "synchronous(NORMAL)"},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("database open failed: %w", err)
	}
	// One writer at a time; sqlite serialises them anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema creation failed: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ---- ConnectionStore ----

func (s *Store) LoadConnections(ctx context.Context) ([]domain.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, type, target, port, engine, timeout_s, interval_s, enabled, created_at, updated_at
		   FROM connections ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []domain.Connection
	for rows.Next() {
		var (
			c                domain.Connection
			id, kind, engine string
			port             sql.NullInt64
			created, updated int64
		)
		if err := rows.Scan(&id, &c.Name, &c.Description, &kind, &c.Target, &port, &engine,
			&c.TimeoutS, &c.IntervalS, &c.Enabled, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		c.ID, c.Kind, c.Engine = domain.ConnectionID(id), domain.Kind(kind), domain.Engine(engine)
		if port.Valid {
			c.Port = int(port.Int64)
		}
		c.CreatedAt, c.UpdatedAt = fromNanos(created), fromNanos(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SaveConnection(ctx context.Context, c domain.Connection) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	var port sql.NullInt64
	if c.Port != 0 {
		port = sql.NullInt64{Int64: int64(c.Port), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections
		    (id, name, description, type, target, port, engine, timeout_s, interval_s, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		    name = excluded.name, description = excluded.description, type = excluded.type,
		    target = excluded.target, port = excluded.port, engine = excluded.engine,
		    timeout_s = excluded.timeout_s, interval_s = excluded.interval_s,
		    enabled = excluded.enabled, updated_at = excluded.updated_at`,
		string(c.ID), c.Name, c.Description, string(c.Kind), c.Target, port, string(c.Engine),
		c.TimeoutS, c.IntervalS, c.Enabled, c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

func (s *Store) DeleteConnection(ctx context.Context, id domain.ConnectionID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// ---- StatusStore ----

func (s *Store) LoadStatuses(ctx context.Context) (map[domain.ConnectionID]domain.CachedStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT connection_id, status, latency_ms, http_status, detail, last_checked_at, consecutive_failures
		   FROM connection_status`)
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ConnectionID]domain.CachedStatus)
	for rows.Next() {
		var (
			id, status string
			st         domain.CachedStatus
			latency    sql.NullFloat64
			httpCode   sql.NullInt64
			checked    sql.NullInt64
		)
		if err := rows.Scan(&id, &status, &latency, &httpCode, &st.Detail, &checked, &st.ConsecutiveFailures); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		st.Status = domain.Status(status)
		if latency.Valid {
			st.Latency = msToDuration(latency.Float64)
		}
		if httpCode.Valid {
			st.HTTPStatus = int(httpCode.Int64)
		}
		if checked.Valid {
			st.LastCheckedAt = fromNanos(checked.Int64)
		}
		out[domain.ConnectionID(id)] = st
	}
	return out, rows.Err()
}

func (s *Store) SaveCachedStatus(ctx context.Context, id domain.ConnectionID, st domain.CachedStatus) error {
	var checked sql.NullInt64
	if st.Checked() {
		checked = sql.NullInt64{Int64: st.LastCheckedAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_status
		    (connection_id, status, latency_ms, http_status, detail, last_checked_at, consecutive_failures)
		 SELECT ?1, ?2, ?3, ?4, ?5, ?6, ?7
		 WHERE EXISTS (SELECT 1 FROM connections WHERE id = ?1)
		 ON CONFLICT(connection_id) DO UPDATE SET
		    status = excluded.status, latency_ms = excluded.latency_ms, http_status = excluded.http_status,
		    detail = excluded.detail, last_checked_at = excluded.last_checked_at,
		    consecutive_failures = excluded.consecutive_failures`,
		string(id), string(st.Status), nullFloat(st.LatencyMS()), nullInt(st.HTTPStatus), st.Detail, checked, st.ConsecutiveFailures,
	)
	if err != nil {
		return fmt.Errorf("upsert status: %w", err)
	}
	return nil
}

// ---- HistoryStore ----

func (s *Store) AppendHistory(ctx context.Context, o domain.Outcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO check_history (connection_id, status, latency_ms, http_status, detail, checked_at)
		 SELECT ?1, ?2, ?3, ?4, ?5, ?6
		 WHERE EXISTS (SELECT 1 FROM connections WHERE id = ?1)`,
		string(o.ConnectionID), string(o.Status), nullFloat(o.LatencyMS()), nullInt(o.HTTPStatus), o.Detail, o.CheckedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *Store) QueryHistory(ctx context.Context, id domain.ConnectionID, since, until time.Time, limit int) ([]domain.Outcome, error) {
	lo, hi := int64(-1<<63), int64(1<<63-1)
	if !since.IsZero() {
		lo = since.UnixNano()
	}
	if !until.IsZero() {
		hi = until.UnixNano()
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT status, latency_ms, http_status, detail, checked_at FROM (
    SELECT id, status, latency_ms, http_status, detail, checked_at
      FROM check_history
     WHERE connection_id = ? AND checked_at >= ? AND checked_at <= ?
     ORDER BY checked_at DESC, id DESC
     LIMIT ?
) ORDER BY checked_at, id`,
		string(id), lo, hi, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.Outcome
	for rows.Next() {
		var (
			o        = domain.Outcome{ConnectionID: id}
			status   string
			latency  sql.NullFloat64
			httpCode sql.NullInt64
			checked  int64
		)
		if err := rows.Scan(&status, &latency, &httpCode, &o.Detail, &checked); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		o.Status = domain.Status(status)
		if latency.Valid {
			o.Latency = msToDuration(latency.Float64)
		}
		if httpCode.Valid {
			o.HTTPStatus = int(httpCode.Int64)
		}
		o.CheckedAt = fromNanos(checked)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) PruneHistory(ctx context.Context, p history.Policy, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	if p.MaxAge > 0 {
		res, err := tx.ExecContext(ctx, `DELETE FROM check_history WHERE checked_at < ?`, now.Add(-p.MaxAge).UnixNano())
		if err != nil {
			return 0, fmt.Errorf("prune by age: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if p.MaxRecords > 0 {
		res, err := tx.ExecContext(ctx, `
DELETE FROM check_history WHERE id IN (
    SELECT id FROM (
        SELECT id, row_number() OVER (PARTITION BY connection_id ORDER BY checked_at DESC, id DESC) AS rn
          FROM check_history
    ) WHERE rn > ?
)`, p.MaxRecords)
		if err != nil {
			return 0, fmt.Errorf("prune by count: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.log.Debug("history_pruned", zap.Int64("rows", total))
	return total, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v int) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}
