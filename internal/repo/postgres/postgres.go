package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/connwatch/internal/domain"
	"github.com/hamed0406/connwatch/internal/history"
	"github.com/hamed0406/connwatch/internal/repo"
)

var _ repo.Store = (*Store)(nil)

// Schema is applied by Migrate; every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS connections (
  id          TEXT PRIMARY KEY,
  name        TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  type        TEXT NOT NULL,
  target      TEXT NOT NULL,
  port        INTEGER NULL,
  engine      TEXT NOT NULL DEFAULT '',
  timeout_s   INTEGER NOT NULL,
  interval_s  INTEGER NOT NULL,
  enabled     BOOLEAN NOT NULL DEFAULT TRUE,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS connection_status (
  connection_id        TEXT PRIMARY KEY REFERENCES connections(id) ON DELETE CASCADE,
  status               TEXT NOT NULL,
  latency_ms           DOUBLE PRECISION NULL,
  http_status          INTEGER NULL,
  detail               TEXT NOT NULL DEFAULT '',
  last_checked_at      TIMESTAMPTZ NULL,
  consecutive_failures INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS check_history (
  id            BIGSERIAL PRIMARY KEY,
  connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
  status        TEXT NOT NULL,
  latency_ms    DOUBLE PRECISION NULL,
  http_status   INTEGER NULL,
  detail        TEXT NOT NULL DEFAULT '',
  checked_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_conn_time ON check_history (connection_id, checked_at DESC);
CREATE INDEX IF NOT EXISTS idx_history_checked_at ON check_history (checked_at);
`

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ---- ConnectionStore ----

func (s *Store) LoadConnections(ctx context.Context) ([]domain.Connection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, type, target, port, engine, timeout_s, interval_s, enabled, created_at, updated_at
		   FROM connections
		  ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []domain.Connection
	for rows.Next() {
		var (
			c    domain.Connection
			port sql.NullInt32
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Kind, &c.Target, &port, &c.Engine,
			&c.TimeoutS, &c.IntervalS, &c.Enabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		if port.Valid {
			c.Port = int(port.Int32)
		}
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
	var port *int
	if c.Port != 0 {
		port = &c.Port
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO connections
		   (id, name, description, type, target, port, engine, timeout_s, interval_s, enabled, created_at, updated_at)
		 VALUES
		   ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, description = EXCLUDED.description, type = EXCLUDED.type,
		   target = EXCLUDED.target, port = EXCLUDED.port, engine = EXCLUDED.engine,
		   timeout_s = EXCLUDED.timeout_s, interval_s = EXCLUDED.interval_s,
		   enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at`,
		string(c.ID), c.Name, c.Description, string(c.Kind), c.Target, port, string(c.Engine),
		c.TimeoutS, c.IntervalS, c.Enabled, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

func (s *Store) DeleteConnection(ctx context.Context, id domain.ConnectionID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// ---- StatusStore ----

func (s *Store) LoadStatuses(ctx context.Context) (map[domain.ConnectionID]domain.CachedStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT connection_id, status, latency_ms, http_status, detail, last_checked_at, consecutive_failures
		   FROM connection_status`)
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ConnectionID]domain.CachedStatus)
	for rows.Next() {
		var (
			id       string
			st       domain.CachedStatus
			latency  sql.NullFloat64
			httpCode sql.NullInt32
			checked  sql.NullTime
		)
		if err := rows.Scan(&id, &st.Status, &latency, &httpCode, &st.Detail, &checked, &st.ConsecutiveFailures); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		if latency.Valid {
			st.Latency = msToDuration(latency.Float64)
		}
		if httpCode.Valid {
			st.HTTPStatus = int(httpCode.Int32)
		}
		if checked.Valid {
			st.LastCheckedAt = checked.Time
		}
		out[domain.ConnectionID(id)] = st
	}
	return out, rows.Err()
}

func (s *Store) SaveCachedStatus(ctx context.Context, id domain.ConnectionID, st domain.CachedStatus) error {
	var checked *time.Time
	if st.Checked() {
		checked = &st.LastCheckedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO connection_status
		   (connection_id, status, latency_ms, http_status, detail, last_checked_at, consecutive_failures)
		 SELECT $1::text, $2::text, $3::double precision, $4::integer, $5::text, $6::timestamptz, $7::integer
		 WHERE EXISTS (SELECT 1 FROM connections WHERE id = $1)
		 ON CONFLICT (connection_id) DO UPDATE SET
		   status = EXCLUDED.status, latency_ms = EXCLUDED.latency_ms, http_status = EXCLUDED.http_status,
		   detail = EXCLUDED.detail, last_checked_at = EXCLUDED.last_checked_at,
		   consecutive_failures = EXCLUDED.consecutive_failures`,
		string(id), string(st.Status), st.LatencyMS(), nullableInt(st.HTTPStatus), st.Detail, checked, st.ConsecutiveFailures,
	)
	if err != nil {
		return fmt.Errorf("upsert status: %w", err)
	}
	return nil
}

// ---- HistoryStore ----

func (s *Store) AppendHistory(ctx context.Context, o domain.Outcome) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO check_history
		   (connection_id, status, latency_ms, http_status, detail, checked_at)
		 SELECT $1::text, $2::text, $3::double precision, $4::integer, $5::text, $6::timestamptz
		 WHERE EXISTS (SELECT 1 FROM connections WHERE id = $1)`,
		string(o.ConnectionID), string(o.Status), o.LatencyMS(), nullableInt(o.HTTPStatus), o.Detail, o.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *Store) QueryHistory(ctx context.Context, id domain.ConnectionID, since, until time.Time, limit int) ([]domain.Outcome, error) {
	var sincePtr, untilPtr *time.Time
	if !since.IsZero() {
		sincePtr = &since
	}
	if !until.IsZero() {
		untilPtr = &until
	}
	var limitPtr *int
	if limit > 0 {
		limitPtr = &limit
	}

	rows, err := s.pool.Query(ctx, `
SELECT status, latency_ms, http_status, detail, checked_at FROM (
  SELECT id, status, latency_ms, http_status, detail, checked_at
    FROM check_history
   WHERE connection_id = $1
     AND ($2::timestamptz IS NULL OR checked_at >= $2)
     AND ($3::timestamptz IS NULL OR checked_at <= $3)
   ORDER BY checked_at DESC, id DESC
   LIMIT $4
) recent
ORDER BY checked_at, id`,
		string(id), sincePtr, untilPtr, limitPtr)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.Outcome
	for rows.Next() {
		var (
			o        = domain.Outcome{ConnectionID: id}
			latency  sql.NullFloat64
			httpCode sql.NullInt32
		)
		if err := rows.Scan(&o.Status, &latency, &httpCode, &o.Detail, &o.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if latency.Valid {
			o.Latency = msToDuration(latency.Float64)
		}
		if httpCode.Valid {
			o.HTTPStatus = int(httpCode.Int32)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) PruneHistory(ctx context.Context, p history.Policy, now time.Time) (int64, error) {
	var total int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if p.MaxAge > 0 {
			tag, err := tx.Exec(ctx, `DELETE FROM check_history WHERE checked_at < $1`, now.Add(-p.MaxAge))
			if err != nil {
				return fmt.Errorf("prune by age: %w", err)
			}
			total += tag.RowsAffected()
		}
		if p.MaxRecords > 0 {
			tag, err := tx.Exec(ctx, `
DELETE FROM check_history h
 USING (
   SELECT id FROM (
     SELECT id, row_number() OVER (PARTITION BY connection_id ORDER BY checked_at DESC, id DESC) AS rn
       FROM check_history
   ) ranked
   WHERE rn > $1
 ) old
 WHERE h.id = old.id`, p.MaxRecords)
			if err != nil {
				return fmt.Errorf("prune by count: %w", err)
			}
			total += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Debug("history_pruned", zap.Int64("rows", total))
	return total, nil
}

func nullableInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
