package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reelscribe/reelscribe/internal/domain"
)

// schema mirrors the teacher's config-as-JSON-blob pattern: a handful of
// indexed columns for the fields callers filter and sort on, plus a JSON
// payload column carrying the rest of the record.
const schema = `
CREATE TABLE IF NOT EXISTS scripts (
	id TEXT PRIMARY KEY,
	public_id TEXT UNIQUE NOT NULL,
	variation_key TEXT UNIQUE NOT NULL,
	subscriber TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scripts_subscriber ON scripts(subscriber);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	subscriber TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	variation_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	heartbeat_at INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_request_hash ON jobs(request_hash, status);
CREATE INDEX IF NOT EXISTS idx_jobs_variation_key ON jobs(variation_key, status);

CREATE TABLE IF NOT EXISTS users (
	subscriber TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_status ON users(status);

-- user_ordinal_seq holds the single counter strictly-monotonic User
-- ordinals are drawn from, incremented transactionally on admission.
CREATE TABLE IF NOT EXISTS user_ordinal_seq (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	next_ordinal INTEGER NOT NULL
);
INSERT OR IGNORE INTO user_ordinal_seq (id, next_ordinal) VALUES (1, 1);

CREATE TABLE IF NOT EXISTS reel_analysis (
	request_hash TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dataset_records (
	id TEXT PRIMARY KEY,
	script_id TEXT NOT NULL,
	subscriber TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_memory (
	subscriber TEXT PRIMARY KEY,
	updated_at INTEGER NOT NULL,
	payload TEXT NOT NULL
);
`

// Store is the durable document store (C4): FindOne and Count over the
// tables above, plus SweepExpired for a periodic TTL janitor grounded in
// the teacher's internal/cache/cache.go janitor pattern. Store starts no
// goroutine itself and has no generic Upsert or FindOneAndUpdate;
// record-specific writes live in Repository and internal/pipeline/store.
type Store struct {
	db *sql.DB
}

// OpenStore opens the database at dbPath, applies the schema, and
// returns a ready Store. Connection establishment retries with bounded
// exponential backoff (5 attempts, base 2s), grounded in the teacher's
// internal/pipeline/exec retry idiom.
func OpenStore(dbPath string, cfg Config) (*Store, error) {
	var db *sql.DB
	var err error

	backoff := 2 * time.Second
	for attempt := 1; attempt <= 5; attempt++ {
		db, err = Open(dbPath, cfg)
		if err == nil {
			break
		}
		if attempt == 5 {
			return nil, fmt.Errorf("sqlite: open failed after %d attempts: %w", attempt, err)
		}
		time.Sleep(backoff)
		backoff *= 2
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw *sql.DB for table-specific repositories that need
// more than the generic document operations (e.g. ORDER BY createdAt
// queue scans).
func (s *Store) DB() *sql.DB { return s.db }

// FindOne decodes the JSON payload of the row identified by key in
// table into dest. table must be one of the schema tables above and key
// must match that table's primary key column.
func (s *Store) FindOne(ctx context.Context, table, key string, dest any) error {
	col, err := primaryKeyColumn(table)
	if err != nil {
		return err
	}

	var payload string
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT payload FROM %s WHERE %s = ?", table, col), key) //nolint:gosec // table is from a closed enum, not user input
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("sqlite: find one in %s: %w", table, err)
	}

	if err := json.Unmarshal([]byte(payload), dest); err != nil {
		return fmt.Errorf("sqlite: decode %s payload: %w", table, err)
	}
	return nil
}

// Count returns the number of rows in table matching the given column
// equality predicate (e.g. Count(ctx, "users", "status", "active")).
func (s *Store) Count(ctx context.Context, table, column, value string) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, column), value) //nolint:gosec
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count in %s: %w", table, err)
	}
	return n, nil
}

func primaryKeyColumn(table string) (string, error) {
	switch table {
	case "scripts", "jobs":
		return "id", nil
	case "users":
		return "subscriber", nil
	case "reel_analysis":
		return "request_hash", nil
	case "dataset_records":
		return "id", nil
	case "user_memory":
		return "subscriber", nil
	default:
		return "", fmt.Errorf("sqlite: unknown table %q", table)
	}
}

// SweepExpired deletes rows from table whose expiresColumn value (unix
// seconds) is earlier than now. Repository.SweepExpired uses it for jobs
// (heartbeat_at older than 7 days) and reel_analysis (expires_at passed).
func (s *Store) SweepExpired(ctx context.Context, table, expiresColumn string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, expiresColumn), now.Unix()) //nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweep %s: %w", table, err)
	}
	return res.RowsAffected()
}
