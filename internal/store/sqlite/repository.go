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

// Repository is a typed façade over Store for the record kinds C7, C8,
// C9, and C13 read and write directly (users, scripts, reel analysis,
// dataset records, user memory). Job records have their own repository
// in internal/pipeline/store, since the durable queue needs lower-level
// row operations (conditional claim, heartbeat, status transition by id) than
// this generic upsert/find shape provides.
type Repository struct {
	store *Store
}

// NewRepository wraps store.
func NewRepository(store *Store) *Repository { return &Repository{store: store} }

// PutUser inserts or replaces the user record, keyed by subscriber.
func (r *Repository) PutUser(ctx context.Context, u domain.User) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("sqlite: encode user: %w", err)
	}
	_, err = r.store.db.ExecContext(ctx, `
		INSERT INTO users (subscriber, status, created_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subscriber) DO UPDATE SET status = excluded.status, payload = excluded.payload
	`, u.Subscriber, string(u.Status), u.JoinedAt.Unix(), string(payload))
	if err != nil {
		return fmt.Errorf("sqlite: put user: %w", err)
	}
	return nil
}

// GetUser loads the user record for subscriber, or domain.ErrNotFound.
func (r *Repository) GetUser(ctx context.Context, subscriber string) (domain.User, error) {
	var u domain.User
	err := r.store.FindOne(ctx, "users", subscriber, &u)
	return u, err
}

// NextUserOrdinal atomically reads and advances the shared user-ordinal
// counter, returning the value to assign to the user being admitted.
// Modeled on the job queue's ClaimNext read-then-update-in-tx pattern so
// two concurrent admissions can never observe the same ordinal.
func (r *Repository) NextUserOrdinal(ctx context.Context) (int, error) {
	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin ordinal tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT next_ordinal FROM user_ordinal_seq WHERE id = 1`).Scan(&next); err != nil {
		return 0, fmt.Errorf("sqlite: read ordinal seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE user_ordinal_seq SET next_ordinal = next_ordinal + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("sqlite: advance ordinal seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit ordinal seq: %w", err)
	}
	return next, nil
}

// CountUsersByStatus returns the number of users in the given status,
// used by the access gate to evaluate the active-capacity ceiling.
func (r *Repository) CountUsersByStatus(ctx context.Context, status domain.UserStatus) (int, error) {
	return r.store.Count(ctx, "users", "status", string(status))
}

// OldestWaitlisted returns up to limit waitlisted users ordered by join
// time, used by the waitlist promotion sweep.
func (r *Repository) OldestWaitlisted(ctx context.Context, limit int) ([]domain.User, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT payload FROM users WHERE status = ? ORDER BY created_at ASC LIMIT ?
	`, string(domain.UserStatusWaitlist), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query waitlisted users: %w", err)
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan waitlisted user: %w", err)
		}
		var u domain.User
		if err := json.Unmarshal([]byte(payload), &u); err != nil {
			return nil, fmt.Errorf("sqlite: decode waitlisted user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// WaitlistPosition returns subscriber's 1-based rank among waitlisted
// users ordered by join time, or domain.ErrNotFound if subscriber is not
// currently waitlisted.
func (r *Repository) WaitlistPosition(ctx context.Context, subscriber string) (int, error) {
	user, err := r.GetUser(ctx, subscriber)
	if err != nil {
		return 0, err
	}
	if user.Status != domain.UserStatusWaitlist {
		return 0, domain.ErrNotFound
	}

	var position int
	row := r.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM users WHERE status = ? AND created_at <= ?
	`, string(domain.UserStatusWaitlist), user.JoinedAt.Unix())
	if err := row.Scan(&position); err != nil {
		return 0, fmt.Errorf("sqlite: compute waitlist position: %w", err)
	}
	return position, nil
}

// PutScript inserts the script record. Scripts are write-once: a
// conflicting id is an error, not an overwrite.
func (r *Repository) PutScript(ctx context.Context, sc domain.Script) error {
	payload, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("sqlite: encode script: %w", err)
	}
	_, err = r.store.db.ExecContext(ctx, `
		INSERT INTO scripts (id, public_id, variation_key, subscriber, request_hash, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sc.ID, sc.PublicID, sc.VariationKey, sc.Subscriber, sc.RequestHash, sc.CreatedAt.Unix(), string(payload))
	if err != nil {
		return fmt.Errorf("sqlite: put script: %w", err)
	}
	return nil
}

// GetScriptByPublicID loads the script served at /s/{publicId}.
func (r *Repository) GetScriptByPublicID(ctx context.Context, publicID string) (domain.Script, error) {
	return r.getScriptByColumn(ctx, "public_id", publicID)
}

// GetScriptByVariationKey loads the tier-2 cached script for a
// subscriber/intent/variation/mode key, consulted only for
// variationIndex 0 per the cache-bypass invariant.
func (r *Repository) GetScriptByVariationKey(ctx context.Context, variationKey string) (domain.Script, error) {
	return r.getScriptByColumn(ctx, "variation_key", variationKey)
}

func (r *Repository) getScriptByColumn(ctx context.Context, column, value string) (domain.Script, error) {
	var payload string
	row := r.store.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT payload FROM scripts WHERE %s = ?`, column), value) //nolint:gosec // column is from a closed enum, not user input
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Script{}, domain.ErrNotFound
		}
		return domain.Script{}, fmt.Errorf("sqlite: get script by %s: %w", column, err)
	}
	var sc domain.Script
	if err := json.Unmarshal([]byte(payload), &sc); err != nil {
		return domain.Script{}, fmt.Errorf("sqlite: decode script: %w", err)
	}
	return sc, nil
}

// ListScriptsByRequestHash returns up to limit prior scripts generated for
// the same canonical source URL, newest first, for the pipeline worker's
// prior-context retrieval.
func (r *Repository) ListScriptsByRequestHash(ctx context.Context, requestHash string, limit int) ([]domain.Script, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT payload FROM scripts WHERE request_hash = ? ORDER BY created_at DESC LIMIT ?
	`, requestHash, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list scripts by request hash: %w", err)
	}
	defer rows.Close()

	var out []domain.Script
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan prior script: %w", err)
		}
		var sc domain.Script
		if err := json.Unmarshal([]byte(payload), &sc); err != nil {
			return nil, fmt.Errorf("sqlite: decode prior script: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// PutReelAnalysis upserts the tier-1 cached analysis for requestHash.
func (r *Repository) PutReelAnalysis(ctx context.Context, ra domain.ReelAnalysis) error {
	payload, err := json.Marshal(ra)
	if err != nil {
		return fmt.Errorf("sqlite: encode reel analysis: %w", err)
	}
	_, err = r.store.db.ExecContext(ctx, `
		INSERT INTO reel_analysis (request_hash, created_at, expires_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(request_hash) DO UPDATE SET expires_at = excluded.expires_at, payload = excluded.payload
	`, ra.RequestHash, ra.CreatedAt.Unix(), ra.ExpiresAt.Unix(), string(payload))
	if err != nil {
		return fmt.Errorf("sqlite: put reel analysis: %w", err)
	}
	return nil
}

// GetReelAnalysis loads the tier-1 cached analysis for requestHash, or
// domain.ErrNotFound if absent or already swept.
func (r *Repository) GetReelAnalysis(ctx context.Context, requestHash string) (domain.ReelAnalysis, error) {
	var ra domain.ReelAnalysis
	err := r.store.FindOne(ctx, "reel_analysis", requestHash, &ra)
	return ra, err
}

// PutDatasetRecord inserts a feedback record linking a delivered script
// back to its rating and comment.
func (r *Repository) PutDatasetRecord(ctx context.Context, dr domain.DatasetRecord) error {
	payload, err := json.Marshal(dr)
	if err != nil {
		return fmt.Errorf("sqlite: encode dataset record: %w", err)
	}
	_, err = r.store.db.ExecContext(ctx, `
		INSERT INTO dataset_records (id, script_id, subscriber, created_at, payload)
		VALUES (?, ?, ?, ?, ?)
	`, dr.ID, dr.ScriptID, dr.Subscriber, dr.CreatedAt.Unix(), string(payload))
	if err != nil {
		return fmt.Errorf("sqlite: put dataset record: %w", err)
	}
	return nil
}

// CountDatasetRecords returns the total number of feedback records, used
// by the feedback stats admin endpoint.
func (r *Repository) CountDatasetRecords(ctx context.Context) (int, error) {
	var n int
	row := r.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dataset_records`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count dataset records: %w", err)
	}
	return n, nil
}

// ListDatasetRecords returns up to limit dataset records for export,
// newest first.
func (r *Repository) ListDatasetRecords(ctx context.Context, limit int) ([]domain.DatasetRecord, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT payload FROM dataset_records ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list dataset records: %w", err)
	}
	defer rows.Close()

	var out []domain.DatasetRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan dataset record: %w", err)
		}
		var dr domain.DatasetRecord
		if err := json.Unmarshal([]byte(payload), &dr); err != nil {
			return nil, fmt.Errorf("sqlite: decode dataset record: %w", err)
		}
		out = append(out, dr)
	}
	return out, rows.Err()
}

// PutUserMemory upserts the per-subscriber recent-intent/tone memory.
func (r *Repository) PutUserMemory(ctx context.Context, um domain.UserMemory) error {
	payload, err := json.Marshal(um)
	if err != nil {
		return fmt.Errorf("sqlite: encode user memory: %w", err)
	}
	_, err = r.store.db.ExecContext(ctx, `
		INSERT INTO user_memory (subscriber, updated_at, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(subscriber) DO UPDATE SET updated_at = excluded.updated_at, payload = excluded.payload
	`, um.Subscriber, um.UpdatedAt.Unix(), string(payload))
	if err != nil {
		return fmt.Errorf("sqlite: put user memory: %w", err)
	}
	return nil
}

// GetUserMemory loads the subscriber's recent context, or a zero value
// with no error if none has been recorded yet.
func (r *Repository) GetUserMemory(ctx context.Context, subscriber string) (domain.UserMemory, error) {
	var um domain.UserMemory
	err := r.store.FindOne(ctx, "user_memory", subscriber, &um)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.UserMemory{Subscriber: subscriber}, nil
	}
	return um, err
}

// SweepExpired runs the periodic janitor pass over jobs and
// reel_analysis, deleting rows past their retention window (7 days for
// both), grounded in the teacher's internal/cache/cache.go janitor
// pattern generalized from an in-memory TTL map to durable-store rows.
func (r *Repository) SweepExpired(ctx context.Context, now time.Time) (jobsDeleted, analysisDeleted int64, err error) {
	jobsDeleted, err = r.store.SweepExpired(ctx, "jobs", "heartbeat_at", now.Add(-7*24*time.Hour))
	if err != nil {
		return 0, 0, err
	}
	analysisDeleted, err = r.store.SweepExpired(ctx, "reel_analysis", "expires_at", now)
	if err != nil {
		return jobsDeleted, 0, err
	}
	return jobsDeleted, analysisDeleted, nil
}
