// Package store is the durable job repository backing the queue (C10).
// Jobs live in the sqlite document store's "jobs" table; this package
// adds the lower-level row operations the queue needs beyond generic
// upsert/find: claiming the next queued row (conditional on the row still
// being queued), heartbeat touches, and status transitions by job id.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reelscribe/reelscribe/internal/domain"
	sqlitestore "github.com/reelscribe/reelscribe/internal/store/sqlite"
)

// JobStore wraps the raw *sql.DB for job-row operations the dispatch
// loop and sweeper need.
type JobStore struct {
	db *sql.DB
}

// New wraps the given durable store's database handle.
func New(durable *sqlitestore.Store) *JobStore {
	return &JobStore{db: durable.DB()}
}

// Enqueue inserts a new job row in the queued state.
func (s *JobStore) Enqueue(ctx context.Context, job domain.Job) error {
	job.Status = domain.JobStatusQueued
	job.Stage = domain.StageDownload
	now := time.Now()
	job.CreatedAt, job.UpdatedAt, job.HeartbeatAt = now, now, now

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("pipeline store: encode job: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, subscriber, request_hash, variation_key, status, created_at, heartbeat_at, version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, job.ID, job.Subscriber, job.RequestHash, job.VariationKey, string(job.Status), now.Unix(), now.Unix(), string(payload))
	if err != nil {
		return fmt.Errorf("pipeline store: enqueue: %w", err)
	}
	return nil
}

// ExistsActive reports whether a job in {queued, processing} already
// exists for variationKey, enforcing the "at most one in-flight job per
// (subscriber, requestHash)" invariant at its actual granularity: the
// tier-2 key scopes by subscriber and idea too, so two subscribers (or
// two ideas) sharing a source URL never collide. Called under the
// ingress handler's singleflight collapse.
func (s *JobStore) ExistsActive(ctx context.Context, variationKey string) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE variation_key = ? AND status IN (?, ?)
	`, variationKey, string(domain.JobStatusQueued), string(domain.JobStatusProcessing))
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("pipeline store: check active job: %w", err)
	}
	return n > 0, nil
}

// ClaimNext atomically claims the oldest queued job, if any, marking it
// processing. Returns (domain.Job{}, false, nil) when the queue is
// empty.
func (s *JobStore) ClaimNext(ctx context.Context) (domain.Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("pipeline store: begin claim tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var id, payload string
	row := tx.QueryRowContext(ctx, `
		SELECT id, payload FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT 1
	`, string(domain.JobStatusQueued))
	if err := row.Scan(&id, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("pipeline store: scan claim candidate: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return domain.Job{}, false, fmt.Errorf("pipeline store: decode claimed job: %w", err)
	}

	now := time.Now()
	job.Status = domain.JobStatusProcessing
	job.UpdatedAt, job.HeartbeatAt = now, now

	newPayload, err := json.Marshal(job)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("pipeline store: encode claimed job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, heartbeat_at = ?, version = version + 1, payload = ?
		WHERE id = ? AND status = ?
	`, string(job.Status), now.Unix(), string(newPayload), id, string(domain.JobStatusQueued))
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("pipeline store: claim update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("pipeline store: claim rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race to another claimer; caller retries on its next tick.
		return domain.Job{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return domain.Job{}, false, fmt.Errorf("pipeline store: commit claim: %w", err)
	}
	return job, true, nil
}

// Heartbeat touches the job's heartbeat timestamp so the sweeper does
// not consider it stalled.
func (s *JobStore) Heartbeat(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET heartbeat_at = ? WHERE id = ?`, time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("pipeline store: heartbeat: %w", err)
	}
	return nil
}

// UpdateStage persists the job's current stage and full record.
func (s *JobStore) UpdateStage(ctx context.Context, job domain.Job, stage domain.Stage) error {
	job.Stage = stage
	job.UpdatedAt = time.Now()
	return s.update(ctx, job)
}

// MarkCompleted transitions job to completed with its ScriptID set.
func (s *JobStore) MarkCompleted(ctx context.Context, job domain.Job, scriptID string) error {
	job.Status = domain.JobStatusCompleted
	job.ScriptID = scriptID
	job.UpdatedAt = time.Now()
	return s.update(ctx, job)
}

// MarkFailed transitions job to failed with the given reason.
func (s *JobStore) MarkFailed(ctx context.Context, job domain.Job, reason string) error {
	job.Status = domain.JobStatusFailed
	job.FailureReason = reason
	job.UpdatedAt = time.Now()
	return s.update(ctx, job)
}

// Requeue resets a job back to queued for retry, incrementing Attempts.
func (s *JobStore) Requeue(ctx context.Context, job domain.Job) error {
	job.Status = domain.JobStatusQueued
	job.Stage = domain.StageDownload
	job.Attempts++
	job.UpdatedAt = time.Now()
	return s.update(ctx, job)
}

func (s *JobStore) update(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("pipeline store: encode job update: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, heartbeat_at = ?, version = version + 1, payload = ?
		WHERE id = ?
	`, string(job.Status), job.UpdatedAt.Unix(), string(payload), job.ID)
	if err != nil {
		return fmt.Errorf("pipeline store: update job: %w", err)
	}
	return nil
}

// StalledSince returns jobs in the processing state whose heartbeat is
// older than cutoff, for the sweeper to reclaim, grounded in the
// teacher's lease_expiry.go sweep idiom generalized from tuner leases to
// job heartbeats.
func (s *JobStore) StalledSince(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM jobs WHERE status = ? AND heartbeat_at < ?
	`, string(domain.JobStatusProcessing), cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("pipeline store: query stalled jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("pipeline store: scan stalled job: %w", err)
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return nil, fmt.Errorf("pipeline store: decode stalled job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// LastCompleted returns the completion time and failure reason (empty on
// success) of the most recently finished job, for the health manager's
// last-run checker. Returns a zero time when no job has finished yet.
func (s *JobStore) LastCompleted(ctx context.Context) (time.Time, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT heartbeat_at, status, payload FROM jobs
		WHERE status IN (?, ?)
		ORDER BY heartbeat_at DESC LIMIT 1
	`, string(domain.JobStatusCompleted), string(domain.JobStatusFailed))

	var updatedAt int64
	var status, payload string
	if err := row.Scan(&updatedAt, &status, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, "", nil
		}
		return time.Time{}, "", fmt.Errorf("pipeline store: last completed: %w", err)
	}

	if status != string(domain.JobStatusFailed) {
		return time.Unix(updatedAt, 0), "", nil
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return time.Unix(updatedAt, 0), "decode error", nil
	}
	return time.Unix(updatedAt, 0), job.FailureReason, nil
}

// Get loads a single job by id.
func (s *JobStore) Get(ctx context.Context, jobID string) (domain.Job, error) {
	var payload string
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM jobs WHERE id = ?`, jobID)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, domain.ErrNotFound
		}
		return domain.Job{}, fmt.Errorf("pipeline store: get job: %w", err)
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return domain.Job{}, fmt.Errorf("pipeline store: decode job: %w", err)
	}
	return job, nil
}
