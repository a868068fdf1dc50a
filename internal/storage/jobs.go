package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// DefaultMaxAttempts is the attempt ceiling stamped on new jobs unless the
// store was configured otherwise via SetMaxJobAttempts.
const DefaultMaxAttempts = 5

// EmbeddingPayload is the payload of a generate_embedding job.
type EmbeddingPayload struct {
	MessageID int64 `json:"message_id"`
}

// EnqueueEmbeddingJob creates a pending generate_embedding job for a message
// unless one is already pending for it (coalescing). A running job does not
// coalesce: it may have read the content before the write that triggered this
// enqueue, so a fresh pending job must follow it. Re-processing is harmless
// because the worker upserts.
func (s *Store) EnqueueEmbeddingJob(messageID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := enqueueEmbeddingJobTx(tx, messageID, s.maxJobAttempts, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// enqueueEmbeddingJobTx inserts a coalesced embedding job on the caller's
// transaction. The NOT EXISTS guard keys on the message id inside the
// payload, so repeated content edits never pile up duplicate pending jobs.
// Only pending jobs coalesce; see EnqueueEmbeddingJob.
func enqueueEmbeddingJobTx(tx *sql.Tx, messageID int64, maxAttempts int, now time.Time) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	payload, err := json.Marshal(EmbeddingPayload{MessageID: messageID})
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	ts := formatTime(now)
	_, err = tx.Exec(`
		INSERT INTO jobs (kind, payload_json, status, attempts, max_attempts, not_before, created_at, updated_at)
		SELECT ?, ?, 'pending', 0, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE kind = ?
			  AND status = 'pending'
			  AND json_extract(payload_json, '$.message_id') = ?
		)`,
		JobKindEmbedding, string(payload), maxAttempts, ts, ts, ts,
		JobKindEmbedding, messageID,
	)
	return err
}

// ClaimJob atomically selects the oldest eligible pending job of the given
// kind, transitions it to running, increments attempts, and returns it
// exclusively to the caller. Returns nil when no job is eligible. Two
// concurrent claimers never receive the same job: the status check in the
// UPDATE acts as a compare-and-set, and a lost race reads as "nothing
// eligible" rather than blocking.
func (s *Store) ClaimJob(workerID, kind string) (*Job, error) {
	now := formatTime(time.Now())

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var j Job
	var notBefore, createdAt, updatedAt string
	err = tx.QueryRow(`
		SELECT id, kind, payload_json, status, attempts, max_attempts, not_before, last_error, created_at, updated_at
		FROM jobs
		WHERE status = 'pending' AND kind = ? AND not_before <= ?
		ORDER BY not_before ASC, created_at ASC
		LIMIT 1`, kind, now).Scan(
		&j.ID, &j.Kind, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&notBefore, &j.LastError, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE jobs SET status = 'running', attempts = attempts + 1, claimed_by = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`, workerID, now, j.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming job %d: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	j.Attempts++
	if j.NotBefore, err = parseTime(notBefore); err != nil {
		return nil, fmt.Errorf("parsing not_before for job %d: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %d: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %d: %w", j.ID, err)
	}
	return &j, nil
}

// CompleteJob transitions a job to completed. Completing an already-completed
// job is a no-op.
func (s *Store) CompleteJob(id int64) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'completed', updated_at = ?
		WHERE id = ? AND status IN ('running', 'completed')`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a transient failure. The job returns to pending with a
// backoff-delayed not_before unless its attempt ceiling is reached, in which
// case it stays failed terminally. Attempts were already counted at claim
// time.
func (s *Store) FailJob(id int64, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
			errMsg, formatTime(now), id)
	} else {
		notBefore := now.Add(backoffDelay(attempts))
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', last_error = ?, not_before = ?, updated_at = ? WHERE id = ?`,
			errMsg, formatTime(notBefore), formatTime(now), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// FailJobTerminal marks a job failed with no retry, regardless of remaining
// attempts. Used for payload/validation failures that cannot succeed later.
func (s *Store) FailJobTerminal(id int64, errMsg string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// backoffDelay grows exponentially with the attempt count, with up to 50%
// jitter to spread retries, capped at 10 minutes.
func backoffDelay(attempts int) time.Duration {
	base := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	if base > 10*time.Minute {
		base = 10 * time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base + jitter
}

// ReapStuckJobs returns jobs stuck in running longer than the liveness
// timeout to pending so another worker can retry them. Returns the number of
// jobs reclaimed.
func (s *Store) ReapStuckJobs(timeout time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := formatTime(now.Add(-timeout))
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'pending', not_before = ?, updated_at = ?
		WHERE status = 'running' AND updated_at < ?`,
		formatTime(now), formatTime(now), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PruneJobs deletes completed and failed jobs older than the retention
// window. Returns the number of rows removed.
func (s *Store) PruneJobs(retention time.Duration) (int, error) {
	cutoff := formatTime(time.Now().Add(-retention))
	res, err := s.db.Exec(`
		DELETE FROM jobs WHERE status IN ('completed', 'failed') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetJob returns a job by id.
func (s *Store) GetJob(id int64) (*Job, error) {
	var j Job
	var notBefore, createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, kind, payload_json, status, attempts, max_attempts, not_before, last_error, created_at, updated_at
		FROM jobs WHERE id = ?`, id).Scan(
		&j.ID, &j.Kind, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&notBefore, &j.LastError, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if j.NotBefore, err = parseTime(notBefore); err != nil {
		return nil, fmt.Errorf("parsing not_before: %w", err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &j, nil
}

// CountJobs returns queue depth by status for the given kind.
func (s *Store) CountJobs(kind string) (JobCounts, error) {
	counts := JobCounts{Kind: kind}
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs WHERE kind = ? GROUP BY status`, kind)
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		switch status {
		case JobPending:
			counts.Pending = n
		case JobRunning:
			counts.Running = n
		case JobCompleted:
			counts.Completed = n
		case JobFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}
