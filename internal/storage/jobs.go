package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

const (
	defaultMaxAttempts = 3
	retryBackoffBase   = 2 * time.Second
	retryBackoffMax    = 5 * time.Minute
)

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

// EnqueueJob inserts a pending job. A zero MaxAttempts means 3 and a zero
// RunAfter means now.
func (s *Store) EnqueueJob(job Job) error {
	now := formatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, JobPending, job.MaxAttempts, runAfter, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimNextJob atomically marks the oldest due pending job of one of the
// given types as running and returns it. It returns nil when nothing is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := formatTime(time.Now())
	args := []any{JobRunning, now, JobPending, now}
	for _, t := range types {
		args = append(args, t)
	}

	row := s.db.QueryRow(`
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND run_after <= ? AND type IN (?`+strings.Repeat(",?", len(types)-1)+`)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
		)
		RETURNING `+jobColumns, args...)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &job, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(id string) error {
	return s.setJobStatus(id, JobCompleted)
}

// FailJob records a failed attempt. The job is retried after an exponential
// backoff until it reaches MaxAttempts, then marked failed.
func (s *Store) FailJob(id string, errMsg string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		attempts++
		now := time.Now()
		status, runAfter := JobPending, now.Add(retryBackoff(attempts))
		if attempts >= maxAttempts {
			status, runAfter = JobFailed, now
		}
		_, err = tx.Exec(`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			status, attempts, errMsg, formatTime(runAfter), formatTime(now), id)
		return err
	})
}

// retryBackoff doubles from retryBackoffBase per attempt, capped at
// retryBackoffMax.
func retryBackoff(attempts int) time.Duration {
	d := retryBackoffBase
	for i := 1; i < attempts && d < retryBackoffMax; i++ {
		d *= 2
	}
	return min(d, retryBackoffMax)
}

// JobCounts returns the number of jobs in each status.
func (s *Store) JobCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ResetRunningJobs returns jobs left running by a previous process to
// pending so they are picked up again.
func (s *Store) ResetRunningJobs() (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		JobPending, formatTime(time.Now()), JobRunning)
	if err != nil {
		return 0, fmt.Errorf("resetting running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PurgeCompletedJobs deletes completed jobs last updated before cutoff and
// returns how many were removed.
func (s *Store) PurgeCompletedJobs(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE status = ? AND updated_at < ?`, JobCompleted, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) setJobStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	var err error
	if j.RunAfter, err = parseTime("run_after", runAfter); err != nil {
		return Job{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Job{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Job{}, fmt.Errorf("job %s: %w", j.ID, err)
	}
	return j, nil
}
