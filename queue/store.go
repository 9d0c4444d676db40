package queue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/hexfield/digest/errors"
)

// Store handles persistence of queued jobs. It is the at-least-once delayed
// task queue both the research and delivery queues share a table of.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, queue, payload, state, run_at, attempts, max_attempts, backoff_ms, error, created_at, updated_at, completed_at`

// Enqueue inserts a new job. The caller sets State (waiting or delayed) and
// RunAt before enqueueing.
func (s *Store) Enqueue(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (id, queue, payload, state, run_at, attempts, max_attempts, backoff_ms, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		string(job.Queue),
		string(job.Payload),
		string(job.State),
		job.RunAt.UTC().Format(time.RFC3339Nano),
		job.Attempts,
		job.MaxAttempts,
		job.Backoff.Milliseconds(),
		job.Error,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue job %s", job.ID)
	}

	return nil
}

// GetJob retrieves a job by queue and id. Returns (nil, nil) when the job
// does not exist.
func (s *Store) GetJob(ctx context.Context, queue Name, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue = ? AND id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, string(queue), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// ListByStates returns jobs on a queue in any of the given states
func (s *Store) ListByStates(ctx context.Context, queue Name, states []State, limit int) ([]*Job, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue = ? AND state IN (` + placeholders + `) ORDER BY run_at ASC LIMIT ?`

	args := make([]interface{}, 0, len(states)+2)
	args = append(args, string(queue))
	for _, st := range states {
		args = append(args, string(st))
	}
	args = append(args, limit)

	return s.queryJobs(ctx, query, args...)
}

// ListProjectJobs returns the base job plus any timestamp-suffixed collision
// variants for the given base id.
func (s *Store) ListProjectJobs(ctx context.Context, queue Name, baseID string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue = ? AND (id = ? OR id LIKE ?) ORDER BY created_at ASC`
	return s.queryJobs(ctx, query, string(queue), baseID, baseID+":%")
}

// DueJobs returns jobs that are eligible to run at the given instant,
// oldest deadline first. Limited per batch so one poll cannot flood the
// worker pool.
func (s *Store) DueJobs(ctx context.Context, queue Name, now time.Time, limit int) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE queue = ? AND state IN (?, ?) AND run_at <= ?
		ORDER BY run_at ASC
		LIMIT ?
	`
	return s.queryJobs(ctx, query,
		string(queue), string(StateWaiting), string(StateDelayed),
		now.UTC().Format(time.RFC3339Nano), limit)
}

// Claim atomically transitions a due job to active. Returns false if another
// worker claimed it first (or it was removed).
func (s *Store) Claim(ctx context.Context, queue Name, id string) (bool, error) {
	query := `
		UPDATE jobs
		SET state = ?, updated_at = ?
		WHERE queue = ? AND id = ? AND state IN (?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		string(StateActive), time.Now().UTC().Format(time.RFC3339Nano),
		string(queue), id, string(StateWaiting), string(StateDelayed))
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim job %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// Update persists a job's retry bookkeeping and state transitions
func (s *Store) Update(ctx context.Context, job *Job) error {
	query := `
		UPDATE jobs
		SET state = ?, run_at = ?, attempts = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE queue = ? AND id = ?
	`

	job.UpdatedAt = time.Now().UTC()

	var completedAt interface{}
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, query,
		string(job.State),
		job.RunAt.UTC().Format(time.RFC3339Nano),
		job.Attempts,
		job.Error,
		job.UpdatedAt.Format(time.RFC3339Nano),
		completedAt,
		string(job.Queue),
		job.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", job.ID)
	}

	return nil
}

// Remove deletes a job if it is in a removable state. A missing job is
// success (already removed); an active job returns ErrJobActive so the
// caller can enqueue a suffixed replacement instead.
func (s *Store) Remove(ctx context.Context, queue Name, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE queue = ? AND id = ? AND state != ?`,
		string(queue), id, string(StateActive))
	if err != nil {
		return errors.Wrapf(err, "failed to remove job %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows > 0 {
		return nil
	}

	// Nothing deleted: either the job is gone (fine) or it is active
	job, err := s.GetJob(ctx, queue, id)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	return errors.Wrapf(errors.ErrJobActive, "job %s", id)
}

// Cleanup removes completed and failed jobs past their retention windows.
// Returns the number of jobs removed. Retention is an operational audit
// trail, not part of scheduling correctness.
func (s *Store) Cleanup(ctx context.Context, completedOlderThan, failedOlderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	total := 0

	for _, c := range []struct {
		state  State
		cutoff time.Time
	}{
		{StateCompleted, now.Add(-completedOlderThan)},
		{StateFailed, now.Add(-failedOlderThan)},
	} {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM jobs WHERE state = ? AND updated_at < ?`,
			string(c.state), c.cutoff.Format(time.RFC3339Nano))
		if err != nil {
			return total, errors.Wrapf(err, "failed to clean up %s jobs", c.state)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return total, errors.Wrap(err, "failed to get rows affected")
		}
		total += int(rows)
	}

	return total, nil
}

// ReleaseActive re-queues jobs stuck in active state, making them eligible
// immediately. Used on startup to recover jobs orphaned by a crash.
func (s *Store) ReleaseActive(ctx context.Context, queue Name) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error = '', updated_at = ? WHERE queue = ? AND state = ?`,
		string(StateWaiting), time.Now().UTC().Format(time.RFC3339Nano),
		string(queue), string(StateActive))
	if err != nil {
		return 0, errors.Wrap(err, "failed to release active jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var queue, state, runAt, createdAt, updatedAt string
	var payload, completedAt sql.NullString
	var backoffMs int64

	err := row.Scan(
		&job.ID,
		&queue,
		&payload,
		&state,
		&runAt,
		&job.Attempts,
		&job.MaxAttempts,
		&backoffMs,
		&job.Error,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Queue = Name(queue)
	job.State = State(state)
	job.Backoff = time.Duration(backoffMs) * time.Millisecond
	if payload.Valid {
		job.Payload = []byte(payload.String)
	}

	job.RunAt, err = time.Parse(time.RFC3339Nano, runAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse run_at for job %s", job.ID)
	}
	job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
	}
	job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", job.ID)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse completed_at for job %s", job.ID)
		}
		job.CompletedAt = &t
	}

	return &job, nil
}
