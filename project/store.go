package project

import (
	"context"
	"database/sql"
	"time"

	"github.com/hexfield/digest/errors"
)

// Store handles persistence of projects
type Store struct {
	db *sql.DB
}

// NewStore creates a new project store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const projectColumns = `
	user_id, id, title, frequency, delivery_time, timezone,
	day_of_week, day_of_month, status, next_run_at, last_run_at,
	last_error, prepared_delivery_log_id, recipient_email,
	is_one_shot, this_run_is_one_shot, created_at, updated_at`

// CreateProject inserts a new project
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	query := `
		INSERT INTO projects (
			user_id, id, title, frequency, delivery_time, timezone,
			day_of_week, day_of_month, status, next_run_at, last_run_at,
			last_error, prepared_delivery_log_id, recipient_email,
			is_one_shot, this_run_is_one_shot, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		p.UserID,
		p.ID,
		p.Title,
		p.Frequency,
		p.DeliveryTime,
		p.Timezone,
		nullableInt(p.DayOfWeek),
		nullableInt(p.DayOfMonth),
		p.Status,
		nullableInt64(p.NextRunAt),
		nullableInt64(p.LastRunAt),
		p.LastError,
		p.PreparedDeliveryLogID,
		p.RecipientEmail,
		p.IsOneShot,
		p.ThisRunIsOneShot,
		p.CreatedAt.Format(time.RFC3339),
		p.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create project")
	}

	return nil
}

// GetProject retrieves a project by identity. Returns (nil, nil) when the
// project does not exist - callers treat absence as a benign skip condition,
// not an error.
func (s *Store) GetProject(ctx context.Context, userID, projectID string) (*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE user_id = ? AND id = ?`

	p, err := scanProject(s.db.QueryRowContext(ctx, query, userID, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get project")
	}
	return p, nil
}

// SetNextRunAt updates the project's scheduled next run. Pass nil to clear.
func (s *Store) SetNextRunAt(ctx context.Context, userID, projectID string, nextRunAt *int64) error {
	return s.exec(ctx,
		`UPDATE projects SET next_run_at = ?, updated_at = ? WHERE user_id = ? AND id = ?`,
		nullableInt64(nextRunAt), nowRFC3339(), userID, projectID)
}

// SetStatus updates the project's run state
func (s *Store) SetStatus(ctx context.Context, userID, projectID, status string) error {
	return s.exec(ctx,
		`UPDATE projects SET status = ?, updated_at = ? WHERE user_id = ? AND id = ?`,
		status, nowRFC3339(), userID, projectID)
}

// SetLastError records the terminal failure of a run. The project stays in
// its current status and is not advanced; the user can retrigger manually.
func (s *Store) SetLastError(ctx context.Context, userID, projectID, message string) error {
	return s.exec(ctx,
		`UPDATE projects SET last_error = ?, updated_at = ? WHERE user_id = ? AND id = ?`,
		message, nowRFC3339(), userID, projectID)
}

// SetPreparedDeliveryLog records the handoff token after research persists a
// pending report.
func (s *Store) SetPreparedDeliveryLog(ctx context.Context, userID, projectID, logID string) error {
	return s.exec(ctx,
		`UPDATE projects SET prepared_delivery_log_id = ?, last_error = '', updated_at = ? WHERE user_id = ? AND id = ?`,
		logID, nowRFC3339(), userID, projectID)
}

// SetThisRunOneShot flags the next run as a manual one-off on a recurring
// project.
func (s *Store) SetThisRunOneShot(ctx context.Context, userID, projectID string, oneShot bool) error {
	return s.exec(ctx,
		`UPDATE projects SET this_run_is_one_shot = ?, updated_at = ? WHERE user_id = ? AND id = ?`,
		oneShot, nowRFC3339(), userID, projectID)
}

// FinishOnceRun closes out a frequency=once project after a successful
// delivery: paused, no further schedule, handoff token cleared.
func (s *Store) FinishOnceRun(ctx context.Context, userID, projectID string, nowMs int64) error {
	return s.exec(ctx,
		`UPDATE projects
		 SET status = ?, next_run_at = NULL, prepared_delivery_log_id = '',
		     this_run_is_one_shot = 0, last_run_at = ?, updated_at = ?
		 WHERE user_id = ? AND id = ?`,
		StatusPaused, nowMs, nowRFC3339(), userID, projectID)
}

// AdvanceSchedule moves a recurring project to its next cycle after a
// successful delivery: clears the handoff token, stamps last_run_at, and
// records the next run (0 clears the schedule - the project stops advancing).
// clearOneShot also resets the this_run_is_one_shot flag.
func (s *Store) AdvanceSchedule(ctx context.Context, userID, projectID string, nextRunAt int64, nowMs int64, clearOneShot bool) error {
	var next interface{}
	if nextRunAt > 0 {
		next = nextRunAt
	}

	if clearOneShot {
		return s.exec(ctx,
			`UPDATE projects
			 SET next_run_at = ?, prepared_delivery_log_id = '',
			     this_run_is_one_shot = 0, last_run_at = ?, updated_at = ?
			 WHERE user_id = ? AND id = ?`,
			next, nowMs, nowRFC3339(), userID, projectID)
	}

	return s.exec(ctx,
		`UPDATE projects
		 SET next_run_at = ?, prepared_delivery_log_id = '',
		     last_run_at = ?, updated_at = ?
		 WHERE user_id = ? AND id = ?`,
		next, nowMs, nowRFC3339(), userID, projectID)
}

// ListActiveScheduled returns active projects that have a scheduled next run.
// Used by the recovery scan to find projects whose expected job went missing.
func (s *Store) ListActiveScheduled(ctx context.Context) ([]*Project, error) {
	query := `SELECT ` + projectColumns + `
		FROM projects
		WHERE status = ? AND next_run_at IS NOT NULL
		ORDER BY next_run_at ASC`

	rows, err := s.db.QueryContext(ctx, query, StatusActive)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active projects")
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan project")
		}
		projects = append(projects, p)
	}

	return projects, rows.Err()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "failed to update project")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrap(errors.ErrNotFound, "project")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var dayOfWeek, dayOfMonth sql.NullInt64
	var nextRunAt, lastRunAt sql.NullInt64
	var createdAt, updatedAt string

	err := row.Scan(
		&p.UserID,
		&p.ID,
		&p.Title,
		&p.Frequency,
		&p.DeliveryTime,
		&p.Timezone,
		&dayOfWeek,
		&dayOfMonth,
		&p.Status,
		&nextRunAt,
		&lastRunAt,
		&p.LastError,
		&p.PreparedDeliveryLogID,
		&p.RecipientEmail,
		&p.IsOneShot,
		&p.ThisRunIsOneShot,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if dayOfWeek.Valid {
		v := int(dayOfWeek.Int64)
		p.DayOfWeek = &v
	}
	if dayOfMonth.Valid {
		v := int(dayOfMonth.Int64)
		p.DayOfMonth = &v
	}
	if nextRunAt.Valid {
		v := nextRunAt.Int64
		p.NextRunAt = &v
	}
	if lastRunAt.Valid {
		v := lastRunAt.Int64
		p.LastRunAt = &v
	}

	p.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for project %s", p.ID)
	}
	p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for project %s", p.ID)
	}

	return &p, nil
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
