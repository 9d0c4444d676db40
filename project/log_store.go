package project

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/hexfield/digest/errors"
)

// LogStore handles persistence of delivery logs
type LogStore struct {
	db *sql.DB
}

// NewLogStore creates a new delivery log store
func NewLogStore(db *sql.DB) *LogStore {
	return &LogStore{db: db}
}

// CreatePending inserts a new pending delivery log and returns its id
func (s *LogStore) CreatePending(ctx context.Context, userID, projectID, subject, body string) (string, error) {
	logID := uuid.NewString()

	query := `
		INSERT INTO delivery_logs (id, user_id, project_id, status, subject, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		logID,
		userID,
		projectID,
		LogStatusPending,
		subject,
		body,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", errors.Wrap(err, "failed to create delivery log")
	}

	return logID, nil
}

// ListPending returns the project's pending delivery logs, oldest first.
// Typically exactly one log is pending at a time.
func (s *LogStore) ListPending(ctx context.Context, userID, projectID string) ([]*DeliveryLog, error) {
	query := `
		SELECT id, user_id, project_id, status, subject, body, error, created_at, delivered_at
		FROM delivery_logs
		WHERE user_id = ? AND project_id = ? AND status = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, projectID, LogStatusPending)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending delivery logs")
	}
	defer rows.Close()

	var logs []*DeliveryLog
	for rows.Next() {
		log, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}

	return logs, rows.Err()
}

// GetLog retrieves a delivery log by id. Returns (nil, nil) when missing.
func (s *LogStore) GetLog(ctx context.Context, logID string) (*DeliveryLog, error) {
	query := `
		SELECT id, user_id, project_id, status, subject, body, error, created_at, delivered_at
		FROM delivery_logs
		WHERE id = ?
	`

	log, err := scanDeliveryLog(s.db.QueryRowContext(ctx, query, logID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get delivery log")
	}
	return log, nil
}

// MarkDelivered transitions a log to success and stamps delivered_at
func (s *LogStore) MarkDelivered(ctx context.Context, logID string, deliveredAt time.Time) error {
	query := `
		UPDATE delivery_logs
		SET status = ?, delivered_at = ?, error = ''
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		LogStatusSuccess,
		deliveredAt.UTC().Format(time.RFC3339),
		logID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark delivery log delivered")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "delivery log %s", logID)
	}

	return nil
}

// MarkFailed transitions a log to its terminal failed state. Called only
// after the delivery job's retry budget is exhausted - transient send
// failures leave the log pending so retries can pick it up.
func (s *LogStore) MarkFailed(ctx context.Context, logID, message string) error {
	query := `
		UPDATE delivery_logs
		SET status = ?, error = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, LogStatusFailed, message, logID)
	if err != nil {
		return errors.Wrap(err, "failed to mark delivery log failed")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "delivery log %s", logID)
	}

	return nil
}

func scanDeliveryLog(row rowScanner) (*DeliveryLog, error) {
	var log DeliveryLog
	var createdAt string
	var deliveredAt sql.NullString

	err := row.Scan(
		&log.ID,
		&log.UserID,
		&log.ProjectID,
		&log.Status,
		&log.Subject,
		&log.Body,
		&log.Error,
		&createdAt,
		&deliveredAt,
	)
	if err != nil {
		return nil, err
	}

	log.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for delivery log %s", log.ID)
	}

	if deliveredAt.Valid {
		t, err := time.Parse(time.RFC3339, deliveredAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse delivered_at for delivery log %s", log.ID)
		}
		log.DeliveredAt = &t
	}

	return &log, nil
}
