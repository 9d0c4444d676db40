// Package usage tracks per-user one-shot run consumption by calendar month.
package usage

import (
	"context"
	"database/sql"
	"time"

	"github.com/hexfield/digest/errors"
)

// Tracker persists monthly one-shot usage counters
type Tracker struct {
	db *sql.DB
}

// NewTracker creates a usage tracker
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// MonthKey returns the usage bucket key for an instant, "YYYY-MM" in UTC
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// RecordOneShotRun increments the user's one-shot counter for the month
// containing now.
func (t *Tracker) RecordOneShotRun(ctx context.Context, userID string, now time.Time) error {
	query := `
		INSERT INTO one_shot_usage (user_id, month_key, runs, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(user_id, month_key) DO UPDATE SET
			runs = runs + 1,
			updated_at = excluded.updated_at
	`

	_, err := t.db.ExecContext(ctx, query,
		userID, MonthKey(now), now.UTC().Format(time.RFC3339))
	if err != nil {
		return errors.Wrap(err, "failed to record one-shot run")
	}
	return nil
}

// OneShotRuns returns the user's one-shot run count for the month containing
// the given instant. Months with no usage return zero.
func (t *Tracker) OneShotRuns(ctx context.Context, userID string, at time.Time) (int, error) {
	var runs int
	err := t.db.QueryRowContext(ctx,
		`SELECT runs FROM one_shot_usage WHERE user_id = ? AND month_key = ?`,
		userID, MonthKey(at)).Scan(&runs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to get one-shot usage")
	}
	return runs, nil
}
