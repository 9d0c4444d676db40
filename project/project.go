// Package project provides the project and delivery log stores.
//
// The scheduling core reads and writes a narrow slice of the project record:
// schedule fields, run state, and the prepared-delivery handoff token. The
// project row is the source of truth for "should this run actually happen" -
// queued jobs carry no authority of their own.
package project

import "time"

// Status values for a project's run state
const (
	StatusDraft   = "draft"
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusRunning = "running"
	StatusDeleted = "deleted" // soft delete; processors treat as missing
)

// Frequency values for a project's schedule
const (
	FrequencyOnce    = "once"
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

// Project represents a user's recurring research project
type Project struct {
	UserID string
	ID     string
	Title  string

	// Schedule
	Frequency    string
	DeliveryTime string // "HH:MM" in the project's timezone
	Timezone     string
	DayOfWeek    *int // 0-6, weekly only
	DayOfMonth   *int // 1-31, monthly only; clamped to month length

	// Run state
	Status    string
	NextRunAt *int64 // epoch ms; nil when no run is scheduled
	LastRunAt *int64 // epoch ms
	LastError string

	// PreparedDeliveryLogID is the handoff token between the research and
	// delivery phases: set when research persists a pending report, cleared
	// when delivery sends it. Its presence is the delivery processor's guard
	// that there is something to send.
	PreparedDeliveryLogID string

	RecipientEmail string

	// One-shot flags: a single manually-triggered run on an otherwise
	// recurring project, without altering its permanent frequency.
	IsOneShot        bool
	ThisRunIsOneShot bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EpochMs converts a time to epoch milliseconds
func EpochMs(t time.Time) int64 {
	return t.UnixMilli()
}
