// Package queue provides the durable delayed job queue and the scheduling
// service that sits above it.
//
// Two independent queues exist: research and delivery. Jobs are at-least-once
// and carry no authority beyond triggering a processor - the project record
// is the source of truth for whether a run should actually happen.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hexfield/digest/errors"
)

// Name identifies one of the two job queues
type Name string

const (
	QueueResearch Name = "research"
	QueueDelivery Name = "delivery"
)

// State represents the current state of a job
type State string

const (
	StateWaiting   State = "waiting" // eligible now, not yet claimed
	StateDelayed   State = "delayed" // eligible at run_at
	StateActive    State = "active"  // claimed by a worker
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// RemovableStates are the states in which a job may be removed from the
// queue. An active job is never removed - the caller enqueues a replacement
// under a suffixed id and the running job no-ops via its staleness check.
var RemovableStates = []State{StateWaiting, StateDelayed, StateCompleted, StateFailed}

// LiveStates are the states that count as an outstanding job for existence
// checks (recovery scan).
var LiveStates = []State{StateWaiting, StateDelayed, StateActive}

// Job is one queued unit of work
type Job struct {
	ID          string
	Queue       Name
	Payload     json.RawMessage
	State       State
	RunAt       time.Time // when the job becomes eligible
	Attempts    int       // attempts consumed so far
	MaxAttempts int
	Backoff     time.Duration // initial retry backoff, doubled per attempt
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Payload carried by both research and delivery jobs. The dispatched
// NextRunAt is compared against the live project record inside the
// processors; a mismatch means the job was superseded and must no-op.
type Payload struct {
	UserID       string `json:"user_id"`
	ProjectID    string `json:"project_id"`
	ProjectTitle string `json:"project_title,omitempty"`
	NextRunAt    int64  `json:"next_run_at"` // epoch ms
	IsRunNow     bool   `json:"is_run_now,omitempty"`
	IsOneShot    bool   `json:"is_one_shot,omitempty"`
}

// JobID derives the deterministic base identifier for a project's job on a
// queue. Re-scheduling under the same id replaces rather than duplicates.
func JobID(queue Name, userID, projectID string) string {
	return fmt.Sprintf("%s:%s:%s", queue, userID, projectID)
}

// SuffixedJobID derives the collision id used when the base job is active
// and cannot be replaced.
func SuffixedJobID(queue Name, userID, projectID string, at time.Time) string {
	return fmt.Sprintf("%s:%d", JobID(queue, userID, projectID), at.UnixMilli())
}

// DecodePayload unmarshals the job's payload
func (j *Job) DecodePayload() (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, errors.Wrapf(err, "failed to decode payload for job %s", j.ID)
	}
	return &p, nil
}

// Superseded reports whether the payload was dispatched for a schedule that
// no longer matches the live project record. Run-now payloads are never
// superseded. A nil currentNextRunAt (schedule cleared since dispatch) or a
// changed value both mean a newer job owns this cycle and this one must no-op.
func (p *Payload) Superseded(currentNextRunAt *int64) bool {
	if p.IsRunNow {
		return false
	}
	return currentNextRunAt == nil || *currentNextRunAt != p.NextRunAt
}

// NextBackoff returns the delay before the given retry attempt, doubling
// from the initial backoff (attempt 1 waits Backoff, attempt 2 waits 2x, ...).
func (j *Job) NextBackoff() time.Duration {
	backoff := j.Backoff
	for i := 1; i < j.Attempts; i++ {
		backoff *= 2
	}
	return backoff
}

// Removable reports whether the job may be removed from the queue
func (j *Job) Removable() bool {
	for _, s := range RemovableStates {
		if j.State == s {
			return true
		}
	}
	return false
}
