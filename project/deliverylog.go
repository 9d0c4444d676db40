package project

import "time"

// DeliveryLog status constants. A log is created pending by the research
// phase and transitioned by the delivery phase. Only pending logs are
// eligible for delivery.
const (
	LogStatusPending = "pending"
	LogStatusSuccess = "success"
	LogStatusFailed  = "failed"
	LogStatusPartial = "partial"
)

// DeliveryLog is one prepared report for a project
type DeliveryLog struct {
	ID        string
	UserID    string
	ProjectID string
	Status    string
	Subject   string
	Body      string
	Error     string
	CreatedAt time.Time
	DeliveredAt *time.Time
}
