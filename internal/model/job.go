package model

import "time"

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSent      JobStatus = "sent"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// RemoteJob is a delivery accepted by the push gateway, identified by the
// gateway's opaque job id.
type RemoteJob struct {
	ID            string        `json:"id"`
	ReminderID    string        `json:"reminder_id"`
	OccurrenceKey OccurrenceKey `json:"occurrence_key"`
	ScheduledAt   time.Time     `json:"scheduled_at"`
	Status        JobStatus     `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
