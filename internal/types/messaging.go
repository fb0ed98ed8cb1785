package types

import "time"

// GenerationMessage is the SQS envelope the scheduler publishes for each
// created job in the distributed topology. The worker re-claims the job row
// by ID, so a redelivered message for a job that already ran is a no-op.
type GenerationMessage struct {
	JobID       string    `json:"job_id"`
	SubjectID   string    `json:"subject_id"`
	TraceID     string    `json:"trace_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	RetryCount  int       `json:"retry_count"`
}

// DeliveryMessage is the SQS envelope the dispatcher publishes for each due
// delivery. The send worker must win the pending->sending row transition
// before invoking the transport; the broker's redelivery alone is not a
// sufficient guard against double sends.
type DeliveryMessage struct {
	DeliveryID string    `json:"delivery_id"`
	JobID      string    `json:"job_id"`
	TraceID    string    `json:"trace_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
