package types

import (
	"encoding/json"
	"time"
)

// Job is a single generation job for one subject. At most one job with an
// active status (pending/running) may exist per subject at any time; the
// database create path enforces this, not the caller.
type Job struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	Status    JobStatus `json:"status"`

	// Payload holds the opaque generation parameters. It is validated once,
	// at the worker boundary, not on every store read.
	Payload JobPayload `json:"payload"`

	// Progress reporting, surfaced on the status projection.
	CurrentStep     string `json:"current_step,omitempty"`
	ProgressPercent int    `json:"progress_percent"`

	// Result is present only for completed jobs.
	Result       json.RawMessage `json:"result,omitempty"`
	StoryID      string          `json:"story_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`

	GenerationTimeSeconds float64 `json:"generation_time_seconds,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobPayloadSchemaVersion is the current payload schema. Workers reject
// payloads with a higher version than they understand.
const JobPayloadSchemaVersion = 1

// JobPayload is the versioned generation parameter blob carried by a Job.
// It remains extensible: unknown story bible fields pass through untouched.
type JobPayload struct {
	SchemaVersion int             `json:"schema_version"`
	StoryBible    json.RawMessage `json:"story_bible"`

	// Delivery preferences snapshot taken at enqueue time, so a preference
	// change mid-generation does not move an already-promised delivery.
	Recipient         string `json:"recipient"`
	Timezone          string `json:"timezone"`
	PreferredTime     string `json:"preferred_time"` // "HH:MM" local
	ImmediateDelivery bool   `json:"immediate_delivery"`
}

// Validate checks the payload at the worker boundary.
func (p JobPayload) Validate() error {
	if p.SchemaVersion > JobPayloadSchemaVersion {
		return NewAppError(ErrCodeValidationPayload, "payload schema version is newer than this worker understands", nil)
	}
	if p.Recipient == "" {
		return NewAppError(ErrCodeValidationMissingField, "payload missing recipient", nil)
	}
	if len(p.StoryBible) == 0 {
		return NewAppError(ErrCodeValidationMissingField, "payload missing story bible", nil)
	}
	return nil
}

// GenerationResult is the opaque output of the external generation capability.
type GenerationResult struct {
	StoryID  string          `json:"story_id"`
	Content  json.RawMessage `json:"content"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// ScheduledDelivery is one planned send of a completed job's output.
// deliver_at comparisons are always in absolute instant terms; the timezone
// field exists for audit and display only.
type ScheduledDelivery struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	StoryID   string         `json:"story_id"`
	Recipient string         `json:"recipient"`
	DeliverAt time.Time      `json:"deliver_at"`
	Timezone  string         `json:"timezone"`
	Status    DeliveryStatus `json:"status"`

	SentAt         *time.Time `json:"sent_at,omitempty"`
	ExternalSendID string     `json:"external_send_id,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	RetryCount     int        `json:"retry_count"`

	CreatedAt time.Time `json:"created_at"`
}

// SubjectPreference is the read model the scheduler consumes. It is owned by
// the external account service; the only field this subsystem writes back is
// LastCompletionAt, recorded when a generation job completes.
type SubjectPreference struct {
	SubjectID          string     `json:"subject_id"`
	Email              string     `json:"email"`
	Timezone           string     `json:"timezone"`
	PreferredLocalTime string     `json:"preferred_local_time"` // "HH:MM"
	LastCompletionAt   *time.Time `json:"last_completion_at,omitempty"`
	CreditsAvailable   int        `json:"credits_available"`
	StoryBible         json.RawMessage `json:"story_bible,omitempty"`
}

// JobStatusProjection is the read-only view served by the ops surface.
type JobStatusProjection struct {
	JobID           string    `json:"job_id"`
	Status          JobStatus `json:"status"`
	CurrentStep     string    `json:"current_step,omitempty"`
	ProgressPercent int       `json:"progress_percent"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// QueueStats aggregates the generation queue for the operational dashboard.
type QueueStats struct {
	PendingCount   int `json:"pending_count"`
	RunningCount   int `json:"running_count"`
	CompletedToday int `json:"completed_today"`
	FailedToday    int `json:"failed_today"`
}

// DeliveryStats aggregates the delivery queue for the operational dashboard.
type DeliveryStats struct {
	PendingCount       int `json:"pending_count"`
	SentToday          int `json:"sent_today"`
	FailedCount        int `json:"failed_count"`
	UpcomingWithinHour int `json:"upcoming_within_hour"`
}
