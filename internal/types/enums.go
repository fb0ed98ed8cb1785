package types

// JobStatus represents the lifecycle state of a generation job.
// Transitions: pending -> running -> completed | failed, with
// running -> pending allowed only for retryable failures and crash
// recovery while retry_count is under the ceiling.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// IsActive reports whether the job counts against the one-active-job-per-subject
// invariant.
func (s JobStatus) IsActive() bool {
	return s == JobPending || s == JobRunning
}

// DeliveryStatus represents the lifecycle state of a scheduled delivery.
// The pending -> sending transition is the only permitted entry point to
// attempting a send; a delivery in sent is never re-sent.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Topology selects the deployment model at startup.
type Topology string

const (
	// TopologySingleProcess runs every component as an interval ticker inside
	// one process; claims are performed by database row operations.
	TopologySingleProcess Topology = "single_process"
	// TopologyDistributed keeps the scheduler and dispatcher as polling loops
	// but routes work through SQS to a pool of worker processes.
	TopologyDistributed Topology = "distributed"
)

// ErrorKind classifies a failure for retry policy decisions.
type ErrorKind string

const (
	// ErrorKindTransient failures (timeouts, rate limits, 5xx, connection
	// errors) are eligible for automatic retry up to the ceiling.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindPermanent failures (validation, quota, malformed payload) are
	// immediately terminal.
	ErrorKindPermanent ErrorKind = "permanent"
	// ErrorKindDesync marks a side effect that succeeded while the state
	// update recording it failed. Never auto-retried: a retry risks a
	// duplicate send or a duplicate generation charge.
	ErrorKindDesync ErrorKind = "desync"
)
