package types

import "encoding/json"

// JobStatus is the lifecycle state of a media job.
type JobStatus string

const (
	JobDraft     JobStatus = "draft"
	JobPlanning  JobStatus = "planning"
	JobPlanned   JobStatus = "planned"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled || s == JobFailed
}

// ItemStatus is the lifecycle state of one job item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
	ItemCancelled  ItemStatus = "cancelled"
)

// BatchConfig is the execution policy for a job. Immutable after job
// creation; the engine reads it for the job's whole lifetime.
type BatchConfig struct {
	Concurrency  int `json:"concurrency"`
	MaxRetries   int `json:"maxRetries"`
	RetryDelayMs int `json:"retryDelayMs"`
}

// MediaJob is one batched media-generation job.
type MediaJob struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"sessionID,omitempty"`
	Status         JobStatus   `json:"status"`
	Config         BatchConfig `json:"config"`
	TotalItems     int         `json:"totalItems"`
	CompletedItems int         `json:"completedItems"`
	FailedItems    int         `json:"failedItems"`
	Created        int64       `json:"created"`
	Updated        int64       `json:"updated"`
	Finished       int64       `json:"finished,omitempty"`
}

// MediaJobItem is one retryable unit of work inside a job. Items transition
// pending -> processing -> {completed|failed}, with failed -> pending allowed
// while RetryCount < the job's MaxRetries.
type MediaJobItem struct {
	ID         string          `json:"id"`
	JobID      string          `json:"jobID"`
	Index      int             `json:"index"`
	Params     json.RawMessage `json:"params"`
	Status     ItemStatus      `json:"status"`
	RetryCount int             `json:"retryCount"`
	ResultRef  string          `json:"resultRef,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// JobProgressKind discriminates job progress events.
type JobProgressKind string

const (
	ProgressItemStarted   JobProgressKind = "item_started"
	ProgressItemCompleted JobProgressKind = "item_completed"
	ProgressItemFailed    JobProgressKind = "item_failed"
	ProgressItemRetry     JobProgressKind = "item_retry"
	ProgressJobCompleted  JobProgressKind = "job_completed"
	ProgressJobPaused     JobProgressKind = "job_paused"
	ProgressJobCancelled  JobProgressKind = "job_cancelled"
)

// JobProgress is one progress event emitted by the batch engine. Never
// mutated after emission.
type JobProgress struct {
	Kind           JobProgressKind `json:"kind"`
	JobID          string          `json:"jobID"`
	ItemID         string          `json:"itemID,omitempty"`
	ItemIndex      int             `json:"itemIndex,omitempty"`
	CompletedItems int             `json:"completedItems"`
	FailedItems    int             `json:"failedItems"`
	TotalItems     int             `json:"totalItems"`
	RetryCount     int             `json:"retryCount,omitempty"`
	ResultRef      string          `json:"resultRef,omitempty"`
	Error          string          `json:"error,omitempty"`
	Timestamp      int64           `json:"timestamp"` // unix millis
}
