// Package queuestore persists the processing queue in CouchDB. Each blog
// URL has exactly one queue document, keyed by the normalized URL, and
// every state transition is a compare-and-set against the document
// revision so concurrent workers and API instances cannot double-claim
// or double-transition a job.
package queuestore

import (
	"time"
)

// Queue entry statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusRetry      = "retry"
	StatusFailed     = "failed"
)

// ActiveStatuses are the states a worker may claim from.
var ActiveStatuses = []string{StatusQueued, StatusRetry}

// Entry is a queue document. The document ID is the normalized blog URL,
// which makes creation itself the mutual-exclusion point: the second
// writer of the same URL gets a conflict instead of a duplicate.
type Entry struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev,omitempty"`

	URL         string `json:"url"`
	PublisherID string `json:"publisher_id"`
	Status      string `json:"status"`

	// AttemptCount is incremented by the pick operation, so attempts are
	// counted by the store, not the worker.
	AttemptCount int `json:"attempt_count"`
	MaxRetries   int `json:"max_retries"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// SkipReason is set when an entry is completed without processing,
	// e.g. demand below the publisher's threshold.
	SkipReason string `json:"skip_reason,omitempty"`

	// CompletedRuns counts how many times this URL reached completed.
	// Only the first completion credits the publisher's processed total.
	CompletedRuns int `json:"completed_runs"`

	// ReprocessedCount counts how often a terminal entry was pushed back
	// to queued, by admin reprocess or the read path's auto-heal.
	// WasPreviouslyCompleted marks entries requeued out of completed.
	ReprocessedCount       int  `json:"reprocessed_count"`
	WasPreviouslyCompleted bool `json:"was_previously_completed"`

	WorkerID string `json:"worker_id,omitempty"`

	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	HeartbeatAt         *time.Time `json:"heartbeat_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	LastReprocessedAt   *time.Time `json:"last_reprocessed_at,omitempty"`
}

// IsTerminal reports whether the entry is in a final state.
func (e *Entry) IsTerminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// Claimable reports whether a worker may pick this entry up.
func (e *Entry) Claimable() bool {
	return e.Status == StatusQueued || e.Status == StatusRetry
}

// RetriesExhausted reports whether the attempt budget is used up.
func (e *Entry) RetriesExhausted() bool {
	return e.AttemptCount >= e.MaxRetries
}

// Stats is a per-status census of the queue.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Retry      int `json:"retry"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
