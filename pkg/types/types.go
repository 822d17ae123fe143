// Package types defines the core domain model shared by every fleetwork component.
package types

import (
	"strings"
	"time"
)

// NodeID identifies one cluster participant. It is random and fixed for the
// lifetime of the node process.
type NodeID string

// JobID identifies a job on the shared queue. Sharded jobs use the form
// <mainId><delimiter><instanceIndex>.
type JobID string

// JobState is the queue-side state of a job.
type JobState string

const (
	StateWaiting   JobState = "waiting"   // ready to be delivered to a node
	StateDelayed   JobState = "delayed"   // scheduled for a later delivery
	StateActive    JobState = "active"    // delivered and currently running on a node
	StateCompleted JobState = "completed" // finished successfully
	StateFailed    JobState = "failed"    // terminal failure, kept for queue history
)

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes the retry delay policy of a job.
type Backoff struct {
	Type  BackoffType   `json:"type" yaml:"type"`
	Delay time.Duration `json:"delay" yaml:"delay"`
}

// Next returns the delay before retry attempt n (1-indexed).
func (b *Backoff) Next(attempt int) time.Duration {
	if b == nil || b.Delay <= 0 {
		return 0
	}
	if b.Type == BackoffExponential && attempt > 1 {
		return b.Delay * time.Duration(1<<uint(attempt-1))
	}
	return b.Delay
}

// JobOptions are the queue options a job is enqueued with.
type JobOptions struct {
	JobID            JobID         `json:"job_id,omitempty" yaml:"-"`
	Priority         int           `json:"priority" yaml:"priority"`
	Delay            time.Duration `json:"delay" yaml:"delay"`
	Attempts         int           `json:"attempts" yaml:"attempts"`
	Backoff          *Backoff      `json:"backoff,omitempty" yaml:"backoff"`
	LIFO             bool          `json:"lifo,omitempty" yaml:"lifo"`
	Timeout          time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	RemoveOnComplete bool          `json:"remove_on_complete" yaml:"remove_on_complete"`
	RemoveOnFail     bool          `json:"remove_on_fail" yaml:"remove_on_fail"`
}

// Job is one unit of desired work as held by the queue engine.
type Job struct {
	ID      JobID                  `json:"id"`
	Payload map[string]interface{} `json:"payload"`
	Options JobOptions             `json:"options"`

	State        JobState `json:"state"`
	AttemptsMade int      `json:"attempts_made"`
	FailedReason string   `json:"failed_reason,omitempty"`

	// Unix milliseconds, matching the rest of the model.
	CreatedAt  int64 `json:"created_at"`
	UpdatedAt  int64 `json:"updated_at"`
	ProcessAt  int64 `json:"process_at"`
	FinishedAt int64 `json:"finished_at,omitempty"`
}

// SplitInstance splits a sharded job id into its main id and instance index.
// ok is false when the id does not carry the delimiter.
func (id JobID) SplitInstance(delimiter string) (mainID string, index string, ok bool) {
	if delimiter == "" {
		return string(id), "", false
	}
	i := strings.LastIndex(string(id), delimiter)
	if i <= 0 || i+len(delimiter) >= len(id) {
		return string(id), "", false
	}
	return string(id[:i]), string(id[i+len(delimiter):]), true
}

// JobCounts holds the number of jobs per state.
type JobCounts struct {
	Active    int `json:"active"`
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// OnQueue is the number of jobs that are still meant to run.
func (c JobCounts) OnQueue() int {
	return c.Active + c.Waiting + c.Delayed
}

// TaskDetails is what the desired-task source returns for one task name.
type TaskDetails struct {
	Payload map[string]interface{} `json:"payload" yaml:"payload"`
	Options *JobOptions            `json:"options,omitempty" yaml:"options"`
}

// ProcessMetrics is the metrics report of one worker process.
type ProcessMetrics struct {
	JobID   JobID                  `json:"job_id"`
	Metrics map[string]interface{} `json:"metrics"`
}
