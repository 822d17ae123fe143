// Package queue is the job queue the cluster shares. The leader adds jobs
// named after desired tasks; every node pulls jobs for execution and acks
// each delivery once its worker process has gone away.
//
// Two engines implement Engine: Memory for a single process (tests, local
// runs) with optional snapshot persistence, and Redis for real clusters.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/fleetwork/pkg/types"
)

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")
	// ErrStaleDelivery is returned by an Ack whose delivery is no longer current.
	ErrStaleDelivery = errors.New("job delivery is no longer active")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue is closed")
	// ErrAlreadyProcessing is returned by a second Process call.
	ErrAlreadyProcessing = errors.New("queue is already processing")
)

// Ack settles one delivery. Only the first call on an Ack takes effect.
type Ack interface {
	// Done completes the delivery. A nil err marks the job completed; a
	// non-nil err counts a failed attempt and applies the job's retry policy.
	Done(err error) error

	// Retry puts the job back on the queue after the given delay without
	// counting an attempt.
	Retry(after time.Duration) error
}

// Handler receives delivered jobs. It must not block for the lifetime of the
// job: the delivery stays active until ack is settled. ctx is cancelled when
// the delivery is settled, times out or the queue stops processing.
type Handler func(ctx context.Context, job *types.Job, ack Ack)

// Engine is the queue contract used by the leader and the supervisor.
type Engine interface {
	// Add enqueues a job. When opts.JobID names an existing job, Add is a
	// no-op returning that job.
	Add(ctx context.Context, payload map[string]interface{}, opts types.JobOptions) (*types.Job, error)

	// GetJob returns the job or ErrJobNotFound.
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)

	// List returns the jobs in the given states, or every job when none is given.
	List(ctx context.Context, states ...types.JobState) ([]*types.Job, error)

	// GetJobCounts returns the number of jobs per state.
	GetJobCounts(ctx context.Context) (types.JobCounts, error)

	// Clean removes jobs in state last updated more than olderThan ago and
	// returns how many were removed.
	Clean(ctx context.Context, olderThan time.Duration, state types.JobState) (int, error)

	// MoveToFailed marks a job failed regardless of its state. Any current
	// delivery of it becomes stale.
	MoveToFailed(ctx context.Context, id types.JobID, reason error) error

	// Process starts delivering jobs to h, at most concurrency unsettled at
	// a time. It returns immediately; delivery stops when ctx is done or the
	// engine is closed.
	Process(ctx context.Context, concurrency int, h Handler) error

	// Close stops delivery and releases resources.
	Close() error
}

// normalizeOptions fills zero values the same way for every engine.
func normalizeOptions(opts types.JobOptions) types.JobOptions {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	return opts
}

// settle decides where a job goes after a failed attempt. attemptsMade
// already includes the attempt being settled.
func settleFailure(opts types.JobOptions, attemptsMade int, now time.Time) (types.JobState, time.Time) {
	if attemptsMade < opts.Attempts {
		return types.StateDelayed, now.Add(opts.Backoff.Next(attemptsMade))
	}
	return types.StateFailed, now
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func cloneJob(j *types.Job) *types.Job {
	c := *j
	if j.Payload != nil {
		c.Payload = make(map[string]interface{}, len(j.Payload))
		for k, v := range j.Payload {
			c.Payload[k] = v
		}
	}
	if j.Options.Backoff != nil {
		b := *j.Options.Backoff
		c.Options.Backoff = &b
	}
	return &c
}

func stateSet(states []types.JobState) map[types.JobState]bool {
	if len(states) == 0 {
		return nil
	}
	set := make(map[types.JobState]bool, len(states))
	for _, s := range states {
		set[s] = true
	}
	return set
}
