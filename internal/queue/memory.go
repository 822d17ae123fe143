// ============================================================================
// fleetwork In-Memory Queue Engine - job state machine
// ============================================================================
//
// Package: internal/queue
// File: memory.go
// Purpose: Engine kept in process memory, for single-process clusters and
//          tests. State survives restarts through an optional snapshot file.
//
// State machine:
//   waiting ──claim──> active ──Done(nil)──> completed
//      ↑                 │ ├──Done(err), attempts left──> delayed
//      │                 │ ├──Done(err), no attempts────> failed
//      │                 │ └──Retry(d)──────────────────> delayed
//      └──── due ─── delayed
//   any ──MoveToFailed──> failed
//
// Ordering:
//   Waiting jobs are delivered by priority (lower first), then FIFO, or
//   LIFO for jobs added with the LIFO option.
//
// Delivery tokens:
//   Every claim bumps the job's token. An Ack carries the token it was
//   issued with and is stale once the job was claimed again or moved to
//   failed.
//
// Concurrency:
//   One mutex guards all state; handlers run outside of it.
//
// ============================================================================

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// memJob is a job plus the bookkeeping the engine keeps for it.
type memJob struct {
	job   *types.Job
	seq   uint64
	token uint64
}

// Memory is an in-process Engine.
type Memory struct {
	mu      sync.Mutex
	jobs    map[types.JobID]*memJob
	seq     uint64
	closed  bool
	pool    *pool
	wake    chan struct{}
	snap    *Snapshotter
	poll    time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time
}

// MemoryOption configures a Memory engine.
type MemoryOption func(*Memory)

// WithMemoryLogger sets the logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// WithSnapshot persists the queue to path on Close and restores it on
// creation.
func WithSnapshot(path string) MemoryOption {
	return func(m *Memory) { m.snap = NewSnapshotter(path) }
}

// WithMemoryPollInterval sets how often delayed jobs are checked for being due.
func WithMemoryPollInterval(d time.Duration) MemoryOption {
	return func(m *Memory) { m.poll = d }
}

// NewMemory creates an in-memory engine, restoring the snapshot if one is
// configured. Jobs that were active when the snapshot was taken go back to
// waiting since their processes are gone.
func NewMemory(opts ...MemoryOption) (*Memory, error) {
	m := &Memory{
		jobs:    make(map[types.JobID]*memJob),
		wake:    make(chan struct{}, 1),
		poll:    100 * time.Millisecond,
		logger:  slog.Default(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "queue", "engine", "memory")

	if m.snap != nil {
		data, err := m.snap.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to restore queue snapshot: %w", err)
		}
		m.restore(data)
	}
	return m, nil
}

func (m *Memory) now() time.Time { return m.nowFunc() }

func (m *Memory) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Add implements Engine.
func (m *Memory) Add(ctx context.Context, payload map[string]interface{}, opts types.JobOptions) (*types.Job, error) {
	opts = normalizeOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	id := opts.JobID
	if id == "" {
		id = types.JobID(uuid.NewString())
	}
	if existing, ok := m.jobs[id]; ok {
		return cloneJob(existing.job), nil
	}

	now := m.now()
	job := &types.Job{
		ID:        id,
		Payload:   payload,
		Options:   opts,
		State:     types.StateWaiting,
		CreatedAt: now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
		ProcessAt: now.UnixMilli(),
	}
	job.Options.JobID = id
	if opts.Delay > 0 {
		job.State = types.StateDelayed
		job.ProcessAt = now.Add(opts.Delay).UnixMilli()
	}

	m.seq++
	m.jobs[id] = &memJob{job: job, seq: m.seq}
	m.notify()
	return cloneJob(job), nil
}

// GetJob implements Engine.
func (m *Memory) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(mj.job), nil
}

// List implements Engine.
func (m *Memory) List(ctx context.Context, states ...types.JobState) ([]*types.Job, error) {
	want := stateSet(states)

	m.mu.Lock()
	entries := make([]*memJob, 0, len(m.jobs))
	for _, mj := range m.jobs {
		if want == nil || want[mj.job.State] {
			entries = append(entries, mj)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*types.Job, len(entries))
	for i, mj := range entries {
		out[i] = cloneJob(mj.job)
	}
	m.mu.Unlock()
	return out, nil
}

// GetJobCounts implements Engine.
func (m *Memory) GetJobCounts(ctx context.Context) (types.JobCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c types.JobCounts
	for _, mj := range m.jobs {
		switch mj.job.State {
		case types.StateActive:
			c.Active++
		case types.StateWaiting:
			c.Waiting++
		case types.StateDelayed:
			c.Delayed++
		case types.StateCompleted:
			c.Completed++
		case types.StateFailed:
			c.Failed++
		}
	}
	return c, nil
}

// Clean implements Engine.
func (m *Memory) Clean(ctx context.Context, olderThan time.Duration, state types.JobState) (int, error) {
	cutoff := m.now().Add(-olderThan).UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, mj := range m.jobs {
		if mj.job.State == state && mj.job.UpdatedAt <= cutoff {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// MoveToFailed implements Engine.
func (m *Memory) MoveToFailed(ctx context.Context, id types.JobID, reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	now := m.now().UnixMilli()
	mj.token++
	mj.job.State = types.StateFailed
	mj.job.FailedReason = reasonOf(reason)
	mj.job.UpdatedAt = now
	mj.job.FinishedAt = now
	return nil
}

// Process implements Engine.
func (m *Memory) Process(ctx context.Context, concurrency int, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.pool != nil {
		return ErrAlreadyProcessing
	}
	m.pool = newPool(m.claim, m.wake, m.poll, concurrency, h, m.logger)
	m.pool.start(ctx)
	return nil
}

// claim promotes due delayed jobs and takes the next waiting one.
func (m *Memory) claim(ctx context.Context) (*types.Job, *delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}

	now := m.now()
	var next *memJob
	for _, mj := range m.jobs {
		if mj.job.State == types.StateDelayed && mj.job.ProcessAt <= now.UnixMilli() {
			mj.job.State = types.StateWaiting
			mj.job.UpdatedAt = now.UnixMilli()
		}
		if mj.job.State != types.StateWaiting {
			continue
		}
		if next == nil || before(mj, next) {
			next = mj
		}
	}
	if next == nil {
		return nil, nil, nil
	}

	next.token++
	next.job.State = types.StateActive
	next.job.UpdatedAt = now.UnixMilli()

	id, token := next.job.ID, next.token
	d := &delivery{
		done:  func(err error) error { return m.finish(id, token, err) },
		retry: func(after time.Duration) error { return m.reschedule(id, token, after) },
	}
	return cloneJob(next.job), d, nil
}

// before orders waiting jobs: priority first, then FIFO, LIFO jobs jump ahead
// of their priority band.
func before(a, b *memJob) bool {
	if a.job.Options.Priority != b.job.Options.Priority {
		return a.job.Options.Priority < b.job.Options.Priority
	}
	if a.job.Options.LIFO != b.job.Options.LIFO {
		return a.job.Options.LIFO
	}
	if a.job.Options.LIFO {
		return a.seq > b.seq
	}
	return a.seq < b.seq
}

func (m *Memory) current(id types.JobID, token uint64) (*memJob, error) {
	mj, ok := m.jobs[id]
	if !ok || mj.token != token || mj.job.State != types.StateActive {
		return nil, ErrStaleDelivery
	}
	return mj, nil
}

func (m *Memory) finish(id types.JobID, token uint64, jobErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, err := m.current(id, token)
	if err != nil {
		return err
	}
	now := m.now()
	job := mj.job
	job.UpdatedAt = now.UnixMilli()

	if jobErr == nil {
		if job.Options.RemoveOnComplete {
			delete(m.jobs, id)
			return nil
		}
		job.State = types.StateCompleted
		job.FinishedAt = now.UnixMilli()
		return nil
	}

	job.AttemptsMade++
	job.FailedReason = reasonOf(jobErr)
	state, at := settleFailure(job.Options, job.AttemptsMade, now)
	if state == types.StateFailed {
		m.logger.Warn("Job failed", "job", id, "attempts", job.AttemptsMade, "reason", job.FailedReason)
		if job.Options.RemoveOnFail {
			delete(m.jobs, id)
			return nil
		}
		job.FinishedAt = now.UnixMilli()
	}
	job.State = state
	job.ProcessAt = at.UnixMilli()
	m.notify()
	return nil
}

func (m *Memory) reschedule(id types.JobID, token uint64, after time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, err := m.current(id, token)
	if err != nil {
		return err
	}
	now := m.now()
	mj.job.UpdatedAt = now.UnixMilli()
	mj.job.ProcessAt = now.Add(after).UnixMilli()
	if after <= 0 {
		mj.job.State = types.StateWaiting
		m.notify()
		return nil
	}
	mj.job.State = types.StateDelayed
	return nil
}

// Close implements Engine. The snapshot, if configured, is written after
// delivery has stopped.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	p := m.pool
	m.mu.Unlock()

	if p != nil {
		p.stop()
	}
	if m.snap == nil {
		return nil
	}

	m.mu.Lock()
	data := SnapshotData{Jobs: make(map[types.JobID]*types.Job, len(m.jobs)), Seq: m.seq}
	for id, mj := range m.jobs {
		data.Jobs[id] = cloneJob(mj.job)
	}
	m.mu.Unlock()

	if err := m.snap.Write(data); err != nil {
		return fmt.Errorf("failed to write queue snapshot: %w", err)
	}
	m.logger.Info("Queue snapshot written", "jobs", len(data.Jobs), "path", m.snap.Path())
	return nil
}

func (m *Memory) restore(data SnapshotData) {
	jobs := make([]*types.Job, 0, len(data.Jobs))
	for _, j := range data.Jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt != jobs[k].CreatedAt {
			return jobs[i].CreatedAt < jobs[k].CreatedAt
		}
		return jobs[i].ID < jobs[k].ID
	})

	for _, j := range jobs {
		if j.State == types.StateActive {
			j.State = types.StateWaiting
		}
		m.seq++
		m.jobs[j.ID] = &memJob{job: j, seq: m.seq}
	}
	if data.Seq > m.seq {
		m.seq = data.Seq
	}
	if len(jobs) > 0 {
		m.logger.Info("Queue restored from snapshot", "jobs", len(jobs))
	}
}
