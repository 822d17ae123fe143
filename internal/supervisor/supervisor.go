// ============================================================================
// fleetwork Process Supervisor
// ============================================================================
//
// Package: internal/supervisor
// File: supervisor.go
// Purpose: Map job ids to worker processes on this node. The supervisor is
//          the queue's delivery handler and the only record of where a job
//          runs.
//
// Delivery flow (HandleJob):
//   1. A live process already bound to the job id is stale: kill and forget it.
//   2. Sharded ids <mainId><delimiter><index> are capped per node. At the
//      ceiling the delivery is handed back with Retry(rescheduleDelay).
//   3. Otherwise spawn the worker module and watch it.
//
// Close handling (watch):
//   process closed, not removed  → ack.Done("module shut down.") → queue retry policy
//   process removed first        → ack.Retry(0), job goes back to the queue
//   delivery timed out           → kill, ack.Done(timeout fault)
//
// Kill vs. remove:
//   KillProcessOfJob stops the OS process and keeps the entry, so the close
//   that follows is still reported. RemoveProcessOfJob forgets the entry so
//   the close is not reported as a failure.
//
// ============================================================================

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/fleetwork/internal/metrics"
	"github.com/ChuLiYu/fleetwork/internal/process"
	"github.com/ChuLiYu/fleetwork/internal/queue"
	"github.com/ChuLiYu/fleetwork/pkg/fault"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// ShutDownMessage is the failure reason reported for a process that closed
// while its job was still meant to run.
const ShutDownMessage = "module shut down."

const (
	defaultDelimiter       = ":"
	defaultRescheduleDelay = 2500 * time.Millisecond
	defaultKillTimeout     = 10 * time.Second
)

// Process is what the supervisor needs from a worker process.
// *process.Handle implements it.
type Process interface {
	Done() <-chan struct{}
	Err() error
	Kill()
	RunTask(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	PullMetrics(ctx context.Context, description map[string]interface{}, timeout time.Duration) (map[string]interface{}, error)
}

// SpawnFunc starts the worker process for a job. It never fails: a process
// that could not start is returned already closed.
type SpawnFunc func(job *types.Job) Process

// Config holds the supervisor settings.
type Config struct {
	// Module is the worker executable started for every job.
	Module string
	// Codec is the IPC codec name passed to workers.
	Codec string
	// Env is appended to the worker environment.
	Env []string
	// MaxInstancesPerNode caps live instances sharing a main id. Required.
	MaxInstancesPerNode int
	// InstanceDelimiter separates the main id from the instance index.
	InstanceDelimiter string
	// RescheduleDelay is how long a declined delivery waits before redelivery.
	RescheduleDelay time.Duration
	// KillTimeout bounds the wait for a process to exit after a kill.
	KillTimeout time.Duration
}

type entry struct {
	jobID   types.JobID
	proc    Process
	removed atomic.Bool
}

// Supervisor owns the worker processes of this node.
type Supervisor struct {
	cfg     Config
	spawn   SpawnFunc
	logger  *slog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	entries map[types.JobID]*entry
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithSpawner replaces the process spawner.
func WithSpawner(fn SpawnFunc) Option {
	return func(s *Supervisor) { s.spawn = fn }
}

// WithMetrics records process metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = c }
}

// New validates cfg and creates a supervisor.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if cfg.MaxInstancesPerNode < 1 {
		return nil, fault.New(fault.KindConfig, "supervisor", "max instances per node must be at least 1")
	}
	if cfg.InstanceDelimiter == "" {
		cfg.InstanceDelimiter = defaultDelimiter
	}
	if cfg.RescheduleDelay <= 0 {
		cfg.RescheduleDelay = defaultRescheduleDelay
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = defaultKillTimeout
	}

	s := &Supervisor{
		cfg:     cfg,
		logger:  slog.Default(),
		entries: make(map[types.JobID]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	if s.spawn == nil {
		s.spawn = s.spawnProcess
	}
	return s, nil
}

func (s *Supervisor) spawnProcess(job *types.Job) Process {
	return process.Spawn(s.cfg.Module, job.Payload,
		process.WithLogger(s.logger.With("job", job.ID)),
		process.WithCodec(s.cfg.Codec),
		process.WithEnv(s.cfg.Env...),
	)
}

// HandleJob is the queue handler. It returns once the job is either declined
// or its process is started; the ack is settled when the process goes away.
func (s *Supervisor) HandleJob(ctx context.Context, job *types.Job, ack queue.Ack) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.settle(job.ID, ack.Retry(0))
		return
	}

	if old, ok := s.entries[job.ID]; ok {
		s.logger.Warn("Discarding stale process of redelivered job", "job", job.ID)
		old.removed.Store(true)
		delete(s.entries, job.ID)
		old.proc.Kill()
	}

	if mainID, _, ok := job.ID.SplitInstance(s.cfg.InstanceDelimiter); ok {
		if n := s.instancesLocked(mainID); n >= s.cfg.MaxInstancesPerNode {
			s.mu.Unlock()
			s.logger.Info("Instance ceiling reached, rescheduling job",
				"job", job.ID, "main", mainID, "instances", n, "max", s.cfg.MaxInstancesPerNode)
			s.metrics.RecordRescheduled()
			s.settle(job.ID, ack.Retry(s.cfg.RescheduleDelay))
			return
		}
	}

	e := &entry{jobID: job.ID, proc: s.spawn(job)}
	s.entries[job.ID] = e
	live := len(s.entries)
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.SetProcesses(live)
	s.logger.Info("Job started", "job", job.ID, "attempt", job.AttemptsMade+1)
	go s.watch(ctx, e, ack)
}

func (s *Supervisor) instancesLocked(mainID string) int {
	n := 0
	for id := range s.entries {
		if m, _, ok := id.SplitInstance(s.cfg.InstanceDelimiter); ok && m == mainID {
			n++
		}
	}
	return n
}

func (s *Supervisor) watch(ctx context.Context, e *entry, ack queue.Ack) {
	defer s.wg.Done()

	timedOut := false
	select {
	case <-e.proc.Done():
	case <-ctx.Done():
		timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		if !timedOut {
			// The queue stopped delivering; the job belongs back on it.
			e.removed.Store(true)
		}
		e.proc.Kill()
		select {
		case <-e.proc.Done():
		case <-time.After(s.cfg.KillTimeout):
			s.logger.Warn("Process did not exit after interrupt", "job", e.jobID)
		}
	}

	s.mu.Lock()
	if cur, ok := s.entries[e.jobID]; ok && cur == e {
		delete(s.entries, e.jobID)
	}
	live := len(s.entries)
	s.mu.Unlock()
	s.metrics.SetProcesses(live)

	switch {
	case timedOut:
		s.metrics.RecordProcessClose("timeout")
		s.logger.Warn("Job timed out", "job", e.jobID)
		s.settle(e.jobID, ack.Done(fault.New(fault.KindTimeout, "supervisor", "job timed out")))
	case e.removed.Load():
		s.metrics.RecordProcessClose("removed")
		s.logger.Info("Process removed", "job", e.jobID)
		s.settle(e.jobID, ack.Retry(0))
	default:
		s.metrics.RecordProcessClose("exited")
		s.logger.Warn("Process closed", "job", e.jobID, "reason", e.proc.Err())
		s.settle(e.jobID, ack.Done(fault.New(fault.KindClosed, "supervisor", ShutDownMessage)))
	}
}

// settle logs ack errors. Stale deliveries are expected after a remote kill.
func (s *Supervisor) settle(id types.JobID, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, queue.ErrStaleDelivery) {
		s.logger.Debug("Job delivery already settled", "job", id)
		return
	}
	s.logger.Error("Failed to settle job delivery", "job", id, "error", err)
}

// Has reports whether a process for id lives on this node.
func (s *Supervisor) Has(id types.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// KillProcessOfJob interrupts the process of id but keeps it registered.
func (s *Supervisor) KillProcessOfJob(id types.JobID) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.logger.Info("Killing process", "job", id)
	e.proc.Kill()
	return true
}

// RemoveProcessOfJob forgets the process of id without stopping it. Its
// eventual close is not reported as a failure.
func (s *Supervisor) RemoveProcessOfJob(id types.JobID) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		e.removed.Store(true)
		delete(s.entries, id)
	}
	live := len(s.entries)
	s.mu.Unlock()
	if ok {
		s.metrics.SetProcesses(live)
	}
	return ok
}

// JobIDs returns the jobs running on this node, sorted.
func (s *Supervisor) JobIDs() []types.JobID {
	s.mu.Lock()
	ids := make([]types.JobID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of live processes.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Supervisor) lookup(id types.JobID) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "supervisor", "no process for job %s on this node", id)
	}
	return e.proc, nil
}

// RunTask executes a task on the local process of id.
func (s *Supervisor) RunTask(ctx context.Context, id types.JobID, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	proc, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return proc.RunTask(ctx, name, args, timeout)
}

// GatherProcessMetrics pulls metrics from every live process concurrently.
// A process whose pull fails is logged and left out. The result is empty, not
// nil, when no process answers. Only a done ctx fails the call.
func (s *Supervisor) GatherProcessMetrics(ctx context.Context, description map[string]interface{}, timeout time.Duration) ([]types.ProcessMetrics, error) {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	pulled := make([]*types.ProcessMetrics, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			m, err := e.proc.PullMetrics(ctx, description, timeout)
			if err != nil {
				s.logger.Warn("Failed to pull process metrics", "job", e.jobID, "error", err)
				return nil
			}
			pulled[i] = &types.ProcessMetrics{JobID: e.jobID, Metrics: m}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]types.ProcessMetrics, 0, len(pulled))
	for _, pm := range pulled {
		if pm != nil {
			out = append(out, *pm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

// Stop removes and kills every process and waits for their deliveries to be
// handed back to the queue, or for ctx to end.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	entries := make([]*entry, 0, len(s.entries))
	for id, e := range s.entries {
		e.removed.Store(true)
		entries = append(entries, e)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.proc.Kill()
	}
	s.metrics.SetProcesses(0)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Supervisor stopped", "killed", len(entries))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
