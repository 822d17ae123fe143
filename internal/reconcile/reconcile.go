// Package reconcile keeps the shared queue in line with the desired task set.
// The leader runs one pass per evaluation cycle.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/fleetwork/internal/metrics"
	"github.com/ChuLiYu/fleetwork/internal/queue"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// Outcome is the result of one reconciliation pass.
type Outcome string

const (
	OutcomeNoop         Outcome = "no-op"        // no desired tasks, queue untouched
	OutcomeSteady       Outcome = "steady"       // desired count matches the queue
	OutcomeUnstable     Outcome = "unstable"     // more jobs on the queue than desired, left alone
	OutcomeSynchronized Outcome = "synchronized" // missing jobs were added
)

// DefaultCleanAge is how old a failed job must be before a pass removes it.
const DefaultCleanAge = 500 * time.Millisecond

// Queue is the part of queue.Engine a pass uses.
type Queue interface {
	GetJobCounts(ctx context.Context) (types.JobCounts, error)
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	Clean(ctx context.Context, olderThan time.Duration, state types.JobState) (int, error)
	Add(ctx context.Context, payload map[string]interface{}, opts types.JobOptions) (*types.Job, error)
}

// Source supplies the desired tasks.
type Source interface {
	TaskNames(ctx context.Context) ([]string, error)
	TaskDetails(ctx context.Context, name string) (types.TaskDetails, error)
}

// SourceFuncs adapts two callbacks to Source.
type SourceFuncs struct {
	Names   func(ctx context.Context) ([]string, error)
	Details func(ctx context.Context, name string) (types.TaskDetails, error)
}

func (s SourceFuncs) TaskNames(ctx context.Context) ([]string, error) { return s.Names(ctx) }

func (s SourceFuncs) TaskDetails(ctx context.Context, name string) (types.TaskDetails, error) {
	return s.Details(ctx, name)
}

// Reconciler runs reconciliation passes. Passes must not overlap.
type Reconciler struct {
	queue      Queue
	source     Source
	jobOptions types.JobOptions
	cleanAge   time.Duration
	logger     *slog.Logger
	metrics    *metrics.Collector

	goodStatusLogged atomic.Bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithMetrics records pass outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Reconciler) { r.metrics = c }
}

// WithJobOptions sets the options jobs are added with when the task details
// carry none.
func WithJobOptions(opts types.JobOptions) Option {
	return func(r *Reconciler) { r.jobOptions = opts }
}

// WithCleanAge sets the minimum age of failed jobs removed before adding.
func WithCleanAge(d time.Duration) Option {
	return func(r *Reconciler) { r.cleanAge = d }
}

// DefaultJobOptions are the options desired tasks are enqueued with.
func DefaultJobOptions() types.JobOptions {
	return types.JobOptions{
		Priority:         1,
		Delay:            time.Second,
		Attempts:         1,
		RemoveOnComplete: true,
		RemoveOnFail:     true,
	}
}

// New creates a Reconciler.
func New(q Queue, src Source, opts ...Option) *Reconciler {
	r := &Reconciler{
		queue:      q,
		source:     src,
		jobOptions: DefaultJobOptions(),
		cleanAge:   DefaultCleanAge,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconcile")
	return r
}

// Reconcile runs one pass.
func (r *Reconciler) Reconcile(ctx context.Context) (Outcome, error) {
	counts, err := r.queue.GetJobCounts(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get job counts: %w", err)
	}
	names, err := r.source.TaskNames(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch task names: %w", err)
	}
	// Job ids are task names, so the queue can hold each name once.
	names = dedupe(names)

	desired, onQueue := len(names), counts.OnQueue()
	switch {
	case desired == 0:
		r.goodStatusLogged.Store(false)
		r.logger.Info("No tasks found")
		r.metrics.RecordReconcile(string(OutcomeNoop), 0)
		return OutcomeNoop, nil

	case desired == onQueue:
		if r.goodStatusLogged.CompareAndSwap(false, true) {
			r.logger.Info("Queue is in sync with desired tasks", "tasks", desired)
		}
		r.metrics.RecordReconcile(string(OutcomeSteady), 0)
		return OutcomeSteady, nil

	case desired < onQueue:
		r.goodStatusLogged.Store(false)
		r.logger.Warn("Queue holds more jobs than desired tasks", "desired", desired, "on_queue", onQueue)
		r.metrics.RecordReconcile(string(OutcomeUnstable), 0)
		return OutcomeUnstable, nil
	}

	r.goodStatusLogged.Store(false)
	r.logger.Info("Queue is missing jobs, synchronizing", "desired", desired, "on_queue", onQueue)
	added, err := r.synchronize(ctx, names)
	if err != nil {
		r.metrics.RecordReconcile("error", added)
		return "", err
	}
	r.metrics.RecordReconcile(string(OutcomeSynchronized), added)
	return OutcomeSynchronized, nil
}

func (r *Reconciler) synchronize(ctx context.Context, names []string) (int, error) {
	if n, err := r.queue.Clean(ctx, r.cleanAge, types.StateFailed); err != nil {
		return 0, fmt.Errorf("failed to clean failed jobs: %w", err)
	} else if n > 0 {
		r.logger.Info("Cleaned failed jobs", "count", n)
	}

	missing, err := r.missing(ctx, names)
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		return 0, nil
	}

	details := make([]types.TaskDetails, len(missing))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range missing {
		i, name := i, name
		g.Go(func() error {
			d, err := r.source.TaskDetails(gctx, name)
			if err != nil {
				return fmt.Errorf("failed to fetch details of task %s: %w", name, err)
			}
			details[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var added atomic.Int32
	g, gctx = errgroup.WithContext(ctx)
	for i, name := range missing {
		name, d := name, details[i]
		g.Go(func() error {
			opts := r.jobOptions
			if d.Options != nil {
				opts = *d.Options
			}
			opts.JobID = types.JobID(name)
			if _, err := r.queue.Add(gctx, d.Payload, opts); err != nil {
				return fmt.Errorf("failed to add job %s: %w", name, err)
			}
			added.Add(1)
			r.logger.Info("Job added", "job", name)
			return nil
		})
	}
	err = g.Wait()
	return int(added.Load()), err
}

// missing returns the names with no job on the queue, in input order.
func (r *Reconciler) missing(ctx context.Context, names []string) ([]string, error) {
	absent := make([]bool, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			_, err := r.queue.GetJob(gctx, types.JobID(name))
			if errors.Is(err, queue.ErrJobNotFound) {
				absent[i] = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get job %s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []string
	for i, name := range names {
		if absent[i] {
			out = append(out, name)
		}
	}
	return out, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0:0]
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
