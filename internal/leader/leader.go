// ============================================================================
// fleetwork Leader - election and leadership maintenance
// ============================================================================
//
// Package: internal/leader
// File: leader.go
// Purpose: Hold the cluster-wide leadership lock, run reconciliation while
//          holding it, and step down or terminate when leadership is in doubt.
//
// State machine:
//
//   Following ──Elect──> Electing ──lock acquired──> Leading
//       ↑                    │                          │
//       │                    └──lock busy──> Following  │ extend failed /
//       │                         (reattempt loop)      │ split-brain
//       └───────────────────────────────────────────────┘
//   any ──Stop──> Stopped
//
// Campaign (one goroutine per node):
//
//   for {
//       holding lock? → evaluation loop until leadership is lost
//       otherwise     → sleep reattempt delay, try the lock again
//   }
//
// Evaluation loop (Leading only, strictly sequential):
//
//   reconcile once → extend lock TTL → sleep TTL/2 → repeat
//
// Split-brain:
//   A leader-elected event from another node while this node is leading
//   clears the flag and terminates the node. The lock service should make
//   this unreachable; the check guards the residual window.
//
// ============================================================================

package leader

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/fleetwork/internal/bus"
	"github.com/ChuLiYu/fleetwork/internal/correlation"
	"github.com/ChuLiYu/fleetwork/internal/lock"
	"github.com/ChuLiYu/fleetwork/internal/metrics"
	"github.com/ChuLiYu/fleetwork/internal/reconcile"
	"github.com/ChuLiYu/fleetwork/pkg/fault"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// State is the election state of a node.
type State int

const (
	Following State = iota
	Electing
	Leading
	Stopped
)

func (s State) String() string {
	switch s {
	case Following:
		return "following"
	case Electing:
		return "electing"
	case Leading:
		return "leading"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds the leadership settings.
type Config struct {
	// Name scopes the lock resource, "<Name>:<MasterLock>".
	Name       string
	MasterLock string

	LockTTL        time.Duration // leadership lock TTL, extended every cycle
	ReattemptDelay time.Duration // wait between failed lock attempts
	SettleDelay    time.Duration // wait after announcing before leading

	MetricsWindow  time.Duration // how long a global gather collects replies
	MetricsTimeout time.Duration // per-process metrics pull timeout

	MaxPendingTasks int // cross-node task correlation table capacity
}

// DefaultConfig returns the default leadership settings for cluster name.
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		MasterLock:      "masterLock",
		LockTTL:         2 * time.Second,
		ReattemptDelay:  4 * time.Second,
		SettleDelay:     100 * time.Millisecond,
		MetricsWindow:   time.Second,
		MetricsTimeout:  500 * time.Millisecond,
		MaxPendingTasks: correlation.DefaultMax,
	}
}

// Resource returns the lock resource name.
func (c Config) Resource() string { return c.Name + ":" + c.MasterLock }

// Supervisor is the local process supervisor as the leader uses it.
type Supervisor interface {
	Has(id types.JobID) bool
	RunTask(ctx context.Context, id types.JobID, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	GatherProcessMetrics(ctx context.Context, description map[string]interface{}, timeout time.Duration) ([]types.ProcessMetrics, error)
	KillProcessOfJob(id types.JobID) bool
	RemoveProcessOfJob(id types.JobID) bool
}

// Queue is the part of the queue engine the leader uses.
type Queue interface {
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	MoveToFailed(ctx context.Context, id types.JobID, reason error) error
}

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (reconcile.Outcome, error)
}

// TerminateFunc ends the node after a split-brain.
type TerminateFunc func(reason error)

// Leader runs the election protocol for one node.
type Leader struct {
	id        types.NodeID
	cfg       Config
	locker    lock.Locker
	bus       *bus.Bus
	queue     Queue
	sup       Supervisor
	rec       Reconciler
	terminate TerminateFunc
	logger    *slog.Logger
	metrics   *metrics.Collector
	tasks     *correlation.Table

	isLeader atomic.Bool

	mu        sync.Mutex
	state     State
	held      lock.Lock
	runCtx    context.Context
	cancel    context.CancelFunc
	campaign  bool
	listeners []func(State)
	wg        sync.WaitGroup

	gatherMu    sync.Mutex
	aggMu       sync.Mutex
	aggregation map[types.NodeID][]types.ProcessMetrics
}

// Option configures a Leader.
type Option func(*Leader)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Leader) { ld.logger = l }
}

// WithMetrics records election metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(ld *Leader) { ld.metrics = c }
}

// WithTerminate replaces the split-brain terminate function. The default
// exits the process with status 1.
func WithTerminate(fn TerminateFunc) Option {
	return func(ld *Leader) { ld.terminate = fn }
}

// New creates a Leader for node id. The leader owns b and locker and closes
// them on Stop.
func New(id types.NodeID, cfg Config, locker lock.Locker, b *bus.Bus, q Queue, sup Supervisor, rec Reconciler, opts ...Option) *Leader {
	def := DefaultConfig(cfg.Name)
	if cfg.MasterLock == "" {
		cfg.MasterLock = def.MasterLock
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.ReattemptDelay <= 0 {
		cfg.ReattemptDelay = def.ReattemptDelay
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = def.MetricsWindow
	}
	if cfg.MetricsTimeout <= 0 {
		cfg.MetricsTimeout = def.MetricsTimeout
	}

	l := &Leader{
		id:     id,
		cfg:    cfg,
		locker: locker,
		bus:    b,
		queue:  q,
		sup:    sup,
		rec:    rec,
		logger: slog.Default(),
		state:  Following,
		terminate: func(reason error) {
			os.Exit(1)
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "leader", "node", id)
	l.tasks = correlation.NewTable(cfg.MaxPendingTasks,
		correlation.WithLogger(l.logger), correlation.WithName("run-task"))
	l.runCtx, l.cancel = context.WithCancel(context.Background())
	return l
}

// ID returns the node id.
func (l *Leader) ID() types.NodeID { return l.id }

// IsLeader reports the leadership flag.
func (l *Leader) IsLeader() bool { return l.isLeader.Load() }

// State returns the election state.
func (l *Leader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OnStateChange registers fn to be called after every state transition.
func (l *Leader) OnStateChange(fn func(State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *Leader) setState(s State) {
	l.mu.Lock()
	if l.state == s || l.state == Stopped {
		l.mu.Unlock()
		return
	}
	l.state = s
	listeners := append([]func(State){}, l.listeners...)
	l.mu.Unlock()

	l.metrics.SetLeader(s == Leading)
	for _, fn := range listeners {
		fn(s)
	}
}

// Start registers the bus handlers, starts the bus, announces the node and
// runs the first election. It reports whether this node became leader.
func (l *Leader) Start(ctx context.Context) (bool, error) {
	l.bus.Handle(bus.KindNodeJoined, l.onNodeJoined)
	l.bus.Handle(bus.KindLeaderElected, l.onLeaderElected)
	l.bus.Handle(bus.KindJobKilled, l.onJobKilled)
	l.bus.Handle(bus.KindReqMetrics, l.onReqMetrics)
	l.bus.Handle(bus.KindRunTask, l.onRunTask)
	l.bus.Handle(bus.KindReturnTask, l.onReturnTask)

	if err := l.bus.Start(l.runCtx); err != nil {
		return false, err
	}
	if err := l.bus.Publish(ctx, bus.NodeJoined{NodeID: l.id}); err != nil {
		l.logger.Error("Failed to announce node", "error", err)
	}
	return l.Elect(ctx), nil
}

// Elect makes one attempt at the lock and starts the campaign that keeps
// leading or keeps reattempting in the background. It returns whether this
// node is leading. Once the campaign runs, Elect only reports the flag.
func (l *Leader) Elect(ctx context.Context) bool {
	l.mu.Lock()
	if l.campaign || l.state == Stopped {
		l.mu.Unlock()
		return l.IsLeader()
	}
	l.campaign = true
	l.wg.Add(1)
	l.mu.Unlock()

	held := l.attempt(ctx)
	go func() {
		defer l.wg.Done()
		l.run(l.runCtx, held)
	}()
	return held != nil
}

// attempt tries the lock once. On success the node announces itself, waits
// the settle delay and becomes leader.
func (l *Leader) attempt(ctx context.Context) lock.Lock {
	l.setState(Electing)
	held, err := l.locker.Lock(ctx, l.cfg.Resource(), l.cfg.LockTTL)
	if err != nil {
		l.isLeader.Store(false)
		l.setState(Following)
		if errors.Is(err, lock.ErrNotAcquired) {
			l.metrics.RecordElection("lost")
			l.logger.Debug("Did not get leader lock, re-attempting soon")
		} else {
			l.metrics.RecordElection("error")
			l.logger.Warn("Leader lock attempt failed", "error", err)
		}
		return nil
	}

	l.logger.Debug("Got leader lock", "resource", held.Resource())
	if err := l.bus.Publish(ctx, bus.LeaderElected{NodeID: l.id}); err != nil {
		l.logger.Error("Failed to announce leadership", "error", err)
	}
	if !sleep(ctx, l.cfg.SettleDelay) {
		l.release(held)
		l.setState(Following)
		return nil
	}

	l.mu.Lock()
	if l.state == Stopped {
		l.mu.Unlock()
		l.release(held)
		return nil
	}
	l.held = held
	l.mu.Unlock()
	l.isLeader.Store(true)
	l.setState(Leading)
	l.metrics.RecordElection("won")
	l.logger.Info("This node is now leader")
	return held
}

// run is the campaign loop: lead while holding the lock, otherwise retry on
// a fixed delay, until ctx ends.
func (l *Leader) run(ctx context.Context, held lock.Lock) {
	for {
		if held != nil {
			l.evaluate(ctx, held)
			held = nil
			if ctx.Err() != nil {
				return
			}
		}
		if !sleep(ctx, l.cfg.ReattemptDelay) {
			return
		}
		held = l.attempt(ctx)
	}
}

// evaluate reconciles and extends the lock until leadership ends.
func (l *Leader) evaluate(ctx context.Context, held lock.Lock) {
	for {
		if !l.isLeader.Load() {
			l.logger.Warn("Ending evaluation, this node is not leader anymore")
			return
		}

		if _, err := l.rec.Reconcile(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("Reconciliation failed", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		if !l.isLeader.Load() {
			l.logger.Warn("Ending evaluation, this node is not leader anymore")
			return
		}

		if err := held.Extend(ctx, l.cfg.LockTTL); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("Failed to extend leader lock, stepping down", "error", err)
			l.demote(held)
			return
		}

		if !sleep(ctx, l.cfg.LockTTL/2) {
			return
		}
	}
}

// demote clears the flag after the lock was lost.
func (l *Leader) demote(held lock.Lock) {
	l.isLeader.Store(false)
	l.mu.Lock()
	if l.held == held {
		l.held = nil
	}
	l.mu.Unlock()
	l.setState(Following)
}

func (l *Leader) release(held lock.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.LockTTL)
	defer cancel()
	if err := held.Unlock(ctx); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		l.logger.Warn("Failed to release leader lock", "error", err)
	}
}

func (l *Leader) onNodeJoined(_ context.Context, ev bus.Event) {
	if ev.Origin != l.id {
		l.logger.Info("A new node joined the cluster", "joined", ev.Origin)
	}
}

func (l *Leader) onLeaderElected(_ context.Context, ev bus.Event) {
	p := ev.Payload.(bus.LeaderElected)
	if p.NodeID == l.id {
		l.logger.Info("This node has been elected leader")
		return
	}
	l.logger.Info("Another node was elected leader", "leader", p.NodeID)

	if !l.isLeader.CompareAndSwap(true, false) {
		return
	}
	l.setState(Following)
	l.metrics.RecordSplitBrain()
	reason := fault.Newf(fault.KindSplitBrain, "leader",
		"node %s was elected leader while this node is still leading", p.NodeID)
	l.logger.Error("Split brain detected, terminating", "leader", p.NodeID, "error", reason)
	// Terminate runs shutdown hooks that close the bus this handler runs on.
	go l.terminate(reason)
}

// Stop ends the campaign, releases the lock if held and closes the bus and
// the locker.
func (l *Leader) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state == Stopped {
		l.mu.Unlock()
		return nil
	}
	l.state = Stopped
	held := l.held
	l.held = nil
	listeners := append([]func(State){}, l.listeners...)
	l.mu.Unlock()

	l.isLeader.Store(false)
	l.metrics.SetLeader(false)
	for _, fn := range listeners {
		fn(Stopped)
	}
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		l.logger.Warn("Campaign did not stop in time")
	}

	if held != nil {
		l.release(held)
	}
	l.tasks.Clear()

	var errs []error
	if err := l.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := l.locker.Close(); err != nil {
		errs = append(errs, err)
	}
	l.logger.Info("Leader stopped")
	return errors.Join(errs...)
}

// sleep waits d or until ctx ends, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
