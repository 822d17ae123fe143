// ============================================================================
// fleetwork Node - top-level wiring of one cluster member
// ============================================================================
//
// Package: internal/node
// File: node.go
// Purpose: Build the lock client, bus, queue, supervisor, reconciler and
//          leader of one node from configuration, and own their lifecycle.
//
// Components:
//   - Backend:    lock service + bus transport + queue engine (memory or redis)
//   - Supervisor: queue delivery handler, worker processes of this node
//   - Reconciler: desired tasks -> queue, run by the leader
//   - Leader:     election, evaluation loop, cross-node routing
//   - Hooks:      shutdown-hook registry run on terminate
//
// Start:
//   1. queue delivery → supervisor.HandleJob (concurrency from config)
//   2. leader.Start   → bus, node-joined, first election
//
// Stop (graceful):
//   leader.Stop → supervisor.Stop (jobs handed back) → queue delivery stops
//   → backend closed
//
// Terminate (split-brain or fatal):
//   shutdown hooks → Stop → exit status 1
//
// ============================================================================

package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/fleetwork/internal/bus"
	"github.com/ChuLiYu/fleetwork/internal/config"
	"github.com/ChuLiYu/fleetwork/internal/leader"
	"github.com/ChuLiYu/fleetwork/internal/lock"
	"github.com/ChuLiYu/fleetwork/internal/metrics"
	"github.com/ChuLiYu/fleetwork/internal/queue"
	"github.com/ChuLiYu/fleetwork/internal/reconcile"
	"github.com/ChuLiYu/fleetwork/internal/supervisor"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("node is stopped")

// Backend is the shared infrastructure a node runs on.
type Backend struct {
	Locker    lock.Locker
	Transport bus.Transport
	Queue     queue.Engine
	// Close releases what the backend owns. Nil when the backend is shared.
	Close func() error
}

// Node is one cluster member.
type Node struct {
	cfg     *config.Config
	id      types.NodeID
	logger  *slog.Logger
	metrics *metrics.Collector

	backend *Backend
	source  reconcile.Source
	spawner supervisor.SpawnFunc
	exit    func(code int)

	sup    *supervisor.Supervisor
	rec    *reconcile.Reconciler
	leader *leader.Leader
	hooks  *Hooks

	runCtx context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopErr  error
	stopOnce sync.Once
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithMetrics records node metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(n *Node) { n.metrics = c }
}

// WithBackend runs the node on b instead of building one from config.
func WithBackend(b *Backend) Option {
	return func(n *Node) { n.backend = b }
}

// WithSource sets the desired-task source. Without one the node reads
// the configured task file, or has no desired tasks.
func WithSource(src reconcile.Source) Option {
	return func(n *Node) { n.source = src }
}

// WithSpawner replaces the worker process spawner.
func WithSpawner(fn supervisor.SpawnFunc) Option {
	return func(n *Node) { n.spawner = fn }
}

// WithExit replaces os.Exit for Terminate.
func WithExit(fn func(code int)) Option {
	return func(n *Node) { n.exit = fn }
}

// WithNodeID sets the node id. The default is a random uuid.
func WithNodeID(id types.NodeID) Option {
	return func(n *Node) { n.id = id }
}

// New wires a node from cfg.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	n := &Node{
		cfg:    cfg,
		logger: slog.Default(),
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.id == "" {
		n.id = types.NodeID(uuid.NewString())
	}
	n.logger = n.logger.With("node", n.id)
	n.hooks = NewHooks(n.logger)

	if n.backend == nil {
		b, err := NewBackend(cfg, n.logger)
		if err != nil {
			return nil, err
		}
		n.backend = b
	}
	if n.source == nil {
		n.source = defaultSource(cfg)
	}

	supOpts := []supervisor.Option{supervisor.WithLogger(n.logger), supervisor.WithMetrics(n.metrics)}
	if n.spawner != nil {
		supOpts = append(supOpts, supervisor.WithSpawner(n.spawner))
	}
	sup, err := supervisor.New(supervisor.Config{
		Module:              cfg.Supervisor.Module,
		Codec:               cfg.Supervisor.Codec,
		Env:                 cfg.Supervisor.Env,
		MaxInstancesPerNode: cfg.Supervisor.MaxInstancesPerNode,
		InstanceDelimiter:   cfg.Supervisor.InstanceDelimiter,
		RescheduleDelay:     cfg.Supervisor.RescheduleDelay,
		KillTimeout:         cfg.Supervisor.KillTimeout,
	}, supOpts...)
	if err != nil {
		n.closeBackend()
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}
	n.sup = sup

	n.rec = reconcile.New(n.backend.Queue, n.source,
		reconcile.WithLogger(n.logger),
		reconcile.WithMetrics(n.metrics),
		reconcile.WithJobOptions(cfg.Jobs.Options),
		reconcile.WithCleanAge(cfg.Jobs.CleanAge))

	b := bus.New(n.id, n.backend.Transport, bus.WithLogger(n.logger), bus.WithMetrics(n.metrics))
	n.leader = leader.New(n.id, leader.Config{
		Name:            cfg.Name,
		LockTTL:         cfg.Lock.TTL,
		ReattemptDelay:  cfg.Lock.Reattempt,
		SettleDelay:     cfg.Lock.Settle,
		MetricsWindow:   cfg.Metrics.Window,
		MetricsTimeout:  cfg.Metrics.Timeout,
		MaxPendingTasks: leader.DefaultConfig(cfg.Name).MaxPendingTasks,
	}, n.backend.Locker, b, n.backend.Queue, n.sup, n.rec,
		leader.WithLogger(n.logger),
		leader.WithMetrics(n.metrics),
		leader.WithTerminate(n.Terminate))

	n.runCtx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

// NewBackend builds the backend named by cfg.Backend.
func NewBackend(cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	retry := lock.Retry{Count: cfg.Lock.RetryCount, Delay: cfg.Lock.RetryDelay, Jitter: cfg.Lock.RetryJitter}

	switch cfg.Backend {
	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
		q := queue.NewRedis(client, cfg.Redis.Prefix, cfg.QueueName(),
			queue.WithRedisLogger(logger),
			queue.WithRedisPollInterval(cfg.Queue.PollInterval))
		return &Backend{
			Locker: lock.NewRedisLocker(client,
				lock.WithRetry(retry),
				lock.WithDriftFactor(cfg.Lock.DriftFactor),
				lock.WithLogger(logger)),
			Transport: bus.NewRedisTransport(client, cfg.Redis.Prefix+":"+cfg.Name),
			Queue:     q,
			Close: func() error {
				return errors.Join(q.Close(), client.Close())
			},
		}, nil

	case config.BackendMemory, "":
		opts := []queue.MemoryOption{queue.WithMemoryLogger(logger)}
		if cfg.Queue.Snapshot != "" {
			opts = append(opts, queue.WithSnapshot(cfg.Queue.Snapshot))
		}
		if cfg.Queue.PollInterval > 0 {
			opts = append(opts, queue.WithMemoryPollInterval(cfg.Queue.PollInterval))
		}
		q, err := queue.NewMemory(opts...)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Locker:    lock.NewMemoryLocker(retry),
			Transport: bus.NewHub().Transport(),
			Queue:     q,
			Close:     q.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func defaultSource(cfg *config.Config) reconcile.Source {
	if cfg.Tasks.File != "" {
		return reconcile.FileSource{Path: cfg.Tasks.File}
	}
	return reconcile.SourceFuncs{
		Names: func(context.Context) ([]string, error) { return nil, nil },
		Details: func(context.Context, string) (types.TaskDetails, error) {
			return types.TaskDetails{}, nil
		},
	}
}

// ID returns the node id.
func (n *Node) ID() types.NodeID { return n.id }

// Leader returns the node's leader.
func (n *Node) Leader() *leader.Leader { return n.leader }

// Supervisor returns the node's process supervisor.
func (n *Node) Supervisor() *supervisor.Supervisor { return n.sup }

// Queue returns the queue engine.
func (n *Node) Queue() queue.Engine { return n.backend.Queue }

// Hooks returns the shutdown-hook registry.
func (n *Node) Hooks() *Hooks { return n.hooks }

// Start begins job delivery and joins the election.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return ErrStopped
	}
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	n.mu.Unlock()

	if err := n.backend.Queue.Process(n.runCtx, n.cfg.Queue.Concurrency, n.sup.HandleJob); err != nil {
		return fmt.Errorf("failed to start job delivery: %w", err)
	}
	leading, err := n.leader.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start leader: %w", err)
	}
	n.logger.Info("Node started", "name", n.cfg.Name, "leader", leading)
	return nil
}

// Stop shuts the node down gracefully. Running jobs are handed back to the
// queue. Only the first call does anything.
func (n *Node) Stop(ctx context.Context) error {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		n.mu.Unlock()

		var errs []error
		if err := n.leader.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("leader: %w", err))
		}
		if err := n.sup.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("supervisor: %w", err))
		}
		n.cancel()
		if err := n.closeBackend(); err != nil {
			errs = append(errs, fmt.Errorf("backend: %w", err))
		}
		n.stopErr = errors.Join(errs...)
		n.logger.Info("Node stopped")
	})
	return n.stopErr
}

func (n *Node) closeBackend() error {
	if n.backend.Close == nil {
		return nil
	}
	return n.backend.Close()
}

// Terminate runs the shutdown hooks, stops the node and exits with status
// 1. The leader calls it on split-brain.
func (n *Node) Terminate(reason error) {
	n.logger.Error("Terminating node", "reason", reason)
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout)
	defer cancel()

	if err := n.hooks.Run(ctx); err != nil {
		n.logger.Error("Shutdown hooks failed", "error", err)
	}
	if err := n.Stop(ctx); err != nil {
		n.logger.Error("Failed to stop node", "error", err)
	}
	n.exit(1)
}

// Status is a point-in-time view of the node.
type Status struct {
	Leader    leader.Status   `json:"leader"`
	Processes []types.JobID   `json:"processes"`
	Jobs      types.JobCounts `json:"jobs"`
}

// Status returns the node status.
func (n *Node) Status(ctx context.Context) (Status, error) {
	counts, err := n.backend.Queue.GetJobCounts(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to get job counts: %w", err)
	}
	return Status{
		Leader:    n.leader.Status(),
		Processes: n.sup.JobIDs(),
		Jobs:      counts,
	}, nil
}

// RunTask runs a task on the process of jobID, wherever in the cluster it
// runs.
func (n *Node) RunTask(ctx context.Context, jobID types.JobID, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return n.leader.RunTaskSearchForNode(ctx, jobID, name, args, timeout)
}

// GatherMetrics collects process metrics from every node. Leader only.
func (n *Node) GatherMetrics(ctx context.Context) (map[types.NodeID][]types.ProcessMetrics, error) {
	return n.leader.GatherProcessMetricsGlobally(ctx)
}

// KillJob fails jobID and kills its process cluster-wide.
func (n *Node) KillJob(ctx context.Context, jobID types.JobID) error {
	return n.leader.KillJob(ctx, jobID)
}

// OnLeadershipChange calls fn with the leadership flag after every election
// state change.
func (n *Node) OnLeadershipChange(fn func(leading bool)) {
	n.leader.OnStateChange(func(s leader.State) { fn(s == leader.Leading) })
}
