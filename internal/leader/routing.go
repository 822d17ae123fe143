package leader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/fleetwork/internal/bus"
	"github.com/ChuLiYu/fleetwork/internal/correlation"
	"github.com/ChuLiYu/fleetwork/internal/queue"
	"github.com/ChuLiYu/fleetwork/pkg/fault"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// KilledReason is the failure reason recorded on killed jobs.
const KilledReason = "job killed"

// RunTaskSearchForNode runs a task on the process of jobID wherever it
// lives. A local process is called directly; otherwise the request goes out
// on the bus and the owning node replies.
func (l *Leader) RunTaskSearchForNode(ctx context.Context, jobID types.JobID, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()
	if l.sup.Has(jobID) {
		res, err := l.sup.RunTask(ctx, jobID, name, args, timeout)
		l.metrics.RecordTaskRPC("local", rpcResult(err), time.Since(start))
		return res, err
	}

	if _, err := l.queue.GetJob(ctx, jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return nil, fault.Newf(fault.KindNotFound, "run-task", "job %s not found", jobID)
		}
		return nil, fmt.Errorf("failed to look up job %s: %w", jobID, err)
	}

	id := correlation.NewID()
	pending := l.tasks.Register(id, timeout)
	req := bus.RunTask{
		CorrelationID: id,
		JobID:         jobID,
		TaskName:      name,
		Args:          args,
		TimeoutMS:     timeout.Milliseconds(),
	}
	if err := l.bus.Publish(ctx, req); err != nil {
		l.tasks.Resolve(id, nil, fault.Wrap(fault.KindTransport, "run-task", err))
	}

	res, err := pending.Wait(ctx)
	l.metrics.RecordTaskRPC("remote", rpcResult(err), time.Since(start))
	return res, err
}

func rpcResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fault.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func (l *Leader) onRunTask(_ context.Context, ev bus.Event) {
	req := ev.Payload.(bus.RunTask)
	if !l.sup.Has(req.JobID) {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx := l.runCtx
		res, err := l.sup.RunTask(ctx, req.JobID, req.TaskName, req.Args, req.Timeout())
		reply := bus.ReturnTask{
			CorrelationID: req.CorrelationID,
			Error:         fault.ToDetail(err),
			Result:        res,
		}
		if err := l.bus.Publish(ctx, reply); err != nil {
			l.logger.Error("Failed to return task result", "job", req.JobID, "task", req.TaskName, "error", err)
		}
	}()
}

func (l *Leader) onReturnTask(_ context.Context, ev bus.Event) {
	rep := ev.Payload.(bus.ReturnTask)
	if !l.tasks.Resolve(rep.CorrelationID, rep.Result, fault.FromDetail("remote", rep.Error)) {
		l.logger.Debug("No pending task for reply", "correlation_id", rep.CorrelationID)
	}
}

// GatherProcessMetricsGlobally asks every node for the metrics of its
// processes and returns the replies received within the metrics window,
// keyed by node. Only the leader may gather.
func (l *Leader) GatherProcessMetricsGlobally(ctx context.Context) (map[types.NodeID][]types.ProcessMetrics, error) {
	if !l.IsLeader() {
		return nil, fault.New(fault.KindNotLeader, "gather-metrics", "this node is not leader")
	}
	l.gatherMu.Lock()
	defer l.gatherMu.Unlock()

	l.aggMu.Lock()
	l.aggregation = make(map[types.NodeID][]types.ProcessMetrics)
	l.aggMu.Unlock()

	if err := l.bus.Publish(ctx, bus.ReqMetrics{NodeID: l.id}); err != nil {
		return nil, fault.Wrap(fault.KindTransport, "gather-metrics", err)
	}
	if !sleep(ctx, l.cfg.MetricsWindow) {
		return nil, ctx.Err()
	}

	l.aggMu.Lock()
	defer l.aggMu.Unlock()
	out := make(map[types.NodeID][]types.ProcessMetrics, len(l.aggregation))
	for node, m := range l.aggregation {
		out[node] = m
	}
	l.aggregation = nil
	return out, nil
}

// Nodes returns the sorted node ids of a gather result.
func Nodes(m map[types.NodeID][]types.ProcessMetrics) []types.NodeID {
	ids := make([]types.NodeID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *Leader) onReqMetrics(_ context.Context, ev bus.Event) {
	msg := ev.Payload.(bus.ReqMetrics)
	switch {
	case !msg.IsRequest():
		if l.IsLeader() && ev.Origin != l.id {
			l.store(ev.Origin, msg.Metrics)
		}
	case ev.Origin == l.id:
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if m, ok := l.localMetrics(); ok {
				l.store(l.id, m)
			}
		}()
	default:
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			m, ok := l.localMetrics()
			if !ok {
				return
			}
			if err := l.bus.Publish(l.runCtx, bus.ReqMetrics{NodeID: l.id, Metrics: m}); err != nil {
				l.logger.Error("Failed to send metrics", "error", err)
			}
		}()
	}
}

func (l *Leader) localMetrics() ([]types.ProcessMetrics, bool) {
	m, err := l.sup.GatherProcessMetrics(l.runCtx, nil, l.cfg.MetricsTimeout)
	if err != nil {
		l.logger.Error("Failed to gather process metrics", "error", err)
		return nil, false
	}
	if m == nil {
		m = []types.ProcessMetrics{}
	}
	return m, true
}

// store records a node's reply while a gather is collecting.
func (l *Leader) store(node types.NodeID, m []types.ProcessMetrics) {
	l.aggMu.Lock()
	defer l.aggMu.Unlock()
	if l.aggregation == nil {
		return
	}
	l.aggregation[node] = m
}

// KillJob fails jobID on the queue and tells every node to kill its process.
// A job missing from the queue is still broadcast so that a stray process
// is stopped, and the not-found fault is returned.
func (l *Leader) KillJob(ctx context.Context, jobID types.JobID) error {
	var missing error
	if err := l.queue.MoveToFailed(ctx, jobID, errors.New(KilledReason)); err != nil {
		if !errors.Is(err, queue.ErrJobNotFound) {
			return fmt.Errorf("failed to fail job %s: %w", jobID, err)
		}
		missing = fault.Newf(fault.KindNotFound, "kill-job", "job %s not found", jobID)
	}
	if err := l.bus.Publish(ctx, bus.JobKilled{JobID: jobID}); err != nil {
		return fault.Wrap(fault.KindTransport, "kill-job", err)
	}
	l.logger.Info("Job killed", "job", jobID)
	return missing
}

// RemoveJobAndKillProcesses is KillJob.
func (l *Leader) RemoveJobAndKillProcesses(ctx context.Context, jobID types.JobID) error {
	return l.KillJob(ctx, jobID)
}

func (l *Leader) onJobKilled(_ context.Context, ev bus.Event) {
	id := ev.Payload.(bus.JobKilled).JobID
	if !l.sup.Has(id) {
		return
	}
	l.sup.KillProcessOfJob(id)
	l.sup.RemoveProcessOfJob(id)
	l.logger.Info("Killed process of job", "job", id)
}

// Status is a snapshot of the node's election state.
type Status struct {
	NodeID       types.NodeID `json:"node_id"`
	State        string       `json:"state"`
	Leader       bool         `json:"leader"`
	Resource     string       `json:"resource"`
	LockExpiry   *time.Time   `json:"lock_expiry,omitempty"`
	PendingTasks int          `json:"pending_tasks"`
}

// Status returns the node's election status.
func (l *Leader) Status() Status {
	l.mu.Lock()
	st := Status{
		NodeID:       l.id,
		State:        l.state.String(),
		Leader:       l.isLeader.Load(),
		Resource:     l.cfg.Resource(),
		PendingTasks: l.tasks.Len(),
	}
	if l.held != nil {
		exp := l.held.Expiry()
		st.LockExpiry = &exp
	}
	l.mu.Unlock()
	return st
}
