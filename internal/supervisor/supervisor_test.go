package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetwork/internal/queue"
	"github.com/ChuLiYu/fleetwork/pkg/fault"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

type fakeProcess struct {
	done     chan struct{}
	once     sync.Once
	kills    atomic.Int32
	ignore   bool // ignore kills
	metrics  map[string]interface{}
	failPull bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{}), metrics: map[string]interface{}{"cpu": 1.0}}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return errors.New("exited") }

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.done) }) }

func (p *fakeProcess) Kill() {
	p.kills.Add(1)
	if !p.ignore {
		p.exit()
	}
}

func (p *fakeProcess) RunTask(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return json.RawMessage(`{"task":"` + name + `"}`), nil
}

func (p *fakeProcess) PullMetrics(ctx context.Context, description map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	if p.failPull {
		return nil, fault.New(fault.KindTimeout, "metrics", "no reply")
	}
	return p.metrics, nil
}

type ackCall struct {
	retry bool
	after time.Duration
	err   error
}

type fakeAck struct {
	calls chan ackCall
	stale bool
}

func newFakeAck() *fakeAck { return &fakeAck{calls: make(chan ackCall, 4)} }

func (a *fakeAck) Done(err error) error {
	a.calls <- ackCall{err: err}
	if a.stale {
		return queue.ErrStaleDelivery
	}
	return nil
}

func (a *fakeAck) Retry(after time.Duration) error {
	a.calls <- ackCall{retry: true, after: after}
	return nil
}

func (a *fakeAck) wait(t *testing.T) ackCall {
	t.Helper()
	select {
	case c := <-a.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("ack was not settled")
		return ackCall{}
	}
}

func (a *fakeAck) pending(t *testing.T) {
	t.Helper()
	select {
	case c := <-a.calls:
		t.Fatalf("unexpected ack %+v", c)
	case <-time.After(30 * time.Millisecond):
	}
}

type spawner struct {
	mu    sync.Mutex
	procs map[types.JobID][]*fakeProcess
	spawn func() *fakeProcess
}

func (s *spawner) fn(job *types.Job) Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := newFakeProcess()
	if s.spawn != nil {
		p = s.spawn()
	}
	if s.procs == nil {
		s.procs = make(map[types.JobID][]*fakeProcess)
	}
	s.procs[job.ID] = append(s.procs[job.ID], p)
	return p
}

func (s *spawner) last(id types.JobID) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.procs[id]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

func (s *spawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ps := range s.procs {
		n += len(ps)
	}
	return n
}

func newSupervisor(t *testing.T, max int) (*Supervisor, *spawner) {
	t.Helper()
	sp := &spawner{}
	s, err := New(Config{MaxInstancesPerNode: max, RescheduleDelay: 2500 * time.Millisecond}, WithSpawner(sp.fn))
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, sp
}

func job(id types.JobID) *types.Job { return &types.Job{ID: id} }

func TestNewRequiresInstanceCeiling(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestHandleJobSpawns(t *testing.T) {
	s, sp := newSupervisor(t, 1)
	ack := newFakeAck()

	s.HandleJob(context.Background(), job("a"), ack)

	assert.True(t, s.Has("a"))
	assert.Equal(t, []types.JobID{"a"}, s.JobIDs())
	assert.Equal(t, 1, sp.count())
	ack.pending(t)
}

func TestUnexpectedCloseFailsJob(t *testing.T) {
	s, sp := newSupervisor(t, 1)
	ack := newFakeAck()
	s.HandleJob(context.Background(), job("a"), ack)

	sp.last("a").exit()

	call := ack.wait(t)
	assert.False(t, call.retry)
	require.Error(t, call.err)
	assert.Contains(t, call.err.Error(), ShutDownMessage)
	assert.True(t, errors.Is(call.err, fault.ErrClosed))
	assert.Eventually(t, func() bool { return !s.Has("a") }, time.Second, 5*time.Millisecond)
}

func TestInstanceCeilingReschedules(t *testing.T) {
	s, sp := newSupervisor(t, 1)
	ack1, ack2 := newFakeAck(), newFakeAck()

	s.HandleJob(context.Background(), job("x:1"), ack1)
	s.HandleJob(context.Background(), job("x:2"), ack2)

	call := ack2.wait(t)
	assert.True(t, call.retry)
	assert.Equal(t, 2500*time.Millisecond, call.after)
	assert.Equal(t, 1, sp.count())
	assert.False(t, s.Has("x:2"))
	ack1.pending(t)

	// Other main ids and unsharded ids are not capped.
	s.HandleJob(context.Background(), job("y:1"), newFakeAck())
	s.HandleJob(context.Background(), job("x"), newFakeAck())
	assert.Equal(t, 3, sp.count())
}

func TestInstanceCeilingAllowsUpToMax(t *testing.T) {
	s, sp := newSupervisor(t, 2)
	s.HandleJob(context.Background(), job("x:1"), newFakeAck())
	s.HandleJob(context.Background(), job("x:2"), newFakeAck())

	ack := newFakeAck()
	s.HandleJob(context.Background(), job("x:3"), ack)
	assert.True(t, ack.wait(t).retry)
	assert.Equal(t, 2, sp.count())
}

func TestRedeliveryKillsStaleProcess(t *testing.T) {
	s, sp := newSupervisor(t, 1)
	oldAck := newFakeAck()
	s.HandleJob(context.Background(), job("a"), oldAck)
	old := sp.last("a")

	newAck := newFakeAck()
	s.HandleJob(context.Background(), job("a"), newAck)

	assert.Equal(t, int32(1), old.kills.Load())
	assert.NotSame(t, old, sp.last("a"))
	assert.True(t, s.Has("a"))

	// The stale delivery is handed back, not failed.
	call := oldAck.wait(t)
	assert.True(t, call.retry)
	newAck.pending(t)
}

func TestKillKeepsEntryUntilClose(t *testing.T) {
	s, sp := newSupervisor(t, 1)
	sp.spawn = func() *fakeProcess {
		p := newFakeProcess()
		p.ignore = true
		return p
	}
	ack := newFakeAck()
	s.HandleJob(context.Background(), job("a"), ack)

	assert.True(t, s.KillProcessOfJob("a"))
	assert.True(t, s.Has("a"))
	assert.False(t, s.KillProcessOfJob("missing"))

	sp.last("a").exit()
	call := ack.wait(t)
	assert.False(t, call.retry)
	assert.Error(t, call.err)
}

func TestRemoveBeforeCloseIsNotAFailure(t *testing.T) {
	s, sp := newSupervisor(t, 1)
	ack := newFakeAck()
	s.HandleJob(context.Background(), job("a"), ack)

	assert.True(t, s.RemoveProcessOfJob("a"))
	assert.False(t, s.Has("a"))
	assert.False(t, s.RemoveProcessOfJob("a"))

	sp.last("a").exit()
	call := ack.wait(t)
	assert.True(t, call.retry)
	assert.Zero(t, call.after)
}

func TestDeliveryTimeoutKillsProcess(t *testing.T) {
	s, sp := newSupervisor(t, 1)
	ack := newFakeAck()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s.HandleJob(ctx, job("a"), ack)

	call := ack.wait(t)
	assert.False(t, call.retry)
	assert.True(t, errors.Is(call.err, fault.ErrTimeout))
	assert.Equal(t, int32(1), sp.last("a").kills.Load())
}

func TestStaleAckIsTolerated(t *testing.T) {
	s, sp := newSupervisor(t, 1)
	ack := newFakeAck()
	ack.stale = true
	s.HandleJob(context.Background(), job("a"), ack)

	sp.last("a").exit()
	ack.wait(t)
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRunTask(t *testing.T) {
	s, _ := newSupervisor(t, 1)
	s.HandleJob(context.Background(), job("a"), newFakeAck())

	out, err := s.RunTask(context.Background(), "a", "echo", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"task":"echo"}`, string(out))

	_, err = s.RunTask(context.Background(), "missing", "echo", nil, time.Second)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestGatherProcessMetrics(t *testing.T) {
	s, _ := newSupervisor(t, 1)

	empty, err := s.GatherProcessMetrics(context.Background(), nil, time.Second)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	s.HandleJob(context.Background(), job("b"), newFakeAck())
	s.HandleJob(context.Background(), job("a"), newFakeAck())

	out, err := s.GatherProcessMetrics(context.Background(), nil, time.Second)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, types.JobID("a"), out[0].JobID)
	assert.Equal(t, types.JobID("b"), out[1].JobID)
	assert.Equal(t, 1.0, out[0].Metrics["cpu"])
}

func TestGatherProcessMetricsSkipsFailedPulls(t *testing.T) {
	s, sp := newSupervisor(t, 1)
	sp.spawn = func() *fakeProcess {
		p := newFakeProcess()
		p.failPull = true
		return p
	}
	s.HandleJob(context.Background(), job("stuck"), newFakeAck())
	sp.spawn = nil
	s.HandleJob(context.Background(), job("healthy"), newFakeAck())
	require.Equal(t, 2, s.Len())

	out, err := s.GatherProcessMetrics(context.Background(), nil, time.Second)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, types.JobID("healthy"), out[0].JobID)
	assert.Equal(t, 1.0, out[0].Metrics["cpu"])
}

func TestGatherProcessMetricsAllFailed(t *testing.T) {
	s, sp := newSupervisor(t, 1)
	sp.spawn = func() *fakeProcess {
		p := newFakeProcess()
		p.failPull = true
		return p
	}
	s.HandleJob(context.Background(), job("a"), newFakeAck())

	out, err := s.GatherProcessMetrics(context.Background(), nil, time.Second)
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestGatherProcessMetricsCanceled(t *testing.T) {
	s, _ := newSupervisor(t, 1)
	s.HandleJob(context.Background(), job("a"), newFakeAck())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.GatherProcessMetrics(ctx, nil, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStopHandsJobsBack(t *testing.T) {
	sp := &spawner{}
	s, err := New(Config{MaxInstancesPerNode: 1}, WithSpawner(sp.fn))
	require.NoError(t, err)

	ack := newFakeAck()
	s.HandleJob(context.Background(), job("a"), ack)
	require.NoError(t, s.Stop(context.Background()))

	call := ack.wait(t)
	assert.True(t, call.retry)
	assert.Equal(t, 0, s.Len())

	// Deliveries after Stop go straight back.
	late := newFakeAck()
	s.HandleJob(context.Background(), job("b"), late)
	assert.True(t, late.wait(t).retry)
	assert.Equal(t, 1, sp.count())
}
