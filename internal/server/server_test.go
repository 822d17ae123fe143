package server

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/fleetwork/internal/leader"
	"github.com/ChuLiYu/fleetwork/internal/node"
	"github.com/ChuLiYu/fleetwork/pkg/fault"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

type fakeControl struct {
	mu       sync.Mutex
	listener func(bool)
	killed   []types.JobID
	lastArgs json.RawMessage
	lastTO   time.Duration
}

func (f *fakeControl) RunTask(ctx context.Context, jobID types.JobID, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	f.lastArgs, f.lastTO = args, timeout
	f.mu.Unlock()
	switch jobID {
	case "missing":
		return nil, fault.Newf(fault.KindNotFound, "run-task", "job %s not found", jobID)
	case "slow":
		return nil, fault.New(fault.KindTimeout, "run-task", "no reply")
	}
	return json.RawMessage(`{"job":"` + string(jobID) + `","task":"` + name + `","n":3}`), nil
}

func (f *fakeControl) GatherMetrics(ctx context.Context) (map[types.NodeID][]types.ProcessMetrics, error) {
	return map[types.NodeID][]types.ProcessMetrics{
		"n1": {{JobID: "a", Metrics: map[string]interface{}{"cpu": 1.0}}},
		"n2": {},
	}, nil
}

func (f *fakeControl) KillJob(ctx context.Context, jobID types.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, jobID)
	return nil
}

func (f *fakeControl) Status(ctx context.Context) (node.Status, error) {
	return node.Status{
		Leader:    leader.Status{NodeID: "n1", State: "leading", Leader: true, Resource: "fleet:masterLock"},
		Processes: []types.JobID{"a"},
		Jobs:      types.JobCounts{Active: 1, Waiting: 2},
	}, nil
}

func (f *fakeControl) OnLeadershipChange(fn func(bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = fn
}

func (f *fakeControl) setLeading(v bool) {
	f.mu.Lock()
	fn := f.listener
	f.mu.Unlock()
	fn(v)
}

func setup(t *testing.T) (*fakeControl, *Client) {
	t.Helper()
	ctl := &fakeControl{}
	srv := New(ctl)
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return ctl, c
}

func TestRunTaskRoundTrip(t *testing.T) {
	ctl, c := setup(t)
	res, err := c.RunTask(context.Background(), "a", "ping", json.RawMessage(`{"x":[1,2]}`), 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"job":"a","task":"ping","n":3}`, string(res))

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	assert.JSONEq(t, `{"x":[1,2]}`, string(ctl.lastArgs))
	assert.Equal(t, 2*time.Second, ctl.lastTO)
}

func TestRunTaskErrorsKeepTheirKind(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()

	_, err := c.RunTask(ctx, "missing", "ping", nil, time.Second)
	assert.ErrorIs(t, err, fault.ErrNotFound)
	assert.Contains(t, err.Error(), "job missing not found")

	_, err = c.RunTask(ctx, "slow", "ping", nil, time.Second)
	assert.ErrorIs(t, err, fault.ErrTimeout)

	_, err = c.RunTask(ctx, "", "ping", nil, time.Second)
	assert.Error(t, err)
}

func TestGatherMetrics(t *testing.T) {
	_, c := setup(t)
	m, err := c.GatherMetrics(context.Background())
	require.NoError(t, err)
	require.Len(t, m["n1"], 1)
	assert.Equal(t, types.JobID("a"), m["n1"][0].JobID)
	assert.Equal(t, 1.0, m["n1"][0].Metrics["cpu"])
	assert.Contains(t, m, types.NodeID("n2"))
}

func TestKillJobAndStatus(t *testing.T) {
	ctl, c := setup(t)
	ctx := context.Background()

	require.NoError(t, c.KillJob(ctx, "a"))
	ctl.mu.Lock()
	assert.Equal(t, []types.JobID{"a"}, ctl.killed)
	ctl.mu.Unlock()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Leader.Leader)
	assert.Equal(t, "leading", st.Leader.State)
	assert.Equal(t, []types.JobID{"a"}, st.Processes)
	assert.Equal(t, 2, st.Jobs.Waiting)
}

func TestLeaderHealthFollowsLeadership(t *testing.T) {
	ctl, c := setup(t)
	ctx := context.Background()

	leading, err := c.Leading(ctx)
	require.NoError(t, err)
	assert.False(t, leading)

	ctl.setLeading(true)
	leading, err = c.Leading(ctx)
	require.NoError(t, err)
	assert.True(t, leading)

	ctl.setLeading(false)
	leading, err = c.Leading(ctx)
	require.NoError(t, err)
	assert.False(t, leading)
}

func TestToStatusMapping(t *testing.T) {
	err := fromStatus("op", toStatus(fault.New(fault.KindNotLeader, "gather", "this node is not leader")))
	assert.ErrorIs(t, err, fault.ErrNotLeader)
	assert.Contains(t, err.Error(), "this node is not leader")

	err = fromStatus("op", toStatus(context.DeadlineExceeded))
	assert.ErrorIs(t, err, fault.ErrTimeout)
	assert.Nil(t, fromStatus("op", nil))
}
