package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetwork/pkg/fault"
	"github.com/ChuLiYu/fleetwork/pkg/types"
)

func recorder(b *Bus, kinds ...Kind) <-chan Event {
	ch := make(chan Event, 16)
	for _, k := range kinds {
		b.Handle(k, func(_ context.Context, ev Event) { ch <- ev })
	}
	return ch
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func startBus(t *testing.T, node types.NodeID, tr Transport) *Bus {
	t.Helper()
	b := New(node, tr)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestHubDeliversToEveryNodeIncludingSender(t *testing.T) {
	hub := NewHub()
	a := startBus(t, "a", hub.Transport())
	b := startBus(t, "b", hub.Transport())
	gotA := recorder(a, KindLeaderElected)
	gotB := recorder(b, KindLeaderElected)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, a.Publish(context.Background(), LeaderElected{NodeID: "a"}))

	for _, ch := range []<-chan Event{gotA, gotB} {
		ev := receive(t, ch)
		assert.Equal(t, KindLeaderElected, ev.Kind)
		assert.Equal(t, types.NodeID("a"), ev.Origin)
		assert.Equal(t, LeaderElected{NodeID: "a"}, ev.Payload)
	}
}

func TestTypedPayloads(t *testing.T) {
	hub := NewHub()
	b := startBus(t, "n1", hub.Transport())
	got := recorder(b, Kinds...)
	require.NoError(t, b.Start(context.Background()))
	ctx := context.Background()

	cases := []Payload{
		NodeJoined{NodeID: "n1"},
		JobKilled{JobID: "job-1"},
		RunTask{CorrelationID: "c1", JobID: "j", TaskName: "t", Args: json.RawMessage(`{"x":1}`), TimeoutMS: 1000},
		ReturnTask{CorrelationID: "c1", Error: &fault.Detail{Kind: fault.KindNotFound, Message: "nope"}},
	}
	for _, p := range cases {
		require.NoError(t, b.Publish(ctx, p))
		ev := receive(t, got)
		assert.Equal(t, p.Kind(), ev.Kind)
		assert.Equal(t, p, ev.Payload)
	}

	rt := RunTask{TimeoutMS: 1500}
	assert.Equal(t, 1500*time.Millisecond, rt.Timeout())
}

func TestReqMetricsNullVersusEmpty(t *testing.T) {
	hub := NewHub()
	b := startBus(t, "n1", hub.Transport())
	got := recorder(b, KindReqMetrics)
	require.NoError(t, b.Start(context.Background()))
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, ReqMetrics{NodeID: "n1"}))
	req := receive(t, got).Payload.(ReqMetrics)
	assert.True(t, req.IsRequest())

	require.NoError(t, b.Publish(ctx, ReqMetrics{NodeID: "n1", Metrics: []types.ProcessMetrics{}}))
	reply := receive(t, got).Payload.(ReqMetrics)
	assert.False(t, reply.IsRequest())
	assert.Empty(t, reply.Metrics)

	metrics := []types.ProcessMetrics{{JobID: "a", Metrics: map[string]interface{}{"cpu": 1.0}}}
	require.NoError(t, b.Publish(ctx, ReqMetrics{NodeID: "n1", Metrics: metrics}))
	reply = receive(t, got).Payload.(ReqMetrics)
	assert.Equal(t, metrics, reply.Metrics)
}

func TestUndecodableAndUnknownMessagesAreDropped(t *testing.T) {
	hub := NewHub()
	tr := hub.Transport()
	b := startBus(t, "n1", tr)
	got := recorder(b, KindJobKilled)
	require.NoError(t, b.Start(context.Background()))
	ctx := context.Background()

	require.NoError(t, tr.Publish(ctx, []byte("not json")))
	require.NoError(t, tr.Publish(ctx, []byte(`{"kind":"mystery","origin":"x","data":{}}`)))
	require.NoError(t, b.Publish(ctx, JobKilled{JobID: "j"}))

	ev := receive(t, got)
	assert.Equal(t, JobKilled{JobID: "j"}, ev.Payload)
}

func TestDecodeErrorsAreProtocolFaults(t *testing.T) {
	_, err := decode([]byte(`{"kind":"mystery"}`))
	assert.Equal(t, fault.KindProtocol, fault.KindOf(err))

	_, err = decode([]byte(`{"kind":"job-killed","data":"oops"}`))
	assert.Equal(t, fault.KindProtocol, fault.KindOf(err))
}

func TestEventsWithoutHandlerAreIgnored(t *testing.T) {
	hub := NewHub()
	b := startBus(t, "n1", hub.Transport())
	got := recorder(b, KindJobKilled)
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Publish(context.Background(), NodeJoined{NodeID: "n1"}))
	require.NoError(t, b.Publish(context.Background(), JobKilled{JobID: "j"}))
	assert.Equal(t, KindJobKilled, receive(t, got).Kind)
}

func TestPublishAfterClose(t *testing.T) {
	b := New("n1", NewHub().Transport())
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), NodeJoined{NodeID: "n1"}), ErrClosed)
	assert.ErrorIs(t, b.Start(context.Background()), ErrClosed)
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub()
	hub.buffer = 1
	tr := hub.Transport()
	_, err := tr.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, tr.Publish(context.Background(), []byte("1")))
	require.NoError(t, tr.Publish(context.Background(), []byte("2")))
	assert.Equal(t, int64(1), hub.Dropped())
	require.NoError(t, tr.Close())
}

func TestRedisTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	trA := NewRedisTransport(client, "fleet")
	trB := NewRedisTransport(client, "fleet")
	assert.Equal(t, "fleet:bus", trA.Channel())

	a := startBus(t, "a", trA)
	b := startBus(t, "b", trB)
	gotA := recorder(a, KindRunTask)
	gotB := recorder(b, KindRunTask)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))

	want := RunTask{CorrelationID: "c1", JobID: "j", TaskName: "t", TimeoutMS: 1000}
	require.NoError(t, b.Publish(context.Background(), want))

	for _, ch := range []<-chan Event{gotA, gotB} {
		ev := receive(t, ch)
		assert.Equal(t, types.NodeID("b"), ev.Origin)
		assert.Equal(t, want, ev.Payload)
	}

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestRedisTransportNamespacesAreIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := startBus(t, "a", NewRedisTransport(client, "one"))
	b := startBus(t, "b", NewRedisTransport(client, "two"))
	gotB := recorder(b, KindNodeJoined)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, a.Publish(context.Background(), NodeJoined{NodeID: "a"}))
	select {
	case ev := <-gotB:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
