package process

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleetwork/pkg/fault"
	"github.com/ChuLiYu/fleetwork/pkg/fork"
	"github.com/ChuLiYu/fleetwork/pkg/ipc"
)

// The test binary doubles as the worker module: when helperEnv is set it
// runs a pkg/fork worker instead of the tests.
const helperEnv = "FLEETWORK_PROCESS_HELPER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	w, err := fork.New()
	if err != nil {
		return 2
	}
	if mode == "badid" {
		w = fork.NewWithIO("not-"+w.ID(), os.Stdin, os.Stdout, ipc.GetCodec(os.Getenv(ipc.CodecEnv)))
	}

	w.HandleTask("echo", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return args, nil
	})
	w.HandleTask("sleep", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
		}
		return "slept", nil
	})
	w.HandleMetrics(func(map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{"cpu": 1}
	})

	err = w.Run(ctx, func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		w.Log("info", "payload received")
		if mode == "exit" {
			return nil, w.Exit()
		}
		return map[string]json.RawMessage{"received": payload}, nil
	})
	if err != nil {
		return 1
	}
	return 0
}

func spawnHelper(t *testing.T, mode string, opts ...Option) *Handle {
	t.Helper()
	opts = append(opts, WithEnv(helperEnv+"="+mode))
	h := Spawn(os.Args[0], map[string]interface{}{"job": "j1"}, opts...)
	t.Cleanup(func() {
		h.Kill()
		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
		}
	})
	return h
}

func waitForState(t *testing.T, h *Handle, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("handle stayed in %s, want %s", h.State(), want)
}

func TestSpawnHandshakeAndData(t *testing.T) {
	data := make(chan json.RawMessage, 1)
	h := spawnHelper(t, "echo", WithOnData(func(raw json.RawMessage) { data <- raw }))
	assert.NotZero(t, h.PID())

	waitForState(t, h, Connected)

	select {
	case raw := <-data:
		assert.JSONEq(t, `{"received":{"job":"j1"}}`, string(raw))
	case <-time.After(5 * time.Second):
		t.Fatal("no data frame from worker")
	}
}

func TestRunTask(t *testing.T) {
	for _, codec := range []string{ipc.CodecNameJSON, ipc.CodecNameMsgpack} {
		t.Run(codec, func(t *testing.T) {
			h := spawnHelper(t, "echo", WithCodec(codec))
			waitForState(t, h, Connected)

			result, err := h.RunTask(context.Background(), "echo", json.RawMessage(`{"a":1}`), 2*time.Second)
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":1}`, string(result))
		})
	}
}

func TestRunTaskRemoteError(t *testing.T) {
	h := spawnHelper(t, "echo")
	waitForState(t, h, Connected)

	_, err := h.RunTask(context.Background(), "missing", nil, 2*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestRunTaskTimeout(t *testing.T) {
	h := spawnHelper(t, "echo")
	waitForState(t, h, Connected)

	start := time.Now()
	_, err := h.RunTask(context.Background(), "sleep", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrTimeout))
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	// The late reply is dropped and the handle keeps working.
	time.Sleep(600 * time.Millisecond)
	result, err := h.RunTask(context.Background(), "echo", json.RawMessage(`1`), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", string(result))
}

func TestPullMetrics(t *testing.T) {
	h := spawnHelper(t, "echo")
	waitForState(t, h, Connected)

	metrics, err := h.PullMetrics(context.Background(), map[string]interface{}{"scope": "all"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, float64(1), metrics["cpu"])
}

func TestKill(t *testing.T) {
	h := spawnHelper(t, "echo")
	waitForState(t, h, Connected)

	h.Kill()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not close after kill")
	}
	assert.Equal(t, Closed, h.State())
	assert.Equal(t, fault.KindClosed, fault.KindOf(h.Err()))

	// Killing again is a no-op.
	assert.NotPanics(t, h.Kill)
}

func TestWorkerRequestedKill(t *testing.T) {
	h := spawnHelper(t, "exit")
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker kill request was not honoured")
	}
}

func TestHandshakeMismatchWithholdsPayload(t *testing.T) {
	data := make(chan json.RawMessage, 1)
	h := spawnHelper(t, "badid", WithOnData(func(raw json.RawMessage) { data <- raw }))
	waitForState(t, h, Handshaking)

	select {
	case <-data:
		t.Fatal("payload must be withheld after a bad handshake")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, Handshaking, h.State())
}

func TestMissingModuleClosesImmediately(t *testing.T) {
	h := Spawn(filepath.Join(t.TempDir(), "no-such-worker"), nil)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("missing module should close immediately")
	}
	assert.Equal(t, Closed, h.State())
	assert.True(t, errors.Is(h.Err(), fault.ErrSpawn))
	assert.Zero(t, h.PID())

	// Calls on a never-started handle fail through their timeout.
	_, err := h.RunTask(context.Background(), "echo", nil, 20*time.Millisecond)
	assert.True(t, errors.Is(err, fault.ErrTimeout))
}

func TestResolveModule(t *testing.T) {
	_, err := ResolveModule("")
	assert.Error(t, err)

	path, err := ResolveModule(os.Args[0])
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	_, err = ResolveModule("definitely-not-a-fleetwork-module")
	assert.Error(t, err)
}
