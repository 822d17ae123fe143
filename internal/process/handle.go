// ============================================================================
// fleetwork Worker Process Handle
// ============================================================================
//
// Package: internal/process
// File: handle.go
// Purpose: Owns one spawned worker process and speaks the frame protocol
//          (pkg/ipc) over its stdin/stdout.
//
// Lifecycle:
//   spawned -> handshaking -> connected -> closed
//
//   1. Spawn() starts the module in its own process group with the handle
//      id as its only argument.
//   2. The child sends an `id` frame; a matching id moves the handle to
//      connected and the job payload goes out as a `data` frame.
//   3. RunTask()/PullMetrics() are correlated request/response calls.
//   4. Kill() sends SIGINT and returns immediately.
//   5. stdout EOF, process exit and close are logged; Done() is closed last.
//
// Failure semantics:
//   Transport errors are logged, never returned. Only reply timeouts and
//   error replies reach callers.
//
// ============================================================================

package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/fleetwork/internal/correlation"
	"github.com/ChuLiYu/fleetwork/pkg/fault"
	"github.com/ChuLiYu/fleetwork/pkg/ipc"
)

// State is the connection state of a handle.
type State int

const (
	Spawned State = iota
	Handshaking
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Spawned:
		return "Spawned"
	case Handshaking:
		return "Handshaking"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// MaxPendingTasks caps the per-handle task correlation table.
const MaxPendingTasks = 1000

// Handle owns one worker process.
type Handle struct {
	id      string
	module  string
	payload interface{}
	codec   string
	env     []string
	onData  func(json.RawMessage)
	logger  *slog.Logger

	cmd  *exec.Cmd
	conn *ipc.Conn

	tasks   *correlation.Table
	metrics *correlation.Table

	mu       sync.Mutex
	state    State
	closeErr error
	done     chan struct{}
}

// Option configures a Handle.
type Option func(*Handle)

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handle) { h.logger = l }
}

// WithCodec selects the frame codec by name (json or msgpack).
func WithCodec(name string) Option {
	return func(h *Handle) { h.codec = name }
}

// WithEnv appends environment variables for the child.
func WithEnv(env ...string) Option {
	return func(h *Handle) { h.env = append(h.env, env...) }
}

// WithOnData registers a callback for `data` frames sent by the child.
func WithOnData(fn func(json.RawMessage)) Option {
	return func(h *Handle) { h.onData = fn }
}

// Spawn starts module and returns its handle. The call never fails: a module
// that cannot be found or started yields a handle that is already closed
// with a spawn fault.
func Spawn(module string, payload interface{}, opts ...Option) *Handle {
	h := &Handle{
		id:      uuid.NewString(),
		module:  module,
		payload: payload,
		logger:  slog.Default(),
		state:   Spawned,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "process", "handle", h.id)
	h.tasks = correlation.NewTable(MaxPendingTasks, correlation.WithLogger(h.logger), correlation.WithName("task"))
	h.metrics = correlation.NewTable(1, correlation.WithLogger(h.logger), correlation.WithName("metrics"))

	path, err := ResolveModule(module)
	if err != nil {
		h.logger.Error("Worker module not found", "module", module, "error", err)
		h.close(fault.Wrap(fault.KindSpawn, "spawn", err))
		return h
	}

	if err := h.start(path); err != nil {
		h.logger.Error("Failed to start worker process", "module", path, "error", err)
		h.close(fault.Wrap(fault.KindSpawn, "spawn", err))
		return h
	}
	return h
}

// ResolveModule maps a module reference to an executable path. Relative
// references are looked up next to the running executable, then in the
// working directory, then on PATH.
func ResolveModule(module string) (string, error) {
	if module == "" {
		return "", errors.New("empty module reference")
	}
	if filepath.IsAbs(module) {
		if _, err := os.Stat(module); err != nil {
			return "", err
		}
		return module, nil
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), module)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if _, err := os.Stat(module); err == nil {
		return filepath.Abs(module)
	}
	return exec.LookPath(module)
}

func (h *Handle) start(path string) error {
	cmd := exec.Command(path, h.id)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Env = append(os.Environ(), h.env...)
	if h.codec != "" {
		cmd.Env = append(cmd.Env, ipc.CodecEnv+"="+h.codec)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	h.cmd = cmd
	h.conn = ipc.NewConn(stdout, stdin, ipc.GetCodec(h.codec))
	h.setState(Handshaking)
	h.logger.Info("Worker process spawned", "module", path, "pid", cmd.Process.Pid)

	go h.run(stdout, stderr)
	return nil
}

func (h *Handle) run(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.forwardStderr(stderr)
	}()

	for {
		f, err := h.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				h.logger.Info("Worker process disconnected")
			} else {
				h.logger.Error("Worker process channel error", "error", err)
			}
			break
		}
		h.dispatch(f)
	}

	wg.Wait()
	err := h.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.logger.Info("Worker process exited", "code", exitErr.ExitCode())
		} else {
			h.logger.Error("Worker process error", "error", err)
		}
		h.close(fault.Wrap(fault.KindClosed, "process", err))
		return
	}
	h.logger.Info("Worker process exited", "code", 0)
	h.close(fault.New(fault.KindClosed, "process", "exited"))
}

func (h *Handle) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		h.logger.Warn("Worker process stderr", "line", scanner.Text())
	}
}

func (h *Handle) close(reason error) {
	h.mu.Lock()
	if h.state == Closed {
		h.mu.Unlock()
		return
	}
	h.state = Closed
	h.closeErr = reason
	h.mu.Unlock()

	h.logger.Info("Worker process closed", "reason", reason)
	close(h.done)
}

func (h *Handle) dispatch(f *ipc.Frame) {
	switch f.Type {
	case ipc.FrameID:
		h.handleHandshake(f)
	case ipc.FrameData:
		h.logger.Info("Worker process returned data", "bytes", len(f.Content))
		if h.onData != nil {
			h.onData(f.Content)
		}
	case ipc.FrameLog:
		h.handleLog(f)
	case ipc.FrameMetrics:
		var msg ipc.MetricsMessage
		if err := f.Decode(&msg); err != nil {
			h.logger.Warn("Dropping malformed metrics frame", "error", err)
			return
		}
		raw, _ := json.Marshal(msg.Metrics)
		if !h.metrics.Resolve(msg.ID, raw, nil) {
			h.logger.Warn("Dropping metrics reply with no pending request", "correlation", msg.ID)
		}
	case ipc.FrameTask:
		var msg ipc.TaskMessage
		if err := f.Decode(&msg); err != nil {
			h.logger.Warn("Dropping malformed task frame", "error", err)
			return
		}
		if !h.tasks.Resolve(msg.ID, msg.Result, fault.FromDetail("task", msg.Error)) {
			h.logger.Warn("Dropping task reply with no pending request", "correlation", msg.ID)
		}
	case ipc.FrameError:
		var msg ipc.ErrorMessage
		if err := f.Decode(&msg); err != nil {
			h.logger.Warn("Dropping malformed error frame", "error", err)
			return
		}
		kind := msg.Kind
		if kind == "" {
			kind = fault.KindRemote
		}
		if msg.ID != "" && h.tasks.Resolve(msg.ID, nil, fault.New(kind, "task", msg.Message)) {
			return
		}
		h.logger.Error("Worker process reported error", "kind", kind, "message", msg.Message, "correlation", msg.ID)
	case ipc.FrameKill:
		h.logger.Info("Worker process requested termination")
		h.Kill()
	default:
		h.logger.Warn("Unknown frame type", "type", f.Type)
	}
}

func (h *Handle) handleHandshake(f *ipc.Frame) {
	var id string
	if err := f.Decode(&id); err != nil {
		h.logger.Error("Malformed handshake", "error", err)
		return
	}
	if h.State() != Handshaking {
		h.logger.Warn("Unexpected handshake", "state", h.State())
		return
	}
	if id != h.id {
		h.logger.Error("Handshake id mismatch, withholding payload",
			"error", fault.Newf(fault.KindProtocol, "handshake", "expected %s, got %s", h.id, id))
		return
	}

	h.setState(Connected)
	if err := h.conn.Send(ipc.FrameData, h.payload); err != nil {
		h.logger.Error("Failed to send job payload", "error", err)
		return
	}
	h.logger.Info("Worker process connected")
}

func (h *Handle) handleLog(f *ipc.Frame) {
	var msg ipc.LogMessage
	if err := f.Decode(&msg); err != nil {
		h.logger.Warn("Dropping malformed log frame", "error", err)
		return
	}
	switch strings.ToLower(msg.Level) {
	case "debug", "trace", "silly", "verbose":
		h.logger.Debug(msg.Message, "source", "worker")
	case "warn", "warning":
		h.logger.Warn(msg.Message, "source", "worker")
	case "error", "fatal":
		h.logger.Error(msg.Message, "source", "worker")
	default:
		h.logger.Info(msg.Message, "source", "worker")
	}
}

// ID returns the handle identifier passed to the child.
func (h *Handle) ID() string { return h.id }

// Module returns the module reference the handle was spawned with.
func (h *Handle) Module() string { return h.module }

// PID returns the child's process id, or 0 when it never started.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// State returns the current connection state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Closed {
		h.state = s
	}
}

// Done is closed once the process has gone away.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the close reason once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeErr
}

// Kill sends an interrupt to the child and returns without waiting.
// Killing a closed handle is a no-op.
func (h *Handle) Kill() {
	if h.cmd == nil || h.cmd.Process == nil || h.State() == Closed {
		return
	}
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return
		}
		h.logger.Warn("Interrupt failed, killing worker process", "error", err)
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.logger.Error("Failed to kill worker process", "error", err)
		}
	}
}

func (h *Handle) send(t ipc.FrameType, content interface{}) {
	if h.conn == nil {
		h.logger.Warn("Dropping frame for process that never started", "type", t)
		return
	}
	if err := h.conn.Send(t, content); err != nil {
		h.logger.Error("Failed to send frame", "type", t, "error", err)
	}
}

// RunTask asks the child to run the named task and waits for its reply.
func (h *Handle) RunTask(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	p := h.tasks.Register("", timeout)
	h.send(ipc.FrameTask, ipc.TaskMessage{ID: p.ID, Name: name, Args: args})
	return p.Wait(ctx)
}

// PullMetrics asks the child for its metrics. Only one pull is tracked at a
// time; a new pull drops the previous one, which then times out.
func (h *Handle) PullMetrics(ctx context.Context, description map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	p := h.metrics.Register("", timeout)
	h.send(ipc.FrameMetrics, ipc.MetricsMessage{ID: p.ID, Description: description})

	raw, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	metrics := make(map[string]interface{})
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &metrics); err != nil {
			return nil, fault.Wrap(fault.KindProtocol, "metrics", err)
		}
	}
	return metrics, nil
}

func (h *Handle) String() string {
	return fmt.Sprintf("process(%s, %s)", h.id, h.State())
}
