// Package fork is the child side of the worker process contract.
//
// A worker module receives its handle id as its only argument, announces it
// with an `id` frame, and starts executing once the parent delivers the job
// payload in a `data` frame. It answers `task` and `metrics` frames and may
// emit leveled `log` frames at any time.
//
//	w, err := fork.New()
//	...
//	w.HandleTask("ping", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
//		return "pong", nil
//	})
//	err = w.Run(ctx, func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
//		<-ctx.Done()
//		return nil, nil
//	})
package fork

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ChuLiYu/fleetwork/pkg/fault"
	"github.com/ChuLiYu/fleetwork/pkg/ipc"
)

// ErrNoID is returned by New when the process was started without a handle id.
var ErrNoID = errors.New("worker started without a handle id argument")

// TaskFunc runs one named task.
type TaskFunc func(ctx context.Context, args json.RawMessage) (interface{}, error)

// MetricsFunc reports the worker's current metrics.
type MetricsFunc func(description map[string]interface{}) map[string]interface{}

// DataFunc is the job body, started once when the payload arrives. A
// non-nil result is sent back as a `data` frame; an error as an `error` frame.
type DataFunc func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// Worker is a connected child process.
type Worker struct {
	id   string
	conn *ipc.Conn

	mu      sync.RWMutex
	tasks   map[string]TaskFunc
	metrics MetricsFunc

	started bool
	wg      sync.WaitGroup
}

// New builds a worker on the process's stdin/stdout, reading the handle id
// from the last command-line argument and the codec from the environment.
func New() (*Worker, error) {
	if len(os.Args) < 2 || os.Args[len(os.Args)-1] == "" {
		return nil, ErrNoID
	}
	codec := ipc.GetCodec(os.Getenv(ipc.CodecEnv))
	return NewWithIO(os.Args[len(os.Args)-1], os.Stdin, os.Stdout, codec), nil
}

// NewWithIO builds a worker on arbitrary streams.
func NewWithIO(id string, r io.Reader, w io.Writer, codec ipc.Codec) *Worker {
	return &Worker{
		id:    id,
		conn:  ipc.NewConn(r, w, codec),
		tasks: make(map[string]TaskFunc),
	}
}

// ID returns the handle id the worker announces.
func (w *Worker) ID() string { return w.id }

// HandleTask registers fn under name.
func (w *Worker) HandleTask(name string, fn TaskFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks[name] = fn
}

// HandleMetrics registers the metrics reporter. Without one, metrics
// requests are answered with an empty map.
func (w *Worker) HandleMetrics(fn MetricsFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics = fn
}

// Log forwards a leveled message to the parent.
func (w *Worker) Log(level, format string, args ...interface{}) {
	_ = w.conn.Send(ipc.FrameLog, ipc.LogMessage{Level: level, Message: fmt.Sprintf(format, args...)})
}

// Exit asks the parent to terminate this process.
func (w *Worker) Exit() error {
	return w.conn.Send(ipc.FrameKill, nil)
}

// Run announces the worker and serves frames until the parent closes the
// channel or ctx is done. onData runs once, when the payload arrives.
func (w *Worker) Run(ctx context.Context, onData DataFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		w.wg.Wait()
	}()

	if err := w.conn.Send(ipc.FrameID, w.id); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	frames := make(chan *ipc.Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := w.conn.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case f := <-frames:
			w.dispatch(ctx, f, onData)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, f *ipc.Frame, onData DataFunc) {
	switch f.Type {
	case ipc.FrameData:
		if w.started || onData == nil {
			return
		}
		w.started = true
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			result, err := onData(ctx, f.Content)
			if err != nil {
				d := fault.ToDetail(err)
				_ = w.conn.Send(ipc.FrameError, ipc.ErrorMessage{Kind: d.Kind, Message: d.Message})
				return
			}
			if result != nil {
				_ = w.conn.Send(ipc.FrameData, result)
			}
		}()
	case ipc.FrameTask:
		var msg ipc.TaskMessage
		if err := f.Decode(&msg); err != nil {
			w.Log("warn", "malformed task frame: %v", err)
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runTask(ctx, msg)
		}()
	case ipc.FrameMetrics:
		var msg ipc.MetricsMessage
		if err := f.Decode(&msg); err != nil {
			w.Log("warn", "malformed metrics frame: %v", err)
			return
		}
		w.mu.RLock()
		fn := w.metrics
		w.mu.RUnlock()
		metrics := map[string]interface{}{}
		if fn != nil {
			metrics = fn(msg.Description)
		}
		_ = w.conn.Send(ipc.FrameMetrics, ipc.MetricsMessage{ID: msg.ID, Metrics: metrics})
	default:
		w.Log("warn", "unexpected %s frame", f.Type)
	}
}

func (w *Worker) runTask(ctx context.Context, msg ipc.TaskMessage) {
	w.mu.RLock()
	fn, ok := w.tasks[msg.Name]
	w.mu.RUnlock()

	reply := ipc.TaskMessage{ID: msg.ID}
	if !ok {
		reply.Error = &fault.Detail{Kind: fault.KindNotFound, Message: fmt.Sprintf("unknown task %q", msg.Name)}
		_ = w.conn.Send(ipc.FrameTask, reply)
		return
	}

	result, err := fn(ctx, msg.Args)
	if err != nil {
		reply.Error = fault.ToDetail(err)
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			reply.Error = fault.ToDetail(fault.Wrap(fault.KindProtocol, "task", merr))
		} else {
			reply.Result = raw
		}
	}
	_ = w.conn.Send(ipc.FrameTask, reply)
}
