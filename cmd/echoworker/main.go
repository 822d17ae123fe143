// Command echoworker is a sample worker module. It logs its payload, then
// stays up answering tasks until the supervisor kills it:
//
//	echo   returns its args
//	sleep  waits {"ms": n} milliseconds
//	fail   returns an error
//	exit   asks the supervisor to terminate the process
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ChuLiYu/fleetwork/pkg/fork"
)

func main() {
	w, err := fork.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "echoworker: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	var tasks atomic.Int64

	w.HandleTask("echo", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		tasks.Add(1)
		return args, nil
	})
	w.HandleTask("sleep", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		tasks.Add(1)
		var req struct {
			MS int `json:"ms"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, err
			}
		}
		select {
		case <-time.After(time.Duration(req.MS) * time.Millisecond):
			return map[string]int{"slept_ms": req.MS}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	w.HandleTask("fail", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		tasks.Add(1)
		return nil, errors.New("task failed on request")
	})
	w.HandleTask("exit", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return nil, w.Exit()
	})
	w.HandleMetrics(func(description map[string]interface{}) map[string]interface{} {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		return map[string]interface{}{
			"pid":        os.Getpid(),
			"uptime_ms":  time.Since(started).Milliseconds(),
			"tasks":      tasks.Load(),
			"heap_bytes": mem.HeapAlloc,
			"goroutines": runtime.NumGoroutine(),
		}
	})

	err = w.Run(ctx, func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		w.Log("info", "echoworker started with payload %s", string(payload))
		return nil, nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "echoworker: %v\n", err)
		os.Exit(1)
	}
}
