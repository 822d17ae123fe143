// ============================================================================
// fleetwork Delivery Pool
// ============================================================================
//
// Package: internal/queue
// File: pool.go
// Purpose: Pulls jobs from an engine and hands them to the Handler, keeping
//          at most `concurrency` deliveries unsettled.
//
// How it works:
//   ┌──────────┐  claim()  ┌──────────┐  go handler(job, ack)
//   │  engine  │ ────────> │   pool   │ ─────────────────────> supervisor
//   └──────────┘           └──────────┘
//        ↑                      │ slot released on first ack
//        └──── wake / poll ─────┘
//
//   1. Take a slot (blocks while `concurrency` deliveries are unsettled).
//   2. Claim the next due job; with none, give the slot back and wait for
//      a wake signal or the poll interval.
//   3. Run the handler in its own goroutine with a per-delivery context.
//   4. The first Done/Retry settles the delivery and frees the slot.
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/fleetwork/pkg/types"
)

// claimFunc returns the next due job and its settle functions, or a nil job
// when nothing is due.
type claimFunc func(ctx context.Context) (*types.Job, *delivery, error)

// delivery settles one claimed job exactly once.
type delivery struct {
	done  func(err error) error
	retry func(after time.Duration) error

	once    sync.Once
	cancel  context.CancelFunc
	release func()
}

func (d *delivery) settle(fn func() error) error {
	err := ErrStaleDelivery
	d.once.Do(func() {
		err = fn()
		if d.cancel != nil {
			d.cancel()
		}
		if d.release != nil {
			d.release()
		}
	})
	return err
}

func (d *delivery) Done(err error) error {
	return d.settle(func() error { return d.done(err) })
}

func (d *delivery) Retry(after time.Duration) error {
	return d.settle(func() error { return d.retry(after) })
}

type pool struct {
	claim        claimFunc
	wake         <-chan struct{}
	pollInterval time.Duration
	handler      Handler
	slots        chan struct{}
	logger       *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func newPool(claim claimFunc, wake <-chan struct{}, pollInterval time.Duration, concurrency int, h Handler, logger *slog.Logger) *pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &pool{
		claim:        claim,
		wake:         wake,
		pollInterval: pollInterval,
		handler:      h,
		slots:        make(chan struct{}, concurrency),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
}

func (p *pool) start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx)
	}()
}

func (p *pool) stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *pool) loop(ctx context.Context) {
	for {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		}

		job, d, err := p.claim(ctx)
		if err != nil && !errors.Is(err, ErrClosed) {
			p.logger.Error("Failed to claim job", "error", err)
		}
		if job == nil {
			<-p.slots
			timer := time.NewTimer(p.pollInterval)
			select {
			case <-p.wake:
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			case <-p.stopCh:
				timer.Stop()
				return
			}
			timer.Stop()
			continue
		}

		var dctx context.Context
		if job.Options.Timeout > 0 {
			dctx, d.cancel = context.WithTimeout(ctx, job.Options.Timeout)
		} else {
			dctx, d.cancel = context.WithCancel(ctx)
		}
		d.release = func() { <-p.slots }

		p.logger.Debug("Delivering job", "job", job.ID, "attempt", job.AttemptsMade+1)
		go p.handler(dctx, job, d)
	}
}
