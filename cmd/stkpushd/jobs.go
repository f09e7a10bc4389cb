package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-job/queue"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-stkpush/adapters/gojob"
	"github.com/goliatone/go-stkpush/adapters/gologger"
	"github.com/goliatone/go-stkpush/core"
)

type jobQueue interface {
	queue.Enqueuer
	queue.Dequeuer
}

// jobWorkers schedules the pending sweep and outbox drain onto a shared
// queue and runs whatever lands on it. Replicas enqueue the same
// idempotency keys, so each tick runs once.
type jobWorkers struct {
	runner   *core.JobRunner
	enqueuer *gojob.EnqueuerAdapter
	sweep    core.SweeperConfig
	drain    bool
	outbox   core.OutboxConfig
	poll     time.Duration
	logger   glog.Logger
	now      func() time.Time
}

func newJobWorkers(
	cfg core.Config,
	logger glog.Logger,
	q jobQueue,
	sweeper *core.PendingSweeper,
	dispatcher *core.OutboxDispatcher,
) (*jobWorkers, error) {
	if q == nil {
		return nil, fmt.Errorf("stkpushd: job queue is required")
	}
	if !cfg.Sweeper.Enabled {
		sweeper = nil
	}
	var events core.EventDispatcher
	if dispatcher != nil {
		events = dispatcher
	}
	runner, err := gojob.NewPaymentJobRunner(q, gojob.DefaultRetryPolicy(), gologger.NewJobLogHook(logger), sweeper, events)
	if err != nil {
		return nil, err
	}
	return &jobWorkers{
		runner:   runner,
		enqueuer: gojob.NewEnqueuerAdapter(q),
		sweep:    cfg.Sweeper,
		drain:    events != nil,
		outbox:   cfg.Outbox,
		poll:     cfg.Jobs.PollInterval,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Run blocks until ctx ends.
func (w *jobWorkers) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if w.sweep.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.schedule(ctx, w.sweep.Interval, core.DefaultSweepInterval, func(at time.Time) error {
				return w.enqueuer.EnqueueSweep(ctx, at)
			})
		}()
	}
	if w.drain {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.schedule(ctx, w.outbox.Interval, core.DefaultOutboxInterval, func(at time.Time) error {
				return w.enqueuer.EnqueueOutboxDispatch(ctx, at, w.outbox.BatchSize)
			})
		}()
	}
	w.logger.Info("payment job workers started", "poll_interval", w.poll.String())
	err := w.runner.Run(ctx, w.poll, func(err error) {
		w.logger.Warn("payment job queue error", "error", err.Error())
	})
	wg.Wait()
	return err
}

func (w *jobWorkers) schedule(ctx context.Context, interval time.Duration, fallback time.Duration, enqueue func(time.Time) error) {
	if interval <= 0 {
		interval = fallback
	}
	tick := func() {
		if err := enqueue(w.now()); err != nil && ctx.Err() == nil {
			w.logger.Warn("payment job schedule failed", "error", err.Error())
		}
	}
	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
