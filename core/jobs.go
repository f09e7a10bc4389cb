package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	JobIDPendingSweep   = "payments.pending.sweep"
	JobIDOutboxDispatch = "payments.outbox.dispatch"
)

type JobHandler func(ctx context.Context, msg *JobExecutionMessage) error

// JobRunner pulls one delivery at a time and routes it to the handler
// registered for its job id.
type JobRunner struct {
	dequeuer   JobDequeuer
	hook       JobWorkerHook
	retryDelay time.Duration
	mu         sync.RWMutex
	handlers   map[string]JobHandler
}

func NewJobRunner(dequeuer JobDequeuer, hook JobWorkerHook) *JobRunner {
	return &JobRunner{
		dequeuer:   dequeuer,
		hook:       hook,
		retryDelay: 10 * time.Second,
		handlers:   map[string]JobHandler{},
	}
}

func (r *JobRunner) Register(jobID string, handler JobHandler) error {
	if r == nil {
		return fmt.Errorf("core: job runner is nil")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || handler == nil {
		return fmt.Errorf("core: job id and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobID]; exists {
		return fmt.Errorf("core: job %q already registered", jobID)
	}
	r.handlers[jobID] = handler
	return nil
}

// RunOnce processes a single delivery. Unknown jobs are dead-lettered.
func (r *JobRunner) RunOnce(ctx context.Context) error {
	_, err := r.runOnce(ctx)
	return err
}

// Run drains deliveries until ctx ends. It waits idle after an empty
// dequeue or an error; onError, when set, sees every error.
func (r *JobRunner) Run(ctx context.Context, idle time.Duration, onError func(error)) error {
	if idle <= 0 {
		idle = time.Second
	}
	for {
		processed, err := r.runOnce(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil && onError != nil {
			onError(err)
		}
		if processed && err == nil {
			continue
		}
		timer := time.NewTimer(idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *JobRunner) runOnce(ctx context.Context) (bool, error) {
	if r == nil || r.dequeuer == nil {
		return false, fmt.Errorf("core: job runner is not configured")
	}
	delivery, err := r.dequeuer.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}
	msg := delivery.Message()
	if msg == nil {
		return true, delivery.Nack(ctx, JobNackOptions{DeadLetter: true, Reason: "empty job message"})
	}

	r.mu.RLock()
	handler, ok := r.handlers[strings.TrimSpace(msg.JobID)]
	r.mu.RUnlock()
	if !ok {
		return true, delivery.Nack(ctx, JobNackOptions{DeadLetter: true, Reason: "no handler for job " + msg.JobID})
	}

	event := JobWorkerEvent{Message: msg, Attempt: 1, StartedAt: time.Now().UTC()}
	r.notify(ctx, "start", event)
	runErr := handler(ctx, msg)
	event.Duration = time.Since(event.StartedAt)
	if runErr != nil {
		event.Err = runErr
		event.Delay = r.retryDelay
		r.notify(ctx, "failure", event)
		r.notify(ctx, "retry", event)
		return true, delivery.Nack(ctx, JobNackOptions{Delay: r.retryDelay, Requeue: true, Reason: runErr.Error()})
	}
	r.notify(ctx, "success", event)
	return true, delivery.Ack(ctx)
}

func (r *JobRunner) notify(ctx context.Context, phase string, event JobWorkerEvent) {
	if r.hook == nil {
		return
	}
	switch phase {
	case "start":
		r.hook.OnStart(ctx, event)
	case "success":
		r.hook.OnSuccess(ctx, event)
	case "failure":
		r.hook.OnFailure(ctx, event)
	case "retry":
		r.hook.OnRetry(ctx, event)
	}
}

// SweepJobHandler adapts the sweeper to a job handler.
func SweepJobHandler(sweeper *PendingSweeper) JobHandler {
	return func(ctx context.Context, _ *JobExecutionMessage) error {
		if sweeper == nil {
			return fmt.Errorf("core: pending sweeper is not configured")
		}
		_, err := sweeper.Sweep(ctx)
		return err
	}
}

// OutboxJobHandler adapts the outbox dispatcher to a job handler. The
// optional batch_size parameter overrides the dispatcher default.
func OutboxJobHandler(dispatcher EventDispatcher) JobHandler {
	return func(ctx context.Context, msg *JobExecutionMessage) error {
		if dispatcher == nil {
			return fmt.Errorf("core: outbox dispatcher is not configured")
		}
		batchSize := 0
		if msg != nil {
			switch typed := msg.Parameters["batch_size"].(type) {
			case int:
				batchSize = typed
			case float64:
				batchSize = int(typed)
			}
		}
		_, err := dispatcher.DispatchPending(ctx, batchSize)
		return err
	}
}

func NewSweepJobMessage(at time.Time) *JobExecutionMessage {
	return &JobExecutionMessage{
		JobID:          JobIDPendingSweep,
		ScriptPath:     JobIDPendingSweep,
		Parameters:     map[string]any{},
		IdempotencyKey: JobIDPendingSweep + ":" + at.UTC().Truncate(time.Minute).Format(time.RFC3339),
		DedupPolicy:    "drop",
	}
}

// NewOutboxJobMessage asks for one outbox drain. batchSize <= 0 keeps the
// dispatcher default.
func NewOutboxJobMessage(at time.Time, batchSize int) *JobExecutionMessage {
	params := map[string]any{}
	if batchSize > 0 {
		params["batch_size"] = batchSize
	}
	return &JobExecutionMessage{
		JobID:          JobIDOutboxDispatch,
		ScriptPath:     JobIDOutboxDispatch,
		Parameters:     params,
		IdempotencyKey: JobIDOutboxDispatch + ":" + at.UTC().Truncate(time.Second).Format(time.RFC3339),
		DedupPolicy:    "drop",
	}
}
