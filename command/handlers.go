package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-stkpush/core"
)

type MutatingService interface {
	Initiate(ctx context.Context, req core.InitiateRequest) (core.InitiateResult, error)
	ReconcileCallback(ctx context.Context, raw []byte) core.CallbackAck
	QueryStatus(ctx context.Context, req core.QueryStatusRequest) (core.QueryStatusResult, error)
}

type PendingSweeper interface {
	Sweep(ctx context.Context) (core.SweepStats, error)
}

type InitiateCommand struct {
	service MutatingService
}

func NewInitiateCommand(service MutatingService) *InitiateCommand {
	return &InitiateCommand{service: service}
}

func (c *InitiateCommand) Execute(ctx context.Context, msg InitiateMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: payment service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.Initiate(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

// ReconcileCallbackCommand never fails on payload content; the acknowledgment
// is stored as the result whatever the outcome.
type ReconcileCallbackCommand struct {
	service MutatingService
}

func NewReconcileCallbackCommand(service MutatingService) *ReconcileCallbackCommand {
	return &ReconcileCallbackCommand{service: service}
}

func (c *ReconcileCallbackCommand) Execute(ctx context.Context, msg ReconcileCallbackMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: callback service is required")
	}
	storeResult(ctx, c.service.ReconcileCallback(ctx, msg.Payload))
	return nil
}

type QueryStatusCommand struct {
	service MutatingService
}

func NewQueryStatusCommand(service MutatingService) *QueryStatusCommand {
	return &QueryStatusCommand{service: service}
}

func (c *QueryStatusCommand) Execute(ctx context.Context, msg QueryStatusMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: status service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	out, err := c.service.QueryStatus(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SweepPendingCommand struct {
	sweeper PendingSweeper
}

func NewSweepPendingCommand(sweeper PendingSweeper) *SweepPendingCommand {
	return &SweepPendingCommand{sweeper: sweeper}
}

func (c *SweepPendingCommand) Execute(ctx context.Context, _ SweepPendingMessage) error {
	if c == nil || c.sweeper == nil {
		return commandDependencyError("command: pending sweeper is required")
	}
	stats, err := c.sweeper.Sweep(ctx)
	storeResult(ctx, stats)
	return err
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
