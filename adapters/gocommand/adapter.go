package gocommand

import (
	"context"
	"fmt"
	"strings"

	gocmd "github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	paymentcommand "github.com/goliatone/go-stkpush/command"
	"github.com/goliatone/go-stkpush/core"
	paymentquery "github.com/goliatone/go-stkpush/query"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := gocmd.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(gocmd.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *gocmd.Registry
}

func NewRegistryAdapter(registry *gocmd.Registry) *RegistryAdapter {
	if registry == nil {
		registry = gocmd.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *gocmd.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) register(handler any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(handler)
}

func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

// RegisterAndSubscribe registers cmd for resolvers and subscribes it on the
// global dispatcher. The subscription is released if registration fails.
func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd gocmd.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.register(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry gocmd.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := adapter.register(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

// DispatchResult dispatches msg and returns the value its command stored in
// the context result collector.
func DispatchResult[T any, R any](ctx context.Context, msg T) (R, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	collector := gocmd.NewResult[R]()
	err := commanddispatcher.Dispatch(gocmd.ContextWithResult(ctx, collector), msg)
	out, _ := collector.Load()
	return out, err
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

// PaymentService is everything the payment commands and queries delegate to.
type PaymentService interface {
	paymentcommand.MutatingService
	paymentquery.TransactionReader
	paymentquery.ConnectionTester
}

// PaymentHandlers holds the dispatcher subscriptions for the payment
// command and query set.
type PaymentHandlers struct {
	subscriptions []commanddispatcher.Subscription
}

// RegisterPaymentHandlers subscribes every payment command and query. The
// sweep command is skipped when sweeper is nil.
func RegisterPaymentHandlers(
	adapter *RegistryAdapter,
	service PaymentService,
	sweeper paymentcommand.PendingSweeper,
	runnerOpts ...runner.Option,
) (*PaymentHandlers, error) {
	if service == nil {
		return nil, fmt.Errorf("gocommand: payment service is required")
	}
	handlers := &PaymentHandlers{}
	track := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			return err
		}
		handlers.subscriptions = append(handlers.subscriptions, sub)
		return nil
	}

	steps := []func() error{
		func() error {
			return track(RegisterAndSubscribe(adapter, paymentcommand.NewInitiateCommand(service), runnerOpts...))
		},
		func() error {
			return track(RegisterAndSubscribe(adapter, paymentcommand.NewReconcileCallbackCommand(service), runnerOpts...))
		},
		func() error {
			return track(RegisterAndSubscribe(adapter, paymentcommand.NewQueryStatusCommand(service), runnerOpts...))
		},
		func() error {
			return track(RegisterAndSubscribeQuery(adapter, paymentquery.NewGetTransactionQuery(service), runnerOpts...))
		},
		func() error {
			return track(RegisterAndSubscribeQuery(adapter, paymentquery.NewListTransactionsQuery(service), runnerOpts...))
		},
		func() error {
			return track(RegisterAndSubscribeQuery(adapter, paymentquery.NewTestConnectionQuery(service), runnerOpts...))
		},
	}
	if sweeper != nil {
		steps = append(steps, func() error {
			return track(RegisterAndSubscribe(adapter, paymentcommand.NewSweepPendingCommand(sweeper), runnerOpts...))
		})
	}
	for _, step := range steps {
		if err := step(); err != nil {
			handlers.Close()
			return nil, err
		}
	}
	return handlers, nil
}

// Close unsubscribes every handler. Safe to call more than once.
func (h *PaymentHandlers) Close() {
	if h == nil {
		return
	}
	for _, sub := range h.subscriptions {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
	h.subscriptions = nil
}

func Initiate(ctx context.Context, req core.InitiateRequest) (core.InitiateResult, error) {
	return DispatchResult[paymentcommand.InitiateMessage, core.InitiateResult](ctx, paymentcommand.InitiateMessage{Request: req})
}

func ReconcileCallback(ctx context.Context, raw []byte) (core.CallbackAck, error) {
	return DispatchResult[paymentcommand.ReconcileCallbackMessage, core.CallbackAck](
		ctx,
		paymentcommand.ReconcileCallbackMessage{Payload: raw},
	)
}

func QueryStatus(ctx context.Context, req core.QueryStatusRequest) (core.QueryStatusResult, error) {
	return DispatchResult[paymentcommand.QueryStatusMessage, core.QueryStatusResult](
		ctx,
		paymentcommand.QueryStatusMessage{Request: req},
	)
}

func SweepPending(ctx context.Context) (core.SweepStats, error) {
	return DispatchResult[paymentcommand.SweepPendingMessage, core.SweepStats](ctx, paymentcommand.SweepPendingMessage{})
}

func GetTransaction(ctx context.Context, checkoutRequestID string) (core.Transaction, error) {
	return Query[paymentquery.GetTransactionMessage, core.Transaction](
		ctx,
		paymentquery.GetTransactionMessage{CheckoutRequestID: checkoutRequestID},
	)
}

func ListTransactions(ctx context.Context, filter core.TransactionFilter) (core.TransactionPage, error) {
	return Query[paymentquery.ListTransactionsMessage, core.TransactionPage](
		ctx,
		paymentquery.ListTransactionsMessage{Filter: filter},
	)
}

func TestConnection(ctx context.Context) (core.ConnectionReport, error) {
	return Query[paymentquery.TestConnectionMessage, core.ConnectionReport](ctx, paymentquery.TestConnectionMessage{})
}
