package stkpush

import (
	"context"
	"fmt"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-stkpush/core"
	"github.com/goliatone/go-stkpush/providers/mpesa"
	"github.com/goliatone/go-stkpush/ratelimit"
	"github.com/goliatone/go-stkpush/web"
	"github.com/goliatone/go-stkpush/webhooks"
)

// Stores replaces the in-memory defaults. Unset fields keep the defaults.
type Stores struct {
	Transactions   core.TransactionStore
	Reader         core.TransactionReader
	Outbox         core.OutboxStore
	Ledger         webhooks.DeliveryLedger
	RateLimitState ratelimit.StateStore
}

type RuntimeOption func(*runtimeBuilder)

type runtimeBuilder struct {
	transport      core.TransportAdapter
	stores         Stores
	handlers       []core.EventHandler
	hooks          *ExtensionHooks
	logger         glog.Logger
	serviceOptions []Option
	now            func() time.Time
}

func WithTransport(adapter core.TransportAdapter) RuntimeOption {
	return func(b *runtimeBuilder) {
		b.transport = adapter
	}
}

func WithStores(stores Stores) RuntimeOption {
	return func(b *runtimeBuilder) {
		b.stores = stores
	}
}

// WithEventHandlers subscribes handlers to the payment event bus.
func WithEventHandlers(handlers ...core.EventHandler) RuntimeOption {
	return func(b *runtimeBuilder) {
		b.handlers = append(b.handlers, handlers...)
	}
}

func WithExtensionHooks(hooks *ExtensionHooks) RuntimeOption {
	return func(b *runtimeBuilder) {
		b.hooks = hooks
	}
}

func WithRuntimeLogger(logger glog.Logger) RuntimeOption {
	return func(b *runtimeBuilder) {
		b.logger = logger
	}
}

func WithServiceOptions(opts ...Option) RuntimeOption {
	return func(b *runtimeBuilder) {
		b.serviceOptions = append(b.serviceOptions, opts...)
	}
}

func WithRuntimeClock(now func() time.Time) RuntimeOption {
	return func(b *runtimeBuilder) {
		b.now = now
	}
}

// Runtime is a fully wired payment service with its background workers and
// callback front door.
type Runtime struct {
	Config    Config
	Service   *Service
	Facade    *Facade
	Provider  *MpesaStack
	RateLimit *ratelimit.SpikeArrestPolicy
	Sweeper   *core.PendingSweeper
	Bus       *core.EventBus
	Callbacks *webhooks.Processor
	Bundles   map[string]any

	// Outbox and Dispatcher are nil when events go straight to the bus.
	Outbox     core.OutboxStore
	Dispatcher *core.OutboxDispatcher

	logger glog.Logger
}

// NewRuntime resolves cfg over the defaults and wires the service. Events
// are staged in the outbox when outbox delivery is enabled and an outbox
// store was supplied; otherwise they are published synchronously.
func NewRuntime(cfg Config, opts ...RuntimeOption) (*Runtime, error) {
	builder := runtimeBuilder{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}
	logger := glog.Ensure(builder.logger)

	defaults := core.DefaultConfig()
	resolved, err := core.GoOptionsResolver{}.Resolve(defaults, defaults, cfg)
	if err != nil {
		return nil, err
	}

	stateStore := builder.stores.RateLimitState
	if stateStore == nil {
		stateStore = ratelimit.NewMemoryStateStore()
	}
	policy := ratelimit.NewSpikeArrestPolicy(stateStore)
	providerOptions := []mpesa.Option{mpesa.WithRateLimitPolicy(policy)}
	if builder.now != nil {
		policy.Now = builder.now
		providerOptions = append(providerOptions, mpesa.WithClock(builder.now))
	}
	stack, err := MpesaProvider(resolved.Mpesa, builder.transport, providerOptions...)
	if err != nil {
		return nil, err
	}

	bus := core.NewEventBus(builder.handlers...)
	if err := builder.hooks.ApplyEventSinks(bus); err != nil {
		return nil, err
	}

	runtime := &Runtime{
		Provider:  stack,
		RateLimit: policy,
		Bus:       bus,
		logger:    logger,
	}

	var publisher core.EventPublisher = bus
	if resolved.Outbox.Enabled && builder.stores.Outbox != nil {
		outboxPublisher, err := core.NewOutboxPublisher(builder.stores.Outbox)
		if err != nil {
			return nil, err
		}
		dispatcher, err := core.NewOutboxDispatcher(builder.stores.Outbox, bus, core.OutboxDispatcherConfig{
			BatchSize:      resolved.Outbox.BatchSize,
			MaxAttempts:    resolved.Outbox.MaxAttempts,
			InitialBackoff: resolved.Outbox.InitialBackoff,
			MaxBackoff:     resolved.Outbox.MaxBackoff,
		})
		if err != nil {
			return nil, err
		}
		publisher = outboxPublisher
		runtime.Outbox = builder.stores.Outbox
		runtime.Dispatcher = dispatcher
	}

	serviceOptions := []Option{
		core.WithPaymentProvider(stack.Client),
		core.WithTokenSource(stack.Tokens),
		core.WithCallbackParser(stack.Parser),
		core.WithEventPublisher(publisher),
	}
	if builder.logger != nil {
		serviceOptions = append(serviceOptions, core.WithLogger(builder.logger))
	}
	if builder.stores.Transactions != nil {
		serviceOptions = append(serviceOptions, core.WithTransactionStore(builder.stores.Transactions))
	}
	if builder.stores.Reader != nil {
		serviceOptions = append(serviceOptions, core.WithTransactionReader(builder.stores.Reader))
	}
	if builder.now != nil {
		serviceOptions = append(serviceOptions, core.WithClock(builder.now))
	}
	serviceOptions = append(serviceOptions, builder.serviceOptions...)

	service, err := core.NewService(resolved, serviceOptions...)
	if err != nil {
		return nil, err
	}
	sweeper, err := core.NewPendingSweeperFromConfig(service, resolved.Sweeper)
	if err != nil {
		return nil, err
	}
	facade, err := NewFacade(service, WithSweeper(sweeper))
	if err != nil {
		return nil, err
	}
	bundles, err := builder.hooks.BuildCommandQueryBundles(service)
	if err != nil {
		return nil, err
	}

	ledger := builder.stores.Ledger
	if ledger == nil {
		ledger = webhooks.NewMemoryDeliveryLedger()
	}
	processor := webhooks.NewProcessorFromTemplate(mpesa.NewWebhookTemplate(resolved.Mpesa.CallbackSecret), ledger, webhooks.NewCallbackHandler(stack.Parser, service))
	if resolved.Callback.ClaimLease > 0 {
		processor.ClaimLease = resolved.Callback.ClaimLease
	}
	if resolved.Callback.MaxAttempts > 0 {
		processor.MaxAttempts = resolved.Callback.MaxAttempts
	}
	if builder.now != nil {
		processor.Now = builder.now
	}

	runtime.Config = service.Config()
	runtime.Service = service
	runtime.Facade = facade
	runtime.Sweeper = sweeper
	runtime.Callbacks = processor
	runtime.Bundles = bundles
	return runtime, nil
}

// HTTPServer exposes the runtime over the web transport with callbacks routed
// through the verified, deduplicating processor.
func (r *Runtime) HTTPServer() (*web.Server, error) {
	if r == nil || r.Service == nil {
		return nil, fmt.Errorf("stkpush: runtime is not initialized")
	}
	return web.NewServer(web.Options{
		Service:   r.Service,
		Callbacks: r.Callbacks,
		Logger:    r.logger,
	})
}

// RunWorkers runs the pending sweeper and the outbox dispatcher, as enabled,
// until ctx is done.
func (r *Runtime) RunWorkers(ctx context.Context) error {
	if r == nil || r.Service == nil {
		return fmt.Errorf("stkpush: runtime is not initialized")
	}
	var wg sync.WaitGroup
	if r.Config.Sweeper.Enabled && r.Sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.logger.Info("pending sweeper started", "interval", r.Config.Sweeper.Interval.String())
			_ = r.Sweeper.Run(ctx, r.Config.Sweeper.Interval)
		}()
	}
	if r.Dispatcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.logger.Info("outbox dispatcher started", "interval", r.Config.Outbox.Interval.String())
			r.runOutbox(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runtime) runOutbox(ctx context.Context) {
	interval := r.Config.Outbox.Interval
	if interval <= 0 {
		interval = core.DefaultOutboxInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := r.Dispatcher.DispatchPending(ctx, r.Config.Outbox.BatchSize)
			if err != nil {
				r.logger.Warn("outbox dispatch failed",
					"error", err.Error(),
					"claimed", stats.Claimed,
					"retried", stats.Retried,
					"failed", stats.Failed,
				)
			}
		}
	}
}
