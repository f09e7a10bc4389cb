package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	EventPaymentInitiated = "payment.initiated"
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventSaleCompleted    = "sale.completed"
)

// PaymentEvent is the signal handed to inventory, notification and dashboard
// collaborators.
type PaymentEvent struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	TransactionID     string         `json:"transaction_id"`
	MerchantRequestID string         `json:"merchant_request_id"`
	CheckoutRequestID string         `json:"checkout_request_id"`
	Phone             string         `json:"phone"`
	Amount            int64          `json:"amount"`
	Branch            string         `json:"branch"`
	Product           string         `json:"product"`
	ReceiptNumber     string         `json:"receipt_number,omitempty"`
	ResultCode        *int           `json:"result_code,omitempty"`
	ResultDesc        string         `json:"result_desc,omitempty"`
	Source            string         `json:"source,omitempty"`
	OccurredAt        time.Time      `json:"occurred_at"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

func (e PaymentEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("core: payment event id is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("core: payment event name is required")
	}
	return nil
}

// NewPaymentEvent snapshots a transaction into an event named name.
func NewPaymentEvent(name string, txn Transaction, source ResolutionSource, occurredAt time.Time) PaymentEvent {
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return PaymentEvent{
		ID:                uuid.NewString(),
		Name:              name,
		TransactionID:     txn.ID,
		MerchantRequestID: txn.MerchantRequestID,
		CheckoutRequestID: txn.CheckoutRequestID,
		Phone:             txn.Phone,
		Amount:            txn.Amount,
		Branch:            txn.Branch,
		Product:           txn.Product,
		ReceiptNumber:     txn.ReceiptNumber,
		ResultCode:        cloneInt(txn.ResultCode),
		ResultDesc:        txn.ResultDesc,
		Source:            string(source),
		OccurredAt:        occurredAt.UTC(),
		Metadata:          map[string]any{},
	}
}

// TransitionEvents returns the events one terminal transition produces.
func TransitionEvents(txn Transaction, occurredAt time.Time) []PaymentEvent {
	switch txn.Status {
	case TransactionStatusCompleted:
		return []PaymentEvent{
			NewPaymentEvent(EventPaymentCompleted, txn, txn.ResolvedBy, occurredAt),
			NewPaymentEvent(EventSaleCompleted, txn, txn.ResolvedBy, occurredAt),
		}
	case TransactionStatusFailed:
		return []PaymentEvent{
			NewPaymentEvent(EventPaymentFailed, txn, txn.ResolvedBy, occurredAt),
		}
	default:
		return nil
	}
}

func clonePaymentEvent(event PaymentEvent) PaymentEvent {
	out := event
	out.ResultCode = cloneInt(event.ResultCode)
	out.Metadata = copyAnyMap(event.Metadata)
	return out
}

// EventBus fans events out to subscribed handlers in registration order.
type EventBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func NewEventBus(handlers ...EventHandler) *EventBus {
	bus := &EventBus{}
	for _, handler := range handlers {
		bus.Subscribe(handler)
	}
	return bus
}

func (b *EventBus) Subscribe(handler EventHandler) {
	if b == nil || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *EventBus) Handlers() []EventHandler {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]EventHandler(nil), b.handlers...)
}

// Publish delivers to every handler and joins their errors.
func (b *EventBus) Publish(ctx context.Context, event PaymentEvent) error {
	if b == nil {
		return nil
	}
	if err := event.Validate(); err != nil {
		return err
	}
	var publishErr error
	for i, handler := range b.Handlers() {
		if err := handler.Handle(ctx, clonePaymentEvent(event)); err != nil {
			publishErr = joinErrors(publishErr, fmt.Errorf("core: event handler %d failed for %q: %w", i, event.Name, err))
		}
	}
	return publishErr
}

func (b *EventBus) Handle(ctx context.Context, event PaymentEvent) error {
	return b.Publish(ctx, event)
}

// OutboxPublisher stores events for later delivery by OutboxDispatcher.
type OutboxPublisher struct {
	store OutboxStore
}

func NewOutboxPublisher(store OutboxStore) (*OutboxPublisher, error) {
	if store == nil {
		return nil, fmt.Errorf("core: outbox store is required")
	}
	return &OutboxPublisher{store: store}, nil
}

func (p *OutboxPublisher) Publish(ctx context.Context, event PaymentEvent) error {
	if p == nil || p.store == nil {
		return fmt.Errorf("core: outbox publisher is not configured")
	}
	if err := event.Validate(); err != nil {
		return err
	}
	return p.store.Enqueue(ctx, clonePaymentEvent(event))
}

type nopEventPublisher struct{}

func (nopEventPublisher) Publish(context.Context, PaymentEvent) error { return nil }

var (
	_ EventPublisher = (*EventBus)(nil)
	_ EventHandler   = (*EventBus)(nil)
	_ EventPublisher = (*OutboxPublisher)(nil)
	_ EventPublisher = nopEventPublisher{}
)
