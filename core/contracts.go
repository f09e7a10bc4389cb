package core

import (
	"context"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type TransportRequest struct {
	Method               string
	URL                  string
	Headers              map[string]string
	Query                map[string]string
	Body                 []byte
	Metadata             map[string]any
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportAdapter interface {
	Kind() string
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

// TokenSource hands out provider bearer tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

type PushRequest struct {
	Phone            string
	Amount           int64
	AccountReference string
	Description      string
}

type PushResponse struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
}

type QueryRequest struct {
	CheckoutRequestID string
}

// QueryResponse is the provider view of one push. Processing is set while
// the customer has not yet answered the prompt; ResultCode is nil then.
type QueryResponse struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	Processing          bool
	ResultCode          *int
	ResultDesc          string
	ResponseCode        string
	ResponseDescription string
}

type PaymentProvider interface {
	ID() string
	PushPayment(ctx context.Context, req PushRequest) (PushResponse, error)
	QueryPayment(ctx context.Context, req QueryRequest) (QueryResponse, error)
}

type CallbackParser interface {
	ParseCallback(raw []byte) (PaymentResult, error)
}

// InboundRequest is a provider delivery received over HTTP. Metadata carries
// query parameters and values derived by the transport.
type InboundRequest struct {
	ProviderID string
	Surface    string
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type InboundResult struct {
	Accepted   bool
	StatusCode int
	Metadata   map[string]any
}

type TransactionStore interface {
	Create(ctx context.Context, in CreateTransactionInput) (Transaction, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (Transaction, error)
	GetByMerchantRequestID(ctx context.Context, merchantRequestID string) (Transaction, error)
	// ApplyResult must move a row out of pending at most once.
	ApplyResult(ctx context.Context, result PaymentResult) (TransitionOutcome, error)
	List(ctx context.Context, filter TransactionFilter) (TransactionPage, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error)
}

type TransactionReader interface {
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (Transaction, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event PaymentEvent) error
}

type EventHandler interface {
	Handle(ctx context.Context, event PaymentEvent) error
}

type EventHandlerFunc func(ctx context.Context, event PaymentEvent) error

func (f EventHandlerFunc) Handle(ctx context.Context, event PaymentEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type OutboxStore interface {
	Enqueue(ctx context.Context, event PaymentEvent) error
	ClaimBatch(ctx context.Context, limit int) ([]PaymentEvent, error)
	Ack(ctx context.Context, eventID string) error
	Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error
}

type DispatchStats struct {
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
}

type EventDispatcher interface {
	DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error)
}

// RateLimitKey scopes provider throttling to one operation on one shortcode.
type RateLimitKey struct {
	ProviderID string
	Operation  string
	ShortCode  string
}

func (k RateLimitKey) Normalize() RateLimitKey {
	return RateLimitKey{
		ProviderID: strings.ToLower(strings.TrimSpace(k.ProviderID)),
		Operation:  strings.ToLower(strings.TrimSpace(k.Operation)),
		ShortCode:  strings.TrimSpace(k.ShortCode),
	}
}

func (k RateLimitKey) String() string {
	return k.ProviderID + "/" + k.Operation + "/" + k.ShortCode
}

type ProviderResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

type RateLimitPolicy interface {
	BeforeCall(ctx context.Context, key RateLimitKey) error
	AfterCall(ctx context.Context, key RateLimitKey, res ProviderResponseMeta) error
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

type CommandMessage interface {
	Type() string
}

// PaymentService is the surface exposed to transports and command wrappers.
type PaymentService interface {
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	ReconcileCallback(ctx context.Context, raw []byte) CallbackAck
	Reconcile(ctx context.Context, result PaymentResult) (ReconcileResult, error)
	QueryStatus(ctx context.Context, req QueryStatusRequest) (QueryStatusResult, error)
	TestConnection(ctx context.Context) ConnectionReport
	GetTransaction(ctx context.Context, checkoutRequestID string) (Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) (TransactionPage, error)
}
