package sqlstore

import (
	"time"

	"github.com/goliatone/go-stkpush/core"
	"github.com/uptrace/bun"
)

type transactionRecord struct {
	bun.BaseModel `bun:"table:payment_transactions,alias:pt"`

	ID                string     `bun:"id,pk"`
	MerchantRequestID string     `bun:"merchant_request_id,notnull"`
	CheckoutRequestID string     `bun:"checkout_request_id,notnull"`
	Phone             string     `bun:"phone,notnull"`
	Amount            int64      `bun:"amount,notnull"`
	Branch            string     `bun:"branch,notnull"`
	Product           string     `bun:"product,notnull"`
	AccountReference  string     `bun:"account_reference,notnull"`
	Description       string     `bun:"description,notnull"`
	Status            string     `bun:"status,notnull"`
	ResultCode        *int       `bun:"result_code"`
	ResultDesc        string     `bun:"result_desc,notnull"`
	ReceiptNumber     string     `bun:"receipt_number,notnull"`
	TransactionDate   string     `bun:"transaction_date,notnull"`
	PayerPhone        string     `bun:"payer_phone,notnull"`
	PaidAmount        *float64   `bun:"paid_amount"`
	ResolvedBy        string     `bun:"resolved_by,notnull"`
	CompletedAt       *time.Time `bun:"completed_at,nullzero"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type callbackDeliveryRecord struct {
	bun.BaseModel `bun:"table:payment_callback_deliveries,alias:pcd"`

	ID            string     `bun:"id,pk"`
	ProviderID    string     `bun:"provider_id,notnull"`
	DeliveryID    string     `bun:"delivery_id,notnull"`
	Status        string     `bun:"status,notnull"`
	Attempts      int        `bun:"attempts,notnull"`
	NextAttemptAt *time.Time `bun:"next_attempt_at,nullzero"`
	LastError     string     `bun:"last_error,notnull"`
	Payload       []byte     `bun:"payload"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type eventOutboxRecord struct {
	bun.BaseModel `bun:"table:payment_event_outbox,alias:peo"`

	ID                string            `bun:"id,pk"`
	EventID           string            `bun:"event_id,notnull"`
	EventName         string            `bun:"event_name,notnull"`
	CheckoutRequestID string            `bun:"checkout_request_id,notnull"`
	Payload           core.PaymentEvent `bun:"payload,type:jsonb,notnull"`
	Status            string            `bun:"status,notnull"`
	Attempts          int               `bun:"attempts,notnull"`
	NextAttempt       *time.Time        `bun:"next_attempt_at,nullzero"`
	LastError         string            `bun:"last_error,notnull"`
	OccurredAt        time.Time         `bun:"occurred_at,notnull"`
	CreatedAt         time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:payment_rate_limit_state,alias:prl"`

	ID             string     `bun:"id,pk"`
	ProviderID     string     `bun:"provider_id,notnull"`
	Operation      string     `bun:"operation,notnull"`
	ShortCode      string     `bun:"short_code,notnull"`
	Strikes        int        `bun:"strikes,notnull"`
	ThrottledUntil *time.Time `bun:"throttled_until,nullzero"`
	LastStatus     int        `bun:"last_status,notnull"`
	LastFaultCode  string     `bun:"last_fault_code,notnull"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
