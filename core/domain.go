package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTransactionNotFound     = errors.New("core: transaction not found")
	ErrInvalidStatusTransition = errors.New("core: invalid transaction status transition")
	ErrDuplicateTransaction    = errors.New("core: transaction already exists")
)

// ResultCodeSuccess is the provider result code for a paid push.
const ResultCodeSuccess = 0

// ResultCodeLocalExpiry marks a transaction resolved locally after the
// provider never reported an outcome within the configured expiry window.
const ResultCodeLocalExpiry = -1

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusFailed:
		return true
	default:
		return false
	}
}

type ResolutionSource string

const (
	ResolutionSourceCallback ResolutionSource = "callback"
	ResolutionSourceQuery    ResolutionSource = "query"
	ResolutionSourceSweeper  ResolutionSource = "sweeper"
)

// OutcomeForResultCode is the single mapping rule shared by every completion
// path: zero completes the transaction, anything else fails it.
func OutcomeForResultCode(code int) TransactionStatus {
	if code == ResultCodeSuccess {
		return TransactionStatusCompleted
	}
	return TransactionStatusFailed
}

type Transaction struct {
	ID                string            `json:"id"`
	MerchantRequestID string            `json:"merchant_request_id"`
	CheckoutRequestID string            `json:"checkout_request_id"`
	Phone             string            `json:"phone"`
	Amount            int64             `json:"amount"`
	Branch            string            `json:"branch"`
	Product           string            `json:"product"`
	AccountReference  string            `json:"account_reference,omitempty"`
	Description       string            `json:"description,omitempty"`
	Status            TransactionStatus `json:"status"`
	ResultCode        *int              `json:"result_code,omitempty"`
	ResultDesc        string            `json:"result_desc,omitempty"`
	ReceiptNumber     string            `json:"receipt_number,omitempty"`
	TransactionDate   string            `json:"transaction_date,omitempty"`
	PayerPhone        string            `json:"payer_phone,omitempty"`
	PaidAmount        *float64          `json:"paid_amount,omitempty"`
	ResolvedBy        ResolutionSource  `json:"resolved_by,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type CreateTransactionInput struct {
	MerchantRequestID string
	CheckoutRequestID string
	Phone             string
	Amount            int64
	Branch            string
	Product           string
	AccountReference  string
	Description       string
}

func (in CreateTransactionInput) Validate() error {
	if strings.TrimSpace(in.MerchantRequestID) == "" || strings.TrimSpace(in.CheckoutRequestID) == "" {
		return fmt.Errorf("core: merchant and checkout request ids are required")
	}
	if strings.TrimSpace(in.Phone) == "" {
		return fmt.Errorf("core: transaction phone is required")
	}
	if in.Amount <= 0 {
		return fmt.Errorf("core: transaction amount must be positive")
	}
	return nil
}

// PaymentResult is a provider-reported outcome for one push, whichever path
// delivered it.
type PaymentResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            *float64
	ReceiptNumber     string
	TransactionDate   string
	PhoneNumber       string
	Source            ResolutionSource
	ResolvedAt        time.Time
}

func (r PaymentResult) Validate() error {
	if strings.TrimSpace(r.MerchantRequestID) == "" && strings.TrimSpace(r.CheckoutRequestID) == "" {
		return fmt.Errorf("core: payment result requires a merchant or checkout request id")
	}
	return nil
}

func (r PaymentResult) Outcome() TransactionStatus {
	return OutcomeForResultCode(r.ResultCode)
}

// TransitionOutcome reports what ApplyResult did to the stored row.
type TransitionOutcome struct {
	Transaction  Transaction
	Previous     TransactionStatus
	Transitioned bool
	Enriched     bool
}

// ApplyPaymentResult moves a pending transaction to its terminal state. A
// terminal transaction is left alone except for receipt fields a later
// result may fill in when it agrees on the outcome.
func ApplyPaymentResult(txn *Transaction, result PaymentResult) (transitioned bool, enriched bool) {
	if txn == nil {
		return false, false
	}
	resolvedAt := result.ResolvedAt.UTC()
	if resolvedAt.IsZero() {
		resolvedAt = time.Now().UTC()
	}
	outcome := result.Outcome()

	if txn.Status == TransactionStatusPending || txn.Status == "" {
		code := result.ResultCode
		txn.Status = outcome
		txn.ResultCode = &code
		txn.ResultDesc = strings.TrimSpace(result.ResultDesc)
		txn.ReceiptNumber = strings.TrimSpace(result.ReceiptNumber)
		txn.TransactionDate = strings.TrimSpace(result.TransactionDate)
		txn.PayerPhone = strings.TrimSpace(result.PhoneNumber)
		txn.PaidAmount = cloneFloat(result.Amount)
		txn.ResolvedBy = result.Source
		txn.CompletedAt = &resolvedAt
		txn.UpdatedAt = resolvedAt
		return true, false
	}

	if txn.Status != outcome {
		return false, false
	}
	if txn.ReceiptNumber == "" && strings.TrimSpace(result.ReceiptNumber) != "" {
		txn.ReceiptNumber = strings.TrimSpace(result.ReceiptNumber)
		enriched = true
	}
	if txn.TransactionDate == "" && strings.TrimSpace(result.TransactionDate) != "" {
		txn.TransactionDate = strings.TrimSpace(result.TransactionDate)
		enriched = true
	}
	if txn.PayerPhone == "" && strings.TrimSpace(result.PhoneNumber) != "" {
		txn.PayerPhone = strings.TrimSpace(result.PhoneNumber)
		enriched = true
	}
	if txn.PaidAmount == nil && result.Amount != nil {
		txn.PaidAmount = cloneFloat(result.Amount)
		enriched = true
	}
	if enriched {
		txn.UpdatedAt = resolvedAt
	}
	return false, enriched
}

type TransactionFilter struct {
	Status  TransactionStatus
	Branch  string
	Phone   string
	Since   *time.Time
	Until   *time.Time
	Page    int
	PerPage int
}

const (
	defaultTransactionPerPage = 25
	maxTransactionPerPage     = 200
)

func (f TransactionFilter) Normalize() TransactionFilter {
	out := f
	out.Branch = strings.TrimSpace(out.Branch)
	out.Phone = strings.TrimSpace(out.Phone)
	if out.Page < 1 {
		out.Page = 1
	}
	if out.PerPage <= 0 {
		out.PerPage = defaultTransactionPerPage
	}
	if out.PerPage > maxTransactionPerPage {
		out.PerPage = maxTransactionPerPage
	}
	return out
}

func (f TransactionFilter) Offset() int {
	normalized := f.Normalize()
	return (normalized.Page - 1) * normalized.PerPage
}

type TransactionPage struct {
	Items   []Transaction
	Total   int
	Page    int
	PerPage int
}

func cloneFloat(value *float64) *float64 {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneInt(value *int) *int {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := value.UTC()
	return &copied
}

// CloneTransaction returns a deep copy safe to hand across goroutines.
func CloneTransaction(txn Transaction) Transaction {
	out := txn
	out.ResultCode = cloneInt(txn.ResultCode)
	out.PaidAmount = cloneFloat(txn.PaidAmount)
	out.CompletedAt = cloneTime(txn.CompletedAt)
	return out
}
