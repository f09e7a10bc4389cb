package query

import (
	"strings"

	"github.com/goliatone/go-stkpush/core"
)

const (
	TypeGetTransaction   = "payments.query.transaction.get"
	TypeListTransactions = "payments.query.transaction.list"
	TypeTestConnection   = "payments.query.connection.test"
)

type GetTransactionMessage struct {
	CheckoutRequestID string
}

func (GetTransactionMessage) Type() string { return TypeGetTransaction }

func (m GetTransactionMessage) Validate() error {
	if strings.TrimSpace(m.CheckoutRequestID) == "" {
		return queryValidationError("checkout_request_id", "checkout request id is required")
	}
	return nil
}

type ListTransactionsMessage struct {
	Filter core.TransactionFilter
}

func (ListTransactionsMessage) Type() string { return TypeListTransactions }

func (m ListTransactionsMessage) Validate() error {
	if m.Filter.Page < 0 {
		return queryValidationError("page", "page must be >= 0")
	}
	if m.Filter.PerPage < 0 {
		return queryValidationError("per_page", "per_page must be >= 0")
	}
	if m.Filter.Status != "" && !m.Filter.Status.Valid() {
		return queryValidationError("status", "status must be pending, completed or failed")
	}
	if m.Filter.Since != nil && m.Filter.Until != nil && !m.Filter.Until.After(*m.Filter.Since) {
		return queryValidationError("until", "until must be after since")
	}
	return nil
}

type TestConnectionMessage struct{}

func (TestConnectionMessage) Type() string { return TypeTestConnection }

func (TestConnectionMessage) Validate() error { return nil }
