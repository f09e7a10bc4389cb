package command

import (
	"strings"

	"github.com/goliatone/go-stkpush/core"
)

const (
	TypeInitiate          = "payments.command.initiate"
	TypeReconcileCallback = "payments.command.callback.reconcile"
	TypeQueryStatus       = "payments.command.status.query"
	TypeSweepPending      = "payments.command.pending.sweep"
)

type InitiateMessage struct {
	Request core.InitiateRequest
}

func (InitiateMessage) Type() string { return TypeInitiate }

// Validate only checks presence. Phone normalization and amount bounds are
// enforced by the service so both entry points share one rule set.
func (m InitiateMessage) Validate() error {
	if strings.TrimSpace(m.Request.Phone) == "" {
		return commandValidationError("phone", "phone is required")
	}
	if m.Request.Amount <= 0 {
		return commandValidationError("amount", "amount must be greater than zero")
	}
	if strings.TrimSpace(m.Request.Branch) == "" {
		return commandValidationError("branch", "branch is required")
	}
	if strings.TrimSpace(m.Request.Product) == "" {
		return commandValidationError("product", "product is required")
	}
	return nil
}

type ReconcileCallbackMessage struct {
	Payload []byte
}

func (ReconcileCallbackMessage) Type() string { return TypeReconcileCallback }

func (m ReconcileCallbackMessage) Validate() error {
	if len(m.Payload) == 0 {
		return commandValidationError("payload", "callback payload is required")
	}
	return nil
}

type QueryStatusMessage struct {
	Request core.QueryStatusRequest
}

func (QueryStatusMessage) Type() string { return TypeQueryStatus }

func (m QueryStatusMessage) Validate() error {
	if strings.TrimSpace(m.Request.CheckoutRequestID) == "" {
		return commandValidationError("checkout_request_id", "checkout request id is required")
	}
	return nil
}

type SweepPendingMessage struct{}

func (SweepPendingMessage) Type() string { return TypeSweepPending }

func (SweepPendingMessage) Validate() error { return nil }
