package webhooks

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goliatone/go-stkpush/core"
)

type Reconciler interface {
	Reconcile(ctx context.Context, result core.PaymentResult) (core.ReconcileResult, error)
}

// CallbackHandler applies a claimed payment callback. Malformed payloads are
// accepted and dropped since a redelivery cannot fix them; reconcile failures
// are returned so the ledger schedules a retry.
type CallbackHandler struct {
	Parser     core.CallbackParser
	Reconciler Reconciler
}

func NewCallbackHandler(parser core.CallbackParser, reconciler Reconciler) *CallbackHandler {
	return &CallbackHandler{Parser: parser, Reconciler: reconciler}
}

func (h *CallbackHandler) Handle(ctx context.Context, req core.InboundRequest) (core.InboundResult, error) {
	if h == nil || h.Parser == nil || h.Reconciler == nil {
		return core.InboundResult{}, fmt.Errorf("webhooks: callback handler requires parser and reconciler")
	}
	result, err := h.Parser.ParseCallback(req.Body)
	if err != nil {
		return core.InboundResult{
			Accepted:   true,
			StatusCode: http.StatusOK,
			Metadata: map[string]any{
				"malformed": true,
				"error":     core.NewCallbackParseError(err).Error(),
			},
		}, nil
	}
	if result.Source == "" {
		result.Source = core.ResolutionSourceCallback
	}

	reconciled, err := h.Reconciler.Reconcile(ctx, result)
	if err != nil {
		return core.InboundResult{}, err
	}
	metadata := map[string]any{
		"merchant_request_id": result.MerchantRequestID,
		"checkout_request_id": result.CheckoutRequestID,
		"result_code":         result.ResultCode,
		"transitioned":        reconciled.Transitioned,
		"ignored":             reconciled.Ignored,
	}
	if !reconciled.Ignored {
		metadata["status"] = string(reconciled.Transaction.Status)
	}
	return core.InboundResult{Accepted: true, StatusCode: http.StatusOK, Metadata: metadata}, nil
}

var _ Handler = (*CallbackHandler)(nil)
