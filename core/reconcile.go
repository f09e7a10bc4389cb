package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CallbackAck is the body returned to the provider for every callback.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func SuccessAck() CallbackAck {
	return CallbackAck{ResultCode: 0, ResultDesc: "Success"}
}

type ReconcileResult struct {
	Transaction  Transaction
	Transitioned bool
	Enriched     bool
	Ignored      bool
}

// ReconcileCallback parses and applies a raw provider callback. The
// acknowledgment never depends on the outcome; failures are logged.
func (s *Service) ReconcileCallback(ctx context.Context, raw []byte) (ack CallbackAck) {
	ack = SuccessAck()
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logError(ctx, "callback reconcile panicked", map[string]any{
				"panic": fmt.Sprint(recovered),
			})
			ack = SuccessAck()
		}
	}()

	if s == nil || s.callbackParser == nil {
		s.logError(ctx, "callback dropped: parser not configured", map[string]any{"bytes": len(raw)})
		return ack
	}
	result, err := s.callbackParser.ParseCallback(raw)
	if err != nil {
		s.logError(ctx, "callback dropped: payload malformed", map[string]any{
			"error": NewCallbackParseError(err).Error(),
			"bytes": len(raw),
		})
		return ack
	}
	if result.Source == "" {
		result.Source = ResolutionSourceCallback
	}
	if _, err := s.Reconcile(ctx, result); err != nil {
		s.logError(ctx, "callback reconcile failed", map[string]any{
			"merchant_request_id": result.MerchantRequestID,
			"checkout_request_id": result.CheckoutRequestID,
			"result_code":         result.ResultCode,
			"error":               err.Error(),
		})
	}
	return ack
}

// Reconcile applies a provider result. Results for unknown transactions are
// logged and reported as Ignored without an error.
func (s *Service) Reconcile(ctx context.Context, result PaymentResult) (out ReconcileResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"merchant_request_id": strings.TrimSpace(result.MerchantRequestID),
		"checkout_request_id": strings.TrimSpace(result.CheckoutRequestID),
		"result_code":         result.ResultCode,
		"source":              string(result.Source),
	}
	defer func() {
		fields["transitioned"] = out.Transitioned
		fields["ignored"] = out.Ignored
		s.observeOperation(ctx, startedAt, "reconcile", err, fields)
	}()

	if err = result.Validate(); err != nil {
		err = s.mapError(NewCallbackParseError(err))
		return ReconcileResult{}, err
	}
	if result.Source == "" {
		result.Source = ResolutionSourceCallback
	}
	if result.ResolvedAt.IsZero() {
		result.ResolvedAt = s.clock()
	}

	out, err = s.applyResult(ctx, result)
	if err != nil {
		if isNotFound(err) {
			s.logWarn(ctx, "payment result for unknown transaction dropped", map[string]any{
				"merchant_request_id": result.MerchantRequestID,
				"checkout_request_id": result.CheckoutRequestID,
				"result_code":         result.ResultCode,
			})
			return ReconcileResult{Ignored: true}, nil
		}
		err = s.mapError(err)
		return ReconcileResult{}, err
	}
	fields["status"] = string(out.Transaction.Status)
	return out, nil
}

// applyResult is the single write path for terminal outcomes. Events are only
// published when this call moved the row out of pending.
func (s *Service) applyResult(ctx context.Context, result PaymentResult) (ReconcileResult, error) {
	if s == nil || s.store == nil {
		return ReconcileResult{}, fmt.Errorf("core: transaction store is required")
	}
	outcome, err := s.store.ApplyResult(ctx, result)
	if err != nil {
		return ReconcileResult{}, err
	}
	if outcome.Transitioned {
		s.publishEvents(ctx, TransitionEvents(outcome.Transaction, result.ResolvedAt)...)
	}
	return ReconcileResult{
		Transaction:  outcome.Transaction,
		Transitioned: outcome.Transitioned,
		Enriched:     outcome.Enriched,
	}, nil
}

func (s *Service) publishEvents(ctx context.Context, events ...PaymentEvent) {
	if s == nil || s.publisher == nil {
		return
	}
	for _, event := range events {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logError(ctx, "payment event publish failed", map[string]any{
				"event_id":            event.ID,
				"event_name":          event.Name,
				"checkout_request_id": event.CheckoutRequestID,
				"error":               err.Error(),
			})
		}
	}
}
