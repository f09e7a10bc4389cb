package mpesa

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-stkpush/core"
	"github.com/goliatone/go-stkpush/webhooks"
)

const (
	CallbackSurface = "stk_callback"

	// The provider does not sign callbacks; a shared token travels in the
	// callback url query or, behind a relay, in this header.
	CallbackTokenHeader = "X-Callback-Token"
	CallbackTokenQuery  = "token"
	deliveryIDHeader    = "X-Delivery-Id"
)

// NewWebhookTemplate describes the callback front door. An empty secret
// disables verification.
func NewWebhookTemplate(secret string) webhooks.ProviderWebhookTemplate {
	template := webhooks.ProviderWebhookTemplate{
		ProviderID: ProviderID,
		Extractor: webhooks.ChainDeliveryIDExtractors(
			webhooks.HeaderDeliveryIDExtractor(deliveryIDHeader),
			ExtractDeliveryID,
		),
	}
	if secret = strings.TrimSpace(secret); secret != "" {
		template.Verifier = webhooks.TokenVerifier{
			Header:     CallbackTokenHeader,
			QueryParam: CallbackTokenQuery,
			Token:      secret,
		}
	}
	return template
}

// ExtractDeliveryID identifies a callback as CheckoutRequestID:ResultCode so
// an identical redelivery is deduped while a different outcome is not.
func ExtractDeliveryID(req core.InboundRequest) (string, error) {
	callback, err := decodeCallback(req.Body)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(callback.CheckoutRequestID)
	if id == "" {
		id = strings.TrimSpace(callback.MerchantRequestID)
	}
	if id == "" {
		return "", fmt.Errorf("providers/mpesa: callback delivery id is required for dedupe")
	}
	return id + ":" + strings.Trim(callback.ResultCode.String(), `"`), nil
}
