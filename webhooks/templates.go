package webhooks

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/goliatone/go-stkpush/core"
)

// ProviderWebhookTemplate bundles what a provider needs to feed a Processor.
type ProviderWebhookTemplate struct {
	ProviderID string
	Verifier   Verifier
	Extractor  DeliveryIDExtractor
}

// TokenVerifier accepts a delivery carrying the shared token in a header or,
// when QueryParam is set, in the request metadata under that name.
type TokenVerifier struct {
	Header     string
	QueryParam string
	Token      string
}

func (v TokenVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	expected := strings.TrimSpace(v.Token)
	if expected == "" {
		return fmt.Errorf("webhooks: verification token is required")
	}
	actual := ""
	if header := strings.TrimSpace(v.Header); header != "" {
		actual = strings.TrimSpace(headerValue(req.Headers, header))
	}
	if actual == "" && strings.TrimSpace(v.QueryParam) != "" && req.Metadata != nil {
		if value, ok := req.Metadata[strings.TrimSpace(v.QueryParam)].(string); ok {
			actual = strings.TrimSpace(value)
		}
	}
	if actual == "" {
		return fmt.Errorf("webhooks: verification token is missing")
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return fmt.Errorf("webhooks: verification token mismatch")
	}
	return nil
}

func HeaderDeliveryIDExtractor(headers ...string) DeliveryIDExtractor {
	keys := append([]string(nil), headers...)
	return func(req core.InboundRequest) (string, error) {
		for _, key := range keys {
			if value := strings.TrimSpace(headerValue(req.Headers, key)); value != "" {
				return value, nil
			}
		}
		return "", fmt.Errorf("webhooks: delivery id is required for dedupe")
	}
}

func ChainDeliveryIDExtractors(extractors ...DeliveryIDExtractor) DeliveryIDExtractor {
	list := append([]DeliveryIDExtractor(nil), extractors...)
	return func(req core.InboundRequest) (string, error) {
		var lastErr error
		for _, extractor := range list {
			if extractor == nil {
				continue
			}
			deliveryID, err := extractor(req)
			if err == nil && strings.TrimSpace(deliveryID) != "" {
				return strings.TrimSpace(deliveryID), nil
			}
			if err != nil {
				lastErr = err
			}
		}
		if lastErr != nil {
			return "", lastErr
		}
		return "", fmt.Errorf("webhooks: delivery id is required for dedupe")
	}
}

// NewProcessorFromTemplate wires a template into a processor. A nil template
// verifier leaves deliveries unauthenticated.
func NewProcessorFromTemplate(template ProviderWebhookTemplate, ledger DeliveryLedger, handler Handler) *Processor {
	processor := NewProcessor(template.Verifier, ledger, handler)
	if template.Extractor != nil {
		processor.ExtractID = template.Extractor
	}
	return processor
}
