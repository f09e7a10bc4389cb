package mpesa

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-stkpush/core"
	"github.com/goliatone/go-stkpush/ratelimit"
)

const (
	defaultRetryAfter429 = 2 * time.Second
	// spike arrest faults arrive as 500.003.02 with a 429 or a 5xx status.
	spikeArrestCodePrefix = "500.003.02"
)

// NormalizeResponse maps a Daraja reply to the metadata the adaptive rate
// limit policy reads. Spike arrest faults are reported as 429.
func NormalizeResponse(_ context.Context, response core.TransportResponse) (core.ProviderResponseMeta, error) {
	meta := core.ProviderResponseMeta{
		StatusCode: response.StatusCode,
		Headers:    copyStringMap(response.Headers),
		Metadata:   copyAnyMap(response.Metadata),
	}

	if fault, ok := decodeFault(response.Body); ok {
		meta.Metadata[ratelimit.MetadataKeyFaultCode] = fault.ErrorCode
		if fault.RequestID != "" {
			meta.Metadata["mpesa_request_id"] = fault.RequestID
		}
		if isSpikeArrest(fault.ErrorCode) {
			meta.StatusCode = 429
		}
	}

	if retryAfter, ok := parseRetryAfter(meta.Headers); ok {
		meta.RetryAfter = &retryAfter
		meta.Metadata["mpesa_retry_after_source"] = "header"
	}
	if meta.StatusCode == 429 && meta.RetryAfter == nil {
		retryAfter := defaultRetryAfter429
		meta.RetryAfter = &retryAfter
		meta.Metadata["mpesa_retry_after_source"] = "default"
	}
	return meta, nil
}

func isSpikeArrest(code string) bool {
	return strings.HasPrefix(strings.TrimSpace(code), spikeArrestCodePrefix)
}

func parseRetryAfter(headers map[string]string) (time.Duration, bool) {
	raw := strings.TrimSpace(headerValue(headers, "retry-after"))
	if raw == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func copyStringMap(input map[string]string) map[string]string {
	out := make(map[string]string, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}

func copyAnyMap(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}
