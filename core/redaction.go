package core

import "strings"

const RedactedValue = "[REDACTED]"

// RedactSensitiveMap returns a copy of metadata with credential-like values
// replaced and subscriber phone numbers masked.
func RedactSensitiveMap(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(metadata)
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		if isPhoneKey(key) {
			if phone, ok := value.(string); ok {
				target[key] = MaskPhone(phone)
				continue
			}
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactSensitiveValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	sensitiveTokens := []string{
		"password",
		"passkey",
		"secret",
		"token",
		"authorization",
		"consumer_key",
		"api_key",
		"apikey",
		"credential",
		"signature",
	}
	for _, token := range sensitiveTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func isPhoneKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	return key == "phone" || key == "phone_number" || key == "payer_phone" || key == "party_a"
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "transaction_id",
		"merchant_request_id",
		"checkout_request_id",
		"receipt_number",
		"event_id",
		"delivery_id",
		"token_ok",
		"trace_id",
		"request_id":
		return true
	default:
		return false
	}
}
