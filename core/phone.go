package core

import (
	"strings"
)

const (
	KenyaCountryCode      = "254"
	subscriberDigits      = 9
	canonicalPhoneDigits  = len(KenyaCountryCode) + subscriberDigits
	phoneValidationReason = "phone must be 07XXXXXXXX, 01XXXXXXXX, 2547XXXXXXXX, +2547XXXXXXXX or a 9-digit subscriber number"
)

// NormalizePhone converts local, prefixed and bare subscriber forms into the
// canonical 254XXXXXXXXX digit string the provider expects.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(cleaned)
	cleaned = strings.TrimPrefix(cleaned, "+")
	if cleaned == "" || !isDigits(cleaned) {
		return "", NewValidationError("phone", phoneValidationReason)
	}

	var normalized string
	switch {
	case len(cleaned) == canonicalPhoneDigits && strings.HasPrefix(cleaned, KenyaCountryCode):
		normalized = cleaned
	case len(cleaned) == subscriberDigits+1 && strings.HasPrefix(cleaned, "0"):
		normalized = KenyaCountryCode + cleaned[1:]
	case len(cleaned) == subscriberDigits:
		normalized = KenyaCountryCode + cleaned
	default:
		return "", NewValidationError("phone", phoneValidationReason)
	}

	if len(normalized) != canonicalPhoneDigits || normalized[len(KenyaCountryCode)] == '0' {
		return "", NewValidationError("phone", phoneValidationReason)
	}
	return normalized, nil
}

// MaskPhone keeps the country code and last three digits visible for logs.
func MaskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if len(phone) <= 6 {
		return phone
	}
	return phone[:4] + strings.Repeat("*", len(phone)-7) + phone[len(phone)-3:]
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
