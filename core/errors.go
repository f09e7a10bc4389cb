package core

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	PaymentErrorNotConfigured         = "PAYMENT_NOT_CONFIGURED"
	PaymentErrorBadInput              = "PAYMENT_BAD_INPUT"
	PaymentErrorAuthFailed            = "PAYMENT_AUTH_FAILED"
	PaymentErrorProviderUnreachable   = "PAYMENT_PROVIDER_UNREACHABLE"
	PaymentErrorProviderTimeout       = "PAYMENT_PROVIDER_TIMEOUT"
	PaymentErrorProviderAuthRejected  = "PAYMENT_PROVIDER_AUTH_REJECTED"
	PaymentErrorProviderRejected      = "PAYMENT_PROVIDER_REJECTED"
	PaymentErrorProviderServerError   = "PAYMENT_PROVIDER_SERVER_ERROR"
	PaymentErrorRateLimited           = "PAYMENT_RATE_LIMITED"
	PaymentErrorTransactionNotFound   = "PAYMENT_TRANSACTION_NOT_FOUND"
	PaymentErrorCallbackMalformed     = "PAYMENT_CALLBACK_MALFORMED"
	PaymentErrorDuplicateTransaction  = "PAYMENT_DUPLICATE_TRANSACTION"
	PaymentErrorInternal              = "PAYMENT_INTERNAL_ERROR"
	MetadataKeyFailureKind            = "failure_kind"
	MetadataKeyHint                   = "hint"
	MetadataKeyMissing                = "missing"
	MetadataKeyProviderStatusCode     = "provider_status_code"
	MetadataKeyProviderResponseCode   = "provider_response_code"
	MetadataKeyProviderResponseDetail = "provider_response_description"
)

// ProviderFailureKind classifies why a call to the payment provider failed.
type ProviderFailureKind string

const (
	ProviderFailureConnection ProviderFailureKind = "connection"
	ProviderFailureTimeout    ProviderFailureKind = "timeout"
	ProviderFailureAuth       ProviderFailureKind = "auth"
	ProviderFailureRejected   ProviderFailureKind = "rejected"
	ProviderFailureServer     ProviderFailureKind = "server"
)

func (k ProviderFailureKind) TextCode() string {
	switch k {
	case ProviderFailureConnection:
		return PaymentErrorProviderUnreachable
	case ProviderFailureTimeout:
		return PaymentErrorProviderTimeout
	case ProviderFailureAuth:
		return PaymentErrorProviderAuthRejected
	case ProviderFailureServer:
		return PaymentErrorProviderServerError
	default:
		return PaymentErrorProviderRejected
	}
}

func (k ProviderFailureKind) HTTPStatus() int {
	switch k {
	case ProviderFailureConnection:
		return http.StatusServiceUnavailable
	case ProviderFailureTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (k ProviderFailureKind) Hint() string {
	switch k {
	case ProviderFailureConnection:
		return "payment provider could not be reached; check network connectivity and the configured base url"
	case ProviderFailureTimeout:
		return "payment provider did not answer in time; retry shortly"
	case ProviderFailureAuth:
		return "payment provider rejected the credentials; verify the consumer key and secret"
	case ProviderFailureServer:
		return "payment provider reported an internal error; retry later"
	default:
		return "payment provider rejected the request; check the phone number, amount and shortcode settings"
	}
}

// NewConfigurationError names the missing configuration variables.
func NewConfigurationError(missing []string) *goerrors.Error {
	names := append([]string(nil), missing...)
	sort.Strings(names)
	message := "payment provider is not configured"
	if len(names) > 0 {
		message += ": missing " + strings.Join(names, ", ")
	}
	return goerrors.New(message, goerrors.CategoryOperation).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(PaymentErrorNotConfigured).
		WithMetadata(map[string]any{MetadataKeyMissing: names})
}

func NewValidationError(field string, message string) *goerrors.Error {
	return goerrors.NewValidation("payment request is invalid", goerrors.FieldError{
		Field:   strings.TrimSpace(field),
		Message: strings.TrimSpace(message),
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(PaymentErrorBadInput)
}

// NewAuthError reports a failed access token fetch.
func NewAuthError(message string, kind ProviderFailureKind, cause error) *goerrors.Error {
	if strings.TrimSpace(message) == "" {
		message = "payment provider authentication failed"
	}
	metadata := map[string]any{
		MetadataKeyFailureKind: string(kind),
		MetadataKeyHint:        kind.Hint(),
	}
	var err *goerrors.Error
	if cause != nil {
		err = goerrors.Wrap(cause, goerrors.CategoryAuth, message)
	} else {
		err = goerrors.New(message, goerrors.CategoryAuth)
	}
	return err.
		WithCode(http.StatusBadGateway).
		WithTextCode(PaymentErrorAuthFailed).
		WithMetadata(metadata)
}

func NewProviderError(kind ProviderFailureKind, message string, cause error, metadata map[string]any) *goerrors.Error {
	if strings.TrimSpace(message) == "" {
		message = "payment provider request failed"
	}
	fields := copyAnyMap(metadata)
	fields[MetadataKeyFailureKind] = string(kind)
	if _, ok := fields[MetadataKeyHint]; !ok {
		fields[MetadataKeyHint] = kind.Hint()
	}
	var err *goerrors.Error
	if cause != nil {
		err = goerrors.Wrap(cause, goerrors.CategoryExternal, message)
	} else {
		err = goerrors.New(message, goerrors.CategoryExternal)
	}
	return err.
		WithCode(kind.HTTPStatus()).
		WithTextCode(kind.TextCode()).
		WithMetadata(fields)
}

func NewNotFoundError(checkoutRequestID string) *goerrors.Error {
	return goerrors.New("payment transaction not found", goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(PaymentErrorTransactionNotFound).
		WithMetadata(map[string]any{"checkout_request_id": strings.TrimSpace(checkoutRequestID)})
}

func NewCallbackParseError(cause error) *goerrors.Error {
	message := "payment callback payload is malformed"
	if cause == nil {
		return goerrors.New(message, goerrors.CategoryBadInput).
			WithCode(http.StatusBadRequest).
			WithTextCode(PaymentErrorCallbackMalformed)
	}
	return goerrors.Wrap(cause, goerrors.CategoryBadInput, message).
		WithCode(http.StatusBadRequest).
		WithTextCode(PaymentErrorCallbackMalformed)
}

// FailureKindOf returns the provider failure kind carried in error metadata.
func FailureKindOf(err error) (ProviderFailureKind, bool) {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr == nil || len(richErr.Metadata) == 0 {
		return "", false
	}
	raw, ok := richErr.Metadata[MetadataKeyFailureKind]
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return ProviderFailureKind(value), true
}

// MapError converts any error into the payment error envelope with a text
// code and HTTP status set.
func MapError(err error) *goerrors.Error {
	return serviceErrorMapper(err)
}

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrTransactionNotFound):
		return newServiceError(err.Error(), goerrors.CategoryNotFound, PaymentErrorTransactionNotFound)
	case errors.Is(err, ErrDuplicateTransaction):
		return newServiceError(err.Error(), goerrors.CategoryConflict, PaymentErrorDuplicateTransaction)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newServiceError(err.Error(), goerrors.CategoryRateLimit, PaymentErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "must be"):
		return newServiceError(err.Error(), goerrors.CategoryBadInput, PaymentErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func newServiceError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return PaymentErrorBadInput
	case goerrors.CategoryNotFound:
		return PaymentErrorTransactionNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return PaymentErrorAuthFailed
	case goerrors.CategoryConflict:
		return PaymentErrorDuplicateTransaction
	case goerrors.CategoryRateLimit:
		return PaymentErrorRateLimited
	case goerrors.CategoryOperation:
		return PaymentErrorNotConfigured
	case goerrors.CategoryExternal:
		return PaymentErrorProviderRejected
	default:
		return PaymentErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusBadGateway
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryOperation:
		return http.StatusServiceUnavailable
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
