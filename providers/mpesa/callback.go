package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/goliatone/go-stkpush/core"
)

const (
	itemAmount          = "Amount"
	itemReceiptNumber   = "MpesaReceiptNumber"
	itemTransactionDate = "TransactionDate"
	itemPhoneNumber     = "PhoneNumber"
)

type callbackEnvelope struct {
	Body *struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string       `json:"MerchantRequestID"`
	CheckoutRequestID string       `json:"CheckoutRequestID"`
	ResultCode        *json.Number `json:"ResultCode"`
	ResultDesc        string       `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []callbackItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type callbackItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

// CallbackParser decodes the STK result callback.
type CallbackParser struct{}

func NewCallbackParser() CallbackParser {
	return CallbackParser{}
}

// ParseCallback extracts the outcome and, for paid pushes, the metadata items
// by name. Missing items stay unset.
func (CallbackParser) ParseCallback(raw []byte) (core.PaymentResult, error) {
	callback, err := decodeCallback(raw)
	if err != nil {
		return core.PaymentResult{}, err
	}
	code, err := strconv.Atoi(strings.Trim(callback.ResultCode.String(), `"`))
	if err != nil {
		return core.PaymentResult{}, fmt.Errorf("providers/mpesa: callback result code %q: %w", callback.ResultCode.String(), err)
	}

	result := core.PaymentResult{
		MerchantRequestID: strings.TrimSpace(callback.MerchantRequestID),
		CheckoutRequestID: strings.TrimSpace(callback.CheckoutRequestID),
		ResultCode:        code,
		ResultDesc:        strings.TrimSpace(callback.ResultDesc),
		Source:            core.ResolutionSourceCallback,
	}
	if callback.CallbackMetadata == nil {
		return result, nil
	}
	for _, item := range callback.CallbackMetadata.Item {
		switch strings.TrimSpace(item.Name) {
		case itemAmount:
			if amount, ok := numberValue(item.Value); ok {
				result.Amount = &amount
			}
		case itemReceiptNumber:
			result.ReceiptNumber = stringValue(item.Value)
		case itemTransactionDate:
			result.TransactionDate = stringValue(item.Value)
		case itemPhoneNumber:
			result.PhoneNumber = stringValue(item.Value)
		}
	}
	return result, nil
}

func decodeCallback(raw []byte) (*stkCallback, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("providers/mpesa: callback body is empty")
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var envelope callbackEnvelope
	if err := decoder.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("providers/mpesa: decode callback: %w", err)
	}
	if envelope.Body == nil || envelope.Body.StkCallback == nil {
		return nil, fmt.Errorf("providers/mpesa: callback is missing Body.stkCallback")
	}
	callback := envelope.Body.StkCallback
	if strings.TrimSpace(callback.MerchantRequestID) == "" && strings.TrimSpace(callback.CheckoutRequestID) == "" {
		return nil, fmt.Errorf("providers/mpesa: callback carries no request identifiers")
	}
	if callback.ResultCode == nil {
		return nil, fmt.Errorf("providers/mpesa: callback is missing ResultCode")
	}
	return callback, nil
}

func numberValue(value any) (float64, bool) {
	switch typed := value.(type) {
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

// stringValue keeps large integers such as phone numbers and dates exact.
func stringValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case json.Number:
		return typed.String()
	case string:
		return strings.TrimSpace(typed)
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

var _ core.CallbackParser = CallbackParser{}
