package devkit

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/goliatone/go-stkpush/core"
)

// JSONResponse scripts a reply with a JSON body.
func JSONResponse(status int, body any) TransportScript {
	raw, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("devkit: marshal fixture body: %v", err))
	}
	return TransportScript{Response: core.TransportResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       raw,
	}}
}

func TokenResponse(token string) TransportScript {
	return JSONResponse(http.StatusOK, map[string]any{
		"access_token": token,
		"expires_in":   "3599",
	})
}

func PushAccepted(merchantRequestID string, checkoutRequestID string) TransportScript {
	return JSONResponse(http.StatusOK, map[string]any{
		"MerchantRequestID":   merchantRequestID,
		"CheckoutRequestID":   checkoutRequestID,
		"ResponseCode":        "0",
		"ResponseDescription": "Success. Request accepted for processing",
		"CustomerMessage":     "Success. Request accepted for processing",
	})
}

func QueryResult(merchantRequestID string, checkoutRequestID string, resultCode int, resultDesc string) TransportScript {
	return JSONResponse(http.StatusOK, map[string]any{
		"ResponseCode":        "0",
		"ResponseDescription": "The service request has been accepted successsfully",
		"MerchantRequestID":   merchantRequestID,
		"CheckoutRequestID":   checkoutRequestID,
		"ResultCode":          fmt.Sprintf("%d", resultCode),
		"ResultDesc":          resultDesc,
	})
}

// QueryProcessing is the reply the provider gives while the customer has not
// answered the prompt.
func QueryProcessing() TransportScript {
	return ProviderFault(http.StatusInternalServerError, "500.001.1001", "The transaction is being processed")
}

func ProviderFault(status int, errorCode string, message string) TransportScript {
	return JSONResponse(status, map[string]any{
		"requestId":    "fixture-request",
		"errorCode":    errorCode,
		"errorMessage": message,
	})
}

// CallbackItem is one CallbackMetadata entry.
type CallbackItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

// CallbackPayload renders a provider callback body.
func CallbackPayload(merchantRequestID string, checkoutRequestID string, resultCode int, resultDesc string, items ...CallbackItem) []byte {
	callback := map[string]any{
		"MerchantRequestID": merchantRequestID,
		"CheckoutRequestID": checkoutRequestID,
		"ResultCode":        resultCode,
		"ResultDesc":        resultDesc,
	}
	if len(items) > 0 {
		callback["CallbackMetadata"] = map[string]any{"Item": items}
	}
	raw, err := json.Marshal(map[string]any{"Body": map[string]any{"stkCallback": callback}})
	if err != nil {
		panic(fmt.Sprintf("devkit: marshal callback fixture: %v", err))
	}
	return raw
}

// PaidItems is the metadata a successful payment callback carries.
func PaidItems(amount float64, receipt string, phone int64) []CallbackItem {
	return []CallbackItem{
		{Name: "Amount", Value: amount},
		{Name: "MpesaReceiptNumber", Value: receipt},
		{Name: "Balance"},
		{Name: "TransactionDate", Value: int64(20240101120000)},
		{Name: "PhoneNumber", Value: phone},
	}
}
