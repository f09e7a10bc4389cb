package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-stkpush/core"
	"github.com/goliatone/go-stkpush/ratelimit"
)

// errorCodeProcessing is returned by the query endpoint while the customer
// has not yet answered the prompt.
const errorCodeProcessing = "500.001.1001"

// Client talks to the Daraja STK endpoints.
type Client struct {
	config    Config
	transport core.TransportAdapter
	tokens    core.TokenSource
	limiter   core.RateLimitPolicy
	now       func() time.Time
}

type pushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type queryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type pushReply struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type queryReply struct {
	MerchantRequestID   string          `json:"MerchantRequestID"`
	CheckoutRequestID   string          `json:"CheckoutRequestID"`
	ResponseCode        string          `json:"ResponseCode"`
	ResponseDescription string          `json:"ResponseDescription"`
	ResultCode          json.RawMessage `json:"ResultCode"`
	ResultDesc          string          `json:"ResultDesc"`
}

type faultReply struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) ID() string {
	return ProviderID
}

func (c *Client) PushPayment(ctx context.Context, req core.PushRequest) (core.PushResponse, error) {
	timestamp, password := c.sign()
	payload := pushPayload{
		BusinessShortCode: c.config.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   c.config.TransactionType,
		Amount:            req.Amount,
		PartyA:            req.Phone,
		PartyB:            c.config.PartyB,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.config.CallbackURL,
		AccountReference:  clip(req.AccountReference, maxAccountReferenceLength),
		TransactionDesc:   clip(req.Description, maxTransactionDescLength),
	}

	res, err := c.post(ctx, OperationPush, PushPath, payload)
	if err != nil {
		return core.PushResponse{}, err
	}
	if !isSuccess(res.StatusCode) {
		return core.PushResponse{}, c.statusError(OperationPush, res)
	}

	var reply pushReply
	if err := json.Unmarshal(res.Body, &reply); err != nil {
		return core.PushResponse{}, core.NewProviderError(core.ProviderFailureRejected, "payment provider returned an unreadable push response", err, map[string]any{
			core.MetadataKeyProviderStatusCode: res.StatusCode,
		})
	}
	return core.PushResponse{
		MerchantRequestID:   strings.TrimSpace(reply.MerchantRequestID),
		CheckoutRequestID:   strings.TrimSpace(reply.CheckoutRequestID),
		ResponseCode:        strings.TrimSpace(reply.ResponseCode),
		ResponseDescription: reply.ResponseDescription,
		CustomerMessage:     reply.CustomerMessage,
	}, nil
}

func (c *Client) QueryPayment(ctx context.Context, req core.QueryRequest) (core.QueryResponse, error) {
	checkoutID := strings.TrimSpace(req.CheckoutRequestID)
	timestamp, password := c.sign()
	res, err := c.post(ctx, OperationQuery, QueryPath, queryPayload{
		BusinessShortCode: c.config.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutID,
	})
	if err != nil {
		return core.QueryResponse{}, err
	}

	if fault, ok := decodeFault(res.Body); ok && fault.ErrorCode == errorCodeProcessing {
		return core.QueryResponse{
			CheckoutRequestID: checkoutID,
			Processing:        true,
			ResultDesc:        fault.ErrorMessage,
		}, nil
	}
	if !isSuccess(res.StatusCode) {
		return core.QueryResponse{}, c.statusError(OperationQuery, res)
	}

	var reply queryReply
	if err := json.Unmarshal(res.Body, &reply); err != nil {
		return core.QueryResponse{}, core.NewProviderError(core.ProviderFailureRejected, "payment provider returned an unreadable query response", err, map[string]any{
			core.MetadataKeyProviderStatusCode: res.StatusCode,
		})
	}
	out := core.QueryResponse{
		MerchantRequestID:   strings.TrimSpace(reply.MerchantRequestID),
		CheckoutRequestID:   strings.TrimSpace(reply.CheckoutRequestID),
		ResultDesc:          reply.ResultDesc,
		ResponseCode:        strings.TrimSpace(reply.ResponseCode),
		ResponseDescription: reply.ResponseDescription,
	}
	if out.CheckoutRequestID == "" {
		out.CheckoutRequestID = checkoutID
	}
	code, ok, err := parseResultCode(reply.ResultCode)
	if err != nil {
		return core.QueryResponse{}, core.NewProviderError(core.ProviderFailureRejected, "payment provider returned an invalid result code", err, map[string]any{
			core.MetadataKeyProviderResponseCode: string(reply.ResultCode),
		})
	}
	if !ok {
		out.Processing = true
		return out, nil
	}
	out.ResultCode = &code
	return out, nil
}

func (c *Client) sign() (timestamp string, password string) {
	timestamp = Timestamp(c.now(), c.config.Location)
	return timestamp, Password(c.config.ShortCode, c.config.PassKey, timestamp)
}

func (c *Client) rateLimitKey(operation string) core.RateLimitKey {
	return core.RateLimitKey{ProviderID: ProviderID, Operation: operation, ShortCode: c.config.ShortCode}
}

func (c *Client) post(ctx context.Context, operation string, path string, payload any) (core.TransportResponse, error) {
	key := c.rateLimitKey(operation)
	if c.limiter != nil {
		if err := c.limiter.BeforeCall(ctx, key); err != nil {
			var throttled ratelimit.ThrottledError
			if errors.As(err, &throttled) {
				return core.TransportResponse{}, throttled.ToServiceError()
			}
			return core.TransportResponse{}, err
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return core.TransportResponse{}, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return core.TransportResponse{}, fmt.Errorf("providers/mpesa: encode %s request: %w", operation, err)
	}

	res, err := c.transport.Do(ctx, core.TransportRequest{
		Method: http.MethodPost,
		URL:    c.config.BaseURL + path,
		Headers: map[string]string{
			"Authorization": "Bearer " + token,
			"Content-Type":  "application/json",
			"Accept":        "application/json",
		},
		Body:     body,
		Timeout:  c.config.Timeout,
		Metadata: map[string]any{"provider_id": ProviderID, "operation": operation},
	})
	if err != nil {
		if _, ok := core.FailureKindOf(err); ok {
			return core.TransportResponse{}, err
		}
		return core.TransportResponse{}, core.NewProviderError(core.ProviderFailureConnection, "payment provider request failed", err, map[string]any{
			"operation": operation,
		})
	}

	if c.limiter != nil {
		meta, _ := NormalizeResponse(ctx, res)
		_ = c.limiter.AfterCall(ctx, key, meta)
	}
	return res, nil
}

// statusError classifies a non-2xx reply. A 401 also drops the cached token
// so the next call fetches a fresh one.
func (c *Client) statusError(operation string, res core.TransportResponse) error {
	metadata := map[string]any{
		"operation":                        operation,
		core.MetadataKeyProviderStatusCode: res.StatusCode,
	}
	fault, hasFault := decodeFault(res.Body)
	if hasFault {
		metadata[core.MetadataKeyProviderResponseCode] = fault.ErrorCode
		metadata[core.MetadataKeyProviderResponseDetail] = fault.ErrorMessage
		if fault.RequestID != "" {
			metadata["provider_request_id"] = fault.RequestID
		}
	}

	var kind core.ProviderFailureKind
	switch {
	case res.StatusCode == http.StatusUnauthorized:
		c.tokens.Invalidate()
		kind = core.ProviderFailureAuth
	case res.StatusCode == http.StatusForbidden:
		kind = core.ProviderFailureAuth
	case res.StatusCode == http.StatusTooManyRequests || (hasFault && isSpikeArrest(fault.ErrorCode)):
		retryAfter := time.Duration(0)
		if meta, err := NormalizeResponse(context.Background(), res); err == nil && meta.RetryAfter != nil {
			retryAfter = *meta.RetryAfter
		}
		return ratelimit.ThrottledError{Key: c.rateLimitKey(operation), RetryAfter: retryAfter}.ToServiceError()
	case res.StatusCode >= http.StatusInternalServerError:
		kind = core.ProviderFailureServer
	default:
		kind = core.ProviderFailureRejected
	}

	message := fmt.Sprintf("payment provider %s failed with status %d", operation, res.StatusCode)
	if hasFault && fault.ErrorMessage != "" {
		message += ": " + fault.ErrorMessage
	}
	return core.NewProviderError(kind, message, nil, metadata)
}

func decodeFault(body []byte) (faultReply, bool) {
	var fault faultReply
	if len(body) == 0 || json.Unmarshal(body, &fault) != nil {
		return faultReply{}, false
	}
	fault.ErrorCode = strings.TrimSpace(fault.ErrorCode)
	return fault, fault.ErrorCode != ""
}

// parseResultCode accepts both "1032" and 1032. An absent code reports ok=false.
func parseResultCode(raw json.RawMessage) (int, bool, error) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		return 0, false, nil
	}
	code, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, false, fmt.Errorf("providers/mpesa: result code %q: %w", text, err)
	}
	return code, true, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

var _ core.PaymentProvider = (*Client)(nil)
