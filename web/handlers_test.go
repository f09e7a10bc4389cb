package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-stkpush/core"
	"github.com/goliatone/go-stkpush/providers/devkit"
	"github.com/goliatone/go-stkpush/providers/mpesa"
	"github.com/goliatone/go-stkpush/webhooks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestInitiate_ReturnsResult(t *testing.T) {
	svc := &stubService{
		initiateFn: func(_ context.Context, req core.InitiateRequest) (core.InitiateResult, error) {
			if req.Phone != "0712345678" || req.Amount != 50 || req.Branch != "Nairobi" || req.Product != "Coke" {
				t.Fatalf("unexpected initiate request: %#v", req)
			}
			return core.InitiateResult{MerchantRequestID: "mr_1", CheckoutRequestID: "ws_CO_1", CustomerMessage: "ok"}, nil
		},
	}
	rec := serve(t, svc, nil, http.MethodPost, "/mpesa/stkpush",
		`{"phone":"0712345678","amount":50,"branch":"Nairobi","product":"Coke"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data core.InitiateResult `json:"data"`
	}
	decode(t, rec, &body)
	if body.Data.CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("unexpected response: %#v", body)
	}
}

func TestInitiate_ErrorEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		status   int
		textCode string
	}{
		{
			name:     "malformed body",
			body:     `{"phone":`,
			status:   http.StatusBadRequest,
			textCode: core.PaymentErrorBadInput,
		},
		{
			name:     "validation",
			body:     `{"phone":"123","amount":50,"branch":"Nairobi","product":"Coke"}`,
			err:      core.NewValidationError("phone", "phone number is not a valid Kenyan mobile number"),
			status:   http.StatusBadRequest,
			textCode: core.PaymentErrorBadInput,
		},
		{
			name:     "not configured",
			body:     `{"phone":"0712345678","amount":50,"branch":"Nairobi","product":"Coke"}`,
			err:      core.NewConfigurationError([]string{"MPESA_PASSKEY"}),
			status:   http.StatusServiceUnavailable,
			textCode: core.PaymentErrorNotConfigured,
		},
		{
			name:     "provider unreachable",
			body:     `{"phone":"0712345678","amount":50,"branch":"Nairobi","product":"Coke"}`,
			err:      core.NewProviderError(core.ProviderFailureConnection, "dial tcp: connection refused", nil, nil),
			status:   http.StatusServiceUnavailable,
			textCode: core.PaymentErrorProviderUnreachable,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{
				initiateFn: func(context.Context, core.InitiateRequest) (core.InitiateResult, error) {
					return core.InitiateResult{}, tc.err
				},
			}
			rec := serve(t, svc, nil, http.MethodPost, "/mpesa/stkpush", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			var body struct {
				Error errorBody `json:"error"`
			}
			decode(t, rec, &body)
			if body.Error.TextCode != tc.textCode {
				t.Fatalf("expected text code %q, got %#v", tc.textCode, body.Error)
			}
			if body.Error.Message == "" || body.Error.Category == "" {
				t.Fatalf("expected message and category, got %#v", body.Error)
			}
		})
	}
}

func TestInitiate_ProviderErrorCarriesHint(t *testing.T) {
	svc := &stubService{
		initiateFn: func(context.Context, core.InitiateRequest) (core.InitiateResult, error) {
			return core.InitiateResult{}, core.NewProviderError(core.ProviderFailureTimeout, "push timed out", nil, nil)
		},
	}
	rec := serve(t, svc, nil, http.MethodPost, "/mpesa/stkpush",
		`{"phone":"0712345678","amount":50,"branch":"Nairobi","product":"Coke"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	var body struct {
		Error errorBody `json:"error"`
	}
	decode(t, rec, &body)
	if body.Error.Metadata[core.MetadataKeyFailureKind] != string(core.ProviderFailureTimeout) {
		t.Fatalf("expected failure kind metadata, got %#v", body.Error.Metadata)
	}
	if hint, _ := body.Error.Metadata[core.MetadataKeyHint].(string); hint == "" {
		t.Fatalf("expected hint metadata")
	}
}

func TestCallback_AlwaysAcknowledges(t *testing.T) {
	var received []byte
	svc := &stubService{
		reconcileFn: func(_ context.Context, raw []byte) core.CallbackAck {
			received = raw
			return core.SuccessAck()
		},
	}
	for _, payload := range []string{`{"Body":{"stkCallback":{}}}`, `not json`, ``} {
		rec := serve(t, svc, nil, http.MethodPost, "/mpesa/callback", payload)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 for %q, got %d", payload, rec.Code)
		}
		var ack core.CallbackAck
		decode(t, rec, &ack)
		if ack != core.SuccessAck() {
			t.Fatalf("unexpected acknowledgment %#v", ack)
		}
		if string(received) != payload {
			t.Fatalf("expected payload %q to reach the service, got %q", payload, string(received))
		}
	}
}

func TestCallback_ProcessorDedupesAndRejectsForgedTokens(t *testing.T) {
	reconciled := 0
	reconciler := reconcilerFunc(func(_ context.Context, result core.PaymentResult) (core.ReconcileResult, error) {
		reconciled++
		if result.CheckoutRequestID != "ws_CO_1" || result.ReceiptNumber != "ABC123" {
			t.Fatalf("unexpected result: %#v", result)
		}
		return core.ReconcileResult{Transitioned: true}, nil
	})
	processor := webhooks.NewProcessorFromTemplate(
		mpesa.NewWebhookTemplate("s3cret"),
		webhooks.NewMemoryDeliveryLedger(),
		webhooks.NewCallbackHandler(mpesa.NewCallbackParser(), reconciler),
	)
	svc := &stubService{}
	payload := string(devkit.CallbackPayload("mr_1", "ws_CO_1", 0, "processed", devkit.PaidItems(50, "ABC123", 254712345678)...))

	for i := 0; i < 2; i++ {
		rec := serve(t, svc, processor, http.MethodPost, "/mpesa/callback?token=s3cret", payload)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
	if reconciled != 1 {
		t.Fatalf("expected one reconcile for a redelivered callback, got %d", reconciled)
	}

	rec := serve(t, svc, processor, http.MethodPost, "/mpesa/callback?token=wrong",
		string(devkit.CallbackPayload("mr_2", "ws_CO_2", 1032, "cancelled")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected forged callback to still be acknowledged, got %d", rec.Code)
	}
	if reconciled != 1 {
		t.Fatalf("expected forged callback to be dropped")
	}
}

func TestCallback_AcknowledgesWhenProcessorPanics(t *testing.T) {
	processor := callbackProcessorFunc(func(context.Context, core.InboundRequest) (core.InboundResult, error) {
		panic("ledger unavailable")
	})
	rec := serve(t, &stubService{}, processor, http.MethodPost, "/mpesa/callback?token=s3cret",
		string(devkit.CallbackPayload("mr_1", "ws_CO_1", 0, "processed")))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after processor panic, got %d", rec.Code)
	}
	var ack core.CallbackAck
	decode(t, rec, &ack)
	if ack != core.SuccessAck() {
		t.Fatalf("expected success ack, got %+v", ack)
	}
}

func TestQueryStatus_ReturnsResult(t *testing.T) {
	code := 1032
	svc := &stubService{
		queryFn: func(_ context.Context, req core.QueryStatusRequest) (core.QueryStatusResult, error) {
			if req.CheckoutRequestID != "ws_CO_1" {
				t.Fatalf("unexpected query request: %#v", req)
			}
			return core.QueryStatusResult{
				CheckoutRequestID: "ws_CO_1",
				ResultCode:        &code,
				ResultDesc:        "Request cancelled by user",
				Status:            core.TransactionStatusFailed,
				Transitioned:      true,
			}, nil
		},
	}
	rec := serve(t, svc, nil, http.MethodPost, "/mpesa/query", `{"checkout_request_id":"ws_CO_1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data core.QueryStatusResult `json:"data"`
	}
	decode(t, rec, &body)
	if body.Data.Status != core.TransactionStatusFailed || body.Data.ResultCode == nil || *body.Data.ResultCode != 1032 {
		t.Fatalf("unexpected query response: %#v", body.Data)
	}
}

func TestTestConnection_StatusFollowsReport(t *testing.T) {
	svc := &stubService{report: core.ConnectionReport{
		Configured: false,
		Missing:    []string{"MPESA_CONSUMER_KEY"},
	}}
	rec := serve(t, svc, nil, http.MethodGet, "/mpesa/test-connection", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for unconfigured provider, got %d", rec.Code)
	}
	var body struct {
		Data core.ConnectionReport `json:"data"`
	}
	decode(t, rec, &body)
	if len(body.Data.Missing) != 1 || body.Data.Missing[0] != "MPESA_CONSUMER_KEY" {
		t.Fatalf("expected missing names in report, got %#v", body.Data)
	}

	svc.report = core.ConnectionReport{Configured: true, TokenOK: true}
	if rec := serve(t, svc, nil, http.MethodGet, "/mpesa/test-connection", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for healthy provider, got %d", rec.Code)
	}
}

func TestTransactions_GetAndList(t *testing.T) {
	svc := &stubService{
		getFn: func(_ context.Context, checkoutRequestID string) (core.Transaction, error) {
			if checkoutRequestID == "ws_CO_1" {
				return core.Transaction{ID: "txn_1", CheckoutRequestID: "ws_CO_1", Status: core.TransactionStatusCompleted}, nil
			}
			return core.Transaction{}, core.NewNotFoundError(checkoutRequestID)
		},
		listFn: func(_ context.Context, filter core.TransactionFilter) (core.TransactionPage, error) {
			if filter.Status != core.TransactionStatusCompleted || filter.Branch != "Nairobi" || filter.Page != 2 || filter.PerPage != 10 {
				t.Fatalf("unexpected filter: %#v", filter)
			}
			if filter.Since == nil || filter.Since.Format("2006-01-02") != "2026-03-01" {
				t.Fatalf("expected since filter, got %v", filter.Since)
			}
			return core.TransactionPage{Items: []core.Transaction{{ID: "txn_1"}}, Total: 11, Page: 2, PerPage: 10}, nil
		},
	}

	rec := serve(t, svc, nil, http.MethodGet, "/mpesa/transactions/ws_CO_1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = serve(t, svc, nil, http.MethodGet, "/mpesa/transactions/ws_missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var notFound struct {
		Error errorBody `json:"error"`
	}
	decode(t, rec, &notFound)
	if notFound.Error.TextCode != core.PaymentErrorTransactionNotFound {
		t.Fatalf("unexpected not found envelope: %#v", notFound.Error)
	}

	rec = serve(t, svc, nil, http.MethodGet, "/mpesa/transactions?status=COMPLETED&branch=Nairobi&page=2&per_page=10&since=2026-03-01", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Data []core.Transaction `json:"data"`
		Meta struct {
			Total int `json:"total"`
		} `json:"meta"`
	}
	decode(t, rec, &page)
	if len(page.Data) != 1 || page.Meta.Total != 11 {
		t.Fatalf("unexpected page response: %#v", page)
	}

	for _, query := range []string{"status=refunded", "page=abc", "per_page=-1", "until=yesterday"} {
		if rec := serve(t, svc, nil, http.MethodGet, "/mpesa/transactions?"+query, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", query, rec.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	if rec := serve(t, &stubService{}, nil, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestNewServer_RequiresService(t *testing.T) {
	if _, err := NewServer(Options{}); err == nil {
		t.Fatalf("expected error without service")
	}
}

func serve(t *testing.T, svc core.PaymentService, callbacks CallbackProcessor, method string, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	server, err := NewServer(Options{Service: svc, Callbacks: callbacks})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

type callbackProcessorFunc func(ctx context.Context, req core.InboundRequest) (core.InboundResult, error)

func (f callbackProcessorFunc) Process(ctx context.Context, req core.InboundRequest) (core.InboundResult, error) {
	return f(ctx, req)
}

type reconcilerFunc func(ctx context.Context, result core.PaymentResult) (core.ReconcileResult, error)

func (f reconcilerFunc) Reconcile(ctx context.Context, result core.PaymentResult) (core.ReconcileResult, error) {
	return f(ctx, result)
}

type stubService struct {
	initiateFn  func(context.Context, core.InitiateRequest) (core.InitiateResult, error)
	reconcileFn func(context.Context, []byte) core.CallbackAck
	queryFn     func(context.Context, core.QueryStatusRequest) (core.QueryStatusResult, error)
	getFn       func(context.Context, string) (core.Transaction, error)
	listFn      func(context.Context, core.TransactionFilter) (core.TransactionPage, error)
	report      core.ConnectionReport
}

func (s *stubService) Initiate(ctx context.Context, req core.InitiateRequest) (core.InitiateResult, error) {
	if s.initiateFn == nil {
		return core.InitiateResult{}, core.NewConfigurationError(nil)
	}
	return s.initiateFn(ctx, req)
}

func (s *stubService) ReconcileCallback(ctx context.Context, raw []byte) core.CallbackAck {
	if s.reconcileFn == nil {
		return core.SuccessAck()
	}
	return s.reconcileFn(ctx, raw)
}

func (s *stubService) Reconcile(context.Context, core.PaymentResult) (core.ReconcileResult, error) {
	return core.ReconcileResult{Ignored: true}, nil
}

func (s *stubService) QueryStatus(ctx context.Context, req core.QueryStatusRequest) (core.QueryStatusResult, error) {
	if s.queryFn == nil {
		return core.QueryStatusResult{}, core.NewConfigurationError(nil)
	}
	return s.queryFn(ctx, req)
}

func (s *stubService) TestConnection(context.Context) core.ConnectionReport {
	return s.report
}

func (s *stubService) GetTransaction(ctx context.Context, checkoutRequestID string) (core.Transaction, error) {
	if s.getFn == nil {
		return core.Transaction{}, core.NewNotFoundError(checkoutRequestID)
	}
	return s.getFn(ctx, checkoutRequestID)
}

func (s *stubService) ListTransactions(ctx context.Context, filter core.TransactionFilter) (core.TransactionPage, error) {
	if s.listFn == nil {
		return core.TransactionPage{}, nil
	}
	return s.listFn(ctx, filter)
}

var _ core.PaymentService = (*stubService)(nil)
