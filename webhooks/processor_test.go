package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-stkpush/core"
)

func TestProcessor_DedupesDeliveries(t *testing.T) {
	ledger := NewMemoryDeliveryLedger()
	handler := &stubWebhookHandler{
		result: core.InboundResult{Accepted: true, StatusCode: 200},
	}
	processor := NewProcessor(stubVerifier{err: nil}, ledger, handler)

	req := core.InboundRequest{
		ProviderID: "mpesa",
		Body:       []byte(`{"Body":{}}`),
		Metadata:   map[string]any{"delivery_id": "ws_CO_1:0"},
	}

	first, err := processor.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process first callback: %v", err)
	}
	if !first.Accepted || handler.calls != 1 {
		t.Fatalf("expected first delivery handled once, accepted=%v calls=%d", first.Accepted, handler.calls)
	}

	second, err := processor.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("process duplicate callback: %v", err)
	}
	if !second.Accepted || second.Metadata["deduped"] != true {
		t.Fatalf("expected duplicate to be accepted as deduped, got %+v", second)
	}
	if handler.calls != 1 {
		t.Fatalf("expected handler call count to remain unchanged for duplicate")
	}
	if payload, ok := ledger.Payload("mpesa", "ws_CO_1:0"); !ok || string(payload) != `{"Body":{}}` {
		t.Fatalf("expected raw payload kept in ledger, got %q", payload)
	}
}

func TestProcessor_RecordsRetryOnHandlerFailure(t *testing.T) {
	ledger := NewMemoryDeliveryLedger()
	handler := &stubWebhookHandler{err: errors.New("database unavailable")}
	processor := NewProcessor(stubVerifier{}, ledger, handler)
	processor.RetryPolicy = ExponentialRetryPolicy{Initial: time.Millisecond}

	req := core.InboundRequest{ProviderID: "mpesa", Metadata: map[string]any{"delivery_id": "ws_CO_2:0"}}
	if _, err := processor.Process(context.Background(), req); err == nil {
		t.Fatalf("expected handler failure to surface")
	}
	record, err := ledger.Get(context.Background(), "mpesa", "ws_CO_2:0")
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if record.Status != DeliveryStatusRetryReady {
		t.Fatalf("expected retry_ready, got %q", record.Status)
	}

	time.Sleep(5 * time.Millisecond)
	handler.err = nil
	handler.result = core.InboundResult{Accepted: true, StatusCode: 200}
	if _, err := processor.Process(context.Background(), req); err != nil {
		t.Fatalf("redelivery after failure: %v", err)
	}
	if handler.calls != 2 {
		t.Fatalf("expected redelivery to reach the handler, calls=%d", handler.calls)
	}
	record, _ = ledger.Get(context.Background(), "mpesa", "ws_CO_2:0")
	if record.Status != DeliveryStatusProcessed || record.Attempts != 2 {
		t.Fatalf("expected processed after second attempt, got %+v", record)
	}
}

func TestProcessor_RecoversHandlerPanic(t *testing.T) {
	ledger := NewMemoryDeliveryLedger()
	processor := NewProcessor(nil, ledger, panicHandler{})

	req := core.InboundRequest{ProviderID: "mpesa", Metadata: map[string]any{"delivery_id": "ws_CO_3:0"}}
	if _, err := processor.Process(context.Background(), req); err == nil {
		t.Fatalf("expected panic converted to error")
	}
	record, err := ledger.Get(context.Background(), "mpesa", "ws_CO_3:0")
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if record.Status != DeliveryStatusRetryReady {
		t.Fatalf("expected claim released for retry, got %q", record.Status)
	}
}

func TestProcessor_RejectsInvalidToken(t *testing.T) {
	handler := &stubWebhookHandler{result: core.InboundResult{Accepted: true, StatusCode: 200}}
	processor := NewProcessor(stubVerifier{err: errors.New("bad token")}, NewMemoryDeliveryLedger(), handler)

	result, err := processor.Process(context.Background(), core.InboundRequest{
		ProviderID: "mpesa",
		Metadata:   map[string]any{"delivery_id": "ws_CO_4:0"},
	})
	if err == nil {
		t.Fatalf("expected verifier error")
	}
	if result.StatusCode != 401 {
		t.Fatalf("expected unauthorized status code, got %d", result.StatusCode)
	}
	if handler.calls != 0 {
		t.Fatalf("expected handler not to run when verification fails")
	}
}

func TestProcessor_DeadAfterMaxAttempts(t *testing.T) {
	ledger := NewMemoryDeliveryLedger()
	handler := &stubWebhookHandler{err: errors.New("still failing")}
	processor := NewProcessor(nil, ledger, handler)
	processor.MaxAttempts = 1

	req := core.InboundRequest{ProviderID: "mpesa", Metadata: map[string]any{"delivery_id": "ws_CO_5:1032"}}
	_, _ = processor.Process(context.Background(), req)
	record, _ := ledger.Get(context.Background(), "mpesa", "ws_CO_5:1032")
	if record.Status != DeliveryStatusDead {
		t.Fatalf("expected dead delivery, got %q", record.Status)
	}
	if _, err := processor.Process(context.Background(), req); err != nil {
		t.Fatalf("dead delivery should be acknowledged as deduped: %v", err)
	}
	if handler.calls != 1 {
		t.Fatalf("dead delivery must not reach the handler again, calls=%d", handler.calls)
	}
}

func TestProcessor_RequiresDeliveryID(t *testing.T) {
	processor := NewProcessor(nil, NewMemoryDeliveryLedger(), &stubWebhookHandler{})
	if _, err := processor.Process(context.Background(), core.InboundRequest{ProviderID: "mpesa"}); err == nil {
		t.Fatalf("expected missing delivery id error")
	}
}

type stubVerifier struct {
	err error
}

func (v stubVerifier) Verify(context.Context, core.InboundRequest) error {
	return v.err
}

type stubWebhookHandler struct {
	result core.InboundResult
	err    error
	calls  int
}

func (h *stubWebhookHandler) Handle(context.Context, core.InboundRequest) (core.InboundResult, error) {
	h.calls++
	if h.err != nil {
		return core.InboundResult{}, h.err
	}
	return h.result, nil
}

type panicHandler struct{}

func (panicHandler) Handle(context.Context, core.InboundRequest) (core.InboundResult, error) {
	panic("boom")
}
