package devkit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/goliatone/go-stkpush/core"
)

func TestFakeTransportAdapter_ScriptsAndCapturesRequests(t *testing.T) {
	adapter := NewFakeTransportAdapter("rest",
		TransportScript{Response: core.TransportResponse{StatusCode: 429}},
		TransportScript{Response: core.TransportResponse{StatusCode: 200}},
	)

	first, err := adapter.Do(context.Background(), core.TransportRequest{
		Method: "POST",
		URL:    "https://sandbox.example.test/mpesa/stkpush/v1/processrequest",
	})
	if err != nil {
		t.Fatalf("first fake call: %v", err)
	}
	if first.StatusCode != 429 {
		t.Fatalf("expected first scripted status 429, got %d", first.StatusCode)
	}

	second, err := adapter.Do(context.Background(), core.TransportRequest{Method: "POST", URL: "https://sandbox.example.test/x"})
	if err != nil {
		t.Fatalf("second fake call: %v", err)
	}
	if second.StatusCode != 200 {
		t.Fatalf("expected second scripted status 200, got %d", second.StatusCode)
	}
	third, _ := adapter.Do(context.Background(), core.TransportRequest{Method: "POST", URL: "https://sandbox.example.test/x"})
	if third.StatusCode != 200 {
		t.Fatalf("expected last script to repeat, got %d", third.StatusCode)
	}

	if requests := adapter.Requests(); len(requests) != 3 {
		t.Fatalf("expected three captured requests, got %d", len(requests))
	}
}

func TestFakeTransportAdapter_AnswersLikeSandboxWithoutScripts(t *testing.T) {
	adapter := NewFakeTransportAdapter("rest")
	base := "https://sandbox.example.test"

	tests := []struct {
		name   string
		url    string
		status int
		field  string
		want   string
	}{
		{name: "token", url: base + "/oauth/v1/generate?grant_type=client_credentials", status: 200, field: "access_token", want: "devkit_token"},
		{name: "first push", url: base + "/mpesa/stkpush/v1/processrequest", status: 200, field: "CheckoutRequestID", want: "ws_CO_devkit_1"},
		{name: "second push", url: base + "/mpesa/stkpush/v1/processrequest", status: 200, field: "CheckoutRequestID", want: "ws_CO_devkit_2"},
		{name: "query", url: base + "/mpesa/stkpushquery/v1/query", status: 500, field: "errorCode", want: "500.001.1001"},
		{name: "unknown", url: base + "/mpesa/b2c/v1/paymentrequest", status: 404, field: "errorCode", want: "404.001.01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := adapter.Do(context.Background(), core.TransportRequest{Method: "POST", URL: tt.url})
			if err != nil {
				t.Fatalf("fake call: %v", err)
			}
			if res.StatusCode != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, res.StatusCode)
			}
			var body map[string]any
			if err := json.Unmarshal(res.Body, &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body[tt.field] != tt.want {
				t.Fatalf("expected %s=%q, got %v", tt.field, tt.want, body[tt.field])
			}
		})
	}

	if pushes := adapter.RequestsTo("/stkpush/v1/"); len(pushes) != 2 {
		t.Fatalf("expected two captured pushes, got %d", len(pushes))
	}
	if all := adapter.Requests(); len(all) != len(tests) {
		t.Fatalf("expected %d captured requests, got %d", len(tests), len(all))
	}
}

func TestFakeTransportAdapter_CapturedRequestsAreCopies(t *testing.T) {
	adapter := NewFakeTransportAdapter("rest", PushAccepted("mr_1", "ws_CO_1"))
	body := []byte(`{"Amount":"50"}`)
	headers := map[string]string{"Authorization": "Bearer tok"}
	if _, err := adapter.Do(context.Background(), core.TransportRequest{URL: "x", Body: body, Headers: headers}); err != nil {
		t.Fatalf("fake call: %v", err)
	}
	body[0] = '['
	headers["Authorization"] = "changed"

	captured := adapter.Requests()[0]
	if captured.Body[0] != '{' || captured.Headers["Authorization"] != "Bearer tok" {
		t.Fatalf("captured request shares memory with caller: %#v", captured)
	}
}

func TestCallbackPayloadShape(t *testing.T) {
	raw := CallbackPayload("mr_1", "ws_CO_1", 0, "ok", PaidItems(50, "ABC123", 254712345678)...)
	var decoded struct {
		Body struct {
			StkCallback struct {
				CheckoutRequestID string
				CallbackMetadata  struct {
					Item []CallbackItem
				}
			} `json:"stkCallback"`
		}
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if decoded.Body.StkCallback.CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("unexpected checkout id %q", decoded.Body.StkCallback.CheckoutRequestID)
	}
	if len(decoded.Body.StkCallback.CallbackMetadata.Item) != 5 {
		t.Fatalf("expected five metadata items, got %d", len(decoded.Body.StkCallback.CallbackMetadata.Item))
	}
}
