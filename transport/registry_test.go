package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-stkpush/core"
)

type staticAdapter struct {
	kind string
}

func (a staticAdapter) Kind() string { return a.kind }

func (a staticAdapter) Do(context.Context, core.TransportRequest) (core.TransportResponse, error) {
	return core.TransportResponse{StatusCode: 200}, nil
}

func TestRegistry_RegisterGetAndListDeterministic(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(staticAdapter{kind: "stub"}); err != nil {
		t.Fatalf("register stub adapter: %v", err)
	}
	if err := registry.Register(staticAdapter{kind: "rest"}); err != nil {
		t.Fatalf("register rest adapter: %v", err)
	}

	if _, ok := registry.Get("REST"); !ok {
		t.Fatalf("expected rest adapter to be registered")
	}
	listed := registry.List()
	if len(listed) != 2 || listed[0].Kind() != "rest" || listed[1].Kind() != "stub" {
		t.Fatalf("expected deterministic sorted order, got %v", listed)
	}
	if err := registry.Register(staticAdapter{kind: "rest"}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestDefaultRegistry_BuildsRESTWithTimeout(t *testing.T) {
	registry := NewDefaultRegistry()
	adapter, err := registry.Build(KindREST, map[string]any{"timeout": 7 * time.Second})
	if err != nil {
		t.Fatalf("build rest adapter: %v", err)
	}
	rest, ok := adapter.(*RESTAdapter)
	if !ok {
		t.Fatalf("expected rest adapter, got %T", adapter)
	}
	if client := rest.Client.(*http.Client); client.Timeout != 7*time.Second {
		t.Fatalf("expected 7s timeout, got %s", client.Timeout)
	}
	if _, err := registry.Build(KindREST, map[string]any{"timeout": "soon"}); err == nil {
		t.Fatalf("expected invalid timeout error")
	}
	if _, err := registry.Build("graphql", nil); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestRESTAdapter_DoSendsMethodHeadersAndQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if got := r.URL.Query().Get("grant_type"); got != "client_credentials" {
			t.Errorf("expected query value, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected header value, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"a":1}` {
			t.Errorf("unexpected request body %q", string(body))
		}
		w.Header().Set("X-Server", "ok")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("done"))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	result, err := adapter.Do(context.Background(), core.TransportRequest{
		Method:  "post",
		URL:     server.URL,
		Query:   map[string]string{"grant_type": "client_credentials"},
		Headers: map[string]string{"Authorization": "Bearer tok"},
		Body:    []byte(`{"a":1}`),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("perform rest request: %v", err)
	}
	if result.StatusCode != http.StatusAccepted || string(result.Body) != "done" || result.Headers["X-Server"] != "ok" {
		t.Fatalf("unexpected response: %+v", result)
	}
}

func TestNewRESTAdapter_DefaultClientTimeout(t *testing.T) {
	adapter := NewRESTAdapter(nil)
	httpClient, ok := adapter.Client.(*http.Client)
	if !ok {
		t.Fatalf("expected default http client implementation")
	}
	if httpClient.Timeout != core.DefaultHTTPTimeout {
		t.Fatalf("expected default timeout %s, got %s", core.DefaultHTTPTimeout, httpClient.Timeout)
	}
}

func TestRESTAdapter_RequestBodyLimitOverridesAdapterLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	adapter.MaxResponseBodyBytes = 1024
	_, err := adapter.Do(context.Background(), core.TransportRequest{
		Method:               "GET",
		URL:                  server.URL,
		MaxResponseBodyBytes: 4,
	})
	if err == nil || !strings.Contains(err.Error(), "response body exceeds limit of 4 bytes") {
		t.Fatalf("unexpected error: %v", err)
	}
}
