package devkit

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"

	"github.com/goliatone/go-stkpush/core"
)

// Daraja endpoint suffixes the fake answers when it runs out of scripts.
const (
	tokenEndpoint = "/oauth/v1/generate"
	pushEndpoint  = "/mpesa/stkpush/v1/processrequest"
	queryEndpoint = "/mpesa/stkpushquery/v1/query"
)

// TransportScript is one scripted reply. The last script repeats once the
// list is exhausted.
type TransportScript struct {
	Response core.TransportResponse
	Err      error
}

// FakeTransportAdapter stands in for the Daraja API. Calls consume scripts in
// order. Without scripts it answers like a healthy sandbox: a token for the
// OAuth endpoint, an accepted push with sequential IDs, and "still processing"
// for status queries.
type FakeTransportAdapter struct {
	mu       sync.Mutex
	kind     string
	scripts  []TransportScript
	requests []core.TransportRequest
	pushes   int
}

func NewFakeTransportAdapter(kind string, scripts ...TransportScript) *FakeTransportAdapter {
	return &FakeTransportAdapter{
		kind:    strings.TrimSpace(strings.ToLower(kind)),
		scripts: append([]TransportScript(nil), scripts...),
	}
}

func (a *FakeTransportAdapter) Kind() string {
	if a == nil {
		return ""
	}
	return a.kind
}

func (a *FakeTransportAdapter) Do(_ context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil {
		return core.TransportResponse{}, fmt.Errorf("devkit: fake transport adapter is nil")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.requests = append(a.requests, copyRequest(req))
	script, ok := a.next()
	if !ok {
		script = a.sandboxReply(req.URL)
	}
	return copyResponse(script.Response), script.Err
}

func (a *FakeTransportAdapter) next() (TransportScript, bool) {
	if len(a.scripts) == 0 {
		return TransportScript{}, false
	}
	index := min(len(a.requests)-1, len(a.scripts)-1)
	return a.scripts[index], true
}

func (a *FakeTransportAdapter) sandboxReply(url string) TransportScript {
	path := url
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	switch {
	case strings.HasSuffix(path, tokenEndpoint):
		return TokenResponse("devkit_token")
	case strings.HasSuffix(path, pushEndpoint):
		a.pushes++
		return PushAccepted(fmt.Sprintf("mr_devkit_%d", a.pushes), fmt.Sprintf("ws_CO_devkit_%d", a.pushes))
	case strings.HasSuffix(path, queryEndpoint):
		return QueryProcessing()
	default:
		return ProviderFault(http.StatusNotFound, "404.001.01", "Resource not found")
	}
}

// Requests returns copies of every captured call.
func (a *FakeTransportAdapter) Requests() []core.TransportRequest {
	return a.RequestsTo("")
}

// RequestsTo returns captured calls whose URL contains fragment.
func (a *FakeTransportAdapter) RequestsTo(fragment string) []core.TransportRequest {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]core.TransportRequest, 0, len(a.requests))
	for _, item := range a.requests {
		if strings.Contains(item.URL, fragment) {
			out = append(out, copyRequest(item))
		}
	}
	return out
}

func copyRequest(in core.TransportRequest) core.TransportRequest {
	out := in
	out.Headers = maps.Clone(in.Headers)
	out.Query = maps.Clone(in.Query)
	out.Metadata = maps.Clone(in.Metadata)
	out.Body = append([]byte(nil), in.Body...)
	return out
}

func copyResponse(in core.TransportResponse) core.TransportResponse {
	out := in
	out.Headers = maps.Clone(in.Headers)
	out.Metadata = maps.Clone(in.Metadata)
	out.Body = append([]byte(nil), in.Body...)
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	return out
}

var _ core.TransportAdapter = (*FakeTransportAdapter)(nil)
