package core

import (
	"context"
	"sync"
	"time"
)

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.values) == 0 {
		return map[string]any{}, nil
	}
	return l.values, nil
}

type stubProvider struct {
	mu         sync.Mutex
	pushCalls  int
	queryCalls int
	pushFn     func(ctx context.Context, req PushRequest) (PushResponse, error)
	queryFn    func(ctx context.Context, req QueryRequest) (QueryResponse, error)
	lastPush   PushRequest
}

func (p *stubProvider) ID() string { return "mpesa" }

func (p *stubProvider) PushPayment(ctx context.Context, req PushRequest) (PushResponse, error) {
	p.mu.Lock()
	p.pushCalls++
	p.lastPush = req
	p.mu.Unlock()
	if p.pushFn != nil {
		return p.pushFn(ctx, req)
	}
	return PushResponse{
		MerchantRequestID:   "mr_1",
		CheckoutRequestID:   "ws_CO_1",
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}, nil
}

func (p *stubProvider) QueryPayment(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	p.mu.Lock()
	p.queryCalls++
	p.mu.Unlock()
	if p.queryFn != nil {
		return p.queryFn(ctx, req)
	}
	return QueryResponse{CheckoutRequestID: req.CheckoutRequestID, Processing: true}, nil
}

func (p *stubProvider) calls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushCalls, p.queryCalls
}

type stubTokenSource struct {
	token       string
	err         error
	calls       int
	invalidated int
}

func (s *stubTokenSource) Token(context.Context) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

func (s *stubTokenSource) Invalidate() { s.invalidated++ }

type stubCallbackParser struct {
	parseFn func(raw []byte) (PaymentResult, error)
}

func (p stubCallbackParser) ParseCallback(raw []byte) (PaymentResult, error) {
	return p.parseFn(raw)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []PaymentEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) named(name string) []PaymentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []PaymentEvent{}
	for _, event := range p.events {
		if event.Name == name {
			out = append(out, event)
		}
	}
	return out
}

func configuredConfig() Config {
	cfg := DefaultConfig()
	cfg.Mpesa.ConsumerKey = "key"
	cfg.Mpesa.ConsumerSecret = "secret"
	cfg.Mpesa.ShortCode = "174379"
	cfg.Mpesa.PassKey = "passkey"
	cfg.Mpesa.CallbackURL = "https://example.com/mpesa/callback"
	return cfg
}

func intPtr(value int) *int {
	return &value
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
