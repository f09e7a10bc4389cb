package core

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seedPending(t *testing.T, svc *Service, store *MemoryTransactionStore, createdAt time.Time) string {
	t.Helper()
	store.now = fixedClock(createdAt)
	result, err := svc.Initiate(context.Background(), InitiateRequest{Phone: "0712345678", Amount: 20, Branch: "Kisumu", Product: "Tea"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	return result.CheckoutRequestID
}

func TestPendingSweeper_ResolvesAndExpiresStaleRows(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	pushes := 0
	provider := &stubProvider{
		pushFn: func(context.Context, PushRequest) (PushResponse, error) {
			pushes++
			return PushResponse{
				MerchantRequestID: fmt.Sprintf("mr_%d", pushes),
				CheckoutRequestID: fmt.Sprintf("ws_%d", pushes),
				ResponseCode:      "0",
			}, nil
		},
		queryFn: func(_ context.Context, req QueryRequest) (QueryResponse, error) {
			switch req.CheckoutRequestID {
			case "ws_1":
				return QueryResponse{CheckoutRequestID: "ws_1", ResultCode: intPtr(0), ResultDesc: "ok"}, nil
			default:
				return QueryResponse{CheckoutRequestID: req.CheckoutRequestID, Processing: true}, nil
			}
		},
	}
	svc, store, publisher := newTestService(t, provider, WithClock(fixedClock(now)))

	seedPending(t, svc, store, now.Add(-5*time.Minute))
	seedPending(t, svc, store, now.Add(-10*time.Minute))
	seedPending(t, svc, store, now.Add(-4*time.Minute))
	fresh := seedPending(t, svc, store, now.Add(-30*time.Second))

	sweeper, err := NewPendingSweeper(svc, SweeperConfigOptions{StaleAfter: 2 * time.Minute, ExpireAfter: 8 * time.Minute})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	stats, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Scanned != 3 || stats.Resolved != 1 || stats.Expired != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	completed, _ := store.GetByCheckoutRequestID(context.Background(), "ws_1")
	if completed.Status != TransactionStatusCompleted || completed.ResolvedBy != ResolutionSourceQuery {
		t.Fatalf("expected ws_1 completed by query, got %+v", completed)
	}
	expired, _ := store.GetByCheckoutRequestID(context.Background(), "ws_2")
	if expired.Status != TransactionStatusFailed || expired.ResultCode == nil || *expired.ResultCode != ResultCodeLocalExpiry {
		t.Fatalf("expected ws_2 expired locally, got %+v", expired)
	}
	if expired.ResolvedBy != ResolutionSourceSweeper {
		t.Fatalf("expected sweeper resolution, got %q", expired.ResolvedBy)
	}
	still, _ := store.GetByCheckoutRequestID(context.Background(), fresh)
	if still.Status != TransactionStatusPending {
		t.Fatalf("fresh row must stay pending")
	}
	if len(publisher.named(EventSaleCompleted)) != 1 || len(publisher.named(EventPaymentFailed)) != 1 {
		t.Fatalf("unexpected events: %+v", publisher.events)
	}
}

func TestPendingSweeper_SkipsWhenUnconfigured(t *testing.T) {
	svc, err := NewService(DefaultConfig(), WithLogger(stubLogger{}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	sweeper, err := NewPendingSweeperFromConfig(svc, DefaultConfig().Sweeper)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if _, err := sweeper.Sweep(context.Background()); err == nil {
		t.Fatalf("expected configuration error")
	}
	if _, err := NewPendingSweeper(nil, SweeperConfigOptions{}); err == nil {
		t.Fatalf("expected nil service error")
	}
}
