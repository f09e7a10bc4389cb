package core

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryTransactionStore_ConcurrentApplyTransitionsOnce(t *testing.T) {
	store := NewMemoryTransactionStore()
	ctx := context.Background()
	if _, err := store.Create(ctx, CreateTransactionInput{
		MerchantRequestID: "mr_1",
		CheckoutRequestID: "ws_CO_1",
		Phone:             "254712345678",
		Amount:            50,
		Branch:            "Nairobi",
		Product:           "Coke",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := ResolutionSourceCallback
			if i%2 == 0 {
				source = ResolutionSourceQuery
			}
			outcome, err := store.ApplyResult(ctx, PaymentResult{MerchantRequestID: "mr_1", CheckoutRequestID: "ws_CO_1", ResultCode: 0, Source: source})
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if outcome.Transitioned {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if transitions != 1 {
		t.Fatalf("expected exactly one transition, got %d", transitions)
	}
}

func TestMemoryTransactionStore_CreateRejectsDuplicates(t *testing.T) {
	store := NewMemoryTransactionStore()
	ctx := context.Background()
	in := CreateTransactionInput{MerchantRequestID: "mr_1", CheckoutRequestID: "ws_1", Phone: "254712345678", Amount: 1, Branch: "b", Product: "p"}
	if _, err := store.Create(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}
	in.MerchantRequestID = "mr_2"
	if _, err := store.Create(ctx, in); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := store.ApplyResult(ctx, PaymentResult{MerchantRequestID: "mr_missing", ResultCode: 0}); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
