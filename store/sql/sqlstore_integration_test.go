package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-stkpush/core"
	stkmigrations "github.com/goliatone/go-stkpush/migrations"
	"github.com/goliatone/go-stkpush/ratelimit"
	sqlstore "github.com/goliatone/go-stkpush/store/sql"
	"github.com/goliatone/go-stkpush/webhooks"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-stkpush-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{"payment_transactions", "payment_callback_deliveries", "payment_event_outbox", "payment_rate_limit_state"} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestTransactionStore_CreateAndLookup(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	store := factory.TransactionStore()

	created, err := store.Create(ctx, createInput("mr_1", "ws_CO_1", "Nairobi"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.Status != core.TransactionStatusPending {
		t.Fatalf("unexpected created transaction %+v", created)
	}

	byCheckout, err := store.GetByCheckoutRequestID(ctx, "ws_CO_1")
	if err != nil {
		t.Fatalf("get by checkout: %v", err)
	}
	byMerchant, err := store.GetByMerchantRequestID(ctx, "mr_1")
	if err != nil {
		t.Fatalf("get by merchant: %v", err)
	}
	if byCheckout.ID != created.ID || byMerchant.ID != created.ID {
		t.Fatalf("expected lookups to resolve the same row")
	}
	if byCheckout.Amount != 50 || byCheckout.Phone != "254712345678" || byCheckout.Product != "Coke" {
		t.Fatalf("unexpected stored fields %+v", byCheckout)
	}

	if _, err := store.Create(ctx, createInput("mr_2", "ws_CO_1", "Nairobi")); !errors.Is(err, core.ErrDuplicateTransaction) {
		t.Fatalf("expected duplicate transaction error, got %v", err)
	}
	if _, err := store.GetByCheckoutRequestID(ctx, "missing"); !errors.Is(err, core.ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransactionStore_ApplyResultTransitionsOnce(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).TransactionStore()
	if _, err := store.Create(ctx, createInput("mr_1", "ws_CO_1", "Nairobi")); err != nil {
		t.Fatalf("create: %v", err)
	}

	amount := 50.0
	paid := core.PaymentResult{
		MerchantRequestID: "mr_1",
		CheckoutRequestID: "ws_CO_1",
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
		Amount:            &amount,
		ReceiptNumber:     "ABC123",
		PhoneNumber:       "254712345678",
		Source:            core.ResolutionSourceCallback,
	}
	first, err := store.ApplyResult(ctx, paid)
	if err != nil {
		t.Fatalf("apply first: %v", err)
	}
	if !first.Transitioned || first.Previous != core.TransactionStatusPending {
		t.Fatalf("expected first result to transition, got %+v", first)
	}
	if first.Transaction.Status != core.TransactionStatusCompleted || first.Transaction.ReceiptNumber != "ABC123" {
		t.Fatalf("unexpected transitioned row %+v", first.Transaction)
	}

	second, err := store.ApplyResult(ctx, paid)
	if err != nil {
		t.Fatalf("apply second: %v", err)
	}
	if second.Transitioned || second.Enriched {
		t.Fatalf("expected identical redelivery to be a no-op, got %+v", second)
	}

	cancelled := core.PaymentResult{MerchantRequestID: "mr_1", ResultCode: 1032, Source: core.ResolutionSourceQuery}
	third, err := store.ApplyResult(ctx, cancelled)
	if err != nil {
		t.Fatalf("apply conflicting: %v", err)
	}
	if third.Transitioned || third.Transaction.Status != core.TransactionStatusCompleted {
		t.Fatalf("terminal status must not change, got %+v", third)
	}

	stored, err := store.GetByCheckoutRequestID(ctx, "ws_CO_1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.ResultCode == nil || *stored.ResultCode != 0 || stored.ResolvedBy != core.ResolutionSourceCallback {
		t.Fatalf("unexpected stored result %+v", stored)
	}
	if stored.PaidAmount == nil || *stored.PaidAmount != 50 || stored.CompletedAt == nil {
		t.Fatalf("expected paid amount and completion time, got %+v", stored)
	}
}

func TestTransactionStore_ApplyResultEnrichesMissingReceipt(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).TransactionStore()
	if _, err := store.Create(ctx, createInput("mr_1", "ws_CO_1", "Nairobi")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.ApplyResult(ctx, core.PaymentResult{
		CheckoutRequestID: "ws_CO_1",
		ResultCode:        0,
		Source:            core.ResolutionSourceQuery,
	}); err != nil {
		t.Fatalf("apply query result: %v", err)
	}
	outcome, err := store.ApplyResult(ctx, core.PaymentResult{
		MerchantRequestID: "mr_1",
		CheckoutRequestID: "ws_CO_1",
		ResultCode:        0,
		ReceiptNumber:     "ABC123",
		Source:            core.ResolutionSourceCallback,
	})
	if err != nil {
		t.Fatalf("apply callback result: %v", err)
	}
	if outcome.Transitioned || !outcome.Enriched {
		t.Fatalf("expected enrichment without transition, got %+v", outcome)
	}
	if outcome.Transaction.ReceiptNumber != "ABC123" || outcome.Transaction.ResolvedBy != core.ResolutionSourceQuery {
		t.Fatalf("unexpected enriched row %+v", outcome.Transaction)
	}
}

func TestTransactionStore_ConcurrentResultsTransitionExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).TransactionStore()
	if _, err := store.Create(ctx, createInput("mr_1", "ws_CO_1", "Nairobi")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		transitioned int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := core.ResolutionSourceCallback
			if i%2 == 1 {
				source = core.ResolutionSourceQuery
			}
			outcome, err := store.ApplyResult(ctx, core.PaymentResult{
				MerchantRequestID: "mr_1",
				CheckoutRequestID: "ws_CO_1",
				ResultCode:        0,
				Source:            source,
			})
			if err != nil {
				t.Errorf("apply %d: %v", i, err)
				return
			}
			if outcome.Transitioned {
				mu.Lock()
				transitioned++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if transitioned != 1 {
		t.Fatalf("expected exactly one transition, got %d", transitioned)
	}
}

func TestTransactionStore_UnknownResultIsNotFound(t *testing.T) {
	store := newFactory(t).TransactionStore()
	_, err := store.ApplyResult(context.Background(), core.PaymentResult{MerchantRequestID: "nope", ResultCode: 0})
	if !errors.Is(err, core.ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransactionStore_ApplyResultRequiresMatchingIdentifiers(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).TransactionStore()
	if _, err := store.Create(ctx, createInput("mr_1", "ws_CO_1", "Nairobi")); err != nil {
		t.Fatalf("create: %v", err)
	}

	mismatched := []core.PaymentResult{
		{MerchantRequestID: "mr_unknown", CheckoutRequestID: "ws_CO_1", ResultCode: 0},
		{MerchantRequestID: "mr_1", CheckoutRequestID: "ws_CO_other", ResultCode: 0},
	}
	for _, result := range mismatched {
		if _, err := store.ApplyResult(ctx, result); !errors.Is(err, core.ErrTransactionNotFound) {
			t.Fatalf("expected not found for %s/%s, got %v", result.MerchantRequestID, result.CheckoutRequestID, err)
		}
	}
	txn, err := store.GetByCheckoutRequestID(ctx, "ws_CO_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if txn.Status != core.TransactionStatusPending {
		t.Fatalf("expected pending, got %s", txn.Status)
	}

	outcome, err := store.ApplyResult(ctx, core.PaymentResult{CheckoutRequestID: "ws_CO_1", ResultCode: 0})
	if err != nil {
		t.Fatalf("apply by checkout id: %v", err)
	}
	if !outcome.Transitioned {
		t.Fatalf("expected checkout-only result to transition")
	}
}

func TestTransactionStore_ListFiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).TransactionStore()
	branches := []string{"Nairobi", "Mombasa", "nairobi", "Kisumu", "Nairobi"}
	for i, branch := range branches {
		if _, err := store.Create(ctx, createInput(fmt.Sprintf("mr_%d", i), fmt.Sprintf("ws_CO_%d", i), branch)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := store.ApplyResult(ctx, core.PaymentResult{MerchantRequestID: "mr_0", ResultCode: 1032}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	page, err := store.List(ctx, core.TransactionFilter{Branch: "NAIROBI"})
	if err != nil {
		t.Fatalf("list by branch: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 3 {
		t.Fatalf("expected 3 nairobi transactions, got total=%d items=%d", page.Total, len(page.Items))
	}

	failed, err := store.List(ctx, core.TransactionFilter{Status: core.TransactionStatusFailed})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if failed.Total != 1 || failed.Items[0].MerchantRequestID != "mr_0" {
		t.Fatalf("unexpected failed page %+v", failed)
	}

	paged, err := store.List(ctx, core.TransactionFilter{Page: 2, PerPage: 2})
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if paged.Total != 5 || len(paged.Items) != 2 || paged.Page != 2 {
		t.Fatalf("unexpected second page total=%d items=%d page=%d", paged.Total, len(paged.Items), paged.Page)
	}
}

func TestTransactionStore_ListStalePending(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).TransactionStore()
	for i := 0; i < 3; i++ {
		if _, err := store.Create(ctx, createInput(fmt.Sprintf("mr_%d", i), fmt.Sprintf("ws_CO_%d", i), "Nairobi")); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := store.ApplyResult(ctx, core.PaymentResult{MerchantRequestID: "mr_1", ResultCode: 0}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	stale, err := store.ListStalePending(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("expected 2 pending transactions, got %d", len(stale))
	}
	for _, txn := range stale {
		if txn.Status != core.TransactionStatusPending {
			t.Fatalf("expected only pending rows, got %s", txn.Status)
		}
	}

	none, err := store.ListStalePending(ctx, time.Now().UTC().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list stale before creation: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no stale rows older than an hour, got %d", len(none))
	}
}

func TestTransactionStore_ListSinceUntilSameDay(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).TransactionStore()
	if _, err := store.Create(ctx, createInput("mr_1", "ws_CO_1", "Nairobi")); err != nil {
		t.Fatalf("create: %v", err)
	}
	now := time.Now().UTC()
	minuteAgo := now.Add(-time.Minute)
	inMinute := now.Add(time.Minute)

	tests := []struct {
		name   string
		filter core.TransactionFilter
		want   int
	}{
		{name: "since a minute ago", filter: core.TransactionFilter{Since: &minuteAgo}, want: 1},
		{name: "since a minute from now", filter: core.TransactionFilter{Since: &inMinute}, want: 0},
		{name: "until a minute ago", filter: core.TransactionFilter{Until: &minuteAgo}, want: 0},
		{name: "until a minute from now", filter: core.TransactionFilter{Until: &inMinute}, want: 1},
		{name: "window around now", filter: core.TransactionFilter{Since: &minuteAgo, Until: &inMinute}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := store.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if page.Total != tt.want || len(page.Items) != tt.want {
				t.Fatalf("expected %d rows, got total=%d items=%d", tt.want, page.Total, len(page.Items))
			}
		})
	}

	stale, err := store.ListStalePending(ctx, minuteAgo, 10)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected a just-created row not to be stale, got %d", len(stale))
	}
}

func TestCallbackDeliveryStore_ClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	ledger := newFactory(t).CallbackDeliveryStore()

	record, accepted, err := ledger.Claim(ctx, "mpesa", "ws_CO_1:0", []byte(`{"Body":{}}`), time.Minute)
	if err != nil || !accepted {
		t.Fatalf("expected first claim accepted, got accepted=%v err=%v", accepted, err)
	}
	if record.Status != webhooks.DeliveryStatusProcessing || record.Attempts != 1 {
		t.Fatalf("unexpected first claim %+v", record)
	}
	if _, accepted, err := ledger.Claim(ctx, "mpesa", "ws_CO_1:0", nil, time.Minute); err != nil || accepted {
		t.Fatalf("expected leased delivery to be rejected, accepted=%v err=%v", accepted, err)
	}

	if err := ledger.Fail(ctx, record.ClaimID, errors.New("store down"), time.Now().UTC().Add(-time.Second), 3); err != nil {
		t.Fatalf("fail: %v", err)
	}
	failed, err := ledger.Get(ctx, "mpesa", "ws_CO_1:0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if failed.Status != webhooks.DeliveryStatusRetryReady {
		t.Fatalf("expected retry_ready, got %s", failed.Status)
	}

	retried, accepted, err := ledger.Claim(ctx, "mpesa", "ws_CO_1:0", nil, time.Minute)
	if err != nil || !accepted || retried.Attempts != 2 {
		t.Fatalf("expected retry claim accepted with attempt 2, got %+v accepted=%v err=%v", retried, accepted, err)
	}
	if err := ledger.Complete(ctx, record.ClaimID); err != nil {
		t.Fatalf("stale complete: %v", err)
	}
	if current, _ := ledger.Get(ctx, "mpesa", "ws_CO_1:0"); current.Status != webhooks.DeliveryStatusProcessing {
		t.Fatalf("stale claim must not complete a newer attempt, got %s", current.Status)
	}
	if err := ledger.Complete(ctx, retried.ClaimID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, accepted, _ := ledger.Claim(ctx, "mpesa", "ws_CO_1:0", nil, time.Minute); accepted {
		t.Fatalf("processed delivery must not be claimed again")
	}

	payload, err := ledger.Payload(ctx, "mpesa", "ws_CO_1:0")
	if err != nil || string(payload) != `{"Body":{}}` {
		t.Fatalf("expected first payload kept, got %q err=%v", payload, err)
	}
	if _, err := ledger.Get(ctx, "mpesa", "missing"); !errors.Is(err, webhooks.ErrDeliveryNotFound) {
		t.Fatalf("expected delivery not found, got %v", err)
	}
}

func TestCallbackDeliveryStore_DeadAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	ledger := newFactory(t).CallbackDeliveryStore()

	record, _, err := ledger.Claim(ctx, "mpesa", "ws_CO_2:0", nil, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ledger.Fail(ctx, record.ClaimID, errors.New("boom"), time.Now().UTC(), 1); err != nil {
		t.Fatalf("fail: %v", err)
	}
	dead, err := ledger.Get(ctx, "mpesa", "ws_CO_2:0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if dead.Status != webhooks.DeliveryStatusDead {
		t.Fatalf("expected dead delivery, got %s", dead.Status)
	}
}

func TestCallbackDeliveryStore_BacksWebhookProcessor(t *testing.T) {
	ctx := context.Background()
	ledger := newFactory(t).CallbackDeliveryStore()
	calls := 0
	processor := webhooks.NewProcessor(nil, ledger, webhooks.HandlerFunc(func(context.Context, core.InboundRequest) (core.InboundResult, error) {
		calls++
		return core.InboundResult{Accepted: true, StatusCode: 200}, nil
	}))

	req := core.InboundRequest{
		ProviderID: "mpesa",
		Headers:    map[string]string{"X-Delivery-Id": "ws_CO_3:0"},
		Body:       []byte(`{}`),
	}
	for i := 0; i < 2; i++ {
		if _, err := processor.Process(ctx, req); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected duplicate delivery dropped, handler calls=%d", calls)
	}
}

func TestOutboxStore_ClaimAckRetry(t *testing.T) {
	ctx := context.Background()
	outbox := newFactory(t).OutboxStore()

	resultCode := 0
	event := core.PaymentEvent{
		ID:                "evt_1",
		Name:              core.EventSaleCompleted,
		CheckoutRequestID: "ws_CO_1",
		Branch:            "Nairobi",
		Product:           "Coke",
		Amount:            50,
		ResultCode:        &resultCode,
		OccurredAt:        time.Now().UTC().Add(-time.Minute),
		Metadata:          map[string]any{"source": "callback"},
	}
	if err := outbox.Enqueue(ctx, event); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := outbox.Enqueue(ctx, event); err != nil {
		t.Fatalf("re-enqueue must be a no-op: %v", err)
	}
	second := event
	second.ID = "evt_2"
	second.Name = core.EventPaymentCompleted
	if err := outbox.Enqueue(ctx, second); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	claimed, err := outbox.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed events, got %d", len(claimed))
	}
	var sale core.PaymentEvent
	for _, item := range claimed {
		if item.ID == "evt_1" {
			sale = item
		}
	}
	if sale.Branch != "Nairobi" || sale.Product != "Coke" || sale.Amount != 50 || sale.ResultCode == nil {
		t.Fatalf("expected event payload to round trip, got %+v", sale)
	}
	if again, _ := outbox.ClaimBatch(ctx, 10); len(again) != 0 {
		t.Fatalf("claimed events must not be claimed twice, got %d", len(again))
	}

	if err := outbox.Ack(ctx, "evt_1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := outbox.Retry(ctx, "evt_2", errors.New("redis down"), time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("retry: %v", err)
	}
	pending, err := outbox.Pending(ctx)
	if err != nil || pending != 1 {
		t.Fatalf("expected one pending event, got %d err=%v", pending, err)
	}

	retried, err := outbox.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim retried: %v", err)
	}
	if len(retried) != 1 || retried[0].ID != "evt_2" {
		t.Fatalf("expected evt_2 reclaimed, got %+v", retried)
	}
	if err := outbox.Retry(ctx, "evt_2", errors.New("gave up"), time.Time{}); err != nil {
		t.Fatalf("final retry: %v", err)
	}
	if pending, _ := outbox.Pending(ctx); pending != 0 {
		t.Fatalf("expected failed event excluded from pending, got %d", pending)
	}
}

func TestOutboxStore_DrivesDispatcher(t *testing.T) {
	ctx := context.Background()
	outbox := newFactory(t).OutboxStore()
	bus, err := core.NewOutboxPublisher(outbox)
	if err != nil {
		t.Fatalf("new outbox publisher: %v", err)
	}

	txn := core.Transaction{ID: "txn_1", CheckoutRequestID: "ws_CO_1", Branch: "Nairobi", Product: "Coke", Amount: 50}
	if err := bus.Publish(ctx, core.NewPaymentEvent(core.EventSaleCompleted, txn, core.ResolutionSourceCallback, time.Now())); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var delivered []core.PaymentEvent
	dispatcher, err := core.NewOutboxDispatcher(outbox, core.EventHandlerFunc(func(_ context.Context, event core.PaymentEvent) error {
		delivered = append(delivered, event)
		return nil
	}), core.DefaultOutboxDispatcherConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	stats, err := dispatcher.DispatchPending(ctx, 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Delivered != 1 || len(delivered) != 1 || delivered[0].Branch != "Nairobi" {
		t.Fatalf("unexpected dispatch stats=%+v delivered=%+v", stats, delivered)
	}
}

func TestRateLimitStateStore_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	store := factory.RateLimitStateStore()
	key := core.RateLimitKey{ProviderID: "mpesa", Operation: "stk_push", ShortCode: "174379"}

	if _, err := store.Get(ctx, key); !errors.Is(err, ratelimit.ErrStateNotFound) {
		t.Fatalf("expected state not found, got %v", err)
	}

	until := time.Now().UTC().Add(30 * time.Second).Truncate(time.Second)
	if err := store.Upsert(ctx, ratelimit.State{
		Key:            key,
		Strikes:        1,
		ThrottledUntil: &until,
		LastStatus:     429,
		LastFaultCode:  "500.003.02",
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Upsert(ctx, ratelimit.State{Key: key, Strikes: 2, ThrottledUntil: &until, LastStatus: 429}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	state, err := store.Get(ctx, core.RateLimitKey{ProviderID: "MPESA", Operation: "STK_PUSH", ShortCode: " 174379 "})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.Strikes != 2 || state.LastStatus != 429 || state.LastFaultCode != "" {
		t.Fatalf("expected latest upsert to win, got %+v", state)
	}
	if state.ThrottledUntil == nil || !state.ThrottledUntil.Equal(until) {
		t.Fatalf("expected throttled until %v, got %v", until, state.ThrottledUntil)
	}

	if err := store.Upsert(ctx, ratelimit.State{Key: key, LastStatus: 200}); err != nil {
		t.Fatalf("clearing upsert: %v", err)
	}
	state, err = store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get cleared: %v", err)
	}
	if state.Strikes != 0 || state.ThrottledUntil != nil {
		t.Fatalf("expected cleared state, got %+v", state)
	}

	rows, err := factory.DB().NewSelect().Table("payment_rate_limit_state").Count(ctx)
	if err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected upserts to share one row, got %d", rows)
	}
}

func TestRateLimitStateStore_BacksSpikeArrestPolicy(t *testing.T) {
	ctx := context.Background()
	policy := ratelimit.NewSpikeArrestPolicy(newFactory(t).RateLimitStateStore())
	key := core.RateLimitKey{ProviderID: "mpesa", Operation: "stk_push", ShortCode: "174379"}

	if err := policy.BeforeCall(ctx, key); err != nil {
		t.Fatalf("first call must pass: %v", err)
	}
	retryAfter := time.Minute
	if err := policy.AfterCall(ctx, key, core.ProviderResponseMeta{StatusCode: 429, RetryAfter: &retryAfter}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	var throttled ratelimit.ThrottledError
	if err := policy.BeforeCall(ctx, key); !errors.As(err, &throttled) {
		t.Fatalf("expected throttled error from persisted state, got %v", err)
	}
	other := core.RateLimitKey{ProviderID: "mpesa", Operation: "stk_push", ShortCode: "600000"}
	if err := policy.BeforeCall(ctx, other); err != nil {
		t.Fatalf("other shortcode must stay open: %v", err)
	}
}

func TestCachedTransactionReader_CachesSettledRowsOnly(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).TransactionStore()
	counting := &countingReader{base: store}
	reader, err := sqlstore.NewCachedTransactionReader(counting, newCacheService(t))
	if err != nil {
		t.Fatalf("new cached reader: %v", err)
	}
	if _, err := store.Create(ctx, createInput("mr_1", "ws_CO_1", "Nairobi")); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		txn, err := reader.GetByCheckoutRequestID(ctx, "ws_CO_1")
		if err != nil {
			t.Fatalf("get pending %d: %v", i, err)
		}
		if txn.Status != core.TransactionStatusPending {
			t.Fatalf("expected pending, got %s", txn.Status)
		}
	}
	if counting.calls != 2 {
		t.Fatalf("pending rows must not be cached, base calls=%d", counting.calls)
	}

	if _, err := store.ApplyResult(ctx, core.PaymentResult{MerchantRequestID: "mr_1", ResultCode: 0, ReceiptNumber: "ABC123"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	for i := 0; i < 3; i++ {
		txn, err := reader.GetByCheckoutRequestID(ctx, "ws_CO_1")
		if err != nil {
			t.Fatalf("get settled %d: %v", i, err)
		}
		if txn.Status != core.TransactionStatusCompleted || txn.ReceiptNumber != "ABC123" {
			t.Fatalf("unexpected settled row %+v", txn)
		}
	}
	if counting.calls != 3 {
		t.Fatalf("settled row should be served from cache, base calls=%d", counting.calls)
	}

	if _, err := reader.GetByCheckoutRequestID(ctx, "missing"); !errors.Is(err, core.ErrTransactionNotFound) {
		t.Fatalf("expected not found to propagate, got %v", err)
	}
}

type countingReader struct {
	base  core.TransactionReader
	calls int
}

func (r *countingReader) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (core.Transaction, error) {
	r.calls++
	return r.base.GetByCheckoutRequestID(ctx, checkoutRequestID)
}

func createInput(merchantID, checkoutID, branch string) core.CreateTransactionInput {
	return core.CreateTransactionInput{
		MerchantRequestID: merchantID,
		CheckoutRequestID: checkoutID,
		Phone:             "254712345678",
		Amount:            50,
		Branch:            branch,
		Product:           "Coke",
		AccountReference:  "Coke",
		Description:       "Coke",
	}
}

func newFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	t.Cleanup(cleanup)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

func newCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:stkpush-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	fsys, err := stkmigrations.ForDialect(stkmigrations.DialectSQLite)
	if err != nil {
		_ = client.Close()
		t.Fatalf("resolve migrations: %v", err)
	}
	client.RegisterSQLMigrations(fsys)
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
