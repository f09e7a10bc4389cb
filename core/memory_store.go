package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTransactionStore keeps transactions in process. It serialises
// ApplyResult with a mutex, which gives the same single-transition guarantee
// the SQL store gets from its conditional update.
type MemoryTransactionStore struct {
	mu         sync.Mutex
	byID       map[string]*Transaction
	byCheckout map[string]string
	byMerchant map[string]string
	now        func() time.Time
}

func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{
		byID:       map[string]*Transaction{},
		byCheckout: map[string]string{},
		byMerchant: map[string]string{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *MemoryTransactionStore) Create(_ context.Context, in CreateTransactionInput) (Transaction, error) {
	if err := in.Validate(); err != nil {
		return Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	merchantID := strings.TrimSpace(in.MerchantRequestID)
	checkoutID := strings.TrimSpace(in.CheckoutRequestID)
	if _, exists := s.byCheckout[checkoutID]; exists {
		return Transaction{}, fmt.Errorf("%w: checkout request id %q", ErrDuplicateTransaction, checkoutID)
	}
	if _, exists := s.byMerchant[merchantID]; exists {
		return Transaction{}, fmt.Errorf("%w: merchant request id %q", ErrDuplicateTransaction, merchantID)
	}

	now := s.now()
	txn := &Transaction{
		ID:                uuid.NewString(),
		MerchantRequestID: merchantID,
		CheckoutRequestID: checkoutID,
		Phone:             strings.TrimSpace(in.Phone),
		Amount:            in.Amount,
		Branch:            strings.TrimSpace(in.Branch),
		Product:           strings.TrimSpace(in.Product),
		AccountReference:  strings.TrimSpace(in.AccountReference),
		Description:       strings.TrimSpace(in.Description),
		Status:            TransactionStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.byID[txn.ID] = txn
	s.byCheckout[checkoutID] = txn.ID
	s.byMerchant[merchantID] = txn.ID
	return CloneTransaction(*txn), nil
}

func (s *MemoryTransactionStore) GetByCheckoutRequestID(_ context.Context, checkoutRequestID string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.lookup(s.byCheckout, checkoutRequestID)
	if txn == nil {
		return Transaction{}, ErrTransactionNotFound
	}
	return CloneTransaction(*txn), nil
}

func (s *MemoryTransactionStore) GetByMerchantRequestID(_ context.Context, merchantRequestID string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.lookup(s.byMerchant, merchantRequestID)
	if txn == nil {
		return Transaction{}, ErrTransactionNotFound
	}
	return CloneTransaction(*txn), nil
}

func (s *MemoryTransactionStore) ApplyResult(_ context.Context, result PaymentResult) (TransitionOutcome, error) {
	if err := result.Validate(); err != nil {
		return TransitionOutcome{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.resultTarget(result)
	if txn == nil {
		return TransitionOutcome{}, ErrTransactionNotFound
	}
	previous := txn.Status
	transitioned, enriched := ApplyPaymentResult(txn, result)
	return TransitionOutcome{
		Transaction:  CloneTransaction(*txn),
		Previous:     previous,
		Transitioned: transitioned,
		Enriched:     enriched,
	}, nil
}

// resultTarget must be called with s.mu held.
func (s *MemoryTransactionStore) resultTarget(result PaymentResult) *Transaction {
	checkoutID := strings.TrimSpace(result.CheckoutRequestID)
	if strings.TrimSpace(result.MerchantRequestID) == "" {
		return s.lookup(s.byCheckout, checkoutID)
	}
	txn := s.lookup(s.byMerchant, result.MerchantRequestID)
	if txn == nil || (checkoutID != "" && txn.CheckoutRequestID != checkoutID) {
		return nil
	}
	return txn
}

func (s *MemoryTransactionStore) List(_ context.Context, filter TransactionFilter) (TransactionPage, error) {
	filter = filter.Normalize()
	s.mu.Lock()
	matches := make([]Transaction, 0, len(s.byID))
	for _, txn := range s.byID {
		if matchesFilter(*txn, filter) {
			matches = append(matches, CloneTransaction(*txn))
		}
	}
	s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	page := TransactionPage{Total: len(matches), Page: filter.Page, PerPage: filter.PerPage}
	start := filter.Offset()
	if start >= len(matches) {
		page.Items = []Transaction{}
		return page, nil
	}
	end := start + filter.PerPage
	if end > len(matches) {
		end = len(matches)
	}
	page.Items = matches[start:end]
	return page, nil
}

func (s *MemoryTransactionStore) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]Transaction, error) {
	s.mu.Lock()
	stale := make([]Transaction, 0)
	for _, txn := range s.byID {
		if txn.Status == TransactionStatusPending && txn.CreatedAt.Before(olderThan) {
			stale = append(stale, CloneTransaction(*txn))
		}
	}
	s.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *MemoryTransactionStore) lookup(index map[string]string, key string) *Transaction {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	id, ok := index[key]
	if !ok {
		return nil
	}
	return s.byID[id]
}

func matchesFilter(txn Transaction, filter TransactionFilter) bool {
	if filter.Status != "" && txn.Status != filter.Status {
		return false
	}
	if filter.Branch != "" && !strings.EqualFold(txn.Branch, filter.Branch) {
		return false
	}
	if filter.Phone != "" && txn.Phone != filter.Phone {
		return false
	}
	if filter.Since != nil && txn.CreatedAt.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && !txn.CreatedAt.Before(*filter.Until) {
		return false
	}
	return true
}

type memoryOutboxEntry struct {
	event         PaymentEvent
	status        string
	attempts      int
	nextAttemptAt time.Time
	lastError     string
	createdAt     time.Time
}

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusDelivered  = "delivered"
	outboxStatusFailed     = "failed"
)

// MemoryOutboxStore is an in-process OutboxStore for tests and single-node
// setups without a database.
type MemoryOutboxStore struct {
	mu      sync.Mutex
	entries map[string]*memoryOutboxEntry
	order   []string
	now     func() time.Time
}

func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{
		entries: map[string]*memoryOutboxEntry{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *MemoryOutboxStore) Enqueue(_ context.Context, event PaymentEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strings.TrimSpace(event.ID)
	if _, exists := s.entries[id]; exists {
		return nil
	}
	s.entries[id] = &memoryOutboxEntry{
		event:     clonePaymentEvent(event),
		status:    outboxStatusPending,
		createdAt: s.now(),
	}
	s.order = append(s.order, id)
	return nil
}

func (s *MemoryOutboxStore) ClaimBatch(_ context.Context, limit int) ([]PaymentEvent, error) {
	if limit <= 0 {
		limit = DefaultOutboxDispatcherConfig().BatchSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	claimed := make([]PaymentEvent, 0, limit)
	for _, id := range s.order {
		if len(claimed) >= limit {
			break
		}
		entry := s.entries[id]
		if entry == nil || entry.status != outboxStatusPending {
			continue
		}
		if !entry.nextAttemptAt.IsZero() && entry.nextAttemptAt.After(now) {
			continue
		}
		entry.status = outboxStatusProcessing
		event := clonePaymentEvent(entry.event)
		event.Metadata[MetadataKeyOutboxAttempts] = entry.attempts
		claimed = append(claimed, event)
	}
	return claimed, nil
}

func (s *MemoryOutboxStore) Ack(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[strings.TrimSpace(eventID)]
	if !ok {
		return fmt.Errorf("core: outbox event %q not found", eventID)
	}
	entry.status = outboxStatusDelivered
	return nil
}

// Retry reschedules a claimed event. A zero nextAttemptAt marks it failed.
func (s *MemoryOutboxStore) Retry(_ context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[strings.TrimSpace(eventID)]
	if !ok {
		return fmt.Errorf("core: outbox event %q not found", eventID)
	}
	entry.attempts++
	if cause != nil {
		entry.lastError = cause.Error()
	}
	if nextAttemptAt.IsZero() {
		entry.status = outboxStatusFailed
		return nil
	}
	entry.status = outboxStatusPending
	entry.nextAttemptAt = nextAttemptAt.UTC()
	return nil
}

// Pending counts events not yet delivered or failed.
func (s *MemoryOutboxStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, entry := range s.entries {
		if entry.status == outboxStatusPending || entry.status == outboxStatusProcessing {
			count++
		}
	}
	return count
}
