package webhooks

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrDeliveryNotFound is returned by ledgers for unknown deliveries.
var ErrDeliveryNotFound = fmt.Errorf("webhooks: delivery not found")

// MemoryDeliveryLedger is the process-local ledger used when no database is
// configured and in tests.
type MemoryDeliveryLedger struct {
	mu       sync.Mutex
	records  map[string]DeliveryRecord
	payloads map[string][]byte
	now      func() time.Time
}

func NewMemoryDeliveryLedger() *MemoryDeliveryLedger {
	return &MemoryDeliveryLedger{
		records:  map[string]DeliveryRecord{},
		payloads: map[string][]byte{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryDeliveryLedger) Claim(
	_ context.Context,
	providerID string,
	deliveryID string,
	payload []byte,
	lease time.Duration,
) (DeliveryRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey(providerID, deliveryID)
	now := l.currentTime()
	if lease <= 0 {
		lease = 30 * time.Second
	}

	record, ok := l.records[key]
	if !ok {
		record = DeliveryRecord{
			ID:         key,
			ProviderID: strings.TrimSpace(providerID),
			DeliveryID: strings.TrimSpace(deliveryID),
			Status:     DeliveryStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		l.payloads[key] = append([]byte(nil), payload...)
	}
	switch record.Status {
	case DeliveryStatusProcessed, DeliveryStatusDead:
		return record, false, nil
	case DeliveryStatusRetryReady, DeliveryStatusProcessing:
		if record.NextAttemptAt != nil && now.Before(record.NextAttemptAt.UTC()) {
			return record, false, nil
		}
	}

	record.Status = DeliveryStatusProcessing
	record.Attempts++
	record.ClaimID = key + ":" + strconv.Itoa(record.Attempts)
	next := now.Add(lease)
	record.NextAttemptAt = &next
	record.UpdatedAt = now
	l.records[key] = record
	return record, true, nil
}

func (l *MemoryDeliveryLedger) Get(_ context.Context, providerID string, deliveryID string) (DeliveryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.records[ledgerKey(providerID, deliveryID)]
	if !ok {
		return DeliveryRecord{}, ErrDeliveryNotFound
	}
	return record, nil
}

func (l *MemoryDeliveryLedger) Complete(_ context.Context, claimID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, attempt, err := parseLedgerClaimID(claimID)
	if err != nil {
		return err
	}
	record, ok := l.records[key]
	if !ok {
		return ErrDeliveryNotFound
	}
	if record.Status != DeliveryStatusProcessing || record.Attempts != attempt {
		return nil
	}
	record.Status = DeliveryStatusProcessed
	record.NextAttemptAt = nil
	record.UpdatedAt = l.currentTime()
	l.records[key] = record
	return nil
}

func (l *MemoryDeliveryLedger) Fail(
	_ context.Context,
	claimID string,
	_ error,
	nextAttemptAt time.Time,
	maxAttempts int,
) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, attempt, err := parseLedgerClaimID(claimID)
	if err != nil {
		return err
	}
	record, ok := l.records[key]
	if !ok {
		return ErrDeliveryNotFound
	}
	if record.Status != DeliveryStatusProcessing || record.Attempts != attempt {
		return nil
	}
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if record.Attempts >= maxAttempts {
		record.Status = DeliveryStatusDead
		record.NextAttemptAt = nil
	} else {
		record.Status = DeliveryStatusRetryReady
		if nextAttemptAt.IsZero() {
			nextAttemptAt = l.currentTime()
		}
		record.NextAttemptAt = &nextAttemptAt
	}
	record.UpdatedAt = l.currentTime()
	l.records[key] = record
	return nil
}

// Payload returns the body stored with the first claim of a delivery.
func (l *MemoryDeliveryLedger) Payload(providerID string, deliveryID string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	payload, ok := l.payloads[ledgerKey(providerID, deliveryID)]
	return append([]byte(nil), payload...), ok
}

func (l *MemoryDeliveryLedger) currentTime() time.Time {
	if l != nil && l.now != nil {
		return l.now().UTC()
	}
	return time.Now().UTC()
}

func ledgerKey(providerID string, deliveryID string) string {
	return strings.TrimSpace(providerID) + ":" + strings.TrimSpace(deliveryID)
}

// parseLedgerClaimID splits "<provider>:<delivery>:<attempt>". Delivery ids
// may contain colons themselves.
func parseLedgerClaimID(claimID string) (string, int, error) {
	parts := strings.Split(strings.TrimSpace(claimID), ":")
	if len(parts) < 3 {
		return "", 0, fmt.Errorf("webhooks: invalid claim id")
	}
	attempt, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || attempt <= 0 {
		return "", 0, fmt.Errorf("webhooks: invalid claim id")
	}
	return strings.Join(parts[:len(parts)-1], ":"), attempt, nil
}

var _ DeliveryLedger = (*MemoryDeliveryLedger)(nil)
