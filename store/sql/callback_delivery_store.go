package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-stkpush/webhooks"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	defaultDeliveryLease       = 30 * time.Second
	defaultDeliveryMaxAttempts = 8
)

// CallbackDeliveryStore is the durable webhooks.DeliveryLedger. It keeps the
// raw callback body of the first delivery for audit.
type CallbackDeliveryStore struct {
	db   *bun.DB
	repo repository.Repository[*callbackDeliveryRecord]
	now  func() time.Time
}

func NewCallbackDeliveryStore(db *bun.DB) (*CallbackDeliveryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*callbackDeliveryRecord](db, callbackDeliveryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid callback delivery repository wiring: %w", err)
		}
	}
	return &CallbackDeliveryStore{
		db:   db,
		repo: repo,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *CallbackDeliveryStore) Claim(
	ctx context.Context,
	providerID string,
	deliveryID string,
	payload []byte,
	lease time.Duration,
) (webhooks.DeliveryRecord, bool, error) {
	if s == nil || s.db == nil {
		return webhooks.DeliveryRecord{}, false, fmt.Errorf("sqlstore: callback delivery store is not configured")
	}
	providerID = strings.TrimSpace(providerID)
	deliveryID = strings.TrimSpace(deliveryID)
	if providerID == "" || deliveryID == "" {
		return webhooks.DeliveryRecord{}, false, fmt.Errorf("sqlstore: provider id and delivery id are required")
	}
	if lease <= 0 {
		lease = defaultDeliveryLease
	}
	now := s.now()
	leaseUntil := now.Add(lease)

	record := &callbackDeliveryRecord{
		ID:            uuid.NewString(),
		ProviderID:    providerID,
		DeliveryID:    deliveryID,
		Status:        webhooks.DeliveryStatusProcessing,
		Attempts:      1,
		NextAttemptAt: &leaseUntil,
		Payload:       append([]byte(nil), payload...),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.repo.Create(ctx, record); err == nil {
		return callbackDeliveryToDomain(record), true, nil
	} else if !isUniqueViolation(err) {
		return webhooks.DeliveryRecord{}, false, err
	}

	existing, err := s.find(ctx, providerID, deliveryID)
	if err != nil {
		return webhooks.DeliveryRecord{}, false, err
	}
	switch existing.Status {
	case webhooks.DeliveryStatusProcessed, webhooks.DeliveryStatusDead:
		return callbackDeliveryToDomain(existing), false, nil
	case webhooks.DeliveryStatusRetryReady, webhooks.DeliveryStatusProcessing:
		if existing.NextAttemptAt != nil && now.Before(existing.NextAttemptAt.UTC()) {
			return callbackDeliveryToDomain(existing), false, nil
		}
	}

	res, err := s.db.NewUpdate().
		Model((*callbackDeliveryRecord)(nil)).
		Set("status = ?", webhooks.DeliveryStatusProcessing).
		Set("attempts = ?", existing.Attempts+1).
		Set("next_attempt_at = ?", leaseUntil).
		Set("updated_at = ?", now).
		Where("id = ?", existing.ID).
		Where("attempts = ?", existing.Attempts).
		Exec(ctx)
	if err != nil {
		return webhooks.DeliveryRecord{}, false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return callbackDeliveryToDomain(existing), false, nil
	}
	existing.Status = webhooks.DeliveryStatusProcessing
	existing.Attempts++
	existing.NextAttemptAt = &leaseUntil
	existing.UpdatedAt = now
	return callbackDeliveryToDomain(existing), true, nil
}

func (s *CallbackDeliveryStore) Get(
	ctx context.Context,
	providerID string,
	deliveryID string,
) (webhooks.DeliveryRecord, error) {
	record, err := s.find(ctx, providerID, deliveryID)
	if err != nil {
		return webhooks.DeliveryRecord{}, err
	}
	return callbackDeliveryToDomain(record), nil
}

// Payload returns the raw body stored with the first delivery.
func (s *CallbackDeliveryStore) Payload(ctx context.Context, providerID string, deliveryID string) ([]byte, error) {
	record, err := s.find(ctx, providerID, deliveryID)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), record.Payload...), nil
}

func (s *CallbackDeliveryStore) Complete(ctx context.Context, claimID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: callback delivery store is not configured")
	}
	id, attempt, err := parseDeliveryClaimID(claimID)
	if err != nil {
		return err
	}
	_, err = s.db.NewUpdate().
		Model((*callbackDeliveryRecord)(nil)).
		Set("status = ?", webhooks.DeliveryStatusProcessed).
		Set("next_attempt_at = NULL").
		Set("last_error = ?", "").
		Set("updated_at = ?", s.now()).
		Where("id = ?", id).
		Where("attempts = ?", attempt).
		Where("status = ?", webhooks.DeliveryStatusProcessing).
		Exec(ctx)
	return err
}

func (s *CallbackDeliveryStore) Fail(
	ctx context.Context,
	claimID string,
	cause error,
	nextAttemptAt time.Time,
	maxAttempts int,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: callback delivery store is not configured")
	}
	id, attempt, err := parseDeliveryClaimID(claimID)
	if err != nil {
		return err
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultDeliveryMaxAttempts
	}
	lastError := ""
	if cause != nil {
		lastError = strings.TrimSpace(cause.Error())
	}

	query := s.db.NewUpdate().
		Model((*callbackDeliveryRecord)(nil)).
		Set("last_error = ?", lastError).
		Set("updated_at = ?", s.now())
	if attempt >= maxAttempts {
		query = query.
			Set("status = ?", webhooks.DeliveryStatusDead).
			Set("next_attempt_at = NULL")
	} else {
		if nextAttemptAt.IsZero() {
			nextAttemptAt = s.now()
		}
		query = query.
			Set("status = ?", webhooks.DeliveryStatusRetryReady).
			Set("next_attempt_at = ?", nextAttemptAt.UTC())
	}
	_, err = query.
		Where("id = ?", id).
		Where("attempts = ?", attempt).
		Where("status = ?", webhooks.DeliveryStatusProcessing).
		Exec(ctx)
	return err
}

func (s *CallbackDeliveryStore) find(ctx context.Context, providerID string, deliveryID string) (*callbackDeliveryRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: callback delivery store is not configured")
	}
	record := &callbackDeliveryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.provider_id = ?", strings.TrimSpace(providerID)).
		Where("?TableAlias.delivery_id = ?", strings.TrimSpace(deliveryID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf(
				"%w: provider %q delivery %q",
				webhooks.ErrDeliveryNotFound,
				providerID,
				deliveryID,
			)
		}
		return nil, err
	}
	return record, nil
}

func callbackDeliveryToDomain(record *callbackDeliveryRecord) webhooks.DeliveryRecord {
	if record == nil {
		return webhooks.DeliveryRecord{}
	}
	result := webhooks.DeliveryRecord{
		ID:         record.ID,
		ClaimID:    record.ID + ":" + strconv.Itoa(record.Attempts),
		ProviderID: record.ProviderID,
		DeliveryID: record.DeliveryID,
		Status:     record.Status,
		Attempts:   record.Attempts,
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	}
	if record.NextAttemptAt != nil {
		value := record.NextAttemptAt.UTC()
		result.NextAttemptAt = &value
	}
	return result
}

func parseDeliveryClaimID(claimID string) (string, int, error) {
	claimID = strings.TrimSpace(claimID)
	idx := strings.LastIndex(claimID, ":")
	if idx <= 0 || idx == len(claimID)-1 {
		return "", 0, fmt.Errorf("sqlstore: invalid delivery claim id %q", claimID)
	}
	attempt, err := strconv.Atoi(claimID[idx+1:])
	if err != nil || attempt <= 0 {
		return "", 0, fmt.Errorf("sqlstore: invalid delivery claim id %q", claimID)
	}
	return claimID[:idx], attempt, nil
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

var _ webhooks.DeliveryLedger = (*CallbackDeliveryStore)(nil)
