package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-stkpush/core"
	"github.com/goliatone/go-stkpush/ratelimit"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RateLimitStateStore keeps one spike arrest record per shortcode and
// operation so every replica honours the same backoff window.
type RateLimitStateStore struct {
	db *bun.DB
}

func NewRateLimitStateStore(db *bun.DB) (*RateLimitStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &RateLimitStateStore{db: db}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, key core.RateLimitKey) (ratelimit.State, error) {
	if s == nil || s.db == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	key, err := rateLimitKey(key)
	if err != nil {
		return ratelimit.State{}, err
	}
	record := &rateLimitStateRecord{}
	err = s.db.NewSelect().
		Model(record).
		Where("?TableAlias.provider_id = ?", key.ProviderID).
		Where("?TableAlias.operation = ?", key.Operation).
		Where("?TableAlias.short_code = ?", key.ShortCode).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	if err != nil {
		return ratelimit.State{}, err
	}
	return record.toDomain(), nil
}

// Upsert writes the state in one statement keyed by the unique
// (provider_id, operation, short_code) index.
func (s *RateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	key, err := rateLimitKey(state.Key)
	if err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	state = state.Clone()
	record := &rateLimitStateRecord{
		ID:             uuid.NewString(),
		ProviderID:     key.ProviderID,
		Operation:      key.Operation,
		ShortCode:      key.ShortCode,
		Strikes:        state.Strikes,
		ThrottledUntil: state.ThrottledUntil,
		LastStatus:     state.LastStatus,
		LastFaultCode:  state.LastFaultCode,
		CreatedAt:      state.UpdatedAt.UTC(),
		UpdatedAt:      state.UpdatedAt.UTC(),
	}
	_, err = s.db.NewInsert().
		Model(record).
		On("CONFLICT (provider_id, operation, short_code) DO UPDATE").
		Set("strikes = EXCLUDED.strikes").
		Set("throttled_until = EXCLUDED.throttled_until").
		Set("last_status = EXCLUDED.last_status").
		Set("last_fault_code = EXCLUDED.last_fault_code").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (r *rateLimitStateRecord) toDomain() ratelimit.State {
	state := ratelimit.State{
		Key: core.RateLimitKey{
			ProviderID: r.ProviderID,
			Operation:  r.Operation,
			ShortCode:  r.ShortCode,
		},
		Strikes:        r.Strikes,
		ThrottledUntil: r.ThrottledUntil,
		LastStatus:     r.LastStatus,
		LastFaultCode:  r.LastFaultCode,
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	return state.Clone()
}

func rateLimitKey(key core.RateLimitKey) (core.RateLimitKey, error) {
	key = key.Normalize()
	if key.ProviderID == "" || key.Operation == "" {
		return core.RateLimitKey{}, fmt.Errorf("sqlstore: rate-limit provider id and operation are required")
	}
	return key, nil
}
