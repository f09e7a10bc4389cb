// Package ratelimit backs off Daraja calls after spike arrest replies.
//
// Daraja publishes no quota headers. It answers bursts on a shortcode with a
// 429 or a 500.003.02 fault, and the provider adapter reports both as 429.
// SpikeArrestPolicy counts consecutive strikes per shortcode and operation
// and refuses calls until the backoff window has passed.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-stkpush/core"
)

const (
	DefaultBaseDelay = 2 * time.Second
	DefaultMaxDelay  = time.Minute

	// MetadataKeyFaultCode is read from the response metadata the provider
	// adapter attaches to each reply.
	MetadataKeyFaultCode = "mpesa_error_code"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// State is the throttle record for one key. A zero Strikes with no
// ThrottledUntil means the key is healthy.
type State struct {
	Key            core.RateLimitKey
	Strikes        int
	ThrottledUntil *time.Time
	LastStatus     int
	LastFaultCode  string
	UpdatedAt      time.Time
}

// Remaining returns how long the key stays blocked at now.
func (s State) Remaining(now time.Time) time.Duration {
	if s.ThrottledUntil == nil || !now.Before(*s.ThrottledUntil) {
		return 0
	}
	return s.ThrottledUntil.Sub(now)
}

// Clone copies the throttle deadline so callers cannot alias stored state.
func (s State) Clone() State {
	if s.ThrottledUntil != nil {
		until := s.ThrottledUntil.UTC()
		s.ThrottledUntil = &until
	}
	return s
}

func (s State) healthy() bool {
	return s.Strikes == 0 && s.ThrottledUntil == nil
}

type StateStore interface {
	Get(ctx context.Context, key core.RateLimitKey) (State, error)
	Upsert(ctx context.Context, state State) error
}

type ThrottledError struct {
	Key        core.RateLimitKey
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: %s throttled for %s", e.Key.Normalize(), e.RetryAfter.Round(time.Millisecond))
}

// ToServiceError converts the throttle into the payment error envelope.
func (e ThrottledError) ToServiceError() *goerrors.Error {
	key := e.Key.Normalize()
	metadata := map[string]any{
		"provider_id":        key.ProviderID,
		"operation":          key.Operation,
		core.MetadataKeyHint: "payment provider is throttling requests; retry after the indicated delay",
	}
	if key.ShortCode != "" {
		metadata["short_code"] = key.ShortCode
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.PaymentErrorRateLimited).
		WithMetadata(metadata)
}

type SpikeArrestPolicy struct {
	Store     StateStore
	Now       func() time.Time
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func NewSpikeArrestPolicy(store StateStore) *SpikeArrestPolicy {
	return &SpikeArrestPolicy{
		Store:     store,
		Now:       func() time.Time { return time.Now().UTC() },
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
	}
}

func (p *SpikeArrestPolicy) BeforeCall(ctx context.Context, key core.RateLimitKey) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = key.Normalize()
	state, err := p.Store.Get(ctx, key)
	if errors.Is(err, ErrStateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if wait := state.Remaining(p.now()); wait > 0 {
		return ThrottledError{Key: key, RetryAfter: wait}
	}
	return nil
}

// AfterCall records a strike for a 429 and clears the key on any other
// reply. Healthy keys are not written on success.
func (p *SpikeArrestPolicy) AfterCall(ctx context.Context, key core.RateLimitKey, res core.ProviderResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = key.Normalize()
	state, err := p.Store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrStateNotFound):
		state = State{Key: key}
	case err != nil:
		return err
	}

	now := p.now()
	if res.StatusCode != http.StatusTooManyRequests {
		if state.healthy() {
			return nil
		}
		state.Strikes = 0
		state.ThrottledUntil = nil
		state.LastStatus = res.StatusCode
		state.LastFaultCode = ""
		state.UpdatedAt = now
		return p.Store.Upsert(ctx, state)
	}

	state.Strikes++
	delay := p.backoff(state.Strikes)
	if res.RetryAfter != nil && *res.RetryAfter > delay {
		delay = *res.RetryAfter
	}
	until := now.Add(delay)
	state.ThrottledUntil = &until
	state.LastStatus = res.StatusCode
	state.LastFaultCode = faultCode(res.Metadata)
	state.UpdatedAt = now
	return p.Store.Upsert(ctx, state)
}

// backoff doubles BaseDelay per consecutive strike up to MaxDelay.
func (p *SpikeArrestPolicy) backoff(strikes int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maximum := p.MaxDelay
	if maximum <= 0 {
		maximum = DefaultMaxDelay
	}
	delay := base
	for i := 1; i < strikes && delay < maximum; i++ {
		delay *= 2
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

func (p *SpikeArrestPolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func faultCode(metadata map[string]any) string {
	if value, ok := metadata[MetadataKeyFaultCode].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

var _ core.RateLimitPolicy = (*SpikeArrestPolicy)(nil)
