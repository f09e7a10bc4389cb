package core

import (
	"context"
	"fmt"
	"time"
)

type SweeperConfigOptions struct {
	StaleAfter  time.Duration
	ExpireAfter time.Duration
	BatchSize   int
}

type SweepStats struct {
	Scanned   int
	Resolved  int
	Expired   int
	Pending   int
	Failed    int
	StartedAt time.Time
}

// PendingSweeper re-polls transactions that never received a callback. When
// ExpireAfter is set, rows the provider still reports as processing past that
// age are failed locally with ResultCodeLocalExpiry.
type PendingSweeper struct {
	service *Service
	config  SweeperConfigOptions
	now     func() time.Time
}

func NewPendingSweeper(service *Service, config SweeperConfigOptions) (*PendingSweeper, error) {
	if service == nil {
		return nil, fmt.Errorf("core: service is required for the pending sweeper")
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultSweepStaleAfter
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultSweepBatchSize
	}
	if config.ExpireAfter < 0 {
		config.ExpireAfter = 0
	}
	return &PendingSweeper{
		service: service,
		config:  config,
		now:     service.clock,
	}, nil
}

func NewPendingSweeperFromConfig(service *Service, cfg SweeperConfig) (*PendingSweeper, error) {
	return NewPendingSweeper(service, SweeperConfigOptions{
		StaleAfter:  cfg.StaleAfter,
		ExpireAfter: cfg.ExpireAfter,
		BatchSize:   cfg.BatchSize,
	})
}

func (p *PendingSweeper) Sweep(ctx context.Context) (stats SweepStats, err error) {
	if p == nil || p.service == nil {
		return SweepStats{}, fmt.Errorf("core: pending sweeper is not configured")
	}
	svc := p.service
	stats.StartedAt = p.now()
	defer func() {
		svc.observeOperation(ctx, stats.StartedAt, "pending_sweep", err, map[string]any{
			"scanned":  stats.Scanned,
			"resolved": stats.Resolved,
			"expired":  stats.Expired,
			"pending":  stats.Pending,
			"failed":   stats.Failed,
		})
	}()

	if err = svc.ensureConfigured(); err != nil {
		return stats, err
	}
	stale, err := svc.store.ListStalePending(ctx, stats.StartedAt.Add(-p.config.StaleAfter), p.config.BatchSize)
	if err != nil {
		err = svc.mapError(err)
		return stats, err
	}

	var sweepErr error
	for _, txn := range stale {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stats, ctxErr
		}
		stats.Scanned++
		result, queryErr := svc.QueryStatus(ctx, QueryStatusRequest{
			CheckoutRequestID: txn.CheckoutRequestID,
			MerchantRequestID: txn.MerchantRequestID,
		})
		if queryErr != nil {
			// the provider rejects queries for pushes it has forgotten
			if kind, ok := FailureKindOf(queryErr); ok && kind == ProviderFailureRejected && p.expired(txn, stats.StartedAt) {
				if expiredResult, expireErr := p.expire(ctx, txn); expireErr == nil && expiredResult.Transitioned {
					stats.Expired++
					continue
				}
			}
			stats.Failed++
			sweepErr = joinErrors(sweepErr, fmt.Errorf("core: sweep query %s: %w", txn.CheckoutRequestID, queryErr))
			continue
		}
		if result.Status.Terminal() {
			stats.Resolved++
			continue
		}
		if p.expired(txn, stats.StartedAt) {
			expiredResult, expireErr := p.expire(ctx, txn)
			if expireErr != nil {
				stats.Failed++
				sweepErr = joinErrors(sweepErr, expireErr)
				continue
			}
			if expiredResult.Transitioned {
				stats.Expired++
				continue
			}
		}
		stats.Pending++
	}
	return stats, sweepErr
}

func (p *PendingSweeper) expired(txn Transaction, now time.Time) bool {
	if p.config.ExpireAfter <= 0 {
		return false
	}
	return !txn.CreatedAt.After(now.Add(-p.config.ExpireAfter))
}

func (p *PendingSweeper) expire(ctx context.Context, txn Transaction) (ReconcileResult, error) {
	return p.service.applyResult(ctx, PaymentResult{
		MerchantRequestID: txn.MerchantRequestID,
		CheckoutRequestID: txn.CheckoutRequestID,
		ResultCode:        ResultCodeLocalExpiry,
		ResultDesc:        fmt.Sprintf("no outcome reported within %s", p.config.ExpireAfter),
		Source:            ResolutionSourceSweeper,
		ResolvedAt:        p.now(),
	})
}

// Run sweeps on every tick until ctx is done.
func (p *PendingSweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, _ = p.Sweep(ctx)
		}
	}
}
