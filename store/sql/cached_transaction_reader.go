package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-stkpush/core"
)

const transactionCacheKeyPrefix = "go-stkpush::transaction::v1"

// CachedTransactionReader serves status lookups from cache once a
// transaction has settled. Pending rows always go to the base reader.
type CachedTransactionReader struct {
	base  core.TransactionReader
	cache repositorycache.CacheService
}

func NewCachedTransactionReader(
	base core.TransactionReader,
	cacheService repositorycache.CacheService,
) (*CachedTransactionReader, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base transaction reader is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: transaction cache service is required")
	}
	return &CachedTransactionReader{base: base, cache: cacheService}, nil
}

// TransactionCacheKey returns go-stkpush::transaction::v1::<checkout_request_id>
// with the id URL-path escaped.
func TransactionCacheKey(checkoutRequestID string) (string, error) {
	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if checkoutRequestID == "" {
		return "", fmt.Errorf("sqlstore: checkout request id is required")
	}
	return transactionCacheKeyPrefix + "::" + url.PathEscape(checkoutRequestID), nil
}

func (r *CachedTransactionReader) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (core.Transaction, error) {
	if r == nil || r.base == nil || r.cache == nil {
		return core.Transaction{}, fmt.Errorf("sqlstore: cached transaction reader is not configured")
	}
	cacheKey, err := TransactionCacheKey(checkoutRequestID)
	if err != nil {
		return core.Transaction{}, core.ErrTransactionNotFound
	}

	txn, err := repositorycache.GetOrFetch(ctx, r.cache, cacheKey, func(ctx context.Context) (core.Transaction, error) {
		fetched, fetchErr := r.base.GetByCheckoutRequestID(ctx, checkoutRequestID)
		if fetchErr != nil {
			return core.Transaction{}, fetchErr
		}
		return core.CloneTransaction(fetched), nil
	})
	if err != nil {
		return core.Transaction{}, err
	}
	if !settled(txn) {
		if err := r.cache.Delete(ctx, cacheKey); err != nil {
			return core.Transaction{}, err
		}
	}
	return core.CloneTransaction(txn), nil
}

// Invalidate drops the cached entry for one transaction.
func (r *CachedTransactionReader) Invalidate(ctx context.Context, checkoutRequestID string) error {
	if r == nil || r.cache == nil {
		return nil
	}
	cacheKey, err := TransactionCacheKey(checkoutRequestID)
	if err != nil {
		return err
	}
	return r.cache.Delete(ctx, cacheKey)
}

// settled reports whether later results can no longer change the row:
// failures are final and completions are final once the receipt is known.
func settled(txn core.Transaction) bool {
	switch txn.Status {
	case core.TransactionStatusFailed:
		return true
	case core.TransactionStatusCompleted:
		return strings.TrimSpace(txn.ReceiptNumber) != ""
	default:
		return false
	}
}

var _ core.TransactionReader = (*CachedTransactionReader)(nil)
