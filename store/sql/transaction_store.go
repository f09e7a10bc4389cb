package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-stkpush/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const defaultStalePendingLimit = 100

// TransactionStore persists payment transactions. ApplyResult moves a row out
// of pending with a conditional update, so concurrent callback and poll
// results transition it at most once.
type TransactionStore struct {
	db   *bun.DB
	repo repository.Repository[*transactionRecord]
	now  func() time.Time
}

func NewTransactionStore(db *bun.DB) (*TransactionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*transactionRecord](db, transactionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid transaction repository wiring: %w", err)
		}
	}
	return &TransactionStore{
		db:   db,
		repo: repo,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *TransactionStore) Create(ctx context.Context, in core.CreateTransactionInput) (core.Transaction, error) {
	if s == nil || s.repo == nil {
		return core.Transaction{}, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	if err := in.Validate(); err != nil {
		return core.Transaction{}, err
	}
	now := s.now()
	record := &transactionRecord{
		ID:                uuid.NewString(),
		MerchantRequestID: strings.TrimSpace(in.MerchantRequestID),
		CheckoutRequestID: strings.TrimSpace(in.CheckoutRequestID),
		Phone:             strings.TrimSpace(in.Phone),
		Amount:            in.Amount,
		Branch:            strings.TrimSpace(in.Branch),
		Product:           strings.TrimSpace(in.Product),
		AccountReference:  strings.TrimSpace(in.AccountReference),
		Description:       strings.TrimSpace(in.Description),
		Status:            string(core.TransactionStatusPending),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if _, err := s.repo.Create(ctx, record); err != nil {
		if isUniqueViolation(err) {
			return core.Transaction{}, fmt.Errorf(
				"%w: checkout request id %q",
				core.ErrDuplicateTransaction,
				record.CheckoutRequestID,
			)
		}
		return core.Transaction{}, err
	}
	return transactionToDomain(record), nil
}

func (s *TransactionStore) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (core.Transaction, error) {
	return s.getBy(ctx, s.db, "checkout_request_id", checkoutRequestID)
}

func (s *TransactionStore) GetByMerchantRequestID(ctx context.Context, merchantRequestID string) (core.Transaction, error) {
	return s.getBy(ctx, s.db, "merchant_request_id", merchantRequestID)
}

func (s *TransactionStore) ApplyResult(ctx context.Context, result core.PaymentResult) (core.TransitionOutcome, error) {
	if s == nil || s.db == nil {
		return core.TransitionOutcome{}, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	if err := result.Validate(); err != nil {
		return core.TransitionOutcome{}, err
	}

	var outcome core.TransitionOutcome
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.findForResult(ctx, tx, result)
		if err != nil {
			return err
		}
		for attempt := 0; attempt < 2; attempt++ {
			next := current
			previous := next.Status
			transitioned, enriched := core.ApplyPaymentResult(&next, result)
			if !transitioned && !enriched {
				outcome = core.TransitionOutcome{Transaction: current, Previous: previous}
				return nil
			}

			affected, err := s.compareAndSet(ctx, tx, previous, next)
			if err != nil {
				return err
			}
			if affected == 1 {
				outcome = core.TransitionOutcome{
					Transaction:  next,
					Previous:     previous,
					Transitioned: transitioned,
					Enriched:     enriched,
				}
				return nil
			}
			// lost the race: reload and re-evaluate against the winner
			current, err = s.getBy(ctx, tx, "id", current.ID)
			if err != nil {
				return err
			}
		}
		outcome = core.TransitionOutcome{Transaction: current, Previous: current.Status}
		return nil
	})
	if err != nil {
		return core.TransitionOutcome{}, err
	}
	return outcome, nil
}

func (s *TransactionStore) List(ctx context.Context, filter core.TransactionFilter) (core.TransactionPage, error) {
	if s == nil || s.repo == nil {
		return core.TransactionPage{}, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	filter = filter.Normalize()

	selectors := []repository.SelectCriteria{
		repository.OrderBy("created_at DESC"),
		repository.OrderBy("id DESC"),
		repository.SelectPaginate(filter.PerPage, filter.Offset()),
	}
	if filter.Status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", string(filter.Status)))
	}
	if filter.Branch != "" {
		branch := filter.Branch
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("LOWER(?TableAlias.branch) = LOWER(?)", branch)
		}))
	}
	if filter.Phone != "" {
		selectors = append(selectors, repository.SelectBy("phone", "=", filter.Phone))
	}
	if filter.Since != nil {
		selectors = append(selectors, createdAt(">=", *filter.Since))
	}
	if filter.Until != nil {
		selectors = append(selectors, createdAt("<", *filter.Until))
	}

	records, total, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return core.TransactionPage{}, err
	}
	items := make([]core.Transaction, 0, len(records))
	for _, record := range records {
		items = append(items, transactionToDomain(record))
	}
	return core.TransactionPage{
		Items:   items,
		Total:   total,
		Page:    filter.Page,
		PerPage: filter.PerPage,
	}, nil
}

func (s *TransactionStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]core.Transaction, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	if limit <= 0 {
		limit = defaultStalePendingLimit
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("status", "=", string(core.TransactionStatusPending)),
		createdAt("<", olderThan),
		repository.OrderBy("created_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Transaction, 0, len(records))
	for _, record := range records {
		out = append(out, transactionToDomain(record))
	}
	return out, nil
}

// createdAt compares created_at against a bound time.Time so the dialect
// formats both sides the same way. SQLite stores timestamps as text.
func createdAt(op string, at time.Time) repository.SelectCriteria {
	at = at.UTC()
	return repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.created_at "+op+" ?", at)
	})
}

// findForResult resolves by merchant id when present. A checkout id given
// alongside it must name the same row; the checkout id alone is the poll path.
func (s *TransactionStore) findForResult(ctx context.Context, db bun.IDB, result core.PaymentResult) (core.Transaction, error) {
	checkoutID := strings.TrimSpace(result.CheckoutRequestID)
	if merchantID := strings.TrimSpace(result.MerchantRequestID); merchantID != "" {
		txn, err := s.getBy(ctx, db, "merchant_request_id", merchantID)
		if err != nil {
			return core.Transaction{}, err
		}
		if checkoutID != "" && txn.CheckoutRequestID != checkoutID {
			return core.Transaction{}, core.ErrTransactionNotFound
		}
		return txn, nil
	}
	if checkoutID != "" {
		return s.getBy(ctx, db, "checkout_request_id", checkoutID)
	}
	return core.Transaction{}, core.ErrTransactionNotFound
}

// compareAndSet writes next only while the row still carries previous status.
func (s *TransactionStore) compareAndSet(
	ctx context.Context,
	db bun.IDB,
	previous core.TransactionStatus,
	next core.Transaction,
) (int64, error) {
	record := transactionFromDomain(next)
	res, err := db.NewUpdate().
		Model(record).
		Column(
			"status",
			"result_code",
			"result_desc",
			"receipt_number",
			"transaction_date",
			"payer_phone",
			"paid_amount",
			"resolved_by",
			"completed_at",
			"updated_at",
		).
		Where("id = ?", record.ID).
		Where("status = ?", string(previous)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func (s *TransactionStore) getBy(ctx context.Context, db bun.IDB, column string, value string) (core.Transaction, error) {
	if s == nil || db == nil {
		return core.Transaction{}, fmt.Errorf("sqlstore: transaction store is not configured")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return core.Transaction{}, core.ErrTransactionNotFound
	}
	record := &transactionRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Transaction{}, core.ErrTransactionNotFound
		}
		return core.Transaction{}, err
	}
	return transactionToDomain(record), nil
}

func transactionToDomain(record *transactionRecord) core.Transaction {
	if record == nil {
		return core.Transaction{}
	}
	return core.CloneTransaction(core.Transaction{
		ID:                record.ID,
		MerchantRequestID: record.MerchantRequestID,
		CheckoutRequestID: record.CheckoutRequestID,
		Phone:             record.Phone,
		Amount:            record.Amount,
		Branch:            record.Branch,
		Product:           record.Product,
		AccountReference:  record.AccountReference,
		Description:       record.Description,
		Status:            core.TransactionStatus(record.Status),
		ResultCode:        record.ResultCode,
		ResultDesc:        record.ResultDesc,
		ReceiptNumber:     record.ReceiptNumber,
		TransactionDate:   record.TransactionDate,
		PayerPhone:        record.PayerPhone,
		PaidAmount:        record.PaidAmount,
		ResolvedBy:        core.ResolutionSource(record.ResolvedBy),
		CompletedAt:       record.CompletedAt,
		CreatedAt:         record.CreatedAt.UTC(),
		UpdatedAt:         record.UpdatedAt.UTC(),
	})
}

func transactionFromDomain(txn core.Transaction) *transactionRecord {
	cloned := core.CloneTransaction(txn)
	return &transactionRecord{
		ID:                cloned.ID,
		MerchantRequestID: cloned.MerchantRequestID,
		CheckoutRequestID: cloned.CheckoutRequestID,
		Phone:             cloned.Phone,
		Amount:            cloned.Amount,
		Branch:            cloned.Branch,
		Product:           cloned.Product,
		AccountReference:  cloned.AccountReference,
		Description:       cloned.Description,
		Status:            string(cloned.Status),
		ResultCode:        cloned.ResultCode,
		ResultDesc:        cloned.ResultDesc,
		ReceiptNumber:     cloned.ReceiptNumber,
		TransactionDate:   cloned.TransactionDate,
		PayerPhone:        cloned.PayerPhone,
		PaidAmount:        cloned.PaidAmount,
		ResolvedBy:        string(cloned.ResolvedBy),
		CompletedAt:       cloned.CompletedAt,
		CreatedAt:         cloned.CreatedAt,
		UpdatedAt:         cloned.UpdatedAt,
	}
}

var _ core.TransactionStore = (*TransactionStore)(nil)
