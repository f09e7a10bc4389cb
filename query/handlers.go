package query

import (
	"context"

	"github.com/goliatone/go-stkpush/core"
)

type TransactionReader interface {
	GetTransaction(ctx context.Context, checkoutRequestID string) (core.Transaction, error)
	ListTransactions(ctx context.Context, filter core.TransactionFilter) (core.TransactionPage, error)
}

type ConnectionTester interface {
	TestConnection(ctx context.Context) core.ConnectionReport
}

type GetTransactionQuery struct {
	reader TransactionReader
}

func NewGetTransactionQuery(reader TransactionReader) *GetTransactionQuery {
	return &GetTransactionQuery{reader: reader}
}

func (q *GetTransactionQuery) Query(ctx context.Context, msg GetTransactionMessage) (core.Transaction, error) {
	if q == nil || q.reader == nil {
		return core.Transaction{}, queryDependencyError("query: transaction reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.Transaction{}, err
	}
	return q.reader.GetTransaction(ctx, msg.CheckoutRequestID)
}

type ListTransactionsQuery struct {
	reader TransactionReader
}

func NewListTransactionsQuery(reader TransactionReader) *ListTransactionsQuery {
	return &ListTransactionsQuery{reader: reader}
}

func (q *ListTransactionsQuery) Query(
	ctx context.Context,
	msg ListTransactionsMessage,
) (core.TransactionPage, error) {
	if q == nil || q.reader == nil {
		return core.TransactionPage{}, queryDependencyError("query: transaction reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.TransactionPage{}, err
	}
	return q.reader.ListTransactions(ctx, msg.Filter)
}

// TestConnectionQuery reports configuration and token health. The report
// carries failures in its fields, so the query itself only fails when unwired.
type TestConnectionQuery struct {
	tester ConnectionTester
}

func NewTestConnectionQuery(tester ConnectionTester) *TestConnectionQuery {
	return &TestConnectionQuery{tester: tester}
}

func (q *TestConnectionQuery) Query(ctx context.Context, _ TestConnectionMessage) (core.ConnectionReport, error) {
	if q == nil || q.tester == nil {
		return core.ConnectionReport{}, queryDependencyError("query: connection tester is required")
	}
	return q.tester.TestConnection(ctx), nil
}
