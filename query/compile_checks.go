package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-stkpush/core"
)

var (
	_ gocmd.Querier[GetTransactionMessage, core.Transaction]       = (*GetTransactionQuery)(nil)
	_ gocmd.Querier[ListTransactionsMessage, core.TransactionPage] = (*ListTransactionsQuery)(nil)
	_ gocmd.Querier[TestConnectionMessage, core.ConnectionReport]  = (*TestConnectionQuery)(nil)

	_ TransactionReader = (*core.Service)(nil)
	_ ConnectionTester  = (*core.Service)(nil)
)
