package stkpush

import (
	"fmt"

	stkcommand "github.com/goliatone/go-stkpush/command"
	stkquery "github.com/goliatone/go-stkpush/query"
)

type CommandQueryService interface {
	stkcommand.MutatingService
	stkquery.TransactionReader
	stkquery.ConnectionTester
}

type Commands struct {
	Initiate          *stkcommand.InitiateCommand
	ReconcileCallback *stkcommand.ReconcileCallbackCommand
	QueryStatus       *stkcommand.QueryStatusCommand
	// SweepPending is nil when the facade was built without a sweeper.
	SweepPending *stkcommand.SweepPendingCommand
}

type Queries struct {
	GetTransaction   *stkquery.GetTransactionQuery
	ListTransactions *stkquery.ListTransactionsQuery
	TestConnection   *stkquery.TestConnectionQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	sweeper stkcommand.PendingSweeper
}

func WithSweeper(sweeper stkcommand.PendingSweeper) FacadeOption {
	return func(options *facadeOptions) {
		options.sweeper = sweeper
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("stkpush: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	sweeper := cfg.sweeper
	if sweeper == nil {
		if candidate, ok := service.(stkcommand.PendingSweeper); ok {
			sweeper = candidate
		}
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		Initiate:          stkcommand.NewInitiateCommand(service),
		ReconcileCallback: stkcommand.NewReconcileCallbackCommand(service),
		QueryStatus:       stkcommand.NewQueryStatusCommand(service),
	}
	if sweeper != nil {
		facade.commands.SweepPending = stkcommand.NewSweepPendingCommand(sweeper)
	}
	facade.queries = Queries{
		GetTransaction:   stkquery.NewGetTransactionQuery(service),
		ListTransactions: stkquery.NewListTransactionsQuery(service),
		TestConnection:   stkquery.NewTestConnectionQuery(service),
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}
