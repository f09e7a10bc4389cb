package stkpush

import (
	"github.com/goliatone/go-stkpush/core"
)

type Config = core.Config

type Option = core.Option

type Service = core.Service

type PaymentService = core.PaymentService

type Transaction = core.Transaction

type TransactionFilter = core.TransactionFilter

type TransactionPage = core.TransactionPage

type InitiateRequest = core.InitiateRequest

type InitiateResult = core.InitiateResult

type QueryStatusRequest = core.QueryStatusRequest

type QueryStatusResult = core.QueryStatusResult

type ConnectionReport = core.ConnectionReport

type PaymentEvent = core.PaymentEvent

type CallbackAck = core.CallbackAck

var (
	WithLogger            = core.WithLogger
	WithLoggerProvider    = core.WithLoggerProvider
	WithMetricsRecorder   = core.WithMetricsRecorder
	WithErrorFactory      = core.WithErrorFactory
	WithErrorMapper       = core.WithErrorMapper
	WithConfigProvider    = core.WithConfigProvider
	WithOptionsResolver   = core.WithOptionsResolver
	WithPaymentProvider   = core.WithPaymentProvider
	WithTokenSource       = core.WithTokenSource
	WithCallbackParser    = core.WithCallbackParser
	WithTransactionStore  = core.WithTransactionStore
	WithTransactionReader = core.WithTransactionReader
	WithEventPublisher    = core.WithEventPublisher
	WithClock             = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

func Setup(cfg Config, opts ...Option) (*Service, error) {
	return core.Setup(cfg, opts...)
}
