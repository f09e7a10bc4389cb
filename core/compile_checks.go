package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ PaymentService   = (*Service)(nil)
	_ TransactionStore = (*MemoryTransactionStore)(nil)
	_ OutboxStore      = (*MemoryOutboxStore)(nil)
	_ MetricsRecorder  = NopMetricsRecorder{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
