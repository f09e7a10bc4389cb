package sqlstore

import (
	"github.com/goliatone/go-stkpush/core"
	"github.com/goliatone/go-stkpush/ratelimit"
	"github.com/goliatone/go-stkpush/webhooks"
)

var (
	_ core.TransactionStore   = (*TransactionStore)(nil)
	_ core.TransactionReader  = (*TransactionStore)(nil)
	_ core.OutboxStore        = (*OutboxStore)(nil)
	_ webhooks.DeliveryLedger = (*CallbackDeliveryStore)(nil)
	_ ratelimit.StateStore    = (*RateLimitStateStore)(nil)
)
