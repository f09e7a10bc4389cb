package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-stkpush/core"
)

var (
	_ gocmd.Commander[InitiateMessage]          = (*InitiateCommand)(nil)
	_ gocmd.Commander[ReconcileCallbackMessage] = (*ReconcileCallbackCommand)(nil)
	_ gocmd.Commander[QueryStatusMessage]       = (*QueryStatusCommand)(nil)
	_ gocmd.Commander[SweepPendingMessage]      = (*SweepPendingCommand)(nil)

	_ MutatingService = (*core.Service)(nil)
	_ PendingSweeper  = (*core.PendingSweeper)(nil)
)
