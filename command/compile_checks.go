package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-entities/core"
	entsync "github.com/goliatone/go-entities/sync"
)

var (
	_ gocmd.Commander[SetConflictResolutionMessage] = (*SetConflictResolutionCommand)(nil)
	_ gocmd.Commander[SetEventsMessage]             = (*SetEventsCommand)(nil)
	_ gocmd.Commander[AdvanceCheckpointMessage]     = (*AdvanceCheckpointCommand)(nil)
	_ gocmd.Commander[CatchUpMessage]               = (*CatchUpCommand)(nil)
	_ gocmd.Commander[DispatchOutboxMessage]        = (*DispatchOutboxCommand)(nil)
	_ gocmd.Commander[RequeueOutboxMessage]         = (*RequeueOutboxCommand)(nil)

	_ TypeToggler        = (*core.PersistenceContext)(nil)
	_ CheckpointAdvancer = (core.CheckpointStore)(nil)
	_ CatchUpRunner      = (*entsync.Orchestrator)(nil)
	_ OutboxDispatcher   = (*core.OutboxDispatcher)(nil)
)
