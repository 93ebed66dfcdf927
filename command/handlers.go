package command

import (
	"context"
	"strings"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-entities/core"
	entsync "github.com/goliatone/go-entities/sync"
)

// TypeToggler is implemented by *core.PersistenceContext.
type TypeToggler interface {
	EnableConflictResolution(ctx context.Context, typeName string) error
	DisableConflictResolution(ctx context.Context, typeName string) error
	EnableEvents(ctx context.Context, typeName string) error
	DisableEvents(ctx context.Context, typeName string) error
}

type CheckpointAdvancer interface {
	Advance(ctx context.Context, in core.AdvanceCheckpointInput) (core.Checkpoint, error)
}

type CatchUpRunner interface {
	CatchUpConsumer(ctx context.Context, consumer string) (entsync.CatchUpResult, error)
}

type OutboxDispatcher interface {
	DispatchPending(ctx context.Context, batchSize int) (core.DispatchStats, error)
}

type OutboxRequeuer interface {
	Requeue(ctx context.Context, eventIDs ...string) (int, error)
}

type SetConflictResolutionCommand struct {
	toggler TypeToggler
}

func NewSetConflictResolutionCommand(toggler TypeToggler) *SetConflictResolutionCommand {
	return &SetConflictResolutionCommand{toggler: toggler}
}

func (c *SetConflictResolutionCommand) Execute(ctx context.Context, msg SetConflictResolutionMessage) error {
	if c == nil || c.toggler == nil {
		return commandDependencyError("command: persistence context is required")
	}
	typeName := strings.TrimSpace(msg.TypeName)
	if msg.Enabled {
		return c.toggler.EnableConflictResolution(ctx, typeName)
	}
	return c.toggler.DisableConflictResolution(ctx, typeName)
}

type SetEventsCommand struct {
	toggler TypeToggler
}

func NewSetEventsCommand(toggler TypeToggler) *SetEventsCommand {
	return &SetEventsCommand{toggler: toggler}
}

func (c *SetEventsCommand) Execute(ctx context.Context, msg SetEventsMessage) error {
	if c == nil || c.toggler == nil {
		return commandDependencyError("command: persistence context is required")
	}
	typeName := strings.TrimSpace(msg.TypeName)
	if msg.Enabled {
		return c.toggler.EnableEvents(ctx, typeName)
	}
	return c.toggler.DisableEvents(ctx, typeName)
}

type AdvanceCheckpointCommand struct {
	store CheckpointAdvancer
}

func NewAdvanceCheckpointCommand(store CheckpointAdvancer) *AdvanceCheckpointCommand {
	return &AdvanceCheckpointCommand{store: store}
}

func (c *AdvanceCheckpointCommand) Execute(ctx context.Context, msg AdvanceCheckpointMessage) error {
	if c == nil || c.store == nil {
		return commandDependencyError("command: checkpoint store is required")
	}
	out, err := c.store.Advance(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CatchUpCommand struct {
	runner CatchUpRunner
}

func NewCatchUpCommand(runner CatchUpRunner) *CatchUpCommand {
	return &CatchUpCommand{runner: runner}
}

func (c *CatchUpCommand) Execute(ctx context.Context, msg CatchUpMessage) error {
	if c == nil || c.runner == nil {
		return commandDependencyError("command: catch-up orchestrator is required")
	}
	out, err := c.runner.CatchUpConsumer(ctx, strings.TrimSpace(msg.Consumer))
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DispatchOutboxCommand struct {
	dispatcher OutboxDispatcher
}

func NewDispatchOutboxCommand(dispatcher OutboxDispatcher) *DispatchOutboxCommand {
	return &DispatchOutboxCommand{dispatcher: dispatcher}
}

// Execute stores the stats even when some deliveries failed; the returned
// error describes the failures.
func (c *DispatchOutboxCommand) Execute(ctx context.Context, msg DispatchOutboxMessage) error {
	if c == nil || c.dispatcher == nil {
		return commandDependencyError("command: outbox dispatcher is required")
	}
	stats, err := c.dispatcher.DispatchPending(ctx, msg.BatchSize)
	storeResult(ctx, stats)
	return err
}

type RequeueOutboxCommand struct {
	requeuer OutboxRequeuer
}

func NewRequeueOutboxCommand(requeuer OutboxRequeuer) *RequeueOutboxCommand {
	return &RequeueOutboxCommand{requeuer: requeuer}
}

func (c *RequeueOutboxCommand) Execute(ctx context.Context, msg RequeueOutboxMessage) error {
	if c == nil || c.requeuer == nil {
		return commandDependencyError("command: outbox store is required")
	}
	count, err := c.requeuer.Requeue(ctx, msg.EventIDs...)
	if err != nil {
		return err
	}
	storeResult(ctx, count)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
