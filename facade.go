package entities

import (
	"github.com/goliatone/go-entities/adapters/gocommand"
	"github.com/goliatone/go-entities/adapters/gologger"
	entitiescommand "github.com/goliatone/go-entities/command"
	"github.com/goliatone/go-entities/core"
	entitiesquery "github.com/goliatone/go-entities/query"
	entsync "github.com/goliatone/go-entities/sync"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
)

type Commands struct {
	SetConflictResolution *entitiescommand.SetConflictResolutionCommand
	SetEvents             *entitiescommand.SetEventsCommand
	AdvanceCheckpoint     *entitiescommand.AdvanceCheckpointCommand
	CatchUp               *entitiescommand.CatchUpCommand
	DispatchOutbox        *entitiescommand.DispatchOutboxCommand
	RequeueOutbox         *entitiescommand.RequeueOutboxCommand
}

type Queries struct {
	Mark           *entitiesquery.MarkQuery
	Since          *entitiesquery.SinceQuery
	LoadCheckpoint *entitiesquery.LoadCheckpointQuery
	ListAdapters   *entitiesquery.ListAdaptersQuery
}

// Facade exposes the administrative commands and queries of a
// PersistenceContext. Catch-up and outbox commands are only wired when the
// matching collaborators are supplied.
type Facade struct {
	context  *core.PersistenceContext
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	checkpoints  core.CheckpointStore
	orchestrator *entsync.Orchestrator
	dispatcher   *core.OutboxDispatcher
	requeuer     entitiescommand.OutboxRequeuer
}

// WithFacadeCheckpointStore overrides the context's checkpoint store.
func WithFacadeCheckpointStore(store core.CheckpointStore) FacadeOption {
	return func(options *facadeOptions) {
		options.checkpoints = store
	}
}

func WithCatchUpOrchestrator(orchestrator *entsync.Orchestrator) FacadeOption {
	return func(options *facadeOptions) {
		options.orchestrator = orchestrator
	}
}

func WithOutboxDispatcher(dispatcher *core.OutboxDispatcher) FacadeOption {
	return func(options *facadeOptions) {
		options.dispatcher = dispatcher
	}
}

func WithOutboxRequeuer(requeuer entitiescommand.OutboxRequeuer) FacadeOption {
	return func(options *facadeOptions) {
		options.requeuer = requeuer
	}
}

func NewFacade(pc *core.PersistenceContext, opts ...FacadeOption) (*Facade, error) {
	if pc == nil {
		return nil, core.NewConfigurationError("entities: persistence context is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.checkpoints == nil {
		cfg.checkpoints = pc.CheckpointStore()
	}

	facade := &Facade{context: pc}
	facade.commands = Commands{
		SetConflictResolution: entitiescommand.NewSetConflictResolutionCommand(pc),
		SetEvents:             entitiescommand.NewSetEventsCommand(pc),
		AdvanceCheckpoint:     entitiescommand.NewAdvanceCheckpointCommand(cfg.checkpoints),
	}
	if cfg.orchestrator != nil {
		facade.commands.CatchUp = entitiescommand.NewCatchUpCommand(cfg.orchestrator)
	}
	if cfg.dispatcher != nil {
		facade.commands.DispatchOutbox = entitiescommand.NewDispatchOutboxCommand(cfg.dispatcher)
	}
	if cfg.requeuer != nil {
		facade.commands.RequeueOutbox = entitiescommand.NewRequeueOutboxCommand(cfg.requeuer)
	}
	facade.queries = Queries{
		Mark:           entitiesquery.NewMarkQuery(pc),
		Since:          entitiesquery.NewSinceQuery(pc),
		LoadCheckpoint: entitiesquery.NewLoadCheckpointQuery(cfg.checkpoints),
		ListAdapters:   entitiesquery.NewListAdaptersQuery(pc),
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

func (f *Facade) Context() *core.PersistenceContext {
	if f == nil {
		return nil
	}
	return f.context
}

// Subscribe registers every wired command and query with registry and the
// go-command dispatcher. On failure the subscriptions made so far are
// removed.
func (f *Facade) Subscribe(registry *gocommand.RegistryAdapter) (subscriptions []commanddispatcher.Subscription, err error) {
	if f == nil {
		return nil, core.NewConfigurationError("entities: facade is not configured")
	}
	defer func() {
		if err == nil {
			return
		}
		for _, subscription := range subscriptions {
			subscription.Unsubscribe()
		}
		subscriptions = nil
	}()
	add := func(subscription commanddispatcher.Subscription, subscribeErr error) {
		if err != nil {
			return
		}
		if subscribeErr != nil {
			err = subscribeErr
			return
		}
		subscriptions = append(subscriptions, subscription)
	}

	add(gocommand.RegisterAndSubscribe(registry, f.commands.SetConflictResolution))
	add(gocommand.RegisterAndSubscribe(registry, f.commands.SetEvents))
	add(gocommand.RegisterAndSubscribe(registry, f.commands.AdvanceCheckpoint))
	if f.commands.CatchUp != nil {
		add(gocommand.RegisterAndSubscribe(registry, f.commands.CatchUp))
	}
	if f.commands.DispatchOutbox != nil {
		add(gocommand.RegisterAndSubscribe(registry, f.commands.DispatchOutbox))
	}
	if f.commands.RequeueOutbox != nil {
		add(gocommand.RegisterAndSubscribe(registry, f.commands.RequeueOutbox))
	}
	add(gocommand.RegisterAndSubscribeQuery(registry, f.queries.Mark))
	add(gocommand.RegisterAndSubscribeQuery(registry, f.queries.Since))
	add(gocommand.RegisterAndSubscribeQuery(registry, f.queries.LoadCheckpoint))
	add(gocommand.RegisterAndSubscribeQuery(registry, f.queries.ListAdapters))
	return subscriptions, err
}

// NewCatchUpOrchestrator builds an orchestrator reading pc's change log and
// logging through pc's logger as the sync component.
func NewCatchUpOrchestrator(
	pc *core.PersistenceContext,
	checkpoints core.CheckpointStore,
	database string,
	types ...string,
) (*entsync.Orchestrator, error) {
	if pc == nil {
		return nil, core.NewConfigurationError("entities: persistence context is required")
	}
	if checkpoints == nil {
		checkpoints = pc.CheckpointStore()
	}
	orchestrator := entsync.NewOrchestrator(pc, checkpoints, database, types...)
	deps := pc.Dependencies()
	orchestrator.Logger = gologger.ComponentLogger(gologger.ComponentSync, deps.LoggerProvider, deps.Logger)
	return orchestrator, nil
}
