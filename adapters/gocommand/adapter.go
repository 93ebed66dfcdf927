package gocommand

import (
	"context"
	"errors"
	"strings"

	"github.com/goliatone/go-command"
	"github.com/goliatone/go-entities/core"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// ChangeEventMessageType is the go-command message type carrying entity
// change events.
const ChangeEventMessageType = "entities.change_event"

// ValidateMessageContract requires a non-empty Type() and runs Validate()
// when the message has one.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return core.NewBadInputError("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return core.NewBadInputError("gocommand: message type is required")
	}
	return nil
}

// RegistryAdapter owns the go-command registry the entity commands and
// queries are registered in.
type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return errRegistryNotConfigured()
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return errRegistryNotConfigured()
	}
	// go-command registers queriers through the same entry point.
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return errRegistryNotConfigured()
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver mirrors registered commands into a go-job queue registry
// so they can run as background jobs.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return core.NewConfigurationError("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return errRegistryNotConfigured()
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeCommandFunc[T any](handler command.CommandFunc[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(handler, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func SubscribeQueryFunc[T any, R any](qry command.QueryFunc[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, errRegistryNotConfigured()
	}
	if cmd == nil {
		return nil, core.NewBadInputError("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, errRegistryNotConfigured()
	}
	if qry == nil {
		return nil, core.NewBadInputError("gocommand: query is required")
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func errRegistryNotConfigured() error {
	return core.NewConfigurationError("gocommand: registry is not configured")
}

// ChangeEventMessage carries one committed change through the go-command
// dispatcher.
type ChangeEventMessage struct {
	Event core.ChangeEvent
}

func (ChangeEventMessage) Type() string { return ChangeEventMessageType }

func (m ChangeEventMessage) Validate() error {
	if m.Event.Metadata == nil {
		return core.NewBadInputError("gocommand: change event metadata is required")
	}
	if _, err := core.ParseChangeKind(m.Event.Kind.String()); err != nil {
		return core.NewBadInputError("gocommand: change event kind is invalid")
	}
	return nil
}

// EventBus publishes change events as go-command messages. Subscribers
// registered with SubscribeChangeEvents receive them in post order.
type EventBus struct{}

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) Post(ctx context.Context, event core.ChangeEvent) error {
	msg := ChangeEventMessage{Event: event}
	if err := msg.Validate(); err != nil {
		return err
	}
	return Dispatch(ctx, msg)
}

// PostBatch dispatches every event and joins the failures; one failing
// handler does not stop the rest of the transaction from being delivered.
func (b *EventBus) PostBatch(ctx context.Context, events []core.ChangeEvent) error {
	var errs []error
	for _, event := range events {
		if err := b.Post(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SubscribeChangeEvents routes dispatched change events to handler.
func SubscribeChangeEvents(handler core.ChangeEventHandler, runnerOpts ...runner.Option) (commanddispatcher.Subscription, error) {
	if handler == nil {
		return nil, core.NewBadInputError("gocommand: change event handler is required")
	}
	return SubscribeCommandFunc(command.CommandFunc[ChangeEventMessage](func(ctx context.Context, msg ChangeEventMessage) error {
		return handler.Handle(ctx, msg.Event)
	}), runnerOpts...), nil
}

var _ core.BatchEventBus = (*EventBus)(nil)
