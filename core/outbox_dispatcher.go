package core

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

type OutboxDispatcherConfig struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultOutboxDispatcherConfig() OutboxDispatcherConfig {
	return OutboxDispatcherConfig{
		BatchSize:      50,
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

type DispatchStats struct {
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
}

// OutboxEventBus persists committed change events so they can be delivered
// after the engine transaction has finished.
type OutboxEventBus struct {
	store OutboxStore
}

func NewOutboxEventBus(store OutboxStore) (*OutboxEventBus, error) {
	if store == nil {
		return nil, NewConfigurationError("core: outbox store is required")
	}
	return &OutboxEventBus{store: store}, nil
}

func (b *OutboxEventBus) Post(ctx context.Context, event ChangeEvent) error {
	if b == nil || b.store == nil {
		return NewConfigurationError("core: outbox event bus is not configured")
	}
	return b.store.Enqueue(ctx, event)
}

func (b *OutboxEventBus) PostBatch(ctx context.Context, events []ChangeEvent) error {
	var err error
	for _, event := range events {
		err = joinErrors(err, b.Post(ctx, event))
	}
	return err
}

// OutboxDispatcher claims pending events and hands them to every subscribed
// handler. Failed events are retried with capped exponential backoff until
// MaxAttempts, after which the store keeps them as failed.
type OutboxDispatcher struct {
	store    OutboxStore
	config   OutboxDispatcherConfig
	now      func() time.Time
	mu       sync.RWMutex
	handlers []ChangeEventHandler
}

func NewOutboxDispatcher(store OutboxStore, config OutboxDispatcherConfig) (*OutboxDispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("core: outbox store is required")
	}
	defaults := DefaultOutboxDispatcherConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	return &OutboxDispatcher{
		store:  store,
		config: config,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (d *OutboxDispatcher) Subscribe(handler ChangeEventHandler) {
	if d == nil || handler == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
}

func (d *OutboxDispatcher) DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error) {
	if d == nil || d.store == nil {
		return DispatchStats{}, fmt.Errorf("core: outbox dispatcher is not configured")
	}
	limit := batchSize
	if limit <= 0 {
		limit = d.config.BatchSize
	}
	events, err := d.store.ClaimBatch(ctx, limit)
	if err != nil {
		return DispatchStats{}, err
	}

	stats := DispatchStats{Claimed: len(events)}
	var dispatchErr error
	for _, event := range events {
		if err := d.dispatchOne(ctx, event); err != nil {
			if retryErr := d.retryEvent(ctx, event, err); retryErr != nil {
				dispatchErr = joinErrors(dispatchErr, retryErr)
			}
			if event.Attempts+1 >= d.config.MaxAttempts {
				stats.Failed++
			} else {
				stats.Retried++
			}
			dispatchErr = joinErrors(dispatchErr, err)
			continue
		}
		if err := d.store.Ack(ctx, strings.TrimSpace(event.ID)); err != nil {
			dispatchErr = joinErrors(dispatchErr, err)
			continue
		}
		stats.Delivered++
	}

	return stats, dispatchErr
}

func (d *OutboxDispatcher) dispatchOne(ctx context.Context, event ChangeEvent) error {
	d.mu.RLock()
	handlers := append([]ChangeEventHandler(nil), d.handlers...)
	d.mu.RUnlock()
	for i, handler := range handlers {
		if err := handler.Handle(ctx, event.Clone()); err != nil {
			return fmt.Errorf("core: change event handler %d failed for event %q: %w", i, event.ID, err)
		}
	}
	return nil
}

func (d *OutboxDispatcher) retryEvent(ctx context.Context, event ChangeEvent, cause error) error {
	attempt := event.Attempts
	if attempt < 0 {
		attempt = 0
	}
	if attempt+1 >= d.config.MaxAttempts {
		return d.store.Retry(ctx, strings.TrimSpace(event.ID), cause, time.Time{})
	}
	nextAttemptAt := d.now().Add(d.nextBackoffDelay(attempt + 1))
	return d.store.Retry(ctx, strings.TrimSpace(event.ID), cause, nextAttemptAt)
}

func (d *OutboxDispatcher) nextBackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(d.config.InitialBackoff)
	next := time.Duration(base * math.Pow(2, float64(attempt-1)))
	if next < 0 || next > d.config.MaxBackoff {
		return d.config.MaxBackoff
	}
	return next
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}
