package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-entities/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDOutboxDispatch   = core.JobIDOutboxDispatch
	JobIDChangeLogCatchUp = core.JobIDChangeLogCatchUp

	// DedupPolicyDrop collapses duplicate catch-up requests for one consumer.
	DedupPolicyDrop = "drop"
)

// RetryPolicy bounds how often a failed job is requeued.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// RetryPolicyFromConfig reuses the outbox retry bounds for job deliveries.
func RetryPolicyFromConfig(cfg core.Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.Outbox.MaxAttempts,
		MaxDelay:        cfg.Outbox.MaxBackoff,
		DeadLetterOnMax: true,
	}
}

// NormalizeAttempt clamps the delay and stops requeueing once attempt
// reaches MaxAttempts. A nack always either requeues or dead letters.
func (p RetryPolicy) NormalizeAttempt(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	out.Delay = max(out.Delay, 0)
	if p.MaxDelay > 0 {
		out.Delay = min(out.Delay, p.MaxDelay)
	}
	exhausted := p.MaxAttempts > 0 && attempt >= p.MaxAttempts
	switch {
	case out.DeadLetter:
		out.Requeue = false
	case exhausted:
		out.Requeue = false
		out.DeadLetter = p.DeadLetterOnMax
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// OutboxDispatchMessage asks a worker to drain up to batchSize outbox events.
func OutboxDispatchMessage(batchSize int) *core.JobExecutionMessage {
	params := map[string]any{}
	if batchSize > 0 {
		params["batch_size"] = batchSize
	}
	return &core.JobExecutionMessage{
		JobID:      JobIDOutboxDispatch,
		ScriptPath: JobIDOutboxDispatch,
		Parameters: params,
	}
}

// CatchUpMessage asks a worker to catch consumer up with the change log.
// Requests for the same consumer share an idempotency key.
func CatchUpMessage(consumer string) *core.JobExecutionMessage {
	consumer = strings.TrimSpace(consumer)
	return &core.JobExecutionMessage{
		JobID:          JobIDChangeLogCatchUp,
		ScriptPath:     JobIDChangeLogCatchUp,
		Parameters:     map[string]any{"consumer": consumer},
		IdempotencyKey: JobIDChangeLogCatchUp + ":" + consumer,
		DedupPolicy:    DedupPolicyDrop,
	}
}

func ToExecutionMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

func FromExecutionMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

func toNackOptions(opts core.JobNackOptions) queue.NackOptions {
	return queue.NackOptions{
		Delay:      opts.Delay,
		Requeue:    opts.Requeue,
		DeadLetter: opts.DeadLetter,
		Reason:     opts.Reason,
	}
}

// Scheduler enqueues the entity background jobs.
type Scheduler struct {
	enqueuer queue.Enqueuer
}

func NewScheduler(enqueuer queue.Enqueuer) *Scheduler {
	return &Scheduler{enqueuer: enqueuer}
}

// Enqueue satisfies core.JobEnqueuer.
func (s *Scheduler) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if s == nil || s.enqueuer == nil {
		return core.NewConfigurationError("gojob: enqueuer is not configured")
	}
	if msg == nil || strings.TrimSpace(msg.JobID) == "" {
		return core.NewBadInputError("gojob: execution message with a job id is required")
	}
	return s.enqueuer.Enqueue(ctx, ToExecutionMessage(msg))
}

func (s *Scheduler) ScheduleOutboxDispatch(ctx context.Context, batchSize int) error {
	return s.Enqueue(ctx, OutboxDispatchMessage(batchSize))
}

func (s *Scheduler) ScheduleCatchUp(ctx context.Context, consumer string) error {
	if strings.TrimSpace(consumer) == "" {
		return core.NewBadInputError("gojob: catch-up consumer is required")
	}
	return s.Enqueue(ctx, CatchUpMessage(consumer))
}

// Delivery wraps a go-job delivery and applies the retry policy on nack.
type Delivery struct {
	delivery queue.Delivery
	policy   RetryPolicy
}

func NewDelivery(delivery queue.Delivery, policy RetryPolicy) *Delivery {
	return &Delivery{delivery: delivery, policy: policy}
}

func (d *Delivery) Message() *core.JobExecutionMessage {
	if d == nil || d.delivery == nil {
		return nil
	}
	return FromExecutionMessage(d.delivery.Message())
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.delivery.Ack(ctx)
}

func (d *Delivery) Nack(ctx context.Context, opts core.JobNackOptions) error {
	return d.NackForAttempt(ctx, opts, 0)
}

// NackForAttempt is picked up by core.JobRunner so the attempt count it
// tracks reaches the retry policy.
func (d *Delivery) NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.delivery.Nack(ctx, toNackOptions(d.policy.NormalizeAttempt(opts, attempt)))
}

type Dequeuer struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy
}

func NewDequeuer(dequeuer queue.Dequeuer, policy RetryPolicy) *Dequeuer {
	return &Dequeuer{dequeuer: dequeuer, policy: policy}
}

func (a *Dequeuer) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if a == nil || a.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := a.dequeuer.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, nil
	}
	return NewDelivery(delivery, a.policy), nil
}

// NewRunner builds a core.JobRunner reading from a go-job dequeuer.
func NewRunner(dequeuer queue.Dequeuer, policy RetryPolicy, opts ...core.JobRunnerOption) (*core.JobRunner, error) {
	if dequeuer == nil {
		return nil, core.NewConfigurationError("gojob: dequeuer is required")
	}
	return core.NewJobRunner(NewDequeuer(dequeuer, policy), opts...)
}

// WorkerHook forwards go-job worker events to a core hook.
type WorkerHook struct {
	hook core.JobWorkerHook
}

func NewWorkerHook(hook core.JobWorkerHook) *WorkerHook {
	return &WorkerHook{hook: hook}
}

func (h *WorkerHook) OnStart(ctx context.Context, event worker.Event) {
	if h == nil || h.hook == nil {
		return
	}
	h.hook.OnStart(ctx, toWorkerEvent(event))
}

func (h *WorkerHook) OnSuccess(ctx context.Context, event worker.Event) {
	if h == nil || h.hook == nil {
		return
	}
	h.hook.OnSuccess(ctx, toWorkerEvent(event))
}

func (h *WorkerHook) OnFailure(ctx context.Context, event worker.Event) {
	if h == nil || h.hook == nil {
		return
	}
	h.hook.OnFailure(ctx, toWorkerEvent(event))
}

func (h *WorkerHook) OnRetry(ctx context.Context, event worker.Event) {
	if h == nil || h.hook == nil {
		return
	}
	h.hook.OnRetry(ctx, toWorkerEvent(event))
}

func toWorkerEvent(event worker.Event) core.JobWorkerEvent {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	return core.JobWorkerEvent{
		Message:   FromExecutionMessage(message),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var (
	_ core.JobEnqueuer = (*Scheduler)(nil)
	_ core.JobDelivery = (*Delivery)(nil)
	_ core.JobDequeuer = (*Dequeuer)(nil)
	_ worker.Hook      = (*WorkerHook)(nil)
)
