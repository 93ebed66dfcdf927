package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	JobIDOutboxDispatch   = "entities.outbox.dispatch"
	JobIDChangeLogCatchUp = "entities.changelog.catchup"
)

// JobHandler executes one job message.
type JobHandler func(ctx context.Context, msg *JobExecutionMessage) error

// attemptAwareDelivery is implemented by deliveries that bound retries
// themselves.
type attemptAwareDelivery interface {
	NackForAttempt(ctx context.Context, opts JobNackOptions, attempt int) error
}

type JobRunnerOption func(*JobRunner)

func WithJobRunnerLogger(logger Logger) JobRunnerOption {
	return func(r *JobRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithJobWorkerHook(hook JobWorkerHook) JobRunnerOption {
	return func(r *JobRunner) {
		r.hook = hook
	}
}

func WithJobRetryDelay(delay time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if delay >= 0 {
			r.retryDelay = delay
		}
	}
}

// JobRunner pulls deliveries from a dequeuer and routes them by job id.
type JobRunner struct {
	dequeuer   JobDequeuer
	hook       JobWorkerHook
	logger     Logger
	retryDelay time.Duration
	now        func() time.Time

	mu       sync.RWMutex
	handlers map[string]JobHandler
	attempts map[string]int
}

func NewJobRunner(dequeuer JobDequeuer, opts ...JobRunnerOption) (*JobRunner, error) {
	if dequeuer == nil {
		return nil, NewConfigurationError("core: job dequeuer is required")
	}
	runner := &JobRunner{
		dequeuer:   dequeuer,
		retryDelay: 5 * time.Second,
		handlers:   map[string]JobHandler{},
		attempts:   map[string]int{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	_, runner.logger = resolveLogger(nil, nil)
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	return runner, nil
}

func (r *JobRunner) Handle(jobID string, handler JobHandler) error {
	if r == nil {
		return NewConfigurationError("core: job runner is not configured")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || handler == nil {
		return NewBadInputError("core: job id and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobID] = handler
	return nil
}

// Run processes deliveries until ctx is done.
func (r *JobRunner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("job delivery failed", "error", err.Error())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.retryDelay):
			}
		}
	}
}

// RunOnce dequeues and executes a single delivery. Handler failures are
// nacked and reported; they are not returned.
func (r *JobRunner) RunOnce(ctx context.Context) error {
	if r == nil || r.dequeuer == nil {
		return NewConfigurationError("core: job runner is not configured")
	}
	delivery, err := r.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	msg := delivery.Message()
	if msg == nil {
		return delivery.Nack(ctx, JobNackOptions{DeadLetter: true, Reason: "empty job message"})
	}

	r.mu.RLock()
	handler, ok := r.handlers[strings.TrimSpace(msg.JobID)]
	r.mu.RUnlock()
	if !ok {
		return delivery.Nack(ctx, JobNackOptions{
			DeadLetter: true,
			Reason:     fmt.Sprintf("no handler for job %q", msg.JobID),
		})
	}

	key := attemptKey(msg)
	attempt := r.attempt(key) + 1
	startedAt := r.now()
	event := JobWorkerEvent{Message: msg, Attempt: attempt, StartedAt: startedAt}
	r.notify(ctx, "start", event)

	runErr := runJobHandler(ctx, handler, msg)
	event.Duration = r.now().Sub(startedAt)
	if runErr == nil {
		r.resetAttempt(key)
		r.notify(ctx, "success", event)
		return delivery.Ack(ctx)
	}

	r.recordAttempt(key, attempt)
	event.Err = runErr
	event.Delay = r.retryDelay
	r.notify(ctx, "failure", event)
	r.logger.Error("job failed",
		"job_id", msg.JobID,
		"attempt", attempt,
		"error", runErr.Error(),
	)
	opts := JobNackOptions{Delay: r.retryDelay, Requeue: true, Reason: runErr.Error()}
	r.notify(ctx, "retry", event)
	if bounded, ok := delivery.(attemptAwareDelivery); ok {
		return bounded.NackForAttempt(ctx, opts, attempt)
	}
	return delivery.Nack(ctx, opts)
}

func (r *JobRunner) notify(ctx context.Context, phase string, event JobWorkerEvent) {
	if r.hook == nil {
		return
	}
	switch phase {
	case "start":
		r.hook.OnStart(ctx, event)
	case "success":
		r.hook.OnSuccess(ctx, event)
	case "failure":
		r.hook.OnFailure(ctx, event)
	case "retry":
		r.hook.OnRetry(ctx, event)
	}
}

func (r *JobRunner) attempt(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attempts[key]
}

func (r *JobRunner) recordAttempt(key string, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[key] = attempt
}

func (r *JobRunner) resetAttempt(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
}

func attemptKey(msg *JobExecutionMessage) string {
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	return strings.TrimSpace(msg.JobID)
}

func runJobHandler(ctx context.Context, handler JobHandler, msg *JobExecutionMessage) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("core: job %q panicked: %v", msg.JobID, recovered)
		}
	}()
	return handler(ctx, msg)
}

// OutboxDispatchJob drains one outbox batch per execution. The optional
// "batch_size" parameter overrides the dispatcher default.
func OutboxDispatchJob(dispatcher *OutboxDispatcher) JobHandler {
	return func(ctx context.Context, msg *JobExecutionMessage) error {
		if dispatcher == nil {
			return NewConfigurationError("core: outbox dispatcher is required")
		}
		_, err := dispatcher.DispatchPending(ctx, intParameter(msg.Parameters, "batch_size"))
		return err
	}
}

func intParameter(params map[string]any, key string) int {
	switch typed := params[key].(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(typed))
		if err == nil {
			return parsed
		}
	}
	return 0
}

// StringParameter reads a trimmed string job parameter.
func StringParameter(params map[string]any, key string) string {
	value, _ := params[key].(string)
	return strings.TrimSpace(value)
}
