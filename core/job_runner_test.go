package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubJobDelivery struct {
	msg    *JobExecutionMessage
	acked  bool
	nacks  []JobNackOptions
	bounds []int
}

func (d *stubJobDelivery) Message() *JobExecutionMessage { return d.msg }

func (d *stubJobDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *stubJobDelivery) Nack(_ context.Context, opts JobNackOptions) error {
	d.nacks = append(d.nacks, opts)
	return nil
}

type boundedJobDelivery struct {
	stubJobDelivery
}

func (d *boundedJobDelivery) NackForAttempt(_ context.Context, opts JobNackOptions, attempt int) error {
	d.nacks = append(d.nacks, opts)
	d.bounds = append(d.bounds, attempt)
	return nil
}

type stubJobDequeuer struct {
	deliveries []JobDelivery
	err        error
}

func (q *stubJobDequeuer) Dequeue(context.Context) (JobDelivery, error) {
	if q.err != nil {
		return nil, q.err
	}
	if len(q.deliveries) == 0 {
		return nil, nil
	}
	next := q.deliveries[0]
	q.deliveries = q.deliveries[1:]
	return next, nil
}

type recordingWorkerHook struct {
	phases []string
}

func (h *recordingWorkerHook) OnStart(context.Context, JobWorkerEvent)   { h.phases = append(h.phases, "start") }
func (h *recordingWorkerHook) OnSuccess(context.Context, JobWorkerEvent) { h.phases = append(h.phases, "success") }
func (h *recordingWorkerHook) OnFailure(context.Context, JobWorkerEvent) { h.phases = append(h.phases, "failure") }
func (h *recordingWorkerHook) OnRetry(context.Context, JobWorkerEvent)   { h.phases = append(h.phases, "retry") }

func TestJobRunner_RoutesAndAcks(t *testing.T) {
	delivery := &stubJobDelivery{msg: &JobExecutionMessage{JobID: "custom", Parameters: map[string]any{"consumer": " search "}}}
	hook := &recordingWorkerHook{}
	runner, err := NewJobRunner(&stubJobDequeuer{deliveries: []JobDelivery{delivery}}, WithJobWorkerHook(hook))
	if err != nil {
		t.Fatalf("new job runner: %v", err)
	}
	var consumer string
	if err := runner.Handle("custom", func(_ context.Context, msg *JobExecutionMessage) error {
		consumer = StringParameter(msg.Parameters, "consumer")
		return nil
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !delivery.acked || consumer != "search" {
		t.Fatalf("expected ack and parameter, acked=%v consumer=%q", delivery.acked, consumer)
	}
	if len(hook.phases) != 2 || hook.phases[0] != "start" || hook.phases[1] != "success" {
		t.Fatalf("unexpected hook phases %v", hook.phases)
	}
	if err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected empty queue to be a no-op, got %v", err)
	}
}

func TestJobRunner_FailuresNackWithAttempts(t *testing.T) {
	msg := &JobExecutionMessage{JobID: "flaky", IdempotencyKey: "flaky-1"}
	first := &boundedJobDelivery{stubJobDelivery{msg: msg}}
	second := &boundedJobDelivery{stubJobDelivery{msg: msg}}
	hook := &recordingWorkerHook{}
	runner, err := NewJobRunner(
		&stubJobDequeuer{deliveries: []JobDelivery{first, second}},
		WithJobWorkerHook(hook),
		WithJobRetryDelay(time.Second),
	)
	if err != nil {
		t.Fatalf("new job runner: %v", err)
	}
	if err := runner.Handle("flaky", func(context.Context, *JobExecutionMessage) error {
		return errors.New("not yet")
	}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := runner.RunOnce(context.Background()); err != nil {
			t.Fatalf("run once %d: %v", i, err)
		}
	}
	if len(first.bounds) != 1 || first.bounds[0] != 1 || len(second.bounds) != 1 || second.bounds[0] != 2 {
		t.Fatalf("expected attempts 1 and 2, got %v %v", first.bounds, second.bounds)
	}
	nack := first.nacks[0]
	if !nack.Requeue || nack.Delay != time.Second || nack.Reason != "not yet" {
		t.Fatalf("unexpected nack options %+v", nack)
	}
	want := []string{"start", "failure", "retry", "start", "failure", "retry"}
	if len(hook.phases) != len(want) {
		t.Fatalf("unexpected hook phases %v", hook.phases)
	}
	for i := range want {
		if hook.phases[i] != want[i] {
			t.Fatalf("unexpected hook phases %v", hook.phases)
		}
	}
}

func TestJobRunner_DeadLettersUnknownAndEmptyJobs(t *testing.T) {
	unknown := &stubJobDelivery{msg: &JobExecutionMessage{JobID: "nobody"}}
	empty := &stubJobDelivery{}
	runner, err := NewJobRunner(&stubJobDequeuer{deliveries: []JobDelivery{unknown, empty}})
	if err != nil {
		t.Fatalf("new job runner: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := runner.RunOnce(context.Background()); err != nil {
			t.Fatalf("run once: %v", err)
		}
	}
	if len(unknown.nacks) != 1 || !unknown.nacks[0].DeadLetter {
		t.Fatalf("expected unknown job to be dead lettered")
	}
	if len(empty.nacks) != 1 || !empty.nacks[0].DeadLetter {
		t.Fatalf("expected empty message to be dead lettered")
	}
}

func TestJobRunner_RecoversHandlerPanics(t *testing.T) {
	delivery := &stubJobDelivery{msg: &JobExecutionMessage{JobID: "panics"}}
	runner, err := NewJobRunner(&stubJobDequeuer{deliveries: []JobDelivery{delivery}})
	if err != nil {
		t.Fatalf("new job runner: %v", err)
	}
	_ = runner.Handle("panics", func(context.Context, *JobExecutionMessage) error {
		panic("handler exploded")
	})
	if err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if delivery.acked || len(delivery.nacks) != 1 || !delivery.nacks[0].Requeue {
		t.Fatalf("expected panic to be nacked for retry")
	}
}

func TestJobRunner_RunStopsWithContext(t *testing.T) {
	runner, err := NewJobRunner(&stubJobDequeuer{err: errors.New("queue down")}, WithJobRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("new job runner: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestOutboxDispatchJob_UsesBatchSizeParameter(t *testing.T) {
	store := &stubOutboxStore{claimed: []ChangeEvent{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	dispatcher, err := NewOutboxDispatcher(store, DefaultOutboxDispatcherConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	job := OutboxDispatchJob(dispatcher)
	if err := job(context.Background(), &JobExecutionMessage{
		JobID:      JobIDOutboxDispatch,
		Parameters: map[string]any{"batch_size": "2"},
	}); err != nil {
		t.Fatalf("dispatch job: %v", err)
	}
	if len(store.acked) != 2 || len(store.claimed) != 1 {
		t.Fatalf("expected two events dispatched, acked=%v remaining=%d", store.acked, len(store.claimed))
	}
	if err := OutboxDispatchJob(nil)(context.Background(), &JobExecutionMessage{}); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
