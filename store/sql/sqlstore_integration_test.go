package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-entities/core"
	sqlstore "github.com/goliatone/go-entities/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
)

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	cfg := sqlstore.ClientConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:entities-test-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano()),
		PingTimeout:  time.Second,
		MaxOpenConns: 1,
	}
	client, err := sqlstore.NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := sqlstore.Migrate(context.Background(), client, cfg.MigrationDialect()); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}
	return client, func() {
		_ = client.Close()
	}
}

func newFactory(t *testing.T) (*sqlstore.RepositoryFactory, func()) {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		cleanup()
		t.Fatalf("new repository factory: %v", err)
	}
	return factory, cleanup
}

func outboxEvent(id string, occurredAt time.Time) core.ChangeEvent {
	detached := core.DetachedMetadata{ID: core.EntityID("w-" + id), Version: 2, Type: "widget", Cluster: 3, Position: 11}
	return core.ChangeEvent{
		ID:          id,
		Kind:        core.ChangeUpdate,
		Metadata:    detached.Attach(nil),
		Node:        "node-a",
		AffinityKey: "widget:w-" + id,
		TxID:        "tx-" + id,
		Fields:      map[string]any{"name": "gear"},
		OccurredAt:  occurredAt,
	}
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{"entity_changelog_checkpoints", "entity_change_outbox"} {
		var name string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &name); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if name != table {
			t.Fatalf("expected %s table, got %q", table, name)
		}
	}
}

func TestCheckpointStore_AdvanceIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newFactory(t)
	defer cleanup()
	store := factory.CheckpointStore()

	if _, err := store.Get(ctx, "search"); !core.IsNotFound(err) {
		t.Fatalf("expected not found before the first advance, got %v", err)
	}
	expected := core.NewLogMarker(0)
	if _, err := store.Advance(ctx, core.AdvanceCheckpointInput{
		Consumer:       "search",
		Marker:         core.NewLogMarker(4),
		ExpectedMarker: &expected,
	}); !errors.Is(err, core.ErrCheckpointConflict) {
		t.Fatalf("expected conflict when expecting a marker that was never stored, got %v", err)
	}

	first, err := store.Advance(ctx, core.AdvanceCheckpointInput{
		Consumer: " search ",
		Marker:   core.NewLogMarker(4),
		Metadata: map[string]any{"changes": 2},
	})
	if err != nil {
		t.Fatalf("first advance: %v", err)
	}
	if first.Consumer != "search" || first.Marker.Position() != 4 {
		t.Fatalf("unexpected checkpoint %+v", first)
	}

	stale := core.NewLogMarker(1)
	if _, err := store.Advance(ctx, core.AdvanceCheckpointInput{
		Consumer:       "search",
		Marker:         core.NewLogMarker(9),
		ExpectedMarker: &stale,
	}); !errors.Is(err, core.ErrCheckpointConflict) {
		t.Fatalf("expected conflict for a stale expected marker, got %v", err)
	}

	current := core.NewLogMarker(4)
	if _, err := store.Advance(ctx, core.AdvanceCheckpointInput{
		Consumer:       "search",
		Marker:         core.NewLogMarker(9),
		ExpectedMarker: &current,
	}); err != nil {
		t.Fatalf("guarded advance: %v", err)
	}
	got, err := store.Get(ctx, "search")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Marker.Position() != 9 {
		t.Fatalf("expected marker 9, got %s", got.Marker)
	}

	if _, err := store.Advance(ctx, core.AdvanceCheckpointInput{Consumer: "audit", Marker: core.NewLogMarker(2)}); err != nil {
		t.Fatalf("advance audit: %v", err)
	}
	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].Consumer != "audit" || all[1].Consumer != "search" {
		t.Fatalf("expected checkpoints ordered by consumer, got %+v", all)
	}
}

func TestCheckpointStore_RejectsBlankConsumer(t *testing.T) {
	factory, cleanup := newFactory(t)
	defer cleanup()
	if _, err := factory.CheckpointStore().Advance(context.Background(), core.AdvanceCheckpointInput{Consumer: "  "}); err == nil {
		t.Fatalf("expected blank consumer to fail")
	}
}

func TestOutboxStore_ClaimAckRetryLifecycle(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newFactory(t)
	defer cleanup()
	store := factory.OutboxStore()

	base := time.Now().UTC().Add(-time.Minute)
	for i, id := range []string{"e1", "e2", "e3"} {
		if err := store.Enqueue(ctx, outboxEvent(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if err := store.Enqueue(ctx, outboxEvent("e1", base)); err != nil {
		t.Fatalf("expected duplicate enqueue to be ignored, got %v", err)
	}

	claimed, err := store.ClaimBatch(ctx, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != "e1" || claimed[1].ID != "e2" {
		t.Fatalf("expected the two oldest events, got %+v", claimed)
	}
	event := claimed[0]
	if event.Kind != core.ChangeUpdate || event.TypeName() != "widget" || event.EntityID() != "w-e1" {
		t.Fatalf("unexpected restored event %+v", event)
	}
	if event.Metadata.Locator() != (core.RecordLocator{Cluster: 3, Position: 11}) || event.Metadata.Version() != 2 {
		t.Fatalf("unexpected restored metadata %+v", event.Detached())
	}
	if event.Node != "node-a" || event.AffinityKey != "widget:w-e1" || event.TxID != "tx-e1" || event.Fields["name"] != "gear" {
		t.Fatalf("unexpected restored event fields %+v", event)
	}

	if err := store.Ack(ctx, "e1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := store.Retry(ctx, "e2", errors.New("bus down"), time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("retry: %v", err)
	}

	next, err := store.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(next) != 1 || next[0].ID != "e3" {
		t.Fatalf("expected only e3 to be claimable, got %+v", next)
	}
	if err := store.Retry(ctx, "e3", errors.New("poison"), time.Time{}); err != nil {
		t.Fatalf("fail e3: %v", err)
	}

	failed, err := store.List(ctx, sqlstore.OutboxFilter{Status: "failed"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if failed.Total != 1 || failed.Items[0].ID != "e3" || failed.Items[0].Attempts != 1 {
		t.Fatalf("expected e3 failed after one attempt, got %+v", failed)
	}

	moved, err := store.Requeue(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected one requeued event, got %d", moved)
	}
	again, err := store.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim after requeue: %v", err)
	}
	if len(again) != 1 || again[0].ID != "e3" || again[0].Attempts != 1 {
		t.Fatalf("expected e3 back with its attempt count, got %+v", again)
	}
}

func TestOutboxStore_EnqueueValidatesEvent(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newFactory(t)
	defer cleanup()
	store := factory.OutboxStore()

	if err := store.Enqueue(ctx, core.ChangeEvent{}); err == nil {
		t.Fatalf("expected missing id to fail")
	}
	if err := store.Enqueue(ctx, core.ChangeEvent{ID: "x"}); err == nil {
		t.Fatalf("expected missing type to fail")
	}
}

func TestOutboxStore_FeedsDispatcher(t *testing.T) {
	ctx := context.Background()
	factory, cleanup := newFactory(t)
	defer cleanup()

	bus, err := core.NewOutboxEventBus(factory.OutboxStore())
	if err != nil {
		t.Fatalf("new outbox bus: %v", err)
	}
	now := time.Now().UTC().Add(-time.Second)
	if err := bus.PostBatch(ctx, []core.ChangeEvent{outboxEvent("a", now), outboxEvent("b", now.Add(time.Millisecond))}); err != nil {
		t.Fatalf("post batch: %v", err)
	}

	dispatcher, err := core.NewOutboxDispatcher(factory.OutboxStore(), core.DefaultOutboxDispatcherConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	var seen []string
	dispatcher.Subscribe(core.ChangeEventHandlerFunc(func(_ context.Context, event core.ChangeEvent) error {
		seen = append(seen, event.ID)
		return nil
	}))
	result, err := dispatcher.DispatchPending(ctx, 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Delivered != 2 || len(seen) != 2 {
		t.Fatalf("expected both events delivered, got %+v seen=%v", result, seen)
	}
	delivered, err := factory.OutboxStore().List(ctx, sqlstore.OutboxFilter{Status: "delivered"})
	if err != nil {
		t.Fatalf("list delivered: %v", err)
	}
	if delivered.Total != 2 {
		t.Fatalf("expected two delivered rows, got %d", delivered.Total)
	}
}
