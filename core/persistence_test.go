package core

import (
	"context"
	"testing"
)

func newTestPersistenceContext(t *testing.T, opts ...Option) *PersistenceContext {
	t.Helper()
	pc, err := NewPersistenceContext(Config{}, opts...)
	if err != nil {
		t.Fatalf("new persistence context: %v", err)
	}
	return pc
}

func TestPersistenceContext_AttachIsIdempotent(t *testing.T) {
	pc := newTestPersistenceContext(t)
	engine := &stubEngine{name: "inventory", log: &stubLog{}}

	if err := pc.Attach(engine); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := pc.Attach(engine); err != nil {
		t.Fatalf("attach twice: %v", err)
	}
	if engine.strategy != pc.ConflictHook() || len(engine.listeners) != 1 {
		t.Fatalf("expected hooks to be installed once, listeners=%d", len(engine.listeners))
	}
	if err := pc.Attach(&stubEngine{name: "inventory"}); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error for a second engine with the same name, got %v", err)
	}
	if err := pc.Attach(nil); err == nil {
		t.Fatalf("expected nil engine to fail")
	}
	if _, err := pc.Open(context.Background(), "missing"); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error for unattached database, got %v", err)
	}
}

func TestPersistenceContext_RegisterEnablesHandlers(t *testing.T) {
	ctx := context.Background()
	pc := newTestPersistenceContext(t)
	session := newStubSession("s1", "inventory")
	adapter := newWidgetAdapter(t)

	info, err := pc.Register(ctx, session, adapter, DefaultRegisterOptions())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if info.Name != "widget" || len(info.ClusterIDs) == 0 {
		t.Fatalf("unexpected class info %+v", info)
	}
	if !pc.ConflictHook().IsEnabled("widget") || !pc.ChangeHook().IsEnabled("widget") {
		t.Fatalf("expected conflicts and events to be enabled")
	}
	if _, err := pc.Register(ctx, session, newWidgetAdapter(t), DefaultRegisterOptions()); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error for a different adapter, got %v", err)
	}
	if _, err := pc.Register(ctx, session, adapter, DefaultRegisterOptions()); err != nil {
		t.Fatalf("register same adapter again: %v", err)
	}
	if got := pc.Adapters(); len(got) != 1 || got[0] != adapter {
		t.Fatalf("expected one registered adapter, got %d", len(got))
	}
}

func TestPersistenceContext_TogglesHandlersByType(t *testing.T) {
	ctx := context.Background()
	pc := newTestPersistenceContext(t)
	session := newStubSession("s1", "inventory")
	adapter := newWidgetAdapter(t)
	if _, err := pc.Register(ctx, session, adapter, RegisterOptions{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if pc.ConflictHook().IsEnabled("widget") || pc.ChangeHook().IsEnabled("widget") {
		t.Fatalf("expected handlers to stay disabled")
	}

	if err := pc.EnableConflictResolution(ctx, "widget"); err != nil {
		t.Fatalf("enable conflicts: %v", err)
	}
	if err := pc.EnableEvents(ctx, "widget"); err != nil {
		t.Fatalf("enable events: %v", err)
	}
	if !pc.ConflictHook().IsEnabled("widget") || !pc.ChangeHook().IsEnabled("widget") {
		t.Fatalf("expected handlers to be enabled")
	}
	if err := pc.DisableConflictResolution(ctx, "widget"); err != nil {
		t.Fatalf("disable conflicts: %v", err)
	}
	if err := pc.DisableEvents(ctx, "widget"); err != nil {
		t.Fatalf("disable events: %v", err)
	}
	if pc.ConflictHook().IsEnabled("widget") || pc.ChangeHook().IsEnabled("widget") {
		t.Fatalf("expected handlers to be disabled")
	}
	if err := pc.EnableEvents(ctx, "gadget"); !IsNotFound(err) {
		t.Fatalf("expected not found for an unknown type, got %v", err)
	}
}

func TestPersistenceContext_MarkAndSince(t *testing.T) {
	ctx := context.Background()
	log := &stubLog{end: 3}
	pc := newTestPersistenceContext(t)
	engine := &stubEngine{name: "inventory", log: log}
	if err := pc.Attach(engine); err != nil {
		t.Fatalf("attach: %v", err)
	}
	session := newStubSession("s1", "inventory")
	adapter := newWidgetAdapter(t)
	if _, err := pc.Register(ctx, session, adapter, DefaultRegisterOptions()); err != nil {
		t.Fatalf("register: %v", err)
	}

	marker, err := pc.Mark(ctx, "inventory")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if marker.Position() != 3 {
		t.Fatalf("expected marker at log end, got %s", marker)
	}

	log.txs = []LoggedTransaction{loggedTx(4, RecordLocator{Cluster: 1, Position: 7})}
	log.end = 4
	changes, err := pc.Since(ctx, "inventory", marker)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(changes) != 1 || changes[RecordLocator{Cluster: 1, Position: 7}] != adapter {
		t.Fatalf("expected one change mapped to the widget adapter, got %v", changes)
	}

	if _, err := pc.Since(ctx, "inventory", marker, "gadget"); !IsNotFound(err) {
		t.Fatalf("expected not found for an unknown type, got %v", err)
	}
	if _, err := pc.Mark(ctx, "archive"); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error for unattached database, got %v", err)
	}
}
