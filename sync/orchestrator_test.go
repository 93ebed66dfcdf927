package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-entities/core"
	"github.com/goliatone/go-entities/memengine"
)

type stubChangeSource struct {
	mark       core.LogMarker
	changes    map[core.RecordLocator]core.Adapter
	sinceErr   error
	sinceFrom  []core.LogMarker
	sinceTypes []string
}

func (s *stubChangeSource) Mark(context.Context, string) (core.LogMarker, error) {
	return s.mark, nil
}

func (s *stubChangeSource) Since(_ context.Context, _ string, marker core.LogMarker, typeNames ...string) (map[core.RecordLocator]core.Adapter, error) {
	s.sinceFrom = append(s.sinceFrom, marker)
	s.sinceTypes = append(s.sinceTypes, typeNames...)
	if s.sinceErr != nil {
		return nil, s.sinceErr
	}
	return s.changes, nil
}

type recordingApplier struct {
	applied  []map[core.RecordLocator]core.Adapter
	resyncs  int
	applyErr error
}

func (a *recordingApplier) ApplyChanges(_ context.Context, changes map[core.RecordLocator]core.Adapter) error {
	if a.applyErr != nil {
		return a.applyErr
	}
	a.applied = append(a.applied, changes)
	return nil
}

func (a *recordingApplier) FullResync(context.Context) error {
	a.resyncs++
	return nil
}

type conflictingCheckpointStore struct {
	*core.MemoryCheckpointStore
}

func (conflictingCheckpointStore) Advance(context.Context, core.AdvanceCheckpointInput) (core.Checkpoint, error) {
	return core.Checkpoint{}, core.ErrCheckpointConflict
}

func seededCheckpoints(t *testing.T, consumer string, position int64) *core.MemoryCheckpointStore {
	t.Helper()
	store := core.NewMemoryCheckpointStore()
	if _, err := store.Advance(context.Background(), core.AdvanceCheckpointInput{
		Consumer: consumer,
		Marker:   core.NewLogMarker(position),
	}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	return store
}

func changesAt(positions ...int64) map[core.RecordLocator]core.Adapter {
	out := map[core.RecordLocator]core.Adapter{}
	for _, position := range positions {
		out[core.RecordLocator{Cluster: 1, Position: position}] = nil
	}
	return out
}

func TestOrchestrator_BootstrapsConsumerWithoutCheckpoint(t *testing.T) {
	source := &stubChangeSource{mark: core.NewLogMarker(7)}
	checkpoints := core.NewMemoryCheckpointStore()
	applier := &recordingApplier{}
	orchestrator := NewOrchestrator(source, checkpoints, "inventory")

	result, err := orchestrator.CatchUp(context.Background(), " search ", applier)
	if err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if result.Mode != CatchUpModeBootstrap || applier.resyncs != 1 || len(source.sinceFrom) != 0 {
		t.Fatalf("expected a bootstrap resync without a delta read, got %+v", result)
	}
	stored, err := checkpoints.Get(context.Background(), "search")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if stored.Marker.Position() != 7 || stored.Metadata["mode"] != "bootstrap" {
		t.Fatalf("unexpected checkpoint %+v", stored)
	}
}

func TestOrchestrator_AppliesDeltaAndAdvances(t *testing.T) {
	source := &stubChangeSource{mark: core.NewLogMarker(9), changes: changesAt(3, 4)}
	checkpoints := seededCheckpoints(t, "search", 5)
	applier := &recordingApplier{}
	orchestrator := NewOrchestrator(source, checkpoints, "inventory", "widget")

	result, err := orchestrator.CatchUp(context.Background(), "search", applier)
	if err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if result.Mode != CatchUpModeIncremental || result.Changes != 2 || result.From.Position() != 5 || result.To.Position() != 9 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(applier.applied) != 1 || len(applier.applied[0]) != 2 || applier.resyncs != 0 {
		t.Fatalf("expected a single incremental apply, got %+v", applier)
	}
	if source.sinceFrom[0].Position() != 5 || len(source.sinceTypes) != 1 || source.sinceTypes[0] != "widget" {
		t.Fatalf("expected delta read from the checkpoint for widget, got %v %v", source.sinceFrom, source.sinceTypes)
	}
	stored, _ := checkpoints.Get(context.Background(), "search")
	if stored.Marker.Position() != 9 {
		t.Fatalf("expected checkpoint at 9, got %s", stored.Marker)
	}
}

func TestOrchestrator_FallsBackToFullResync(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{name: "unknown delta", err: core.NewUnknownDeltaError(core.NewLogMarker(2), core.ErrLogTruncated)},
		{name: "limit exceeded", err: core.NewChangeLogLimitError(10)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			source := &stubChangeSource{mark: core.NewLogMarker(12), sinceErr: tc.err}
			checkpoints := seededCheckpoints(t, "search", 2)
			applier := &recordingApplier{}

			result, err := NewOrchestrator(source, checkpoints, "inventory").CatchUp(context.Background(), "search", applier)
			if err != nil {
				t.Fatalf("catch up: %v", err)
			}
			if result.Mode != CatchUpModeFullResync || applier.resyncs != 1 || len(applier.applied) != 0 {
				t.Fatalf("expected full resync, got %+v", result)
			}
			stored, _ := checkpoints.Get(context.Background(), "search")
			if stored.Marker.Position() != 12 {
				t.Fatalf("expected checkpoint moved to the mark, got %s", stored.Marker)
			}
		})
	}
}

func TestOrchestrator_UpToDateLeavesCheckpoint(t *testing.T) {
	source := &stubChangeSource{mark: core.NewLogMarker(4), changes: changesAt()}
	checkpoints := seededCheckpoints(t, "search", 4)
	before, _ := checkpoints.Get(context.Background(), "search")

	result, err := NewOrchestrator(source, checkpoints, "inventory").CatchUp(context.Background(), "search", &recordingApplier{})
	if err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if result.Mode != CatchUpModeUpToDate {
		t.Fatalf("expected up to date, got %s", result.Mode)
	}
	after, _ := checkpoints.Get(context.Background(), "search")
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("expected checkpoint to be left alone")
	}
}

func TestOrchestrator_FailuresKeepCheckpoint(t *testing.T) {
	ctx := context.Background()
	readErr := errors.New("engine offline")
	source := &stubChangeSource{mark: core.NewLogMarker(8), sinceErr: readErr}
	checkpoints := seededCheckpoints(t, "search", 3)
	orchestrator := NewOrchestrator(source, checkpoints, "inventory")

	if _, err := orchestrator.CatchUp(ctx, "search", &recordingApplier{}); !errors.Is(err, readErr) {
		t.Fatalf("expected read error, got %v", err)
	}
	source.sinceErr = nil
	source.changes = changesAt(1)
	applyErr := errors.New("index full")
	if _, err := orchestrator.CatchUp(ctx, "search", &recordingApplier{applyErr: applyErr}); !errors.Is(err, applyErr) {
		t.Fatalf("expected apply error, got %v", err)
	}
	stored, _ := checkpoints.Get(ctx, "search")
	if stored.Marker.Position() != 3 {
		t.Fatalf("expected checkpoint to stay at 3, got %s", stored.Marker)
	}

	conflicting := NewOrchestrator(source, conflictingCheckpointStore{checkpoints}, "inventory")
	if _, err := conflicting.CatchUp(ctx, "search", &recordingApplier{}); !errors.Is(err, core.ErrCheckpointConflict) {
		t.Fatalf("expected checkpoint conflict, got %v", err)
	}
}

func TestOrchestrator_RequiresCollaborators(t *testing.T) {
	if _, err := (&Orchestrator{}).CatchUp(context.Background(), "search", &recordingApplier{}); !core.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	orchestrator := NewOrchestrator(&stubChangeSource{}, core.NewMemoryCheckpointStore(), "inventory")
	if _, err := orchestrator.CatchUp(context.Background(), " ", &recordingApplier{}); err == nil {
		t.Fatalf("expected blank consumer to fail")
	}
	if _, err := orchestrator.CatchUp(context.Background(), "search", nil); err == nil {
		t.Fatalf("expected nil applier to fail")
	}
}

func TestCatchUpJob_ResolvesRegisteredConsumer(t *testing.T) {
	ctx := context.Background()
	source := &stubChangeSource{mark: core.NewLogMarker(3)}
	orchestrator := NewOrchestrator(source, core.NewMemoryCheckpointStore(), "inventory")
	applier := &recordingApplier{}
	if err := orchestrator.Register("search", applier); err != nil {
		t.Fatalf("register: %v", err)
	}
	job := CatchUpJob(orchestrator)

	if err := job(ctx, &core.JobExecutionMessage{
		JobID:      core.JobIDChangeLogCatchUp,
		Parameters: map[string]any{"consumer": " search "},
	}); err != nil {
		t.Fatalf("job: %v", err)
	}
	if applier.resyncs != 1 {
		t.Fatalf("expected the job to bootstrap the consumer")
	}
	if err := job(ctx, &core.JobExecutionMessage{Parameters: map[string]any{"consumer": "audit"}}); !core.IsNotFound(err) {
		t.Fatalf("expected not found for an unregistered consumer, got %v", err)
	}
	if err := job(ctx, &core.JobExecutionMessage{}); err == nil {
		t.Fatalf("expected a missing consumer parameter to fail")
	}
	if err := CatchUpJob(nil)(ctx, &core.JobExecutionMessage{}); !core.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

type part struct {
	core.EntityBase
	Name string
}

type partIndex struct {
	seen    map[core.RecordLocator]string
	resyncs int
}

func (p *partIndex) ApplyChanges(_ context.Context, changes map[core.RecordLocator]core.Adapter) error {
	for locator, adapter := range changes {
		p.seen[locator] = adapter.TypeName()
	}
	return nil
}

func (p *partIndex) FullResync(context.Context) error {
	p.resyncs++
	return nil
}

func TestOrchestrator_CatchesUpFromEngineLog(t *testing.T) {
	ctx := context.Background()
	engine, err := memengine.NewEngine("inventory")
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	pc, err := core.NewPersistenceContext(core.Config{})
	if err != nil {
		t.Fatalf("new persistence context: %v", err)
	}
	if err := pc.Attach(engine); err != nil {
		t.Fatalf("attach: %v", err)
	}
	adapter, err := core.NewEntityAdapter[*part](
		core.ClassSchema{Name: "part", Properties: []core.PropertySchema{{Name: "name", Type: core.PropertyString}}},
		core.MappingFuncs[*part]{
			New: func() *part { return &part{} },
			Read: func(fields map[string]any, p *part) error {
				p.Name, _ = fields["name"].(string)
				return nil
			},
			Write: func(p *part, fields map[string]any) error {
				fields["name"] = p.Name
				return nil
			},
		},
	)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	session, err := pc.Open(ctx, "inventory")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = session.Close() }()
	if _, err := pc.Register(ctx, session, adapter, core.DefaultRegisterOptions()); err != nil {
		t.Fatalf("register: %v", err)
	}

	index := &partIndex{seen: map[core.RecordLocator]string{}}
	orchestrator := NewOrchestrator(pc, core.NewMemoryCheckpointStore(), "inventory")
	orchestrator.Now = func() time.Time { return time.Unix(0, 0) }

	if _, err := adapter.Add(ctx, session, &part{Name: "bolt"}); err != nil {
		t.Fatalf("add bolt: %v", err)
	}
	if result, err := orchestrator.CatchUp(ctx, "search", index); err != nil || result.Mode != CatchUpModeBootstrap {
		t.Fatalf("expected bootstrap, got %+v %v", result, err)
	}

	nut, err := adapter.Add(ctx, session, &part{Name: "nut"})
	if err != nil {
		t.Fatalf("add nut: %v", err)
	}
	result, err := orchestrator.CatchUp(ctx, "search", index)
	if err != nil {
		t.Fatalf("incremental catch up: %v", err)
	}
	if result.Mode != CatchUpModeIncremental || result.Changes != 1 {
		t.Fatalf("expected one incremental change, got %+v", result)
	}
	if index.seen[nut.EntityMetadata().Locator()] != "part" {
		t.Fatalf("expected the nut record to be applied, got %v", index.seen)
	}
	if result, err := orchestrator.CatchUp(ctx, "search", index); err != nil || result.Mode != CatchUpModeUpToDate {
		t.Fatalf("expected up to date, got %+v %v", result, err)
	}
}
