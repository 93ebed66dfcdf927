package memengine

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/goliatone/go-entities/core"
	"github.com/google/uuid"
)

type stagedWrite struct {
	kind     core.ChangeKind
	expected int64
	record   *core.Record
	phantom  bool
}

type transaction struct {
	id     string
	order  []core.RecordLocator
	writes map[core.RecordLocator]*stagedWrite
}

type appliedWrite struct {
	locator core.RecordLocator
	record  *core.Record
}

// Session stages writes until Commit. Save and Delete outside an explicit
// transaction commit immediately.
type Session struct {
	id     string
	engine *Engine

	mu     sync.Mutex
	hooks  []core.RecordHook
	closed bool

	tx *transaction
}

func (s *Session) ID() string { return s.id }

func (s *Session) Database() string { return s.engine.name }

func (s *Session) Schema() core.Schema { return s.engine }

func (s *Session) InTransaction() bool { return s.tx != nil }

func (s *Session) AddHook(hook core.RecordHook) {
	if hook == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.hooks {
		if existing == hook {
			return
		}
	}
	s.hooks = append(s.hooks, hook)
}

func (s *Session) RemoveHook(hook core.RecordHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = slices.DeleteFunc(s.hooks, func(existing core.RecordHook) bool {
		return existing == hook
	})
}

func (s *Session) Begin(ctx context.Context) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	if s.tx != nil {
		return core.NewBadInputError("memengine: transaction already active")
	}
	s.tx = &transaction{
		id:     uuid.NewString(),
		writes: map[core.RecordLocator]*stagedWrite{},
	}
	return nil
}

func (s *Session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	s.tx = nil
	for _, hook := range s.recordHooks() {
		s.safeHook(func() { hook.OnAfterRollback(ctx, s) })
	}
	return nil
}

func (s *Session) Commit(ctx context.Context) error {
	_, err := s.commit(ctx)
	return err
}

func (s *Session) Save(ctx context.Context, record *core.Record) (*core.Record, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, core.NewBadInputError("memengine: record is required")
	}
	if err := s.validate(record); err != nil {
		return nil, err
	}
	implicit := s.tx == nil
	if implicit {
		if err := s.Begin(ctx); err != nil {
			return nil, err
		}
	}
	saved, err := s.stage(ctx, record)
	if !implicit {
		return saved, err
	}
	if err != nil {
		_ = s.Rollback(ctx)
		return nil, err
	}
	info, err := s.commit(ctx)
	if err != nil {
		return nil, err
	}
	return info.Records[saved.Locator].Clone(), nil
}

func (s *Session) Delete(ctx context.Context, locator core.RecordLocator) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	if !locator.IsValid() {
		return core.NewBadInputError(fmt.Sprintf("memengine: invalid locator %s", locator))
	}
	implicit := s.tx == nil
	if implicit {
		if err := s.Begin(ctx); err != nil {
			return err
		}
	}
	err := s.stageDelete(ctx, locator)
	if !implicit {
		return err
	}
	if err != nil {
		_ = s.Rollback(ctx)
		return err
	}
	return s.Commit(ctx)
}

func (s *Session) Load(ctx context.Context, locator core.RecordLocator) (*core.Record, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	if s.tx != nil {
		if write, ok := s.tx.writes[locator]; ok {
			if write.phantom || write.kind == core.ChangeDelete {
				return nil, nil
			}
			return write.record.Clone(), nil
		}
	}
	s.engine.data.RLock()
	defer s.engine.data.RUnlock()
	return s.engine.committedLocked(locator), nil
}

// Browse yields a snapshot of the class taken when iteration starts,
// including this session's uncommitted writes.
func (s *Session) Browse(ctx context.Context, class string) iter.Seq2[*core.Record, error] {
	return func(yield func(*core.Record, error) bool) {
		if err := s.checkOpen(ctx); err != nil {
			yield(nil, err)
			return
		}
		for _, record := range s.snapshot(class) {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(record, nil) {
				return
			}
		}
	}
}

func (s *Session) Count(ctx context.Context, class string) (int64, error) {
	if err := s.checkOpen(ctx); err != nil {
		return 0, err
	}
	return int64(len(s.snapshot(class))), nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if s.tx != nil {
		_ = s.Rollback(context.Background())
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	for _, listener := range s.engine.sessionListeners() {
		listener.OnSessionClose(s)
	}
	return nil
}

func (s *Session) stage(ctx context.Context, record *core.Record) (*core.Record, error) {
	rec := record.Clone()
	if !rec.Locator.IsValid() {
		locator, err := s.engine.allocate(rec.Class)
		if err != nil {
			return nil, err
		}
		rec.Locator = locator
		rec.Version = 1
		s.tx.order = append(s.tx.order, locator)
		s.tx.writes[locator] = &stagedWrite{kind: core.ChangeCreate, record: rec}
		s.fireChange(ctx, core.ChangeCreate, rec)
		return rec.Clone(), nil
	}

	if write, ok := s.tx.writes[rec.Locator]; ok {
		if write.phantom || write.kind == core.ChangeDelete {
			return nil, core.NewNotFoundError(fmt.Sprintf("memengine: record %s was deleted in this transaction", rec.Locator))
		}
		if write.record.Class != rec.Class {
			return nil, core.NewBadInputError(fmt.Sprintf("memengine: record %s belongs to class %q", rec.Locator, write.record.Class))
		}
		rec.Version = write.record.Version
		write.record = rec
		s.fireChange(ctx, core.ChangeUpdate, rec)
		return rec.Clone(), nil
	}

	s.engine.data.RLock()
	stored := s.engine.committedLocked(rec.Locator)
	s.engine.data.RUnlock()
	if stored == nil {
		return nil, core.NewNotFoundError(fmt.Sprintf("memengine: record %s not found", rec.Locator))
	}
	if stored.Class != rec.Class {
		return nil, core.NewBadInputError(fmt.Sprintf("memengine: record %s belongs to class %q", rec.Locator, stored.Class))
	}
	expected := rec.Version
	rec.Version = stored.Version + 1
	s.tx.order = append(s.tx.order, rec.Locator)
	s.tx.writes[rec.Locator] = &stagedWrite{kind: core.ChangeUpdate, expected: expected, record: rec}
	s.fireChange(ctx, core.ChangeUpdate, rec)
	return rec.Clone(), nil
}

func (s *Session) stageDelete(ctx context.Context, locator core.RecordLocator) error {
	if write, ok := s.tx.writes[locator]; ok {
		switch {
		case write.phantom || write.kind == core.ChangeDelete:
			return core.NewNotFoundError(fmt.Sprintf("memengine: record %s not found", locator))
		case write.kind == core.ChangeCreate:
			write.phantom = true
		default:
			write.kind = core.ChangeDelete
		}
		s.fireChange(ctx, core.ChangeDelete, write.record)
		return nil
	}

	s.engine.data.RLock()
	stored := s.engine.committedLocked(locator)
	s.engine.data.RUnlock()
	if stored == nil {
		return core.NewNotFoundError(fmt.Sprintf("memengine: record %s not found", locator))
	}
	s.tx.order = append(s.tx.order, locator)
	s.tx.writes[locator] = &stagedWrite{kind: core.ChangeDelete, expected: stored.Version, record: stored}
	s.fireChange(ctx, core.ChangeDelete, stored)
	return nil
}

// commit applies the staged writes atomically. Stale updates go through the
// conflict strategy; a DENY rolls back the whole transaction.
func (s *Session) commit(ctx context.Context) (core.CommitInfo, error) {
	if err := s.checkOpen(ctx); err != nil {
		return core.CommitInfo{}, err
	}
	tx := s.tx
	if tx == nil {
		return core.CommitInfo{}, core.NewBadInputError("memengine: no active transaction")
	}
	engine := s.engine

	engine.data.Lock()
	applied := make([]appliedWrite, 0, len(tx.order))
	for _, locator := range tx.order {
		write := tx.writes[locator]
		if write.phantom {
			continue
		}
		stored := engine.committedLocked(locator)
		switch write.kind {
		case core.ChangeCreate:
			rec := write.record.Clone()
			rec.Version = 1
			applied = append(applied, appliedWrite{locator: locator, record: rec})
		case core.ChangeUpdate:
			rec, err := s.reconcile(ctx, locator, stored, write)
			if err != nil {
				engine.data.Unlock()
				_ = s.Rollback(ctx)
				return core.CommitInfo{}, err
			}
			applied = append(applied, appliedWrite{locator: locator, record: rec})
		case core.ChangeDelete:
			if stored == nil {
				continue
			}
			if stored.Version != write.expected {
				engine.data.Unlock()
				_ = s.Rollback(ctx)
				return core.CommitInfo{}, core.NewConcurrencyDeniedError(locator,
					fmt.Errorf("memengine: record changed to version %d before delete", stored.Version))
			}
			applied = append(applied, appliedWrite{locator: locator})
		}
	}

	info := core.CommitInfo{TxID: tx.id, Records: map[core.RecordLocator]*core.Record{}}
	locators := make([]core.RecordLocator, 0, len(applied))
	for _, write := range applied {
		target, _ := engine.cluster(write.locator.Cluster)
		if write.record == nil {
			delete(target.records, write.locator.Position)
		} else {
			target.records[write.locator.Position] = write.record
			info.Records[write.locator] = write.record.Clone()
		}
		locators = append(locators, write.locator)
	}
	if len(locators) > 0 {
		info.Marker = engine.log.append(tx.id, locators)
	} else {
		info.Marker, _ = engine.log.End(context.Background())
	}
	engine.data.Unlock()

	s.tx = nil
	for _, hook := range s.recordHooks() {
		s.safeHook(func() { hook.OnAfterCommit(ctx, s, info) })
	}
	return info, nil
}

// reconcile returns the record to persist for a staged update. Callers hold
// the data lock.
func (s *Session) reconcile(
	ctx context.Context,
	locator core.RecordLocator,
	stored *core.Record,
	write *stagedWrite,
) (*core.Record, error) {
	if stored == nil {
		return nil, core.NewConcurrencyDeniedError(locator, fmt.Errorf("memengine: record was deleted concurrently"))
	}
	change := write.record.Clone()
	if stored.Version == write.expected {
		change.Version = stored.Version + 1
		return change, nil
	}

	change.Version = write.expected
	target, _ := s.engine.cluster(locator.Cluster)
	state, err := s.resolve(ctx, target.name, stored.Clone(), change)
	if err == nil && state == core.ConflictDeny {
		err = fmt.Errorf("memengine: stale version %d, stored version %d", write.expected, stored.Version)
	}
	if err != nil {
		return nil, core.NewConcurrencyDeniedError(locator, err)
	}
	change.Version = stored.Version + 1
	return change, nil
}

func (s *Session) resolve(ctx context.Context, cluster string, stored *core.Record, change *core.Record) (state core.ConflictState, err error) {
	strategy := s.engine.conflictStrategy()
	if strategy == nil {
		return core.ConflictDeny, nil
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			state = core.ConflictDeny
			err = fmt.Errorf("memengine: conflict strategy panicked: %v", recovered)
		}
	}()
	return strategy.OnUpdate(ctx, s, cluster, stored, change)
}

func (s *Session) snapshot(class string) []*core.Record {
	var out []*core.Record
	s.engine.data.RLock()
	for _, c := range s.engine.classClusters(class) {
		for _, record := range c.records {
			out = append(out, record.Clone())
		}
	}
	s.engine.data.RUnlock()

	if s.tx != nil {
		out = slices.DeleteFunc(out, func(record *core.Record) bool {
			_, staged := s.tx.writes[record.Locator]
			return staged
		})
		for _, locator := range s.tx.order {
			write := s.tx.writes[locator]
			if write.phantom || write.kind == core.ChangeDelete || write.record.Class != class {
				continue
			}
			out = append(out, write.record.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *core.Record) int {
		return cmp.Or(
			cmp.Compare(a.Locator.Cluster, b.Locator.Cluster),
			cmp.Compare(a.Locator.Position, b.Locator.Position),
		)
	})
	return out
}

func (s *Session) validate(record *core.Record) error {
	schema, ok := s.engine.classSchema(record.Class)
	if !ok {
		return core.NewConfigurationError(fmt.Sprintf("memengine: class %q does not exist", record.Class))
	}
	if schema.Binary != (record.Kind == core.RecordBinary) {
		return core.NewBadInputError(fmt.Sprintf("memengine: class %q expects %s records", record.Class, expectedKind(schema)))
	}
	for _, prop := range schema.Properties {
		value, present := record.Field(prop.Name)
		if prop.Mandatory && !present {
			return core.NewBadInputError(fmt.Sprintf("memengine: %s.%s is mandatory", record.Class, prop.Name))
		}
		if prop.NotNull && present && value == nil {
			return core.NewBadInputError(fmt.Sprintf("memengine: %s.%s must not be null", record.Class, prop.Name))
		}
	}
	return nil
}

func expectedKind(schema core.ClassSchema) core.RecordKind {
	if schema.Binary {
		return core.RecordBinary
	}
	return core.RecordStructured
}

func (s *Session) fireChange(ctx context.Context, kind core.ChangeKind, record *core.Record) {
	for _, hook := range s.recordHooks() {
		change := core.RecordChange{Kind: kind, Record: record.Clone()}
		s.safeHook(func() { hook.OnRecordChange(ctx, s, change) })
	}
}

func (s *Session) recordHooks() []core.RecordHook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.RecordHook(nil), s.hooks...)
}

func (s *Session) safeHook(fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.engine.logger.Error("record hook panicked", "session", s.id, "panic", fmt.Sprint(recovered))
		}
	}()
	fn()
}

func (s *Session) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.NewBadInputError(fmt.Sprintf("memengine: session %s is closed", s.id))
	}
	return nil
}

var _ core.Session = (*Session)(nil)
