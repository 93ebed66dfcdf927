package core

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"sync"
)

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	return l.values, nil
}

type widget struct {
	EntityBase
	Name      string
	UpdatedAt int64
}

func widgetSchema() ClassSchema {
	return ClassSchema{
		Name: "widget",
		Properties: []PropertySchema{
			{Name: "name", Type: PropertyString},
			{Name: "updatedAt", Type: PropertyInteger},
		},
	}
}

func widgetMapping() MappingFuncs[*widget] {
	return MappingFuncs[*widget]{
		New: func() *widget { return &widget{} },
		Read: func(fields map[string]any, w *widget) error {
			w.Name, _ = fields["name"].(string)
			if stamp, ok := toNumber(fields["updatedAt"]); ok {
				w.UpdatedAt, _ = stamp.asInt64()
			}
			return nil
		},
		Write: func(w *widget, fields map[string]any) error {
			fields["name"] = w.Name
			fields["updatedAt"] = w.UpdatedAt
			return nil
		},
	}
}

func newWidgetAdapter(t interface{ Fatalf(string, ...any) }, opts ...AdapterOption) *EntityAdapter[*widget] {
	adapter, err := NewEntityAdapter[*widget](widgetSchema(), widgetMapping(), opts...)
	if err != nil {
		t.Fatalf("new widget adapter: %v", err)
	}
	return adapter
}

// stubSchema hands out one cluster per class unless shards is set.
type stubSchema struct {
	mu          sync.Mutex
	classes     map[string]ClassInfo
	nextCluster int32
	shards      int
}

func newStubSchema() *stubSchema {
	return &stubSchema{classes: map[string]ClassInfo{}, nextCluster: 1, shards: 1}
}

func (s *stubSchema) Class(name string) (ClassInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.classes[name]
	return info, ok
}

func (s *stubSchema) CreateClass(_ context.Context, schema ClassSchema) (ClassInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.classes[schema.Name]; exists {
		return ClassInfo{}, fmt.Errorf("class %q exists", schema.Name)
	}
	info := ClassInfo{Name: schema.Name, Schema: schema}
	for i := 0; i < s.shards; i++ {
		name := schema.Name
		if i > 0 {
			name += "_" + strconv.Itoa(i)
		}
		info.ClusterIDs = append(info.ClusterIDs, s.nextCluster)
		info.ClusterNames = append(info.ClusterNames, name)
		s.nextCluster++
	}
	s.classes[schema.Name] = info
	return info, nil
}

func (s *stubSchema) Classes() []ClassInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClassInfo, 0, len(s.classes))
	for _, info := range s.classes {
		out = append(out, info)
	}
	return out
}

// stubSession is a minimal non-transactional session; writes apply at once.
type stubSession struct {
	id        string
	database  string
	schema    *stubSchema
	inTx      bool
	begins    int
	commits   int
	rollbacks int
	commitErr error
	hooks     []RecordHook
	records   map[RecordLocator]*Record
	positions int64
}

func newStubSession(id string, database string) *stubSession {
	return &stubSession{
		id:       id,
		database: database,
		schema:   newStubSchema(),
		records:  map[RecordLocator]*Record{},
	}
}

func (s *stubSession) ID() string       { return s.id }
func (s *stubSession) Database() string { return s.database }
func (s *stubSession) Schema() Schema {
	if s.schema == nil {
		return nil
	}
	return s.schema
}

func (s *stubSession) Begin(context.Context) error {
	s.begins++
	s.inTx = true
	return nil
}

func (s *stubSession) Commit(context.Context) error {
	s.commits++
	s.inTx = false
	return s.commitErr
}

func (s *stubSession) Rollback(context.Context) error {
	s.rollbacks++
	s.inTx = false
	return nil
}

func (s *stubSession) InTransaction() bool { return s.inTx }

func (s *stubSession) Load(_ context.Context, locator RecordLocator) (*Record, error) {
	return s.records[locator].Clone(), nil
}

func (s *stubSession) Save(_ context.Context, record *Record) (*Record, error) {
	saved := record.Clone()
	if !saved.Locator.IsValid() {
		info, ok := s.schema.Class(saved.Class)
		if !ok {
			return nil, fmt.Errorf("class %q missing", saved.Class)
		}
		saved.Locator = RecordLocator{Cluster: info.ClusterIDs[0], Position: s.positions}
		s.positions++
	}
	saved.Version++
	s.records[saved.Locator] = saved
	return saved.Clone(), nil
}

func (s *stubSession) Delete(_ context.Context, locator RecordLocator) error {
	if _, ok := s.records[locator]; !ok {
		return NewNotFoundError("record not found")
	}
	delete(s.records, locator)
	return nil
}

func (s *stubSession) Browse(_ context.Context, class string) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		locators := make([]RecordLocator, 0, len(s.records))
		for locator, record := range s.records {
			if record.Class == class {
				locators = append(locators, locator)
			}
		}
		slices.SortFunc(locators, func(a, b RecordLocator) int {
			return int(a.Position - b.Position)
		})
		for _, locator := range locators {
			if !yield(s.records[locator].Clone(), nil) {
				return
			}
		}
	}
}

func (s *stubSession) Count(ctx context.Context, class string) (int64, error) {
	var count int64
	for range s.Browse(ctx, class) {
		count++
	}
	return count, nil
}

func (s *stubSession) AddHook(hook RecordHook) { s.hooks = append(s.hooks, hook) }

func (s *stubSession) RemoveHook(hook RecordHook) {
	s.hooks = slices.DeleteFunc(s.hooks, func(existing RecordHook) bool { return existing == hook })
}

func (s *stubSession) Close() error { return nil }

type captureBus struct {
	mu      sync.Mutex
	events  []ChangeEvent
	batches int
	err     error
	panics  bool
}

func (b *captureBus) Post(_ context.Context, event ChangeEvent) error {
	if b.panics {
		panic("bus exploded")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return b.err
}

func (b *captureBus) snapshot() []ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ChangeEvent(nil), b.events...)
}

type captureBatchBus struct {
	captureBus
}

func (b *captureBatchBus) PostBatch(_ context.Context, events []ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches++
	b.events = append(b.events, events...)
	return b.err
}

func hasCounter(counters []capturedCounter, name string, status string) bool {
	for _, counter := range counters {
		if counter.name == name && counter.tags["status"] == status {
			return true
		}
	}
	return false
}
