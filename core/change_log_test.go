package core

import (
	"context"
	"errors"
	"testing"
)

type stubLog struct {
	end       int64
	endErr    error
	pinErr    error
	scanPanic bool
	scanErr   error
	txs       []LoggedTransaction
	pins      int
	releases  int
}

func (l *stubLog) End(context.Context) (LogMarker, error) {
	return NewLogMarker(l.end), l.endErr
}

func (l *stubLog) Pin(context.Context, LogMarker) (func(), error) {
	if l.pinErr != nil {
		return nil, l.pinErr
	}
	l.pins++
	return func() { l.releases++ }, nil
}

func (l *stubLog) Scan(_ context.Context, from LogMarker, to LogMarker, fn func(LoggedTransaction) error) error {
	if l.scanPanic {
		panic("segment vanished")
	}
	if l.scanErr != nil {
		return l.scanErr
	}
	for _, tx := range l.txs {
		if tx.Marker.Compare(from) <= 0 || tx.Marker.Compare(to) > 0 {
			continue
		}
		if err := fn(tx); err != nil {
			return err
		}
	}
	return nil
}

type stubEngine struct {
	name      string
	log       WriteAheadLog
	strategy  ConflictStrategy
	listeners []SessionListener
}

func (e *stubEngine) Name() string { return e.name }
func (e *stubEngine) Open(context.Context) (Session, error) { return nil, errors.New("not supported") }
func (e *stubEngine) SetConflictStrategy(strategy ConflictStrategy) { e.strategy = strategy }
func (e *stubEngine) AddSessionListener(listener SessionListener) {
	e.listeners = append(e.listeners, listener)
}
func (e *stubEngine) Log() WriteAheadLog { return e.log }

func newTestChangeLog(t *testing.T, log *stubLog, opts ...ChangeLogOption) (*ChangeLog, Adapter) {
	t.Helper()
	session := newStubSession("s1", "inventory")
	session.schema.shards = 2
	adapter := newWidgetAdapter(t)
	if _, err := adapter.Register(context.Background(), session); err != nil {
		t.Fatalf("register: %v", err)
	}
	changeLog, err := NewChangeLog(&stubEngine{name: "inventory", log: log}, []Adapter{adapter}, opts...)
	if err != nil {
		t.Fatalf("new change log: %v", err)
	}
	return changeLog, adapter
}

func loggedTx(marker int64, locators ...RecordLocator) LoggedTransaction {
	return LoggedTransaction{TxID: "tx", Marker: NewLogMarker(marker), Locators: locators}
}

func TestChangeLog_SinceCollectsIndexedClusters(t *testing.T) {
	log := &stubLog{
		end: 3,
		txs: []LoggedTransaction{
			loggedTx(1, RecordLocator{Cluster: 1, Position: 0}),
			loggedTx(2, RecordLocator{Cluster: 2, Position: 0}, RecordLocator{Cluster: 9, Position: 4}),
			loggedTx(3, RecordLocator{Cluster: 1, Position: 0}),
		},
	}
	changeLog, adapter := newTestChangeLog(t, log)

	changes, err := changeLog.Since(context.Background(), NewLogMarker(0))
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected two changed locators, got %v", changes)
	}
	for locator, owner := range changes {
		if locator.Cluster == 9 {
			t.Fatalf("expected unknown cluster to be skipped")
		}
		if owner != adapter {
			t.Fatalf("expected widget adapter for %s", locator)
		}
	}

	changes, err = changeLog.Since(context.Background(), NewLogMarker(2))
	if err != nil {
		t.Fatalf("since 2: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected only the last transaction, got %v", changes)
	}
	if log.pins != 2 || log.releases != 2 {
		t.Fatalf("expected every pin to be released, pins=%d releases=%d", log.pins, log.releases)
	}
}

func TestChangeLog_SinceEndIsEmpty(t *testing.T) {
	log := &stubLog{end: 7}
	changeLog, _ := newTestChangeLog(t, log)

	marker, err := changeLog.Mark(context.Background())
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	changes, err := changeLog.Since(context.Background(), marker)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if changes == nil || len(changes) != 0 {
		t.Fatalf("expected empty non-nil result, got %v", changes)
	}
	if log.pins != 0 {
		t.Fatalf("expected no pin for an up to date marker")
	}
}

func TestChangeLog_SinceUnknownDelta(t *testing.T) {
	ctx := context.Background()
	cases := map[string]*stubLog{
		"beyond end": {end: 2},
		"end fails":  {end: 5, endErr: errors.New("log closed")},
		"pin fails":  {end: 5, pinErr: ErrLogTruncated},
		"tracking":   {end: 5, scanErr: ErrLocatorTrackingDisabled},
		"scan panic": {end: 5, scanPanic: true},
	}
	for name, log := range cases {
		changeLog, _ := newTestChangeLog(t, log)
		from := NewLogMarker(1)
		if name == "beyond end" {
			from = NewLogMarker(9)
		}
		changes, err := changeLog.Since(ctx, from)
		if !IsUnknownDelta(err) {
			t.Fatalf("%s: expected unknown delta, got %v", name, err)
		}
		if changes != nil {
			t.Fatalf("%s: expected no partial result", name)
		}
		if log.pins != log.releases {
			t.Fatalf("%s: expected pin release, pins=%d releases=%d", name, log.pins, log.releases)
		}
	}
}

func TestChangeLog_SinceHonorsLimit(t *testing.T) {
	log := &stubLog{
		end: 1,
		txs: []LoggedTransaction{loggedTx(1,
			RecordLocator{Cluster: 1, Position: 0},
			RecordLocator{Cluster: 1, Position: 1},
			RecordLocator{Cluster: 1, Position: 1},
			RecordLocator{Cluster: 2, Position: 0},
		)},
	}
	metrics := &captureMetricsRecorder{}
	changeLog, _ := newTestChangeLog(t, log, WithChangeLogLimit(2), WithChangeLogMetrics(metrics))

	_, err := changeLog.Since(context.Background(), NewLogMarker(0))
	if !IsChangeLogLimitExceeded(err) {
		t.Fatalf("expected limit error, got %v", err)
	}
	if log.releases != 1 {
		t.Fatalf("expected pin release after limit error")
	}
	if !hasCounter(metrics.counterSnapshot(), "entities.changelog.since.total", "failure") {
		t.Fatalf("expected failure counter")
	}

	changeLog, _ = newTestChangeLog(t, log, WithChangeLogLimit(3))
	changes, err := changeLog.Since(context.Background(), NewLogMarker(0))
	if err != nil {
		t.Fatalf("since within limit: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("expected duplicates to count once, got %d", len(changes))
	}
}

func TestNewChangeLog_Validation(t *testing.T) {
	if _, err := NewChangeLog(nil, nil); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error for nil engine, got %v", err)
	}
	if _, err := NewChangeLog(&stubEngine{name: "inventory"}, nil); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error for missing log, got %v", err)
	}
	engine := &stubEngine{name: "inventory", log: &stubLog{}}
	if _, err := NewChangeLog(engine, []Adapter{newWidgetAdapter(t)}); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error for unregistered adapter, got %v", err)
	}
	if _, err := NewChangeLog(engine, nil, WithChangeLogLimit(-1)); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error for negative limit, got %v", err)
	}

	session := newStubSession("s1", "inventory")
	first := newWidgetAdapter(t)
	if _, err := first.Register(context.Background(), session); err != nil {
		t.Fatalf("register: %v", err)
	}
	gadgetSchema := widgetSchema()
	gadgetSchema.Name = "gadget"
	second, err := NewEntityAdapter[*widget](gadgetSchema, widgetMapping())
	if err != nil {
		t.Fatalf("new gadget adapter: %v", err)
	}
	session.schema.classes["gadget"] = ClassInfo{Name: "gadget", ClusterIDs: []int32{1}, ClusterNames: []string{"gadget"}}
	if _, err := second.Register(context.Background(), session); err != nil {
		t.Fatalf("register gadget: %v", err)
	}
	if _, err := NewChangeLog(engine, []Adapter{first, second}); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error for shared cluster, got %v", err)
	}
}
