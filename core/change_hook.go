package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type pendingChange struct {
	kind    ChangeKind
	record  *Record
	removed bool
}

// changeSet is owned by the session that is committing; it is never shared.
type changeSet struct {
	entries []*pendingChange
	index   map[RecordLocator]*pendingChange
}

func newChangeSet() *changeSet {
	return &changeSet{index: map[RecordLocator]*pendingChange{}}
}

// upsert keeps the first kind seen for a record. DELETE always wins, and a
// record created then deleted in the same transaction is dropped. A record
// deleted then created again at the same locator becomes an UPDATE.
func (s *changeSet) upsert(kind ChangeKind, record *Record) {
	existing, ok := s.index[record.Locator]
	if !ok {
		entry := &pendingChange{kind: kind, record: record}
		s.entries = append(s.entries, entry)
		s.index[record.Locator] = entry
		return
	}
	existing.record = record
	switch {
	case kind == ChangeDelete && existing.kind == ChangeCreate:
		existing.removed = true
		delete(s.index, record.Locator)
	case kind == ChangeDelete:
		existing.kind = ChangeDelete
	case kind == ChangeCreate && existing.kind == ChangeDelete:
		existing.kind = ChangeUpdate
	}
}

func (s *changeSet) drain() []*pendingChange {
	out := make([]*pendingChange, 0, len(s.entries))
	for _, entry := range s.entries {
		if !entry.removed {
			out = append(out, entry)
		}
	}
	s.entries = nil
	s.index = map[RecordLocator]*pendingChange{}
	return out
}

// EntityChangeHook turns record callbacks into ChangeEvents published once
// the transaction has committed.
type EntityChangeHook struct {
	adapters *xsync.MapOf[string, Adapter]
	pending  *xsync.MapOf[string, *changeSet]
	attached *xsync.MapOf[string, Session]
	queued   *xsync.MapOf[string, Session]

	attachMu        sync.Mutex
	bus             EventBus
	orderedDelivery bool
	node            string
	logger          Logger
	metrics         MetricsRecorder
	now             func() time.Time
}

type ChangeHookOption func(*EntityChangeHook)

func WithChangeHookLogger(logger Logger) ChangeHookOption {
	return func(h *EntityChangeHook) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithChangeHookMetrics(recorder MetricsRecorder) ChangeHookOption {
	return func(h *EntityChangeHook) {
		if recorder != nil {
			h.metrics = recorder
		}
	}
}

// WithOrderedEvents stamps every event with its adapter affinity key.
func WithOrderedEvents(enabled bool) ChangeHookOption {
	return func(h *EntityChangeHook) {
		h.orderedDelivery = enabled
	}
}

// WithEventNode stamps every event with the local node id.
func WithEventNode(node string) ChangeHookOption {
	return func(h *EntityChangeHook) {
		h.node = strings.TrimSpace(node)
	}
}

func NewEntityChangeHook(bus EventBus, opts ...ChangeHookOption) *EntityChangeHook {
	hook := &EntityChangeHook{
		adapters: xsync.NewMapOf[string, Adapter](),
		pending:  xsync.NewMapOf[string, *changeSet](),
		attached: xsync.NewMapOf[string, Session](),
		queued:   xsync.NewMapOf[string, Session](),
		bus:      bus,
		metrics:  NopMetricsRecorder{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	_, hook.logger = resolveLogger(nil, nil)
	for _, opt := range opts {
		if opt != nil {
			opt(hook)
		}
	}
	return hook
}

// EnableEvents starts publishing for the adapter's type and retries every
// session that was opened before it could be observed.
func (h *EntityChangeHook) EnableEvents(adapter Adapter) error {
	if h == nil {
		return NewConfigurationError("core: change hook is not configured")
	}
	if adapter == nil {
		return NewBadInputError("core: adapter is required")
	}
	h.adapters.Store(adapter.TypeName(), adapter)

	h.attachMu.Lock()
	defer h.attachMu.Unlock()
	h.queued.Range(func(id string, session Session) bool {
		if !h.observes(session) {
			return true
		}
		if _, ok := h.queued.LoadAndDelete(id); ok {
			h.attachLocked(session)
		}
		return true
	})
	return nil
}

func (h *EntityChangeHook) DisableEvents(adapter Adapter) {
	if h == nil || adapter == nil {
		return
	}
	h.adapters.Delete(adapter.TypeName())
}

func (h *EntityChangeHook) IsEnabled(typeName string) bool {
	if h == nil {
		return false
	}
	_, ok := h.adapters.Load(strings.TrimSpace(typeName))
	return ok
}

func (h *EntityChangeHook) OnSessionOpen(session Session) {
	if h == nil || session == nil {
		return
	}
	h.attachMu.Lock()
	defer h.attachMu.Unlock()
	if h.observes(session) {
		h.attachLocked(session)
		return
	}
	h.queued.Store(session.ID(), session)
}

func (h *EntityChangeHook) OnSessionClose(session Session) {
	if h == nil || session == nil {
		return
	}
	h.attachMu.Lock()
	defer h.attachMu.Unlock()
	id := session.ID()
	h.queued.Delete(id)
	h.pending.Delete(id)
	if _, ok := h.attached.LoadAndDelete(id); ok {
		session.RemoveHook(h)
	}
}

// QueuedSessions reports how many open sessions are waiting for a type.
func (h *EntityChangeHook) QueuedSessions() int {
	if h == nil {
		return 0
	}
	return h.queued.Size()
}

func (h *EntityChangeHook) OnRecordChange(_ context.Context, session Session, change RecordChange) {
	if h == nil || session == nil || change.Record == nil {
		return
	}
	if _, ok := h.adapters.Load(change.Record.Class); !ok {
		return
	}
	set, _ := h.pending.LoadOrCompute(session.ID(), newChangeSet)
	set.upsert(change.Kind, change.Record)
}

func (h *EntityChangeHook) OnAfterRollback(_ context.Context, session Session) {
	if h == nil || session == nil {
		return
	}
	h.pending.Delete(session.ID())
}

// OnAfterCommit publishes the drained change set. Failures are logged and
// never reach the engine, which has already committed.
func (h *EntityChangeHook) OnAfterCommit(ctx context.Context, session Session, info CommitInfo) {
	if h == nil || session == nil {
		return
	}
	set, ok := h.pending.LoadAndDelete(session.ID())
	if !ok {
		return
	}
	entries := set.drain()
	if len(entries) == 0 {
		return
	}

	origin := RemoteOriginFromContext(ctx)
	ordered := h.orderedDelivery || OrderedDeliveryFromContext(ctx)
	occurredAt := h.now()
	events := make([]ChangeEvent, 0, len(entries))
	owners := make([]Adapter, 0, len(entries))
	for _, entry := range entries {
		adapter, ok := h.adapters.Load(entry.record.Class)
		if !ok {
			continue
		}
		record := entry.record
		if committed := info.Records[record.Locator]; committed != nil && entry.kind != ChangeDelete {
			record = committed
		}
		event := adapter.NewEvent(entry.kind, record)
		event.ID = uuid.NewString()
		event.TxID = info.TxID
		event.RemoteOrigin = origin
		event.Node = h.node
		event.OccurredAt = occurredAt
		if ordered {
			event.AffinityKey = adapter.AffinityKey(event)
		}
		events = append(events, event)
		owners = append(owners, adapter)
	}
	if len(events) == 0 {
		return
	}

	h.publish(ctx, events)
	for i, adapter := range owners {
		if observer, ok := adapter.(ChangeObserver); ok {
			observer.ObserveChange(ctx, events[i])
		}
	}
}

func (h *EntityChangeHook) publish(ctx context.Context, events []ChangeEvent) {
	tags := map[string]string{"status": "success"}
	var err error
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("core: event bus panic: %v", recovered)
		}
		if err != nil {
			tags["status"] = "failure"
			h.logger.Error("change event publication failed",
				"error", err.Error(),
				"events", len(events),
				"tx_id", events[0].TxID,
			)
		}
		h.metrics.IncCounter(ctx, "entities.events.published", int64(len(events)), tags)
	}()

	if h.bus == nil {
		return
	}
	if batch, ok := h.bus.(BatchEventBus); ok {
		err = batch.PostBatch(ctx, events)
		return
	}
	for _, event := range events {
		if postErr := h.bus.Post(ctx, event); postErr != nil {
			err = joinErrors(err, postErr)
		}
	}
}

func (h *EntityChangeHook) observes(session Session) bool {
	database := session.Database()
	observed := false
	h.adapters.Range(func(_ string, adapter Adapter) bool {
		if _, ok := adapter.Registration(database); ok {
			observed = true
			return false
		}
		return true
	})
	return observed
}

func (h *EntityChangeHook) attachLocked(session Session) {
	if _, loaded := h.attached.LoadOrStore(session.ID(), session); loaded {
		return
	}
	session.AddHook(h)
}
