package core

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// Engine is the transactional record store this package persists into.
type Engine interface {
	Name() string
	Open(ctx context.Context) (Session, error)
	SetConflictStrategy(strategy ConflictStrategy)
	AddSessionListener(listener SessionListener)
	Log() WriteAheadLog
}

type Schema interface {
	Class(name string) (ClassInfo, bool)
	CreateClass(ctx context.Context, schema ClassSchema) (ClassInfo, error)
	Classes() []ClassInfo
}

// Session is a single-goroutine connection to an engine. Save and Delete
// outside Begin/Commit run in an implicit transaction.
type Session interface {
	ID() string
	Database() string
	Schema() Schema
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	InTransaction() bool
	// Load returns nil, nil when no live record exists at locator.
	Load(ctx context.Context, locator RecordLocator) (*Record, error)
	Save(ctx context.Context, record *Record) (*Record, error)
	Delete(ctx context.Context, locator RecordLocator) error
	Browse(ctx context.Context, class string) iter.Seq2[*Record, error]
	Count(ctx context.Context, class string) (int64, error)
	AddHook(hook RecordHook)
	RemoveHook(hook RecordHook)
	Close() error
}

type SessionListener interface {
	OnSessionOpen(session Session)
	OnSessionClose(session Session)
}

type ChangeKind uint8

const (
	ChangeCreate ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "CREATE"
	case ChangeUpdate:
		return "UPDATE"
	case ChangeDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

func ParseChangeKind(value string) (ChangeKind, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "CREATE":
		return ChangeCreate, nil
	case "UPDATE":
		return ChangeUpdate, nil
	case "DELETE":
		return ChangeDelete, nil
	}
	return 0, fmt.Errorf("core: invalid change kind %q", value)
}

// RecordChange is delivered after each create, update or delete inside a
// session. Record is a snapshot owned by the receiver.
type RecordChange struct {
	Kind   ChangeKind
	Record *Record
}

// CommitInfo describes a durably committed transaction. Records holds the
// committed state of every surviving record the transaction wrote.
type CommitInfo struct {
	TxID    string
	Marker  LogMarker
	Records map[RecordLocator]*Record
}

type RecordHook interface {
	OnRecordChange(ctx context.Context, session Session, change RecordChange)
	OnAfterCommit(ctx context.Context, session Session, info CommitInfo)
	OnAfterRollback(ctx context.Context, session Session)
}

// ConflictStrategy is consulted when a write carries a stale version.
// Non-DENY results let the engine persist the change copy.
type ConflictStrategy interface {
	OnUpdate(ctx context.Context, session Session, cluster string, stored *Record, change *Record) (ConflictState, error)
}

// LogMarker is an opaque, totally ordered position in the write-ahead log.
type LogMarker struct {
	position int64
}

func NewLogMarker(position int64) LogMarker {
	if position < 0 {
		position = 0
	}
	return LogMarker{position: position}
}

func ParseLogMarker(value string) (LogMarker, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return LogMarker{}, fmt.Errorf("core: log marker is required")
	}
	position, err := strconv.ParseInt(value, 10, 64)
	if err != nil || position < 0 {
		return LogMarker{}, fmt.Errorf("core: invalid log marker %q", value)
	}
	return LogMarker{position: position}, nil
}

func (m LogMarker) Position() int64 { return m.position }

func (m LogMarker) String() string { return strconv.FormatInt(m.position, 10) }

func (m LogMarker) Compare(other LogMarker) int {
	switch {
	case m.position < other.position:
		return -1
	case m.position > other.position:
		return 1
	default:
		return 0
	}
}

// LoggedTransaction is one committed transaction read back from the log.
type LoggedTransaction struct {
	TxID     string
	Marker   LogMarker
	Locators []RecordLocator
}

type WriteAheadLog interface {
	End(ctx context.Context) (LogMarker, error)
	// Pin keeps the segment holding from, and everything after it, from being
	// reclaimed until release is called. release is safe to call twice.
	Pin(ctx context.Context, from LogMarker) (release func(), err error)
	// Scan visits transactions committed after from up to and including to,
	// holding the engine snapshot lock for the duration.
	Scan(ctx context.Context, from LogMarker, to LogMarker, fn func(LoggedTransaction) error) error
}

type EventBus interface {
	Post(ctx context.Context, event ChangeEvent) error
}

// BatchEventBus is used when available so a transaction publishes at once.
type BatchEventBus interface {
	EventBus
	PostBatch(ctx context.Context, events []ChangeEvent) error
}

type ChangeEventHandler interface {
	Handle(ctx context.Context, event ChangeEvent) error
}

type ChangeEventHandlerFunc func(ctx context.Context, event ChangeEvent) error

func (f ChangeEventHandlerFunc) Handle(ctx context.Context, event ChangeEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type Checkpoint struct {
	Consumer  string
	Marker    LogMarker
	Metadata  map[string]any
	UpdatedAt time.Time
}

type AdvanceCheckpointInput struct {
	Consumer string
	Marker   LogMarker
	// ExpectedMarker guards the advance; nil skips the comparison.
	ExpectedMarker *LogMarker
	Metadata       map[string]any
}

type CheckpointStore interface {
	Get(ctx context.Context, consumer string) (Checkpoint, error)
	Advance(ctx context.Context, in AdvanceCheckpointInput) (Checkpoint, error)
}

type OutboxStore interface {
	Enqueue(ctx context.Context, event ChangeEvent) error
	ClaimBatch(ctx context.Context, limit int) ([]ChangeEvent, error)
	Ack(ctx context.Context, eventID string) error
	Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
