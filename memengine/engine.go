// Package memengine is an in-process transactional record engine. It keeps
// committed records in memory, stages writes per session, consults the
// installed conflict strategy on stale writes and appends every committed
// transaction to a segmented write-ahead log.
package memengine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goliatone/go-entities/core"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

type cluster struct {
	id      int32
	name    string
	class   string
	next    atomic.Int64
	records map[int64]*core.Record
}

type classEntry struct {
	info  core.ClassInfo
	round atomic.Uint64
}

type Option func(*Engine)

// WithClustersPerClass sets how many clusters a new class is spread over.
// Extra clusters are named `<class>_1`, `<class>_2` and so on.
func WithClustersPerClass(count int) Option {
	return func(e *Engine) {
		if count > 0 {
			e.clustersPerClass = count
		}
	}
}

func WithSegmentSize(transactions int) Option {
	return func(e *Engine) {
		if transactions > 0 {
			e.log.segmentSize = transactions
		}
	}
}

// WithRetainedSegments reclaims sealed segments beyond the newest count after
// every commit. Pinned segments are kept regardless.
func WithRetainedSegments(count int) Option {
	return func(e *Engine) {
		if count >= 0 {
			e.log.retained = count
		}
	}
}

func WithLocatorTracking(enabled bool) Option {
	return func(e *Engine) {
		e.log.SetLocatorTracking(enabled)
	}
}

func WithLogger(logger core.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

type Engine struct {
	name             string
	clustersPerClass int
	logger           core.Logger

	// data guards the records of every cluster; it is the snapshot lock the
	// write-ahead log scans under.
	data sync.RWMutex

	schemaMu      sync.RWMutex
	classes       map[string]*classEntry
	clusters      map[int32]*cluster
	nextClusterID int32

	hookMu    sync.RWMutex
	strategy  core.ConflictStrategy
	listeners []core.SessionListener

	log *Log
}

func NewEngine(name string, opts ...Option) (*Engine, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, core.NewConfigurationError("memengine: database name is required")
	}
	engine := &Engine{
		name:             name,
		clustersPerClass: 1,
		classes:          map[string]*classEntry{},
		clusters:         map[int32]*cluster{},
		nextClusterID:    1,
		logger:           glog.Nop(),
	}
	engine.log = newLog(&engine.data)
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine, nil
}

func (e *Engine) Name() string {
	return e.name
}

func (e *Engine) Log() core.WriteAheadLog {
	return e.log
}

// WAL exposes retention controls that are not part of the engine contract.
func (e *Engine) WAL() *Log {
	return e.log
}

func (e *Engine) SetConflictStrategy(strategy core.ConflictStrategy) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.strategy = strategy
}

func (e *Engine) AddSessionListener(listener core.SessionListener) {
	if listener == nil {
		return
	}
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.listeners = append(e.listeners, listener)
}

func (e *Engine) Open(ctx context.Context) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session := &Session{
		id:     uuid.NewString(),
		engine: e,
	}
	for _, listener := range e.sessionListeners() {
		listener.OnSessionOpen(session)
	}
	return session, nil
}

func (e *Engine) conflictStrategy() core.ConflictStrategy {
	e.hookMu.RLock()
	defer e.hookMu.RUnlock()
	return e.strategy
}

func (e *Engine) sessionListeners() []core.SessionListener {
	e.hookMu.RLock()
	defer e.hookMu.RUnlock()
	return append([]core.SessionListener(nil), e.listeners...)
}

func (e *Engine) Class(name string) (core.ClassInfo, bool) {
	e.schemaMu.RLock()
	defer e.schemaMu.RUnlock()
	entry, ok := e.classes[strings.TrimSpace(name)]
	if !ok {
		return core.ClassInfo{}, false
	}
	return cloneClassInfo(entry.info), true
}

func (e *Engine) Classes() []core.ClassInfo {
	e.schemaMu.RLock()
	defer e.schemaMu.RUnlock()
	out := make([]core.ClassInfo, 0, len(e.classes))
	for _, entry := range e.classes {
		out = append(out, cloneClassInfo(entry.info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) CreateClass(_ context.Context, schema core.ClassSchema) (core.ClassInfo, error) {
	if err := schema.Validate(); err != nil {
		return core.ClassInfo{}, err
	}
	name := strings.TrimSpace(schema.Name)

	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()
	if _, exists := e.classes[name]; exists {
		return core.ClassInfo{}, core.NewConfigurationError(fmt.Sprintf("memengine: class %q already exists", name))
	}
	info := core.ClassInfo{Name: name, Schema: schema}
	for i := 0; i < e.clustersPerClass; i++ {
		clusterName := name
		if i > 0 {
			clusterName = fmt.Sprintf("%s_%d", name, i)
		}
		id := e.nextClusterID
		e.nextClusterID++
		e.clusters[id] = &cluster{
			id:      id,
			name:    clusterName,
			class:   name,
			records: map[int64]*core.Record{},
		}
		info.ClusterIDs = append(info.ClusterIDs, id)
		info.ClusterNames = append(info.ClusterNames, clusterName)
	}
	e.classes[name] = &classEntry{info: info}
	return cloneClassInfo(info), nil
}

func (e *Engine) cluster(id int32) (*cluster, bool) {
	e.schemaMu.RLock()
	defer e.schemaMu.RUnlock()
	c, ok := e.clusters[id]
	return c, ok
}

// allocate reserves a fresh locator in one of the class clusters. Positions
// are never reused, even when the owning transaction rolls back.
func (e *Engine) allocate(class string) (core.RecordLocator, error) {
	e.schemaMu.RLock()
	entry, ok := e.classes[class]
	if !ok {
		e.schemaMu.RUnlock()
		return core.RecordLocator{}, core.NewConfigurationError(fmt.Sprintf("memengine: class %q does not exist", class))
	}
	ids := entry.info.ClusterIDs
	id := ids[int(entry.round.Add(1)-1)%len(ids)]
	target := e.clusters[id]
	e.schemaMu.RUnlock()
	return core.RecordLocator{Cluster: id, Position: target.next.Add(1) - 1}, nil
}

func (e *Engine) classSchema(class string) (core.ClassSchema, bool) {
	e.schemaMu.RLock()
	defer e.schemaMu.RUnlock()
	entry, ok := e.classes[class]
	if !ok {
		return core.ClassSchema{}, false
	}
	return entry.info.Schema, true
}

// committedLocked returns a copy of the live record at locator. Callers hold data.
func (e *Engine) committedLocked(locator core.RecordLocator) *core.Record {
	c, ok := e.cluster(locator.Cluster)
	if !ok {
		return nil
	}
	return c.records[locator.Position].Clone()
}

func (e *Engine) classClusters(class string) []*cluster {
	e.schemaMu.RLock()
	defer e.schemaMu.RUnlock()
	entry, ok := e.classes[class]
	if !ok {
		return nil
	}
	out := make([]*cluster, 0, len(entry.info.ClusterIDs))
	for _, id := range entry.info.ClusterIDs {
		out = append(out, e.clusters[id])
	}
	return out
}

func cloneClassInfo(info core.ClassInfo) core.ClassInfo {
	out := info
	out.ClusterIDs = append([]int32(nil), info.ClusterIDs...)
	out.ClusterNames = append([]string(nil), info.ClusterNames...)
	return out
}

var (
	_ core.Engine = (*Engine)(nil)
	_ core.Schema = (*Engine)(nil)
)
