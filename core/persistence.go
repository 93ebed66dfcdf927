package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// RegisterOptions selects which handlers Register enables for an adapter.
type RegisterOptions struct {
	Conflicts bool
	Events    bool
}

func DefaultRegisterOptions() RegisterOptions {
	return RegisterOptions{Conflicts: true, Events: true}
}

// PersistenceContext owns the adapter registry and the two engine hooks.
// One context is usually shared by every engine of a process.
type PersistenceContext struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	eventBus        EventBus
	checkpointStore CheckpointStore
	conflictHook    *ConflictHook
	changeHook      *EntityChangeHook

	mu       sync.RWMutex
	engines  map[string]Engine
	adapters map[string]Adapter
}

type Dependencies struct {
	Logger          Logger
	LoggerProvider  LoggerProvider
	MetricsRecorder MetricsRecorder
	ErrorMapper     ErrorMapper
	EventBus        EventBus
	CheckpointStore CheckpointStore
}

func NewPersistenceContext(cfg Config, opts ...Option) (*PersistenceContext, error) {
	builder := defaultContextBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := resolveLogger(builder.loggerProvider, builder.logger)
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.checkpointStore == nil {
		builder.checkpointStore = NewMemoryCheckpointStore()
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	return &PersistenceContext{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorMapper:     builder.errorMapper,
		eventBus:        builder.eventBus,
		checkpointStore: builder.checkpointStore,
		conflictHook:    NewConflictHook(builder.metricsRecorder),
		changeHook: NewEntityChangeHook(builder.eventBus,
			WithChangeHookLogger(logger),
			WithChangeHookMetrics(builder.metricsRecorder),
			WithOrderedEvents(finalConfig.Events.OrderedDelivery),
			WithEventNode(finalConfig.Events.NodeID),
		),
		engines:  map[string]Engine{},
		adapters: map[string]Adapter{},
	}, nil
}

func Setup(cfg Config, opts ...Option) (*PersistenceContext, error) {
	return NewPersistenceContext(cfg, opts...)
}

func (p *PersistenceContext) Config() Config {
	if p == nil {
		return Config{}
	}
	return p.config
}

func (p *PersistenceContext) Dependencies() Dependencies {
	if p == nil {
		return Dependencies{}
	}
	return Dependencies{
		Logger:          p.logger,
		LoggerProvider:  p.loggerProvider,
		MetricsRecorder: p.metricsRecorder,
		ErrorMapper:     p.errorMapper,
		EventBus:        p.eventBus,
		CheckpointStore: p.checkpointStore,
	}
}

func (p *PersistenceContext) ConflictHook() *ConflictHook {
	if p == nil {
		return nil
	}
	return p.conflictHook
}

func (p *PersistenceContext) ChangeHook() *EntityChangeHook {
	if p == nil {
		return nil
	}
	return p.changeHook
}

func (p *PersistenceContext) CheckpointStore() CheckpointStore {
	if p == nil {
		return nil
	}
	return p.checkpointStore
}

// Attach installs the conflict strategy and session listener on engine.
// Attaching the same engine twice is a no-op.
func (p *PersistenceContext) Attach(engine Engine) (err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		p.observeOperation(context.Background(), startedAt, "attach_engine", err, fields)
	}()
	if p == nil {
		return NewConfigurationError("core: persistence context is not configured")
	}
	if engine == nil {
		err = p.mapError(NewBadInputError("core: engine is required"))
		return err
	}
	name := strings.TrimSpace(engine.Name())
	fields["database"] = name

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.engines[name]; ok {
		if existing == engine {
			return nil
		}
		err = p.mapError(NewConfigurationError(fmt.Sprintf("core: another engine is attached as %q", name)))
		return err
	}
	engine.SetConflictStrategy(p.conflictHook)
	engine.AddSessionListener(p.changeHook)
	p.engines[name] = engine
	return nil
}

func (p *PersistenceContext) Engine(database string) (Engine, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	engine, ok := p.engines[strings.TrimSpace(database)]
	return engine, ok
}

// Open opens a session on an attached engine.
func (p *PersistenceContext) Open(ctx context.Context, database string) (Session, error) {
	engine, ok := p.Engine(database)
	if !ok {
		return nil, p.mapError(NewConfigurationError(fmt.Sprintf("core: no engine attached as %q", database)))
	}
	session, err := engine.Open(ctx)
	if err != nil {
		return nil, p.mapError(err)
	}
	return session, nil
}

// Register creates or binds the adapter's class on the session database and
// enables the handlers selected by opts.
func (p *PersistenceContext) Register(
	ctx context.Context,
	session Session,
	adapter Adapter,
	opts RegisterOptions,
) (info ClassInfo, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"conflicts": opts.Conflicts,
		"events":    opts.Events,
	}
	defer func() {
		p.observeOperation(ctx, startedAt, "register_adapter", err, fields)
	}()
	if p == nil {
		return ClassInfo{}, NewConfigurationError("core: persistence context is not configured")
	}
	if adapter == nil {
		err = p.mapError(NewBadInputError("core: adapter is required"))
		return ClassInfo{}, err
	}
	if session == nil {
		err = p.mapError(NewBadInputError("core: session is required"))
		return ClassInfo{}, err
	}
	fields["type"] = adapter.TypeName()
	fields["database"] = session.Database()

	p.mu.Lock()
	if existing, ok := p.adapters[adapter.TypeName()]; ok && existing != adapter {
		p.mu.Unlock()
		err = p.mapError(NewConfigurationError(
			fmt.Sprintf("core: a different adapter is registered for type %q", adapter.TypeName()),
		))
		return ClassInfo{}, err
	}
	p.adapters[adapter.TypeName()] = adapter
	p.mu.Unlock()

	info, err = adapter.Register(ctx, session)
	if err != nil {
		err = p.mapError(err)
		return ClassInfo{}, err
	}
	fields["clusters"] = len(info.ClusterIDs)
	if opts.Conflicts {
		if err = p.conflictHook.EnableConflictResolution(adapter); err != nil {
			err = p.mapError(err)
			return ClassInfo{}, err
		}
	}
	if opts.Events {
		if err = p.changeHook.EnableEvents(adapter); err != nil {
			err = p.mapError(err)
			return ClassInfo{}, err
		}
	}
	return info, nil
}

func (p *PersistenceContext) Adapter(typeName string) (Adapter, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	adapter, ok := p.adapters[strings.TrimSpace(typeName)]
	return adapter, ok
}

// Adapters returns registered adapters ordered by type name.
func (p *PersistenceContext) Adapters() []Adapter {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.adapters))
	for name := range p.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Adapter, 0, len(names))
	for _, name := range names {
		out = append(out, p.adapters[name])
	}
	return out
}

func (p *PersistenceContext) EnableConflictResolution(ctx context.Context, typeName string) (err error) {
	return p.toggle(ctx, "enable_conflict_resolution", typeName, func(adapter Adapter) error {
		return p.conflictHook.EnableConflictResolution(adapter)
	})
}

func (p *PersistenceContext) DisableConflictResolution(ctx context.Context, typeName string) (err error) {
	return p.toggle(ctx, "disable_conflict_resolution", typeName, func(adapter Adapter) error {
		p.conflictHook.DisableConflictResolution(adapter)
		return nil
	})
}

func (p *PersistenceContext) EnableEvents(ctx context.Context, typeName string) (err error) {
	return p.toggle(ctx, "enable_events", typeName, func(adapter Adapter) error {
		return p.changeHook.EnableEvents(adapter)
	})
}

func (p *PersistenceContext) DisableEvents(ctx context.Context, typeName string) (err error) {
	return p.toggle(ctx, "disable_events", typeName, func(adapter Adapter) error {
		p.changeHook.DisableEvents(adapter)
		return nil
	})
}

func (p *PersistenceContext) toggle(ctx context.Context, operation string, typeName string, fn func(Adapter) error) (err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"type": strings.TrimSpace(typeName)}
	defer func() {
		p.observeOperation(ctx, startedAt, operation, err, fields)
	}()
	adapter, ok := p.Adapter(typeName)
	if !ok {
		err = p.mapError(NewNotFoundError(fmt.Sprintf("core: no adapter registered for type %q", typeName)))
		return err
	}
	if err = fn(adapter); err != nil {
		err = p.mapError(err)
	}
	return err
}

// ChangeLog builds a reader over the database's write-ahead log for the
// named types, or for every adapter registered on that database when no
// type is given.
func (p *PersistenceContext) ChangeLog(database string, typeNames ...string) (*ChangeLog, error) {
	engine, ok := p.Engine(database)
	if !ok {
		return nil, p.mapError(NewConfigurationError(fmt.Sprintf("core: no engine attached as %q", database)))
	}
	var adapters []Adapter
	if len(typeNames) == 0 {
		for _, adapter := range p.Adapters() {
			if _, registered := adapter.Registration(engine.Name()); registered {
				adapters = append(adapters, adapter)
			}
		}
	} else {
		for _, name := range typeNames {
			adapter, found := p.Adapter(name)
			if !found {
				return nil, p.mapError(NewNotFoundError(fmt.Sprintf("core: no adapter registered for type %q", name)))
			}
			adapters = append(adapters, adapter)
		}
	}
	changeLog, err := NewChangeLog(engine, adapters,
		WithChangeLogLimit(p.config.ChangeLog.ResultLimit),
		WithChangeLogLogger(p.logger),
		WithChangeLogMetrics(p.metricsRecorder),
	)
	if err != nil {
		return nil, p.mapError(err)
	}
	return changeLog, nil
}

func (p *PersistenceContext) Mark(ctx context.Context, database string) (marker LogMarker, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"database": database}
	defer func() {
		p.observeOperation(ctx, startedAt, "changelog_mark", err, fields)
	}()
	changeLog, err := p.ChangeLog(database)
	if err != nil {
		return LogMarker{}, err
	}
	marker, err = changeLog.Mark(ctx)
	if err != nil {
		err = p.mapError(err)
		return LogMarker{}, err
	}
	fields["marker"] = marker.String()
	return marker, nil
}

func (p *PersistenceContext) Since(
	ctx context.Context,
	database string,
	marker LogMarker,
	typeNames ...string,
) (changes map[RecordLocator]Adapter, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"database": database,
		"marker":   marker.String(),
	}
	defer func() {
		p.observeOperation(ctx, startedAt, "changelog_since", err, fields)
	}()
	changeLog, err := p.ChangeLog(database, typeNames...)
	if err != nil {
		return nil, err
	}
	changes, err = changeLog.Since(ctx, marker)
	if err != nil {
		err = p.mapError(err)
		return nil, err
	}
	fields["changes"] = len(changes)
	return changes, nil
}

func (p *PersistenceContext) mapError(err error) error {
	if err == nil {
		return nil
	}
	if p == nil || p.errorMapper == nil {
		return err
	}
	mapped := p.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}
