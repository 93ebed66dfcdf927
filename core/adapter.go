package core

import (
	"context"
	"fmt"
	"iter"
	"reflect"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Adapter is the type-erased view of an entity adapter used by the hooks,
// the change log and the persistence context.
type Adapter interface {
	TypeName() string
	Schema() ClassSchema
	Codec() IdentityCodec
	Register(ctx context.Context, session Session) (ClassInfo, error)
	Registration(database string) (ClassInfo, bool)
	Resolve(stored *Record, change *Record) ConflictState
	NewEvent(kind ChangeKind, record *Record) ChangeEvent
	AffinityKey(event ChangeEvent) string
}

// ChangeObserver is implemented by adapters that react to committed changes,
// for example to drop cached reads.
type ChangeObserver interface {
	ObserveChange(ctx context.Context, event ChangeEvent)
}

type Mapping[T Entity] interface {
	NewEntity() T
	ReadFields(fields map[string]any, entity T) error
	WriteFields(entity T, fields map[string]any) error
}

// BinaryMapping is required when the adapter schema is binary.
type BinaryMapping[T Entity] interface {
	ReadBytes(data []byte, entity T) error
	WriteBytes(entity T) ([]byte, error)
}

type MappingFuncs[T Entity] struct {
	New   func() T
	Read  func(fields map[string]any, entity T) error
	Write func(entity T, fields map[string]any) error
}

func (m MappingFuncs[T]) NewEntity() T {
	return m.New()
}

func (m MappingFuncs[T]) ReadFields(fields map[string]any, entity T) error {
	if m.Read == nil {
		return nil
	}
	return m.Read(fields, entity)
}

func (m MappingFuncs[T]) WriteFields(entity T, fields map[string]any) error {
	if m.Write == nil {
		return nil
	}
	return m.Write(entity, fields)
}

// RecordConverter upgrades fields stored with an older schema version.
type RecordConverter func(fromVersion int, fields map[string]any) (map[string]any, error)

type adapterConfig struct {
	codec     IdentityCodec
	steps     []DeconflictStep
	affinity  func(ChangeEvent) string
	converter RecordConverter
}

type AdapterOption func(*adapterConfig)

func WithIdentityCodec(codec IdentityCodec) AdapterOption {
	return func(c *adapterConfig) {
		c.codec = codec
	}
}

func WithDeconflictSteps(steps ...DeconflictStep) AdapterOption {
	return func(c *adapterConfig) {
		c.steps = append(c.steps, steps...)
	}
}

func WithAffinityKey(fn func(ChangeEvent) string) AdapterOption {
	return func(c *adapterConfig) {
		c.affinity = fn
	}
}

func WithRecordConverter(converter RecordConverter) AdapterOption {
	return func(c *adapterConfig) {
		c.converter = converter
	}
}

// EntityAdapter maps entities of type T onto records of one storage class.
type EntityAdapter[T Entity] struct {
	typeName  string
	schema    ClassSchema
	mapping   Mapping[T]
	binary    BinaryMapping[T]
	codec     IdentityCodec
	steps     []DeconflictStep
	affinity  func(ChangeEvent) string
	converter RecordConverter

	registerMu    sync.Mutex
	registrations *xsync.MapOf[string, ClassInfo]
}

func NewEntityAdapter[T Entity](schema ClassSchema, mapping Mapping[T], opts ...AdapterOption) (*EntityAdapter[T], error) {
	schema.Name = strings.TrimSpace(schema.Name)
	if schema.Name == "" {
		return nil, NewConfigurationError("core: adapter type name is required")
	}
	if mapping == nil {
		return nil, NewConfigurationError(fmt.Sprintf("core: adapter %q mapping is required", schema.Name))
	}
	cfg := adapterConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.codec == nil {
		cfg.codec = NewIdentityCodec(schema.Name)
	}

	adapter := &EntityAdapter[T]{
		typeName:      schema.Name,
		schema:        schema,
		mapping:       mapping,
		codec:         cfg.codec,
		steps:         append([]DeconflictStep(nil), cfg.steps...),
		affinity:      cfg.affinity,
		converter:     cfg.converter,
		registrations: xsync.NewMapOf[string, ClassInfo](),
	}
	if schema.Binary {
		binary, ok := mapping.(BinaryMapping[T])
		if !ok {
			return nil, NewConfigurationError(fmt.Sprintf("core: binary adapter %q requires a binary mapping", schema.Name))
		}
		adapter.binary = binary
	}
	return adapter, nil
}

func (a *EntityAdapter[T]) TypeName() string { return a.typeName }

func (a *EntityAdapter[T]) Schema() ClassSchema { return a.schema }

func (a *EntityAdapter[T]) Codec() IdentityCodec { return a.codec }

// Register defines the class on first use per database; later calls return
// the cached registration.
func (a *EntityAdapter[T]) Register(ctx context.Context, session Session) (ClassInfo, error) {
	if session == nil {
		return ClassInfo{}, NewBadInputError("core: session is required")
	}
	database := session.Database()
	if info, ok := a.registrations.Load(database); ok {
		return info, nil
	}
	if err := a.schema.Validate(); err != nil {
		return ClassInfo{}, err
	}

	a.registerMu.Lock()
	defer a.registerMu.Unlock()
	if info, ok := a.registrations.Load(database); ok {
		return info, nil
	}
	schema := session.Schema()
	if schema == nil {
		return ClassInfo{}, NewConfigurationError(fmt.Sprintf("core: database %q exposes no schema", database))
	}
	info, exists := schema.Class(a.typeName)
	if !exists {
		created, err := schema.CreateClass(ctx, a.schema)
		if err != nil {
			return ClassInfo{}, err
		}
		info = created
	}
	a.registrations.Store(database, info)
	return info, nil
}

func (a *EntityAdapter[T]) Registration(database string) (ClassInfo, bool) {
	return a.registrations.Load(database)
}

func (a *EntityAdapter[T]) Read(ctx context.Context, session Session, id EntityID) (T, bool, error) {
	var zero T
	locator, err := a.codec.Decode(id)
	if err != nil {
		return zero, false, err
	}
	info, err := a.registration(session)
	if err != nil {
		return zero, false, err
	}
	if !info.OwnsCluster(locator.Cluster) {
		return zero, false, nil
	}
	record, err := session.Load(ctx, locator)
	if err != nil {
		return zero, false, err
	}
	if record == nil || record.Class != a.typeName {
		return zero, false, nil
	}
	entity, err := a.readEntity(record)
	if err != nil {
		return zero, false, err
	}
	return entity, true, nil
}

func (a *EntityAdapter[T]) Add(ctx context.Context, session Session, entity T) (T, error) {
	if isNilEntity(entity) {
		return entity, NewBadInputError("core: entity is required")
	}
	if metadata := entity.EntityMetadata(); metadata != nil && metadata.Locator().IsValid() {
		return entity, NewBadInputError(fmt.Sprintf("core: %s entity %s is already persisted", a.typeName, metadata.ID()))
	}
	if _, err := a.registration(session); err != nil {
		return entity, err
	}
	record, err := a.writeRecord(entity)
	if err != nil {
		return entity, err
	}
	saved, err := session.Save(ctx, record)
	if err != nil {
		return entity, err
	}
	entity.SetEntityMetadata(a.newMetadata(saved))
	return entity, nil
}

// Edit writes the entity over its live record. When the engine reconciles a
// concurrent write, the merged content is mapped back onto entity.
func (a *EntityAdapter[T]) Edit(ctx context.Context, session Session, entity T) (T, error) {
	if isNilEntity(entity) {
		return entity, NewBadInputError("core: entity is required")
	}
	metadata := entity.EntityMetadata()
	if metadata == nil || !metadata.Locator().IsValid() {
		return entity, NewNotFoundError(fmt.Sprintf("core: %s entity has no stored record", a.typeName))
	}
	info, err := a.registration(session)
	if err != nil {
		return entity, err
	}
	if !info.OwnsCluster(metadata.Locator().Cluster) {
		return entity, NewNotFoundError(fmt.Sprintf("core: %s entity %s not found", a.typeName, metadata.ID()))
	}
	record, err := a.writeRecord(entity)
	if err != nil {
		return entity, err
	}
	record.Locator = metadata.Locator()
	record.Version = int64(metadata.Version())

	saved, err := session.Save(ctx, record)
	if err != nil {
		return entity, err
	}
	if err := a.mapRecord(saved, entity); err != nil {
		return entity, err
	}
	entity.SetEntityMetadata(a.newMetadata(saved))
	return entity, nil
}

func (a *EntityAdapter[T]) Delete(ctx context.Context, session Session, entity T) error {
	if isNilEntity(entity) {
		return NewBadInputError("core: entity is required")
	}
	metadata := entity.EntityMetadata()
	if metadata == nil || !metadata.Locator().IsValid() {
		return NewNotFoundError(fmt.Sprintf("core: %s entity has no stored record", a.typeName))
	}
	if _, err := a.registration(session); err != nil {
		return err
	}
	if err := session.Delete(ctx, metadata.Locator()); err != nil {
		return err
	}
	entity.SetEntityMetadata(nil)
	return nil
}

// Browse yields every live entity of this type. Each call starts a new scan.
func (a *EntityAdapter[T]) Browse(ctx context.Context, session Session) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if _, err := a.registration(session); err != nil {
			yield(zero, err)
			return
		}
		for record, err := range session.Browse(ctx, a.typeName) {
			if err != nil {
				yield(zero, err)
				return
			}
			entity, mapErr := a.readEntity(record)
			if !yield(entity, mapErr) || mapErr != nil {
				return
			}
		}
	}
}

func (a *EntityAdapter[T]) Count(ctx context.Context, session Session) (int64, error) {
	if _, err := a.registration(session); err != nil {
		return 0, err
	}
	return session.Count(ctx, a.typeName)
}

func (a *EntityAdapter[T]) Resolve(stored *Record, change *Record) ConflictState {
	return ResolveConflict(stored, change, a.steps)
}

func (a *EntityAdapter[T]) NewEvent(kind ChangeKind, record *Record) ChangeEvent {
	event := ChangeEvent{Kind: kind}
	if record == nil {
		return event
	}
	event.Metadata = a.newMetadata(record)
	if record.Kind == RecordStructured {
		event.Fields = record.DomainFields()
	}
	return event
}

// AffinityKey defaults to the entity id so events for one entity stay ordered.
func (a *EntityAdapter[T]) AffinityKey(event ChangeEvent) string {
	if a.affinity != nil {
		return strings.TrimSpace(a.affinity(event))
	}
	return event.Metadata.ID().String()
}

// ReadRecord maps a raw record of this type into a new entity.
func (a *EntityAdapter[T]) ReadRecord(record *Record) (T, error) {
	return a.readEntity(record)
}

func (a *EntityAdapter[T]) registration(session Session) (ClassInfo, error) {
	if session == nil {
		return ClassInfo{}, NewBadInputError("core: session is required")
	}
	info, ok := a.registrations.Load(session.Database())
	if !ok {
		return ClassInfo{}, NewConfigurationError(
			fmt.Sprintf("core: adapter %q is not registered for database %q", a.typeName, session.Database()),
		)
	}
	return info, nil
}

func (a *EntityAdapter[T]) newMetadata(record *Record) *EntityMetadata {
	return NewEntityMetadata(
		a.codec.Encode(record.Locator),
		EntityVersion(record.Version),
		record.Locator,
		a.typeName,
		a,
	)
}

func (a *EntityAdapter[T]) readEntity(record *Record) (T, error) {
	entity := a.mapping.NewEntity()
	if isNilEntity(entity) {
		return entity, fmt.Errorf("core: adapter %q mapping returned a nil entity", a.typeName)
	}
	if err := a.mapRecord(record, entity); err != nil {
		var zero T
		return zero, err
	}
	entity.SetEntityMetadata(a.newMetadata(record))
	return entity, nil
}

func (a *EntityAdapter[T]) mapRecord(record *Record, entity T) error {
	if record == nil {
		return fmt.Errorf("core: adapter %q cannot map a nil record", a.typeName)
	}
	if a.binary != nil {
		if record.Kind != RecordBinary {
			return fmt.Errorf("core: adapter %q expected a binary record at %s", a.typeName, record.Locator)
		}
		return a.binary.ReadBytes(record.Bytes, entity)
	}
	fields, err := a.upgradeFields(record)
	if err != nil {
		return err
	}
	if err := a.mapping.ReadFields(fields, entity); err != nil {
		return fmt.Errorf("core: adapter %q read fields of %s: %w", a.typeName, record.Locator, err)
	}
	return nil
}

func (a *EntityAdapter[T]) upgradeFields(record *Record) (map[string]any, error) {
	fields := record.DomainFields()
	if a.converter == nil || a.schema.Version <= 0 {
		return fields, nil
	}
	stored := storedSchemaVersion(record)
	if stored >= a.schema.Version {
		return fields, nil
	}
	converted, err := a.converter(stored, fields)
	if err != nil {
		return nil, fmt.Errorf("core: adapter %q convert record %s from version %d: %w", a.typeName, record.Locator, stored, err)
	}
	return converted, nil
}

func (a *EntityAdapter[T]) writeRecord(entity T) (*Record, error) {
	if a.binary != nil {
		data, err := a.binary.WriteBytes(entity)
		if err != nil {
			return nil, fmt.Errorf("core: adapter %q write bytes: %w", a.typeName, err)
		}
		return NewBinaryRecord(a.typeName, data), nil
	}
	fields := map[string]any{}
	if err := a.mapping.WriteFields(entity, fields); err != nil {
		return nil, fmt.Errorf("core: adapter %q write fields: %w", a.typeName, err)
	}
	for key := range fields {
		if strings.HasPrefix(key, SyntheticFieldPrefix) {
			return nil, NewBadInputError(fmt.Sprintf("core: field %q uses the reserved %q prefix", key, SyntheticFieldPrefix))
		}
	}
	record := NewStructuredRecord(a.typeName, fields)
	if a.schema.Version > 0 {
		record.SetField(FieldSchemaVersion, a.schema.Version)
	}
	return record, nil
}

func storedSchemaVersion(record *Record) int {
	value, ok := record.Field(FieldSchemaVersion)
	if !ok {
		return 0
	}
	parsed, ok := toNumber(value)
	if !ok {
		return 0
	}
	version, ok := parsed.asInt64()
	if !ok {
		return 0
	}
	return int(version)
}

func isNilEntity[T Entity](entity T) bool {
	value := reflect.ValueOf(entity)
	if !value.IsValid() {
		return true
	}
	switch value.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return value.IsNil()
	}
	return false
}
