// Package entities maps domain objects onto a record engine and keeps
// copies of those records consistent across nodes. The types live in core;
// this package re-exports the ones applications use directly.
package entities

import (
	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-entities/core"
)

type Config = core.Config

type Option = core.Option

type PersistenceContext = core.PersistenceContext
type RegisterOptions = core.RegisterOptions

type Entity = core.Entity
type EntityBase = core.EntityBase
type EntityID = core.EntityID
type EntityVersion = core.EntityVersion
type EntityMetadata = core.EntityMetadata
type DetachedMetadata = core.DetachedMetadata

type Adapter = core.Adapter
type AdapterOption = core.AdapterOption
type ClassSchema = core.ClassSchema
type PropertySchema = core.PropertySchema
type RecordLocator = core.RecordLocator
type IdentityCodec = core.IdentityCodec

type ConflictState = core.ConflictState
type DeconflictStep = core.DeconflictStep
type DeconflictFunc = core.DeconflictFunc

type ChangeKind = core.ChangeKind
type ChangeEvent = core.ChangeEvent
type EventBus = core.EventBus
type LogMarker = core.LogMarker
type ChangeLog = core.ChangeLog
type Checkpoint = core.Checkpoint
type CheckpointStore = core.CheckpointStore

const (
	ConflictIgnore = core.ConflictIgnore
	ConflictAllow  = core.ConflictAllow
	ConflictMerge  = core.ConflictMerge
	ConflictDeny   = core.ConflictDeny

	ChangeCreate = core.ChangeCreate
	ChangeUpdate = core.ChangeUpdate
	ChangeDelete = core.ChangeDelete
)

var (
	WithLogger          = core.WithLogger
	WithLoggerProvider  = core.WithLoggerProvider
	WithMetricsRecorder = core.WithMetricsRecorder
	WithErrorMapper     = core.WithErrorMapper
	WithConfigProvider  = core.WithConfigProvider
	WithOptionsResolver = core.WithOptionsResolver
	WithEventBus        = core.WithEventBus
	WithCheckpointStore = core.WithCheckpointStore

	WithIdentityCodec   = core.WithIdentityCodec
	WithDeconflictSteps = core.WithDeconflictSteps
	WithAffinityKey     = core.WithAffinityKey
	WithRecordConverter = core.WithRecordConverter
	NewIdentityCodec    = core.NewIdentityCodec
	MaxConflictState    = core.MaxConflictState
	ParseLogMarker      = core.ParseLogMarker
	WithSession         = core.WithSession
	RunInTransaction    = core.RunInTransaction
	WithRemoteOrigin    = core.WithRemoteOrigin
	WithOrderedDelivery = core.WithOrderedDelivery
)

func DefaultRegisterOptions() RegisterOptions {
	return core.DefaultRegisterOptions()
}

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewPersistenceContext(cfg Config, opts ...Option) (*PersistenceContext, error) {
	return core.NewPersistenceContext(cfg, opts...)
}

func Setup(cfg Config, opts ...Option) (*PersistenceContext, error) {
	return core.Setup(cfg, opts...)
}

func NewEntityAdapter[T Entity](schema ClassSchema, mapping core.Mapping[T], opts ...AdapterOption) (*core.EntityAdapter[T], error) {
	return core.NewEntityAdapter(schema, mapping, opts...)
}

func NewIterableEntityAdapter[T Entity](
	schema ClassSchema,
	mapping core.Mapping[T],
	cacheService repositorycache.CacheService,
	opts ...AdapterOption,
) (*core.IterableEntityAdapter[T], error) {
	return core.NewIterableEntityAdapter(schema, mapping, cacheService, opts...)
}

func NewSingletonEntityAdapter[T Entity](schema ClassSchema, mapping core.Mapping[T], opts ...AdapterOption) (*core.SingletonEntityAdapter[T], error) {
	return core.NewSingletonEntityAdapter(schema, mapping, opts...)
}
