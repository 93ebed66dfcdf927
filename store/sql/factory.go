package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-entities/core"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds the SQL stores behind change-log checkpoints and
// the change-event outbox from a single bun connection.
type RepositoryFactory struct {
	db *bun.DB

	checkpointStore *CheckpointStore
	outboxStore     *OutboxStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.Build(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.Build(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// Build accepts a *bun.DB or anything exposing DB() *bun.DB.
func (f *RepositoryFactory) Build(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.checkpointStore != nil && f.outboxStore != nil {
		return nil
	}
	checkpointStore, err := NewCheckpointStore(f.db)
	if err != nil {
		return err
	}
	outboxStore, err := NewOutboxStore(f.db)
	if err != nil {
		return err
	}
	f.checkpointStore = checkpointStore
	f.outboxStore = outboxStore
	return nil
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) CheckpointStore() *CheckpointStore {
	if f == nil {
		return nil
	}
	return f.checkpointStore
}

// CachedCheckpointStore wraps the checkpoint store with a cache service
// configured from cfg. A zero TTL keeps the cache library default.
func (f *RepositoryFactory) CachedCheckpointStore(cfg core.CacheConfig) (*CachedCheckpointStore, error) {
	if f == nil || f.checkpointStore == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is not built")
	}
	cacheConfig := repositorycache.DefaultConfig()
	if cfg.TTL > 0 {
		cacheConfig.TTL = cfg.TTL
	}
	service, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build checkpoint cache: %w", err)
	}
	return NewCachedCheckpointStore(f.checkpointStore, service)
}

func (f *RepositoryFactory) OutboxStore() *OutboxStore {
	if f == nil {
		return nil
	}
	return f.outboxStore
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
