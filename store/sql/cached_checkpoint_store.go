package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-entities/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const checkpointCacheKeyPrefix = "go-entities::checkpoint::v1"

// CachedCheckpointStore serves checkpoint reads from a cache and drops the
// cached entry whenever a consumer advances.
type CachedCheckpointStore struct {
	base  core.CheckpointStore
	cache repositorycache.CacheService
}

func NewCachedCheckpointStore(
	base core.CheckpointStore,
	cacheService repositorycache.CacheService,
) (*CachedCheckpointStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base checkpoint store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: checkpoint cache service is required")
	}
	return &CachedCheckpointStore{base: base, cache: cacheService}, nil
}

// CheckpointCacheKey returns go-entities::checkpoint::v1::<consumer> with
// the trimmed consumer URL-path escaped.
func CheckpointCacheKey(consumer string) (string, error) {
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return "", core.NewBadInputError("sqlstore: checkpoint consumer is required")
	}
	return strings.Join([]string{checkpointCacheKeyPrefix, url.PathEscape(consumer)}, "::"), nil
}

func (s *CachedCheckpointStore) Get(ctx context.Context, consumer string) (core.Checkpoint, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Checkpoint{}, core.NewConfigurationError("sqlstore: cached checkpoint store is not configured")
	}
	consumer = strings.TrimSpace(consumer)
	cacheKey, err := CheckpointCacheKey(consumer)
	if err != nil {
		return core.Checkpoint{}, err
	}
	checkpoint, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.Checkpoint, error) {
		fetched, fetchErr := s.base.Get(ctx, consumer)
		if fetchErr != nil {
			return core.Checkpoint{}, fetchErr
		}
		return cloneCheckpoint(fetched), nil
	})
	if err != nil {
		return core.Checkpoint{}, err
	}
	return cloneCheckpoint(checkpoint), nil
}

func (s *CachedCheckpointStore) Advance(ctx context.Context, in core.AdvanceCheckpointInput) (core.Checkpoint, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Checkpoint{}, core.NewConfigurationError("sqlstore: cached checkpoint store is not configured")
	}
	cacheKey, err := CheckpointCacheKey(in.Consumer)
	if err != nil {
		return core.Checkpoint{}, err
	}
	advanced, advanceErr := s.base.Advance(ctx, in)
	// A conflict means the cached marker may be stale too.
	if err := s.cache.Delete(ctx, cacheKey); err != nil && advanceErr == nil {
		return core.Checkpoint{}, err
	}
	if advanceErr != nil {
		return core.Checkpoint{}, advanceErr
	}
	return cloneCheckpoint(advanced), nil
}

func cloneCheckpoint(in core.Checkpoint) core.Checkpoint {
	out := in
	out.Metadata = copyAnyMap(in.Metadata)
	return out
}
