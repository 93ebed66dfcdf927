package core

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const iterableCacheKeyPrefix = "go-entities::iterable::v1"

type cachedRecord struct {
	Record *Record
}

type cachedRecordSet struct {
	Records []*Record
}

// IterableEntityAdapter caches read, browse and count results outside of
// transactions. Writes through the adapter and committed change events drop
// every cached entry for the type.
type IterableEntityAdapter[T Entity] struct {
	*EntityAdapter[T]
	cache      repositorycache.CacheService
	generation atomic.Int64
}

func NewIterableEntityAdapter[T Entity](
	schema ClassSchema,
	mapping Mapping[T],
	cacheService repositorycache.CacheService,
	opts ...AdapterOption,
) (*IterableEntityAdapter[T], error) {
	if cacheService == nil {
		return nil, NewConfigurationError(fmt.Sprintf("core: iterable adapter %q cache service is required", schema.Name))
	}
	base, err := NewEntityAdapter(schema, mapping, opts...)
	if err != nil {
		return nil, err
	}
	return &IterableEntityAdapter[T]{EntityAdapter: base, cache: cacheService}, nil
}

// IterableCacheKey returns go-entities::iterable::v1::<type>::<database>::g<generation>::<kind>[::<locator>]
// with each segment URL-path escaped.
func IterableCacheKey(typeName string, database string, generation int64, kind string, locator string) string {
	segments := []string{
		url.PathEscape(strings.TrimSpace(typeName)),
		url.PathEscape(strings.TrimSpace(database)),
		"g" + strconv.FormatInt(generation, 10),
		url.PathEscape(strings.TrimSpace(kind)),
	}
	if locator = strings.TrimSpace(locator); locator != "" {
		segments = append(segments, url.PathEscape(locator))
	}
	return strings.Join(append([]string{iterableCacheKeyPrefix}, segments...), "::")
}

func (a *IterableEntityAdapter[T]) Read(ctx context.Context, session Session, id EntityID) (T, bool, error) {
	if session == nil || session.InTransaction() {
		return a.EntityAdapter.Read(ctx, session, id)
	}
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

	key := a.cacheKey(session, "read", locator.String())
	snapshot, err := repositorycache.GetOrFetch(ctx, a.cache, key, func(ctx context.Context) (cachedRecord, error) {
		record, loadErr := session.Load(ctx, locator)
		if loadErr != nil {
			return cachedRecord{}, loadErr
		}
		return cachedRecord{Record: record.Clone()}, nil
	})
	if err != nil {
		return zero, false, err
	}
	if snapshot.Record == nil || snapshot.Record.Class != a.typeName {
		return zero, false, nil
	}
	entity, err := a.readEntity(snapshot.Record.Clone())
	if err != nil {
		return zero, false, err
	}
	return entity, true, nil
}

func (a *IterableEntityAdapter[T]) Add(ctx context.Context, session Session, entity T) (T, error) {
	out, err := a.EntityAdapter.Add(ctx, session, entity)
	if err == nil {
		a.Invalidate()
	}
	return out, err
}

func (a *IterableEntityAdapter[T]) Edit(ctx context.Context, session Session, entity T) (T, error) {
	out, err := a.EntityAdapter.Edit(ctx, session, entity)
	if err == nil {
		a.Invalidate()
	}
	return out, err
}

func (a *IterableEntityAdapter[T]) Delete(ctx context.Context, session Session, entity T) error {
	err := a.EntityAdapter.Delete(ctx, session, entity)
	if err == nil {
		a.Invalidate()
	}
	return err
}

func (a *IterableEntityAdapter[T]) Browse(ctx context.Context, session Session) iter.Seq2[T, error] {
	if session == nil || session.InTransaction() {
		return a.EntityAdapter.Browse(ctx, session)
	}
	return func(yield func(T, error) bool) {
		var zero T
		if _, err := a.registration(session); err != nil {
			yield(zero, err)
			return
		}
		snapshot, err := a.loadAll(ctx, session)
		if err != nil {
			yield(zero, err)
			return
		}
		for _, record := range snapshot.Records {
			entity, mapErr := a.readEntity(record.Clone())
			if !yield(entity, mapErr) || mapErr != nil {
				return
			}
		}
	}
}

func (a *IterableEntityAdapter[T]) Count(ctx context.Context, session Session) (int64, error) {
	if session == nil || session.InTransaction() {
		return a.EntityAdapter.Count(ctx, session)
	}
	if _, err := a.registration(session); err != nil {
		return 0, err
	}
	key := a.cacheKey(session, "count", "")
	return repositorycache.GetOrFetch(ctx, a.cache, key, func(ctx context.Context) (int64, error) {
		return session.Count(ctx, a.typeName)
	})
}

func (a *IterableEntityAdapter[T]) ObserveChange(context.Context, ChangeEvent) {
	a.Invalidate()
}

// Invalidate moves the adapter to a fresh key generation; stale entries age
// out with the cache TTL.
func (a *IterableEntityAdapter[T]) Invalidate() {
	a.generation.Add(1)
}

func (a *IterableEntityAdapter[T]) loadAll(ctx context.Context, session Session) (cachedRecordSet, error) {
	key := a.cacheKey(session, "browse", "")
	return repositorycache.GetOrFetch(ctx, a.cache, key, func(ctx context.Context) (cachedRecordSet, error) {
		out := cachedRecordSet{}
		for record, err := range session.Browse(ctx, a.typeName) {
			if err != nil {
				return cachedRecordSet{}, err
			}
			out.Records = append(out.Records, record.Clone())
		}
		return out, nil
	})
}

func (a *IterableEntityAdapter[T]) cacheKey(session Session, kind string, locator string) string {
	return IterableCacheKey(a.typeName, session.Database(), a.generation.Load(), kind, locator)
}
