package query

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/goliatone/go-entities/core"
)

// ChangeLogReader is implemented by *core.PersistenceContext.
type ChangeLogReader interface {
	Mark(ctx context.Context, database string) (core.LogMarker, error)
	Since(ctx context.Context, database string, marker core.LogMarker, typeNames ...string) (map[core.RecordLocator]core.Adapter, error)
}

type CheckpointReader interface {
	Get(ctx context.Context, consumer string) (core.Checkpoint, error)
}

type AdapterCatalog interface {
	Adapters() []core.Adapter
	ConflictHook() *core.ConflictHook
	ChangeHook() *core.EntityChangeHook
}

// ChangedRecord is one entry of a Since answer.
type ChangedRecord struct {
	Locator  core.RecordLocator
	TypeName string
}

type SinceResult struct {
	From    core.LogMarker
	Changes []ChangedRecord
}

type AdapterStatus struct {
	TypeName           string
	ConflictResolution bool
	Events             bool
}

type MarkQuery struct {
	reader ChangeLogReader
}

func NewMarkQuery(reader ChangeLogReader) *MarkQuery {
	return &MarkQuery{reader: reader}
}

func (q *MarkQuery) Query(ctx context.Context, msg MarkMessage) (core.LogMarker, error) {
	if q == nil || q.reader == nil {
		return core.LogMarker{}, queryDependencyError("query: change log reader is required")
	}
	return q.reader.Mark(ctx, strings.TrimSpace(msg.Database))
}

type SinceQuery struct {
	reader ChangeLogReader
}

func NewSinceQuery(reader ChangeLogReader) *SinceQuery {
	return &SinceQuery{reader: reader}
}

// Query returns the changed records ordered by locator.
func (q *SinceQuery) Query(ctx context.Context, msg SinceMessage) (SinceResult, error) {
	if q == nil || q.reader == nil {
		return SinceResult{}, queryDependencyError("query: change log reader is required")
	}
	changes, err := q.reader.Since(ctx, strings.TrimSpace(msg.Database), msg.Marker, msg.TypeNames...)
	if err != nil {
		return SinceResult{}, err
	}
	out := SinceResult{From: msg.Marker, Changes: make([]ChangedRecord, 0, len(changes))}
	for locator, adapter := range changes {
		record := ChangedRecord{Locator: locator}
		if adapter != nil {
			record.TypeName = adapter.TypeName()
		}
		out.Changes = append(out.Changes, record)
	}
	slices.SortFunc(out.Changes, func(a, b ChangedRecord) int {
		if c := cmp.Compare(a.Locator.Cluster, b.Locator.Cluster); c != 0 {
			return c
		}
		return cmp.Compare(a.Locator.Position, b.Locator.Position)
	})
	return out, nil
}

type LoadCheckpointQuery struct {
	reader CheckpointReader
}

func NewLoadCheckpointQuery(reader CheckpointReader) *LoadCheckpointQuery {
	return &LoadCheckpointQuery{reader: reader}
}

func (q *LoadCheckpointQuery) Query(ctx context.Context, msg LoadCheckpointMessage) (core.Checkpoint, error) {
	if q == nil || q.reader == nil {
		return core.Checkpoint{}, queryDependencyError("query: checkpoint reader is required")
	}
	return q.reader.Get(ctx, strings.TrimSpace(msg.Consumer))
}

type ListAdaptersQuery struct {
	catalog AdapterCatalog
}

func NewListAdaptersQuery(catalog AdapterCatalog) *ListAdaptersQuery {
	return &ListAdaptersQuery{catalog: catalog}
}

func (q *ListAdaptersQuery) Query(_ context.Context, _ ListAdaptersMessage) ([]AdapterStatus, error) {
	if q == nil || q.catalog == nil {
		return nil, queryDependencyError("query: adapter catalog is required")
	}
	conflicts := q.catalog.ConflictHook()
	changes := q.catalog.ChangeHook()
	adapters := q.catalog.Adapters()
	out := make([]AdapterStatus, 0, len(adapters))
	for _, adapter := range adapters {
		typeName := adapter.TypeName()
		out = append(out, AdapterStatus{
			TypeName:           typeName,
			ConflictResolution: conflicts != nil && conflicts.IsEnabled(typeName),
			Events:             changes != nil && changes.IsEnabled(typeName),
		})
	}
	slices.SortFunc(out, func(a, b AdapterStatus) int { return cmp.Compare(a.TypeName, b.TypeName) })
	return out, nil
}
