package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-entities/core"
)

func newCheckpointRecord(in core.AdvanceCheckpointInput, now time.Time) *checkpointRecord {
	return &checkpointRecord{
		Consumer:  in.Consumer,
		Marker:    in.Marker.Position(),
		Metadata:  copyAnyMap(in.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *checkpointRecord) toDomain() core.Checkpoint {
	if r == nil {
		return core.Checkpoint{}
	}
	return core.Checkpoint{
		Consumer:  r.Consumer,
		Marker:    core.NewLogMarker(r.Marker),
		Metadata:  copyAnyMap(r.Metadata),
		UpdatedAt: r.UpdatedAt,
	}
}

func newChangeOutboxRecord(event core.ChangeEvent, now time.Time) *changeOutboxRecord {
	detached := event.Detached()
	occurredAt := event.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = now
	}
	return &changeOutboxRecord{
		EventID:         strings.TrimSpace(event.ID),
		Kind:            event.Kind.String(),
		TypeName:        detached.Type,
		EntityID:        detached.ID.String(),
		EntityVersion:   int64(detached.Version),
		ClusterID:       detached.Cluster,
		ClusterPosition: detached.Position,
		TxID:            strings.TrimSpace(event.TxID),
		RemoteOrigin:    strings.TrimSpace(event.RemoteOrigin),
		Node:            strings.TrimSpace(event.Node),
		AffinityKey:     strings.TrimSpace(event.AffinityKey),
		Fields:          copyAnyMap(event.Fields),
		Status:          outboxStatusPending,
		Attempts:        event.Attempts,
		OccurredAt:      occurredAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// toDomain restores the event without an adapter binding; consumers that
// need one re-attach through the registered adapter for TypeName.
func (r changeOutboxRecord) toDomain() core.ChangeEvent {
	kind, err := core.ParseChangeKind(r.Kind)
	if err != nil {
		kind = 0
	}
	detached := core.DetachedMetadata{
		ID:       core.EntityID(r.EntityID),
		Version:  core.EntityVersion(r.EntityVersion),
		Type:     r.TypeName,
		Cluster:  r.ClusterID,
		Position: r.ClusterPosition,
	}
	return core.ChangeEvent{
		ID:           r.EventID,
		Kind:         kind,
		Metadata:     detached.Attach(nil),
		RemoteOrigin: r.RemoteOrigin,
		Node:         r.Node,
		AffinityKey:  r.AffinityKey,
		TxID:         r.TxID,
		Fields:       copyAnyMap(r.Fields),
		OccurredAt:   r.OccurredAt,
		Attempts:     r.Attempts,
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
