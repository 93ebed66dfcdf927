package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type checkpointRecord struct {
	bun.BaseModel `bun:"table:entity_changelog_checkpoints,alias:ecc"`

	ID        string         `bun:"id,pk"`
	Consumer  string         `bun:"consumer,notnull"`
	Marker    int64          `bun:"marker,notnull"`
	Metadata  map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type changeOutboxRecord struct {
	bun.BaseModel `bun:"table:entity_change_outbox,alias:eco"`

	ID              string         `bun:"id,pk"`
	EventID         string         `bun:"event_id,notnull"`
	Kind            string         `bun:"kind,notnull"`
	TypeName        string         `bun:"type_name,notnull"`
	EntityID        string         `bun:"entity_id,notnull"`
	EntityVersion   int64          `bun:"entity_version,notnull"`
	ClusterID       int32          `bun:"cluster_id,notnull"`
	ClusterPosition int64          `bun:"cluster_position,notnull"`
	TxID            string         `bun:"tx_id,notnull"`
	RemoteOrigin    string         `bun:"remote_origin,notnull"`
	Node            string         `bun:"node,notnull"`
	AffinityKey     string         `bun:"affinity_key,notnull"`
	Fields          map[string]any `bun:"fields,type:jsonb,notnull"`
	Status          string         `bun:"status,notnull"`
	Attempts        int            `bun:"attempts,notnull"`
	NextAttempt     *time.Time     `bun:"next_attempt_at,nullzero"`
	LastError       string         `bun:"last_error,notnull"`
	OccurredAt      time.Time      `bun:"occurred_at,notnull"`
	CreatedAt       time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
