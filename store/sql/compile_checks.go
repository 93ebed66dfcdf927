package sqlstore

import "github.com/goliatone/go-entities/core"

var (
	_ core.CheckpointStore = (*CheckpointStore)(nil)
	_ core.CheckpointStore = (*CachedCheckpointStore)(nil)
	_ core.OutboxStore     = (*OutboxStore)(nil)
)
