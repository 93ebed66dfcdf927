package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-entities/core"
)

var (
	_ gocmd.Querier[MarkMessage, core.LogMarker]            = (*MarkQuery)(nil)
	_ gocmd.Querier[SinceMessage, SinceResult]              = (*SinceQuery)(nil)
	_ gocmd.Querier[LoadCheckpointMessage, core.Checkpoint] = (*LoadCheckpointQuery)(nil)
	_ gocmd.Querier[ListAdaptersMessage, []AdapterStatus]   = (*ListAdaptersQuery)(nil)

	_ ChangeLogReader = (*core.PersistenceContext)(nil)
	_ AdapterCatalog  = (*core.PersistenceContext)(nil)
)
