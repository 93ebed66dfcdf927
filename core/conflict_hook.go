package core

import (
	"context"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

type clusterKey struct {
	database string
	cluster  string
}

// ConflictHook is installed as the engine conflict strategy and routes each
// conflicting write to the adapter owning the record's cluster.
type ConflictHook struct {
	adapters     *xsync.MapOf[string, Adapter]
	clusterTypes *xsync.MapOf[clusterKey, string]
	metrics      MetricsRecorder
}

func NewConflictHook(metrics MetricsRecorder) *ConflictHook {
	return &ConflictHook{
		adapters:     xsync.NewMapOf[string, Adapter](),
		clusterTypes: xsync.NewMapOf[clusterKey, string](),
		metrics:      metricsOrNop(metrics),
	}
}

func (h *ConflictHook) EnableConflictResolution(adapter Adapter) error {
	if h == nil {
		return NewConfigurationError("core: conflict hook is not configured")
	}
	if adapter == nil {
		return NewBadInputError("core: adapter is required")
	}
	h.adapters.Store(adapter.TypeName(), adapter)
	return nil
}

func (h *ConflictHook) DisableConflictResolution(adapter Adapter) {
	if h == nil || adapter == nil {
		return
	}
	h.adapters.Delete(adapter.TypeName())
}

func (h *ConflictHook) IsEnabled(typeName string) bool {
	if h == nil {
		return false
	}
	_, ok := h.adapters.Load(strings.TrimSpace(typeName))
	return ok
}

// OnUpdate runs inside the engine write path: it only touches the two copies
// and in-memory registries. Unknown or disabled types are denied. A non-DENY
// verdict is downgraded to DENY when the copies still differ afterwards.
func (h *ConflictHook) OnUpdate(
	ctx context.Context,
	session Session,
	cluster string,
	stored *Record,
	change *Record,
) (ConflictState, error) {
	if h == nil {
		return ConflictDeny, nil
	}
	typeName := h.resolveType(session, cluster)
	tags := map[string]string{"type": typeName}

	adapter, ok := h.adapters.Load(typeName)
	if !ok {
		tags["state"] = ConflictDeny.String()
		tags["reason"] = "unhandled"
		h.metrics.IncCounter(ctx, "entities.conflict.total", 1, tags)
		return ConflictDeny, nil
	}

	state := resolveWithAdapter(adapter, stored, change)
	if state != ConflictDeny && !stored.SameContent(change) {
		state = ConflictDeny
		tags["reason"] = "residual_difference"
	}
	tags["state"] = state.String()
	h.metrics.IncCounter(ctx, "entities.conflict.total", 1, tags)
	return state, nil
}

func (h *ConflictHook) resolveType(session Session, cluster string) string {
	cluster = strings.TrimSpace(cluster)
	database := ""
	if session != nil {
		database = session.Database()
	}
	key := clusterKey{database: database, cluster: cluster}
	if typeName, ok := h.clusterTypes.Load(key); ok {
		return typeName
	}

	typeName := ""
	if session != nil && session.Schema() != nil {
		for _, info := range session.Schema().Classes() {
			for _, name := range info.ClusterNames {
				if name == cluster {
					typeName = info.Name
				}
			}
		}
	}
	if typeName == "" {
		typeName = ClassNameFromCluster(cluster)
	}
	h.clusterTypes.Store(key, typeName)
	return typeName
}

func resolveWithAdapter(adapter Adapter, stored *Record, change *Record) (state ConflictState) {
	defer func() {
		if recovered := recover(); recovered != nil {
			state = ConflictDeny
		}
	}()
	return adapter.Resolve(stored, change)
}
