package core

import (
	"strings"
	"time"
)

// ChangeEvent is published once per record touched by a committed
// transaction.
type ChangeEvent struct {
	ID       string
	Kind     ChangeKind
	Metadata *EntityMetadata
	// RemoteOrigin names the node a replicated write came from; empty for
	// local writes.
	RemoteOrigin string
	// Node is the node that committed the write, when configured.
	Node string
	// AffinityKey is set only when ordered delivery was requested.
	AffinityKey string
	TxID        string
	Fields      map[string]any
	OccurredAt  time.Time
	// Attempts counts failed outbox deliveries.
	Attempts int
}

func (e ChangeEvent) TypeName() string {
	return e.Metadata.TypeName()
}

func (e ChangeEvent) EntityID() EntityID {
	return e.Metadata.ID()
}

// Detached returns the metadata in a form that can be stored or sent.
func (e ChangeEvent) Detached() DetachedMetadata {
	return e.Metadata.Detach()
}

func (e ChangeEvent) IsRemote() bool {
	return strings.TrimSpace(e.RemoteOrigin) != ""
}

func (e ChangeEvent) Clone() ChangeEvent {
	out := e
	if e.Metadata != nil {
		metadata := *e.Metadata
		out.Metadata = &metadata
	}
	out.Fields = cloneValueMap(e.Fields)
	return out
}
