package core

import (
	"strconv"
	"strings"
)

// EntityID is the opaque external identity of an entity.
type EntityID string

func (id EntityID) String() string { return string(id) }

func (id EntityID) IsZero() bool { return strings.TrimSpace(string(id)) == "" }

// EntityVersion is assigned by the engine and increases on every write.
type EntityVersion int64

func (v EntityVersion) String() string { return strconv.FormatInt(int64(v), 10) }

// Entity is implemented by domain types persisted through an adapter,
// usually by embedding EntityBase.
type Entity interface {
	EntityMetadata() *EntityMetadata
	SetEntityMetadata(metadata *EntityMetadata)
}

type EntityBase struct {
	metadata *EntityMetadata
}

func (b *EntityBase) EntityMetadata() *EntityMetadata {
	if b == nil {
		return nil
	}
	return b.metadata
}

func (b *EntityBase) SetEntityMetadata(metadata *EntityMetadata) {
	if b == nil {
		return
	}
	b.metadata = metadata
}

// EntityMetadata ties an entity to its stored record.
type EntityMetadata struct {
	id       EntityID
	version  EntityVersion
	locator  RecordLocator
	typeName string
	adapter  Adapter
}

func NewEntityMetadata(
	id EntityID,
	version EntityVersion,
	locator RecordLocator,
	typeName string,
	adapter Adapter,
) *EntityMetadata {
	typeName = strings.TrimSpace(typeName)
	if typeName == "" && adapter != nil {
		typeName = adapter.TypeName()
	}
	return &EntityMetadata{
		id:       id,
		version:  version,
		locator:  locator,
		typeName: typeName,
		adapter:  adapter,
	}
}

func (m *EntityMetadata) ID() EntityID {
	if m == nil {
		return ""
	}
	return m.id
}

func (m *EntityMetadata) Version() EntityVersion {
	if m == nil {
		return 0
	}
	return m.version
}

func (m *EntityMetadata) Locator() RecordLocator {
	if m == nil {
		return RecordLocator{}
	}
	return m.locator
}

func (m *EntityMetadata) TypeName() string {
	if m == nil {
		return ""
	}
	return m.typeName
}

// Adapter is nil for metadata restored from a detached value.
func (m *EntityMetadata) Adapter() Adapter {
	if m == nil {
		return nil
	}
	return m.adapter
}

func (m *EntityMetadata) Detach() DetachedMetadata {
	if m == nil {
		return DetachedMetadata{}
	}
	return DetachedMetadata{
		ID:       m.id,
		Version:  m.version,
		Type:     m.typeName,
		Cluster:  m.locator.Cluster,
		Position: m.locator.Position,
	}
}

// DetachedMetadata is the transport form of EntityMetadata.
type DetachedMetadata struct {
	ID       EntityID      `json:"id"`
	Version  EntityVersion `json:"version"`
	Type     string        `json:"type"`
	Cluster  int32         `json:"cluster"`
	Position int64         `json:"position"`
}

func (d DetachedMetadata) Attach(adapter Adapter) *EntityMetadata {
	return NewEntityMetadata(
		d.ID,
		d.Version,
		RecordLocator{Cluster: d.Cluster, Position: d.Position},
		d.Type,
		adapter,
	)
}
