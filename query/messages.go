package query

import (
	"slices"
	"strings"

	"github.com/goliatone/go-entities/core"
)

const (
	TypeMark           = "entities.query.changelog.mark"
	TypeSince          = "entities.query.changelog.since"
	TypeLoadCheckpoint = "entities.query.checkpoint.load"
	TypeListAdapters   = "entities.query.adapters.list"
)

type MarkMessage struct {
	Database string
}

func (MarkMessage) Type() string { return TypeMark }

func (m MarkMessage) Validate() error {
	if strings.TrimSpace(m.Database) == "" {
		return queryValidationError("database", "database is required")
	}
	return nil
}

// SinceMessage asks for the records changed after Marker. Empty TypeNames
// means every adapter registered on the database.
type SinceMessage struct {
	Database  string
	Marker    core.LogMarker
	TypeNames []string
}

func (SinceMessage) Type() string { return TypeSince }

func (m SinceMessage) Validate() error {
	if strings.TrimSpace(m.Database) == "" {
		return queryValidationError("database", "database is required")
	}
	if slices.ContainsFunc(m.TypeNames, func(name string) bool { return strings.TrimSpace(name) == "" }) {
		return queryValidationError("type_names", "type names must not be blank")
	}
	return nil
}

type LoadCheckpointMessage struct {
	Consumer string
}

func (LoadCheckpointMessage) Type() string { return TypeLoadCheckpoint }

func (m LoadCheckpointMessage) Validate() error {
	if strings.TrimSpace(m.Consumer) == "" {
		return queryValidationError("consumer", "consumer is required")
	}
	return nil
}

type ListAdaptersMessage struct{}

func (ListAdaptersMessage) Type() string { return TypeListAdapters }
