package command

import (
	"slices"
	"strings"

	"github.com/goliatone/go-entities/core"
)

const (
	TypeSetConflictResolution = "entities.command.conflict_resolution.set"
	TypeSetEvents             = "entities.command.events.set"
	TypeAdvanceCheckpoint     = "entities.command.checkpoint.advance"
	TypeCatchUp               = "entities.command.changelog.catch_up"
	TypeDispatchOutbox        = "entities.command.outbox.dispatch"
	TypeRequeueOutbox         = "entities.command.outbox.requeue"
)

// SetConflictResolutionMessage toggles the conflict hook for one entity
// type.
type SetConflictResolutionMessage struct {
	TypeName string
	Enabled  bool
}

func (SetConflictResolutionMessage) Type() string { return TypeSetConflictResolution }

func (m SetConflictResolutionMessage) Validate() error {
	return requireText("type_name", m.TypeName)
}

// SetEventsMessage toggles change events for one entity type.
type SetEventsMessage struct {
	TypeName string
	Enabled  bool
}

func (SetEventsMessage) Type() string { return TypeSetEvents }

func (m SetEventsMessage) Validate() error {
	return requireText("type_name", m.TypeName)
}

type AdvanceCheckpointMessage struct {
	Input core.AdvanceCheckpointInput
}

func (AdvanceCheckpointMessage) Type() string { return TypeAdvanceCheckpoint }

func (m AdvanceCheckpointMessage) Validate() error {
	if err := requireText("consumer", m.Input.Consumer); err != nil {
		return err
	}
	if m.Input.ExpectedMarker != nil && m.Input.ExpectedMarker.Compare(m.Input.Marker) > 0 {
		return commandValidationError("marker", "marker must not move behind the expected marker")
	}
	return nil
}

type CatchUpMessage struct {
	Consumer string
}

func (CatchUpMessage) Type() string { return TypeCatchUp }

func (m CatchUpMessage) Validate() error {
	return requireText("consumer", m.Consumer)
}

// DispatchOutboxMessage drains pending outbox events. Zero uses the
// dispatcher's configured batch size.
type DispatchOutboxMessage struct {
	BatchSize int
}

func (DispatchOutboxMessage) Type() string { return TypeDispatchOutbox }

func (m DispatchOutboxMessage) Validate() error {
	if m.BatchSize < 0 {
		return commandValidationError("batch_size", "batch size must be >= 0")
	}
	return nil
}

// RequeueOutboxMessage moves failed outbox events back to pending.
type RequeueOutboxMessage struct {
	EventIDs []string
}

func (RequeueOutboxMessage) Type() string { return TypeRequeueOutbox }

func (m RequeueOutboxMessage) Validate() error {
	if len(m.EventIDs) == 0 {
		return commandValidationError("event_ids", "at least one event id is required")
	}
	if slices.ContainsFunc(m.EventIDs, func(id string) bool { return strings.TrimSpace(id) == "" }) {
		return commandValidationError("event_ids", "event ids must not be blank")
	}
	return nil
}

func requireText(field string, value string) error {
	if strings.TrimSpace(value) == "" {
		return commandValidationError(field, field+" is required")
	}
	return nil
}
