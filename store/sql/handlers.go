package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func checkpointHandlers() repository.ModelHandlers[*checkpointRecord] {
	return repository.ModelHandlers[*checkpointRecord]{
		NewRecord: func() *checkpointRecord {
			return &checkpointRecord{}
		},
		GetID: func(record *checkpointRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *checkpointRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "consumer"
		},
		GetIdentifierValue: func(record *checkpointRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.Consumer)
		},
	}
}

func outboxHandlers() repository.ModelHandlers[*changeOutboxRecord] {
	return repository.ModelHandlers[*changeOutboxRecord]{
		NewRecord: func() *changeOutboxRecord {
			return &changeOutboxRecord{}
		},
		GetID: func(record *changeOutboxRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *changeOutboxRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "event_id"
		},
		GetIdentifierValue: func(record *changeOutboxRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.EventID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
