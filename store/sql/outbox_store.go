package sqlstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/goliatone/go-entities/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusDelivered  = "delivered"
	outboxStatusFailed     = "failed"
)

// OutboxStore keeps committed change events until a dispatcher delivers
// them. Enqueue is idempotent on the event id.
type OutboxStore struct {
	db   *bun.DB
	repo repository.Repository[*changeOutboxRecord]
}

type OutboxFilter struct {
	Status   string
	TypeName string
	Page     int
	PerPage  int
}

type OutboxPage struct {
	Items   []core.ChangeEvent
	Total   int
	HasNext bool
}

func NewOutboxStore(db *bun.DB) (*OutboxStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*changeOutboxRecord](db, outboxHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid outbox repository wiring: %w", err)
		}
	}
	return &OutboxStore{db: db, repo: repo}, nil
}

func (s *OutboxStore) Enqueue(ctx context.Context, event core.ChangeEvent) error {
	if s == nil || s.repo == nil {
		return core.NewConfigurationError("sqlstore: outbox store is not configured")
	}
	if strings.TrimSpace(event.ID) == "" {
		return core.NewBadInputError("sqlstore: outbox event id is required")
	}
	if event.Metadata == nil || strings.TrimSpace(event.TypeName()) == "" {
		return core.NewBadInputError("sqlstore: outbox event type is required")
	}

	record := newChangeOutboxRecord(event, time.Now().UTC())
	record.ID = uuid.NewString()
	if _, err := s.repo.Create(ctx, record); err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *OutboxStore) ClaimBatch(ctx context.Context, limit int) ([]core.ChangeEvent, error) {
	if s == nil || s.db == nil {
		return nil, core.NewConfigurationError("sqlstore: outbox store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	var records []changeOutboxRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM entity_change_outbox
	WHERE status = ?
	  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY occurred_at ASC, created_at ASC
	LIMIT ?
)
UPDATE entity_change_outbox
SET status = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING
	id,
	event_id,
	kind,
	type_name,
	entity_id,
	entity_version,
	cluster_id,
	cluster_position,
	tx_id,
	remote_origin,
	node,
	affinity_key,
	fields,
	status,
	attempts,
	next_attempt_at,
	last_error,
	occurred_at,
	created_at,
	updated_at
`
		return tx.NewRaw(
			query,
			outboxStatusPending,
			now,
			limit,
			outboxStatusProcessing,
			now,
			outboxStatusPending,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}

	// RETURNING order is unspecified.
	sortOutboxRecords(records)
	events := make([]core.ChangeEvent, 0, len(records))
	for _, record := range records {
		events = append(events, record.toDomain())
	}
	return events, nil
}

func (s *OutboxStore) Ack(ctx context.Context, eventID string) error {
	if s == nil || s.db == nil {
		return core.NewConfigurationError("sqlstore: outbox store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return core.NewBadInputError("sqlstore: event id is required")
	}
	_, err := s.db.NewUpdate().
		Model((*changeOutboxRecord)(nil)).
		Set("status = ?", outboxStatusDelivered).
		Set("last_error = ?", "").
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("event_id = ?", eventID).
		Exec(ctx)
	return err
}

// Retry records a failed delivery. A zero nextAttemptAt marks the event
// failed for good.
func (s *OutboxStore) Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	if s == nil || s.db == nil {
		return core.NewConfigurationError("sqlstore: outbox store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return core.NewBadInputError("sqlstore: event id is required")
	}
	status := outboxStatusPending
	var next *time.Time
	if !nextAttemptAt.IsZero() {
		nextValue := nextAttemptAt.UTC()
		next = &nextValue
	} else {
		status = outboxStatusFailed
	}

	lastError := ""
	if cause != nil {
		lastError = strings.TrimSpace(cause.Error())
	}
	_, err := s.db.NewUpdate().
		Model((*changeOutboxRecord)(nil)).
		Set("status = ?", status).
		Set("attempts = attempts + 1").
		Set("next_attempt_at = ?", next).
		Set("last_error = ?", lastError).
		Set("updated_at = ?", time.Now().UTC()).
		Where("event_id = ?", eventID).
		Exec(ctx)
	return err
}

// Requeue moves failed events back to pending. An empty id list requeues
// every failed event. It returns the number of rows moved.
func (s *OutboxStore) Requeue(ctx context.Context, eventIDs ...string) (int, error) {
	if s == nil || s.db == nil {
		return 0, core.NewConfigurationError("sqlstore: outbox store is not configured")
	}
	ids := make([]string, 0, len(eventIDs))
	for _, id := range eventIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	query := s.db.NewUpdate().
		Model((*changeOutboxRecord)(nil)).
		Set("status = ?", outboxStatusPending).
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("status = ?", outboxStatusFailed)
	if len(ids) > 0 {
		query = query.Where("event_id IN (?)", bun.In(ids))
	}
	result, err := query.Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *OutboxStore) List(ctx context.Context, filter OutboxFilter) (OutboxPage, error) {
	if s == nil || s.repo == nil {
		return OutboxPage{}, core.NewConfigurationError("sqlstore: outbox store is not configured")
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 25
	}
	offset := (page - 1) * perPage

	selectors := []repository.SelectCriteria{
		repository.OrderBy("occurred_at ASC"),
		repository.SelectPaginate(perPage, offset),
	}
	if status := strings.TrimSpace(strings.ToLower(filter.Status)); status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", status))
	}
	if typeName := strings.TrimSpace(filter.TypeName); typeName != "" {
		selectors = append(selectors, repository.SelectBy("type_name", "=", typeName))
	}
	records, total, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return OutboxPage{}, err
	}
	items := make([]core.ChangeEvent, 0, len(records))
	for _, record := range records {
		items = append(items, record.toDomain())
	}
	return OutboxPage{
		Items:   items,
		Total:   total,
		HasNext: offset+len(items) < total,
	}, nil
}

func sortOutboxRecords(records []changeOutboxRecord) {
	slices.SortStableFunc(records, func(a, b changeOutboxRecord) int {
		if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
