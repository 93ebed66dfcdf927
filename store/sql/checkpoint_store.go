package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-entities/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// CheckpointStore persists change-log consumer markers. Advance is a
// compare-and-set when ExpectedMarker is given.
type CheckpointStore struct {
	db   *bun.DB
	repo repository.Repository[*checkpointRecord]
	now  func() time.Time
}

func NewCheckpointStore(db *bun.DB) (*CheckpointStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*checkpointRecord](db, checkpointHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid checkpoint repository wiring: %w", err)
		}
	}
	return &CheckpointStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *CheckpointStore) Get(ctx context.Context, consumer string) (core.Checkpoint, error) {
	if s == nil || s.db == nil {
		return core.Checkpoint{}, core.NewConfigurationError("sqlstore: checkpoint store is not configured")
	}
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return core.Checkpoint{}, core.NewBadInputError("sqlstore: checkpoint consumer is required")
	}

	record := &checkpointRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.consumer = ?", consumer).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Checkpoint{}, core.NewNotFoundError(fmt.Sprintf("sqlstore: no checkpoint for consumer %q", consumer))
		}
		return core.Checkpoint{}, err
	}
	return record.toDomain(), nil
}

func (s *CheckpointStore) Advance(ctx context.Context, in core.AdvanceCheckpointInput) (core.Checkpoint, error) {
	if s == nil || s.db == nil {
		return core.Checkpoint{}, core.NewConfigurationError("sqlstore: checkpoint store is not configured")
	}
	in.Consumer = strings.TrimSpace(in.Consumer)
	if in.Consumer == "" {
		return core.Checkpoint{}, core.NewBadInputError("sqlstore: checkpoint consumer is required")
	}

	var out core.Checkpoint
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findCheckpointTx(ctx, tx, in.Consumer)
		if err != nil {
			return err
		}
		now := s.now()
		if record == nil {
			if in.ExpectedMarker != nil {
				return core.ErrCheckpointConflict
			}
			record = newCheckpointRecord(in, now)
			record.ID = uuid.NewString()
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				if isUniqueViolation(insertErr) {
					return core.ErrCheckpointConflict
				}
				return insertErr
			}
			out = record.toDomain()
			return nil
		}

		if in.ExpectedMarker != nil && record.Marker != in.ExpectedMarker.Position() {
			return core.ErrCheckpointConflict
		}
		previous := record.Marker
		record.Marker = in.Marker.Position()
		record.Metadata = copyAnyMap(in.Metadata)
		record.UpdatedAt = now
		result, updateErr := tx.NewUpdate().
			Model(record).
			Where("id = ?", record.ID).
			Where("marker = ?", previous).
			Exec(ctx)
		if updateErr != nil {
			return updateErr
		}
		if affected, rowsErr := result.RowsAffected(); rowsErr == nil && affected == 0 {
			return core.ErrCheckpointConflict
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.Checkpoint{}, err
	}
	return out, nil
}

// List returns every stored checkpoint ordered by consumer.
func (s *CheckpointStore) List(ctx context.Context) ([]core.Checkpoint, error) {
	if s == nil || s.repo == nil {
		return nil, core.NewConfigurationError("sqlstore: checkpoint store is not configured")
	}
	records, _, err := s.repo.List(ctx, repository.OrderBy("consumer ASC"))
	if err != nil {
		return nil, err
	}
	out := make([]core.Checkpoint, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func findCheckpointTx(ctx context.Context, tx bun.Tx, consumer string) (*checkpointRecord, error) {
	record := &checkpointRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.consumer = ?", strings.TrimSpace(consumer)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}
