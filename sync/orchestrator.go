package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-entities/core"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/puzpuzpuz/xsync/v3"
)

// ChangeSource reads markers and deltas from an attached database.
// *core.PersistenceContext satisfies it.
type ChangeSource interface {
	Mark(ctx context.Context, database string) (core.LogMarker, error)
	Since(ctx context.Context, database string, marker core.LogMarker, typeNames ...string) (map[core.RecordLocator]core.Adapter, error)
}

// Applier brings a downstream consumer up to date.
type Applier interface {
	ApplyChanges(ctx context.Context, changes map[core.RecordLocator]core.Adapter) error
	// FullResync rebuilds the consumer from scratch. It runs when no
	// checkpoint exists or the log can no longer answer the delta.
	FullResync(ctx context.Context) error
}

type CatchUpMode string

const (
	CatchUpModeIncremental CatchUpMode = "incremental"
	CatchUpModeFullResync  CatchUpMode = "full_resync"
	CatchUpModeBootstrap   CatchUpMode = "bootstrap"
	CatchUpModeUpToDate    CatchUpMode = "up_to_date"
)

type CatchUpResult struct {
	Consumer string
	Mode     CatchUpMode
	From     core.LogMarker
	To       core.LogMarker
	Changes  int
}

type Orchestrator struct {
	Source      ChangeSource
	Checkpoints core.CheckpointStore
	Database    string

	// Types limits the delta to these adapters; empty means every adapter
	// registered on Database.
	Types  []string
	Logger core.Logger
	Now    func() time.Time

	appliers *xsync.MapOf[string, Applier]
}

func NewOrchestrator(source ChangeSource, checkpoints core.CheckpointStore, database string, types ...string) *Orchestrator {
	return &Orchestrator{
		Source:      source,
		Checkpoints: checkpoints,
		Database:    strings.TrimSpace(database),
		Types:       append([]string(nil), types...),
		Logger:      glog.Nop(),
		Now: func() time.Time {
			return time.Now().UTC()
		},
		appliers: xsync.NewMapOf[string, Applier](),
	}
}

// Register binds an applier to a consumer name for CatchUpConsumer and the
// catch-up job.
func (o *Orchestrator) Register(consumer string, applier Applier) error {
	if o == nil {
		return core.NewConfigurationError("sync: orchestrator is nil")
	}
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return core.NewBadInputError("sync: consumer is required")
	}
	if applier == nil {
		return core.NewBadInputError("sync: applier is required")
	}
	if o.appliers == nil {
		o.appliers = xsync.NewMapOf[string, Applier]()
	}
	o.appliers.Store(consumer, applier)
	return nil
}

func (o *Orchestrator) CatchUpConsumer(ctx context.Context, consumer string) (CatchUpResult, error) {
	consumer = strings.TrimSpace(consumer)
	if o == nil || o.appliers == nil {
		return CatchUpResult{}, core.NewConfigurationError("sync: orchestrator has no appliers")
	}
	applier, ok := o.appliers.Load(consumer)
	if !ok {
		return CatchUpResult{}, core.NewNotFoundError(fmt.Sprintf("sync: no applier registered for consumer %q", consumer))
	}
	return o.CatchUp(ctx, consumer, applier)
}

// CatchUp takes a fresh mark, applies what changed since the consumer's
// checkpoint and advances the checkpoint to the mark. Changes committed
// between the mark and the scan are applied again on the next run.
func (o *Orchestrator) CatchUp(ctx context.Context, consumer string, applier Applier) (CatchUpResult, error) {
	if o == nil || o.Source == nil || o.Checkpoints == nil {
		return CatchUpResult{}, core.NewConfigurationError("sync: orchestrator requires a change source and checkpoint store")
	}
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return CatchUpResult{}, core.NewBadInputError("sync: consumer is required")
	}
	if applier == nil {
		return CatchUpResult{}, core.NewBadInputError("sync: applier is required")
	}

	mark, err := o.Source.Mark(ctx, o.Database)
	if err != nil {
		return CatchUpResult{}, err
	}
	result := CatchUpResult{Consumer: consumer, To: mark}

	checkpoint, err := o.Checkpoints.Get(ctx, consumer)
	if err != nil {
		if !core.IsNotFound(err) {
			return CatchUpResult{}, err
		}
		result.Mode = CatchUpModeBootstrap
		if err := applier.FullResync(ctx); err != nil {
			return CatchUpResult{}, fmt.Errorf("sync: bootstrap %s: %w", consumer, err)
		}
		return o.advance(ctx, result, nil)
	}
	result.From = checkpoint.Marker
	expected := checkpoint.Marker

	changes, err := o.Source.Since(ctx, o.Database, checkpoint.Marker, o.Types...)
	if err != nil {
		if !core.IsUnknownDelta(err) && !core.IsChangeLogLimitExceeded(err) {
			return CatchUpResult{}, err
		}
		o.logger().Warn("change log cannot answer delta, running full resync",
			"consumer", consumer,
			"marker", checkpoint.Marker.String(),
			"error", err.Error(),
		)
		result.Mode = CatchUpModeFullResync
		if err := applier.FullResync(ctx); err != nil {
			return CatchUpResult{}, fmt.Errorf("sync: full resync %s: %w", consumer, err)
		}
		return o.advance(ctx, result, &expected)
	}

	result.Changes = len(changes)
	if len(changes) == 0 && checkpoint.Marker.Compare(mark) >= 0 {
		result.Mode = CatchUpModeUpToDate
		result.To = checkpoint.Marker
		return result, nil
	}
	result.Mode = CatchUpModeIncremental
	if len(changes) > 0 {
		if err := applier.ApplyChanges(ctx, changes); err != nil {
			return CatchUpResult{}, fmt.Errorf("sync: apply changes for %s: %w", consumer, err)
		}
	}
	return o.advance(ctx, result, &expected)
}

func (o *Orchestrator) advance(ctx context.Context, result CatchUpResult, expected *core.LogMarker) (CatchUpResult, error) {
	_, err := o.Checkpoints.Advance(ctx, core.AdvanceCheckpointInput{
		Consumer:       result.Consumer,
		Marker:         result.To,
		ExpectedMarker: expected,
		Metadata: map[string]any{
			"mode":      string(result.Mode),
			"changes":   result.Changes,
			"from":      result.From.String(),
			"caught_up": o.now().Format(time.RFC3339Nano),
			"database":  o.Database,
		},
	})
	if err != nil {
		return CatchUpResult{}, err
	}
	o.logger().Info("consumer caught up",
		"consumer", result.Consumer,
		"mode", string(result.Mode),
		"from", result.From.String(),
		"to", result.To.String(),
		"changes", result.Changes,
	)
	return result, nil
}

// CatchUpJob runs the catch-up for the consumer named by the job's
// "consumer" parameter.
func CatchUpJob(orchestrator *Orchestrator) core.JobHandler {
	return func(ctx context.Context, msg *core.JobExecutionMessage) error {
		if orchestrator == nil {
			return core.NewConfigurationError("sync: catch-up job requires an orchestrator")
		}
		var params map[string]any
		if msg != nil {
			params = msg.Parameters
		}
		consumer := core.StringParameter(params, "consumer")
		if consumer == "" {
			return core.NewBadInputError("sync: catch-up job requires a consumer parameter")
		}
		_, err := orchestrator.CatchUpConsumer(ctx, consumer)
		return err
	}
}

func (o *Orchestrator) logger() core.Logger {
	if o == nil || o.Logger == nil {
		return glog.Nop()
	}
	return o.Logger
}

func (o *Orchestrator) now() time.Time {
	if o != nil && o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}
