package core

import (
	"context"
	"fmt"
	"time"
)

// ChangeLog answers "which records changed since a marker" from the engine
// write-ahead log, restricted to the adapters it was built with.
type ChangeLog struct {
	log     WriteAheadLog
	index   map[int32]Adapter
	limit   int
	logger  Logger
	metrics MetricsRecorder
}

type ChangeLogOption func(*ChangeLog)

func WithChangeLogLimit(limit int) ChangeLogOption {
	return func(c *ChangeLog) {
		c.limit = limit
	}
}

func WithChangeLogLogger(logger Logger) ChangeLogOption {
	return func(c *ChangeLog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithChangeLogMetrics(recorder MetricsRecorder) ChangeLogOption {
	return func(c *ChangeLog) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

// NewChangeLog indexes the clusters every adapter registered on the engine's
// database. Adapters must already be registered.
func NewChangeLog(engine Engine, adapters []Adapter, opts ...ChangeLogOption) (*ChangeLog, error) {
	if engine == nil {
		return nil, NewConfigurationError("core: change log engine is required")
	}
	log := engine.Log()
	if log == nil {
		return nil, NewConfigurationError(fmt.Sprintf("core: engine %q exposes no write-ahead log", engine.Name()))
	}
	index := map[int32]Adapter{}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		info, ok := adapter.Registration(engine.Name())
		if !ok {
			return nil, NewConfigurationError(
				fmt.Sprintf("core: adapter %q is not registered for database %q", adapter.TypeName(), engine.Name()),
			)
		}
		for _, cluster := range info.ClusterIDs {
			if owner, exists := index[cluster]; exists && owner.TypeName() != adapter.TypeName() {
				return nil, NewConfigurationError(
					fmt.Sprintf("core: cluster %d is claimed by %q and %q", cluster, owner.TypeName(), adapter.TypeName()),
				)
			}
			index[cluster] = adapter
		}
	}

	changeLog := &ChangeLog{
		log:     log,
		index:   index,
		metrics: NopMetricsRecorder{},
	}
	_, changeLog.logger = resolveLogger(nil, nil)
	for _, opt := range opts {
		if opt != nil {
			opt(changeLog)
		}
	}
	if changeLog.limit < 0 {
		return nil, NewConfigurationError("core: change log result limit must not be negative")
	}
	return changeLog, nil
}

func (c *ChangeLog) Mark(ctx context.Context) (LogMarker, error) {
	if c == nil || c.log == nil {
		return LogMarker{}, NewConfigurationError("core: change log is not configured")
	}
	return c.log.End(ctx)
}

// Since returns the changed locators of indexed types committed after marker.
// It fails with an unknown-delta error whenever the log cannot prove the
// answer, and with a limit error when more than the configured number of
// records changed.
func (c *ChangeLog) Since(ctx context.Context, marker LogMarker) (result map[RecordLocator]Adapter, err error) {
	if c == nil || c.log == nil {
		return nil, NewConfigurationError("core: change log is not configured")
	}
	startedAt := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
			c.logger.Warn("change log scan failed", "marker", marker.String(), "error", err.Error())
		}
		tags := map[string]string{"status": status}
		c.metrics.IncCounter(ctx, "entities.changelog.since.total", 1, tags)
		c.metrics.ObserveHistogram(ctx, "entities.changelog.since.duration_ms", float64(time.Since(startedAt).Milliseconds()), tags)
	}()

	end, err := c.log.End(ctx)
	if err != nil {
		return nil, NewUnknownDeltaError(marker, err)
	}
	switch marker.Compare(end) {
	case 0:
		return map[RecordLocator]Adapter{}, nil
	case 1:
		return nil, NewUnknownDeltaError(marker, fmt.Errorf("core: marker is past the end of the log at %s", end))
	}

	release, err := c.log.Pin(ctx, marker)
	if err != nil {
		return nil, NewUnknownDeltaError(marker, err)
	}
	defer release()

	result = map[RecordLocator]Adapter{}
	scanErr := c.scan(ctx, marker, end, func(tx LoggedTransaction) error {
		for _, locator := range tx.Locators {
			adapter, ok := c.index[locator.Cluster]
			if !ok {
				continue
			}
			if _, seen := result[locator]; seen {
				continue
			}
			if c.limit > 0 && len(result) >= c.limit {
				return NewChangeLogLimitError(c.limit)
			}
			result[locator] = adapter
		}
		return nil
	})
	if scanErr != nil {
		if IsChangeLogLimitExceeded(scanErr) {
			return nil, scanErr
		}
		return nil, NewUnknownDeltaError(marker, scanErr)
	}
	return result, nil
}

func (c *ChangeLog) scan(ctx context.Context, from LogMarker, to LogMarker, fn func(LoggedTransaction) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("core: write-ahead log read panicked: %v", recovered)
		}
	}()
	return c.log.Scan(ctx, from, to, fn)
}
