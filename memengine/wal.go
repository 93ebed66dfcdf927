package memengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/goliatone/go-entities/core"
)

const defaultSegmentSize = 64

type walEntry struct {
	marker   int64
	txID     string
	locators []core.RecordLocator
	tracked  bool
}

type segment struct {
	entries []walEntry
}

func (s *segment) last() int64 {
	return s.entries[len(s.entries)-1].marker
}

// Log is a segmented write-ahead log of committed transactions. Markers are
// transaction sequence numbers; marker 0 is the empty log.
type Log struct {
	snapshot *sync.RWMutex

	mu           sync.Mutex
	segments     []*segment
	position     int64
	floor        int64
	segmentSize  int
	retained     int
	tracking     bool
	trackedSince int64
	pins         map[uint64]int64
	nextPin      uint64
}

func newLog(snapshot *sync.RWMutex) *Log {
	return &Log{
		snapshot:    snapshot,
		segmentSize: defaultSegmentSize,
		retained:    -1,
		tracking:    true,
		pins:        map[uint64]int64{},
	}
}

func (l *Log) End(ctx context.Context) (core.LogMarker, error) {
	if err := ctx.Err(); err != nil {
		return core.LogMarker{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return core.NewLogMarker(l.position), nil
}

// Floor is the oldest marker a scan can still start from.
func (l *Log) Floor() core.LogMarker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return core.NewLogMarker(l.floor)
}

func (l *Log) Segments() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.segments)
}

func (l *Log) Pins() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pins)
}

// SetLocatorTracking toggles recording of changed locators. Transactions
// committed while tracking is off can never be scanned.
func (l *Log) SetLocatorTracking(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setTrackingLocked(enabled)
}

func (l *Log) setTrackingLocked(enabled bool) {
	if enabled && !l.tracking {
		l.trackedSince = l.position
	}
	l.tracking = enabled
}

func (l *Log) Pin(ctx context.Context, from core.LogMarker) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkReadableLocked(from.Position()); err != nil {
		return nil, err
	}
	id := l.nextPin
	l.nextPin++
	l.pins[id] = from.Position()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.pins, id)
		})
	}, nil
}

func (l *Log) Scan(
	ctx context.Context,
	from core.LogMarker,
	to core.LogMarker,
	fn func(core.LoggedTransaction) error,
) error {
	l.snapshot.RLock()
	defer l.snapshot.RUnlock()

	l.mu.Lock()
	if err := l.checkReadableLocked(from.Position()); err != nil {
		l.mu.Unlock()
		return err
	}
	var entries []walEntry
	for _, seg := range l.segments {
		for _, entry := range seg.entries {
			if entry.marker > from.Position() && entry.marker <= to.Position() {
				entries = append(entries, entry)
			}
		}
	}
	l.mu.Unlock()

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.tracked {
			return fmt.Errorf("memengine: transaction %d: %w", entry.marker, core.ErrLocatorTrackingDisabled)
		}
		if err := fn(core.LoggedTransaction{
			TxID:     entry.txID,
			Marker:   core.NewLogMarker(entry.marker),
			Locators: append([]core.RecordLocator(nil), entry.locators...),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Reclaim drops old segments whose transactions are all at or before upTo
// and not held by a pin. The open segment is never dropped. It returns the
// number of segments dropped.
func (l *Log) Reclaim(upTo core.LogMarker) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reclaimLocked(upTo.Position(), len(l.segments))
}

func (l *Log) checkReadableLocked(from int64) error {
	if from < l.floor {
		return fmt.Errorf("memengine: marker %d precedes log floor %d: %w", from, l.floor, core.ErrLogTruncated)
	}
	if !l.tracking || from < l.trackedSince {
		return fmt.Errorf("memengine: marker %d: %w", from, core.ErrLocatorTrackingDisabled)
	}
	if from > l.position {
		return fmt.Errorf("memengine: marker %d is past the log end %d", from, l.position)
	}
	return nil
}

// append records a committed transaction. Callers hold the snapshot lock.
func (l *Log) append(txID string, locators []core.RecordLocator) core.LogMarker {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.position++
	entry := walEntry{marker: l.position, txID: txID, tracked: l.tracking}
	if l.tracking {
		entry.locators = append([]core.RecordLocator(nil), locators...)
	}
	if len(l.segments) == 0 || len(l.segments[len(l.segments)-1].entries) >= l.segmentSize {
		l.segments = append(l.segments, &segment{})
	}
	current := l.segments[len(l.segments)-1]
	current.entries = append(current.entries, entry)

	if l.retained >= 0 {
		sealed := len(l.segments) - 1
		if excess := sealed - l.retained; excess > 0 {
			l.reclaimLocked(l.position, excess)
		}
	}
	return core.NewLogMarker(l.position)
}

func (l *Log) reclaimLocked(upTo int64, limit int) int {
	for _, pinned := range l.pins {
		if pinned < upTo {
			upTo = pinned
		}
	}
	dropped := 0
	for dropped < limit && len(l.segments) > 1 {
		oldest := l.segments[0]
		if oldest.last() > upTo {
			break
		}
		l.floor = oldest.last()
		l.segments = l.segments[1:]
		dropped++
	}
	return dropped
}
