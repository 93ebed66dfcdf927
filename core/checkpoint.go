package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryCheckpointStore keeps consumer markers in process memory.
type MemoryCheckpointStore struct {
	mu      sync.Mutex
	records map[string]Checkpoint
	now     func() time.Time
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		records: map[string]Checkpoint{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Get returns a not-found error for a consumer that never advanced.
func (s *MemoryCheckpointStore) Get(_ context.Context, consumer string) (Checkpoint, error) {
	if s == nil {
		return Checkpoint{}, NewConfigurationError("core: checkpoint store is not configured")
	}
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return Checkpoint{}, NewBadInputError("core: checkpoint consumer is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[consumer]
	if !ok {
		return Checkpoint{}, NewNotFoundError(fmt.Sprintf("core: no checkpoint for consumer %q", consumer))
	}
	return cloneCheckpoint(record), nil
}

func (s *MemoryCheckpointStore) Advance(_ context.Context, in AdvanceCheckpointInput) (Checkpoint, error) {
	if s == nil {
		return Checkpoint{}, NewConfigurationError("core: checkpoint store is not configured")
	}
	in.Consumer = strings.TrimSpace(in.Consumer)
	if in.Consumer == "" {
		return Checkpoint{}, NewBadInputError("core: checkpoint consumer is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[in.Consumer]
	if in.ExpectedMarker != nil {
		if !ok || record.Marker.Compare(*in.ExpectedMarker) != 0 {
			return Checkpoint{}, ErrCheckpointConflict
		}
	}
	record = Checkpoint{
		Consumer:  in.Consumer,
		Marker:    in.Marker,
		Metadata:  cloneValueMap(in.Metadata),
		UpdatedAt: s.now(),
	}
	s.records[in.Consumer] = record
	return cloneCheckpoint(record), nil
}

func cloneCheckpoint(in Checkpoint) Checkpoint {
	out := in
	out.Metadata = cloneValueMap(in.Metadata)
	return out
}
