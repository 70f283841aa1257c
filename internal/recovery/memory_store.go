package recovery

import (
	"context"
	"sync"

	"realtime-gateway/internal/model"
)

// MemoryCheckpointStore is the default, process-local checkpoint store.
// A redis-backed implementation can be swapped in for multi-instance
// deployments.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]model.SessionCheckpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]model.SessionCheckpoint)}
}

func (s *MemoryCheckpointStore) Put(_ context.Context, checkpoint model.SessionCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.SessionID] = checkpoint
	return nil
}

func (s *MemoryCheckpointStore) Get(_ context.Context, sessionID string) (*model.SessionCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[sessionID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	out := cp
	return &out, nil
}

func (s *MemoryCheckpointStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, sessionID)
	return nil
}

func (s *MemoryCheckpointStore) All(_ context.Context) ([]model.SessionCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SessionCheckpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, cp)
	}
	return out, nil
}

// MemoryReviewMarkerStore keeps review markers in process memory. Used
// when no durable store is configured.
type MemoryReviewMarkerStore struct {
	mu      sync.RWMutex
	markers map[string]model.ReviewMarker
}

func NewMemoryReviewMarkerStore() *MemoryReviewMarkerStore {
	return &MemoryReviewMarkerStore{markers: make(map[string]model.ReviewMarker)}
}

func (s *MemoryReviewMarkerStore) Put(_ context.Context, marker model.ReviewMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[marker.SessionID] = marker
	return nil
}

func (s *MemoryReviewMarkerStore) Get(sessionID string) (model.ReviewMarker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[sessionID]
	return m, ok
}
