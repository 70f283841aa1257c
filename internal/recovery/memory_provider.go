package recovery

import (
	"context"
	"sync"
	"time"

	"realtime-gateway/internal/model"
)

// MemoryStateProvider tracks live session state in process memory. It
// is updated by the transport layer as session and transcription
// traffic flows, and snapshotted by the engine on connection loss.
type MemoryStateProvider struct {
	mu       sync.RWMutex
	sessions map[string]*model.SessionCheckpoint
	now      func() time.Time
}

func NewMemoryStateProvider() *MemoryStateProvider {
	return &MemoryStateProvider{
		sessions: make(map[string]*model.SessionCheckpoint),
		now:      time.Now,
	}
}

// Track registers a session when it starts. Calling Track for an
// already-tracked session only refreshes the identity binding.
func (p *MemoryStateProvider) Track(sessionID, identity, topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.sessions[sessionID]; ok {
		existing.Identity = identity
		if topic != "" {
			existing.Topic = topic
		}
		return
	}
	p.sessions[sessionID] = &model.SessionCheckpoint{
		SessionID:              sessionID,
		Identity:               identity,
		Topic:                  topic,
		Progress:               make(map[string]any),
		LastStableConnectionAt: p.now(),
	}
}

// SetProgress merges the given keys into the session's progress map.
func (p *MemoryStateProvider) SetProgress(sessionID string, progress map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.sessions[sessionID]
	if !ok {
		return
	}
	for k, v := range progress {
		state.Progress[k] = v
	}
}

// SetQuality records the latest transport quality observation.
func (p *MemoryStateProvider) SetQuality(sessionID string, quality model.ConnectionQuality) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.sessions[sessionID]
	if !ok {
		return
	}
	state.ConnectionState = quality
	state.LastStableConnectionAt = p.now()
}

// Forget discards state for an ended session.
func (p *MemoryStateProvider) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
}

func (p *MemoryStateProvider) GetState(_ context.Context, sessionID string) (*model.SessionCheckpoint, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.sessions[sessionID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	snapshot := *state
	snapshot.Progress = make(map[string]any, len(state.Progress))
	for k, v := range state.Progress {
		snapshot.Progress[k] = v
	}
	snapshot.Timestamp = p.now()
	return &snapshot, nil
}

func (p *MemoryStateProvider) RestoreState(_ context.Context, checkpoint *model.SessionCheckpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	restored := *checkpoint
	if restored.Progress == nil {
		restored.Progress = make(map[string]any)
	}
	p.sessions[checkpoint.SessionID] = &restored
	return nil
}
