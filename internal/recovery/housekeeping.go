package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"realtime-gateway/internal/model"
	"realtime-gateway/internal/util"
)

// RunHousekeeping sweeps checkpoints on a fixed interval until ctx is
// canceled: stale checkpoints are refreshed for healthy sessions and
// checkpoints past the TTL are deleted. The sweep works on its own
// snapshot of the store and never blocks the recovery paths.
func (e *Engine) RunHousekeeping(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.StateCheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepCheckpoints(ctx)
		}
	}
}

// SweepCheckpoints performs one housekeeping pass. Exposed so the sweep
// is testable without timers.
func (e *Engine) SweepCheckpoints(ctx context.Context) {
	now := e.now()

	checkpoints, err := e.checkpoints.All(ctx)
	if err != nil {
		util.Warn("checkpoint sweep failed to list checkpoints", zap.Error(err))
		return
	}

	refreshed, deleted := 0, 0
	for _, cp := range checkpoints {
		age := now.Sub(cp.Timestamp)

		if age >= e.cfg.CheckpointTTL {
			if err := e.checkpoints.Delete(ctx, cp.SessionID); err != nil {
				util.Warn("failed to delete stale checkpoint",
					zap.String("session_id", cp.SessionID),
					zap.Error(err))
				continue
			}
			deleted++
			continue
		}

		if age >= 2*e.cfg.StateCheckpointInterval && e.isHealthy(cp.SessionID) {
			fresh, err := e.provider.GetState(ctx, cp.SessionID)
			if err != nil {
				util.Debug("checkpoint refresh skipped, session state unavailable",
					zap.String("session_id", cp.SessionID),
					zap.Error(err))
				continue
			}
			fresh.SessionID = cp.SessionID
			fresh.Timestamp = now
			if err := e.checkpoints.Put(ctx, *fresh); err != nil {
				util.Warn("failed to refresh checkpoint",
					zap.String("session_id", cp.SessionID),
					zap.Error(err))
				continue
			}
			refreshed++
		}
	}

	if refreshed > 0 || deleted > 0 {
		util.Debug("checkpoint sweep completed",
			zap.Int("refreshed", refreshed),
			zap.Int("deleted", deleted))
	}
}

// isHealthy reports whether a session is not mid-recovery. Unknown
// sessions count as healthy; they simply have no recovery state yet.
func (e *Engine) isHealthy(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.sessions[sessionID]
	if !ok {
		return true
	}
	return state.phase == model.PhaseStable
}
