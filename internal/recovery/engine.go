// Package recovery detects connection loss, checkpoints session state,
// retries reconnection with capped exponential backoff, trips a circuit
// breaker under repeated failure and degrades or escalates sessions that
// cannot be restored.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realtime-gateway/internal/config"
	"realtime-gateway/internal/model"
	"realtime-gateway/internal/util"
)

// NotificationType labels user-facing status pushes.
type NotificationType string

const (
	NotificationReconnecting NotificationType = "reconnecting"
	NotificationRestored     NotificationType = "restored"
	NotificationDegraded     NotificationType = "degraded_mode"
	NotificationEscalated    NotificationType = "support_notified"
)

// Reason codes attached to degraded/escalated notifications.
const (
	ReasonRetryExhausted    = "RETRY_EXHAUSTED"
	ReasonCircuitOpen       = "CIRCUIT_OPEN"
	ReasonCriticalError     = "CRITICAL_ERROR"
	ReasonManualRetryFailed = "MANUAL_RETRY_FAILED"
)

// SessionStateProvider snapshots and restores live session state.
type SessionStateProvider interface {
	GetState(ctx context.Context, sessionID string) (*model.SessionCheckpoint, error)
	RestoreState(ctx context.Context, checkpoint *model.SessionCheckpoint) error
}

// Reconnector attempts to re-establish the underlying transport for a
// session. Verify is called after the settling wait and must confirm
// sustained responsiveness.
type Reconnector interface {
	Reconnect(ctx context.Context, sessionID string) error
	Verify(ctx context.Context, sessionID string) error
}

// NotificationSink delivers user-facing connection status updates.
type NotificationSink interface {
	Notify(sessionID string, kind NotificationType, payload map[string]any)
}

// EscalationSink hands unrecoverable sessions to a human-facing channel.
type EscalationSink interface {
	Escalate(ctx context.Context, payload model.EscalationPayload) error
}

// ReviewMarkerStore persists needs-review markers for escalated
// sessions.
type ReviewMarkerStore interface {
	Put(ctx context.Context, marker model.ReviewMarker) error
}

// CheckpointStore holds session checkpoints keyed by session ID.
type CheckpointStore interface {
	Put(ctx context.Context, checkpoint model.SessionCheckpoint) error
	Get(ctx context.Context, sessionID string) (*model.SessionCheckpoint, error)
	Delete(ctx context.Context, sessionID string) error
	All(ctx context.Context) ([]model.SessionCheckpoint, error)
}

// ErrCheckpointNotFound is returned by stores when no checkpoint exists
// for a session.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

type criticalError struct{ err error }

func (e *criticalError) Error() string { return "critical: " + e.err.Error() }
func (e *criticalError) Unwrap() error { return e.err }

// Critical marks an error as fatal for recovery purposes: it bypasses
// remaining retries and escalates immediately.
func Critical(err error) error {
	if err == nil {
		return nil
	}
	return &criticalError{err: err}
}

// IsCritical reports whether err carries the critical marker.
func IsCritical(err error) bool {
	var ce *criticalError
	return errors.As(err, &ce)
}

type sessionState struct {
	sessionID       string
	identity        string
	phase           model.SessionPhase
	retryCount      int
	circuitOpen     bool
	circuitOpenedAt time.Time
	metrics         model.RecoveryMetrics
	history         []model.RetryAttempt

	// cancel stops the in-flight retry loop; nil when none is running.
	cancel context.CancelFunc
}

// Engine is the per-process session recovery coordinator. It owns
// checkpoints and recovery state exclusively.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	cfg         config.RecoveryConfig
	checkpoints CheckpointStore
	provider    SessionStateProvider
	reconnector Reconnector
	notifier    NotificationSink
	escalations EscalationSink
	reviews     ReviewMarkerStore

	now func() time.Time
	wg  sync.WaitGroup
}

func NewEngine(
	cfg config.RecoveryConfig,
	checkpoints CheckpointStore,
	provider SessionStateProvider,
	reconnector Reconnector,
	notifier NotificationSink,
	escalations EscalationSink,
	reviews ReviewMarkerStore,
) *Engine {
	return &Engine{
		sessions:    make(map[string]*sessionState),
		cfg:         cfg,
		checkpoints: checkpoints,
		provider:    provider,
		reconnector: reconnector,
		notifier:    notifier,
		escalations: escalations,
		reviews:     reviews,
		now:         time.Now,
	}
}

// BackoffDelay returns the wait before the given attempt number,
// min(baseDelay * multiplier^retryCount, maxDelay).
func (e *Engine) BackoffDelay(retryCount int) time.Duration {
	delay := float64(e.cfg.BaseDelay) * math.Pow(e.cfg.BackoffMultiplier, float64(retryCount))
	if capped := float64(e.cfg.MaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// circuitCooldown is how long an open circuit stays open before it
// auto-resets.
func (e *Engine) circuitCooldown() time.Duration {
	return e.cfg.MaxDelay * 3
}

// HandleConnectionLoss moves a session from STABLE to RECOVERING:
// checkpoint immediately, notify the user, and start the cancellable
// retry loop. A loss signal while already recovering is ignored; a loss
// while the circuit is open and still cooling down stays degraded.
func (e *Engine) HandleConnectionLoss(sessionID, identityRef string) {
	now := e.now()

	e.mu.Lock()
	state := e.sessionLocked(sessionID)
	if identityRef != "" {
		state.identity = identityRef
	}
	if state.phase == model.PhaseRecovering {
		e.mu.Unlock()
		return
	}
	if state.circuitOpen {
		if now.Sub(state.circuitOpenedAt) >= e.circuitCooldown() {
			state.circuitOpen = false
			state.circuitOpenedAt = time.Time{}
			state.retryCount = 0
		} else {
			e.mu.Unlock()
			util.Warn("connection loss while circuit open, staying degraded",
				zap.String("session_id", sessionID))
			return
		}
	}
	wasDegraded := state.phase == model.PhaseDegraded
	state.phase = model.PhaseRecovering

	ctx, cancel := context.WithCancel(context.Background())
	state.cancel = cancel
	e.mu.Unlock()

	e.checkpoint(sessionID)
	e.notifier.Notify(sessionID, NotificationReconnecting, map[string]any{
		"session_id": sessionID,
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runRecovery(ctx, sessionID, wasDegraded)
	}()
}

// checkpoint snapshots the session through the state provider. Failure
// to snapshot is not fatal; a previous checkpoint may still exist.
func (e *Engine) checkpoint(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cp, err := e.provider.GetState(ctx, sessionID)
	if err != nil {
		util.Warn("failed to snapshot session state",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	cp.SessionID = sessionID
	cp.Timestamp = e.now()
	if err := e.checkpoints.Put(ctx, *cp); err != nil {
		util.Error("failed to store checkpoint",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// runRecovery drives the retry loop. An explicit loop with a cancellable
// timer wait, so session termination cleanly stops in-flight retries.
func (e *Engine) runRecovery(ctx context.Context, sessionID string, wasDegraded bool) {
	for {
		e.mu.Lock()
		state := e.sessionLocked(sessionID)
		if state.phase != model.PhaseRecovering {
			e.mu.Unlock()
			return
		}
		retry := state.retryCount
		e.mu.Unlock()

		if retry >= e.cfg.MaxRetries {
			e.exhausted(sessionID, wasDegraded)
			return
		}

		delay := e.BackoffDelay(retry)
		if !e.wait(ctx, delay) {
			return
		}

		err := e.attempt(ctx, sessionID, retry, delay)
		if err == nil {
			e.restored(sessionID)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if IsCritical(err) {
			e.escalate(sessionID, ReasonCriticalError, err)
			return
		}

		e.mu.Lock()
		e.sessionLocked(sessionID).retryCount++
		e.mu.Unlock()
	}
}

// attempt performs one reconnection plus the settling verification, and
// records the outcome in history and metrics.
func (e *Engine) attempt(ctx context.Context, sessionID string, retry int, delay time.Duration) error {
	err := e.reconnector.Reconnect(ctx, sessionID)
	if err == nil {
		// Settling window: the transport must stay responsive.
		if e.wait(ctx, e.cfg.SettleDelay) {
			err = e.reconnector.Verify(ctx, sessionID)
		} else {
			err = ctx.Err()
		}
	}

	now := e.now()
	attempt := model.RetryAttempt{
		Attempt:   retry + 1,
		Delay:     delay,
		Succeeded: err == nil,
		At:        now,
	}
	if err != nil {
		attempt.Error = err.Error()
	}

	e.mu.Lock()
	state := e.sessionLocked(sessionID)
	state.history = append(state.history, attempt)
	n := state.metrics.Attempts + 1
	outcome := 0.0
	if err == nil {
		outcome = 1.0
	}
	state.metrics.SuccessRate = (state.metrics.SuccessRate*float64(n-1) + outcome) / float64(n)
	state.metrics.Attempts = n
	e.mu.Unlock()

	if err != nil {
		util.Warn("reconnection attempt failed",
			zap.String("session_id", sessionID),
			zap.Int("attempt", retry+1),
			zap.Error(err))
	}
	return err
}

// restored finalizes a successful recovery: checkpointed state goes back
// into the live session, retry state resets, the circuit closes.
func (e *Engine) restored(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if cp, err := e.checkpoints.Get(ctx, sessionID); err == nil {
		if err := e.provider.RestoreState(ctx, cp); err != nil {
			util.Error("failed to restore checkpointed state",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	} else if !errors.Is(err, ErrCheckpointNotFound) {
		util.Warn("checkpoint lookup failed during restore",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	now := e.now()
	e.mu.Lock()
	state := e.sessionLocked(sessionID)
	state.phase = model.PhaseStable
	state.retryCount = 0
	state.circuitOpen = false
	state.circuitOpenedAt = time.Time{}
	state.metrics.LastRecoveryAt = now
	state.cancel = nil
	e.mu.Unlock()

	util.Info("session recovered", zap.String("session_id", sessionID))
	e.notifier.Notify(sessionID, NotificationRestored, map[string]any{
		"session_id": sessionID,
	})
}

// exhausted handles retry exhaustion: the circuit opens and the session
// degrades, or escalates if it was already degraded.
func (e *Engine) exhausted(sessionID string, wasDegraded bool) {
	if wasDegraded {
		e.escalate(sessionID, ReasonRetryExhausted, fmt.Errorf("retries exhausted while degraded"))
		return
	}

	now := e.now()
	e.mu.Lock()
	state := e.sessionLocked(sessionID)
	state.circuitOpen = true
	state.circuitOpenedAt = now
	state.phase = model.PhaseDegraded
	state.cancel = nil
	e.mu.Unlock()

	util.Warn("recovery exhausted, session degraded",
		zap.String("session_id", sessionID),
		zap.Int("max_retries", e.cfg.MaxRetries))
	e.notifier.Notify(sessionID, NotificationDegraded, map[string]any{
		"session_id": sessionID,
		"reason":     ReasonRetryExhausted,
		"mode":       "text_only",
	})
}

// escalate packages checkpoint, retry history and error detail for the
// human-intervention sink and persists a needs-review marker.
func (e *Engine) escalate(sessionID, reason string, cause error) {
	now := e.now()

	e.mu.Lock()
	state := e.sessionLocked(sessionID)
	state.phase = model.PhaseEscalated
	state.cancel = nil
	history := append([]model.RetryAttempt(nil), state.history...)
	identityRef := state.identity
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := model.EscalationPayload{
		EscalationID: uuid.New().String(),
		SessionID:    sessionID,
		Identity:     identityRef,
		Reason:       reason,
		RetryHistory: history,
		EscalatedAt:  now,
	}
	if cause != nil {
		payload.ErrorDetail = cause.Error()
	}
	if cp, err := e.checkpoints.Get(ctx, sessionID); err == nil {
		payload.Checkpoint = cp
	}

	if err := e.escalations.Escalate(ctx, payload); err != nil {
		util.Error("escalation delivery failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	if err := e.reviews.Put(ctx, model.ReviewMarker{
		SessionID:    sessionID,
		EscalationID: payload.EscalationID,
		Identity:     identityRef,
		Reason:       reason,
		CreatedAt:    now,
	}); err != nil {
		util.Error("failed to persist review marker",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	util.Error("session escalated",
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
		zap.Error(cause))
	e.notifier.Notify(sessionID, NotificationEscalated, map[string]any{
		"session_id":    sessionID,
		"reason":        reason,
		"escalation_id": payload.EscalationID,
	})
}

// ManualRecover clears circuit and retry state and performs one
// immediate reconnection attempt, bypassing backoff. Any in-flight
// automatic retry loop is canceled first so the two never race.
func (e *Engine) ManualRecover(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	state := e.sessionLocked(sessionID)
	if state.cancel != nil {
		state.cancel()
		state.cancel = nil
	}
	state.circuitOpen = false
	state.circuitOpenedAt = time.Time{}
	state.retryCount = 0
	state.phase = model.PhaseRecovering
	e.mu.Unlock()

	err := e.attempt(ctx, sessionID, 0, 0)
	if err == nil {
		e.restored(sessionID)
		return nil
	}

	e.mu.Lock()
	e.sessionLocked(sessionID).phase = model.PhaseDegraded
	e.mu.Unlock()

	e.notifier.Notify(sessionID, NotificationDegraded, map[string]any{
		"session_id": sessionID,
		"reason":     ReasonManualRetryFailed,
	})
	return fmt.Errorf("manual recovery failed: %w", err)
}

// EndSession cancels any pending recovery work for a session and deletes
// its checkpoint and recovery state.
func (e *Engine) EndSession(sessionID string) {
	e.mu.Lock()
	if state, ok := e.sessions[sessionID]; ok {
		if state.cancel != nil {
			state.cancel()
		}
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.checkpoints.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrCheckpointNotFound) {
		util.Warn("failed to delete checkpoint",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// Snapshot returns a read-only view of a session's recovery state.
func (e *Engine) Snapshot(sessionID string) (model.RecoverySnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.sessions[sessionID]
	if !ok {
		return model.RecoverySnapshot{}, false
	}
	return model.RecoverySnapshot{
		SessionID:       sessionID,
		Phase:           state.phase,
		RetryCount:      state.retryCount,
		CircuitOpen:     state.circuitOpen,
		CircuitOpenedAt: state.circuitOpenedAt,
		Metrics:         state.metrics,
	}, true
}

// sessionLocked returns the state entry for a session, creating a STABLE
// one if absent. Caller holds e.mu.
func (e *Engine) sessionLocked(sessionID string) *sessionState {
	state, ok := e.sessions[sessionID]
	if !ok {
		state = &sessionState{sessionID: sessionID, phase: model.PhaseStable}
		e.sessions[sessionID] = state
	}
	return state
}

// wait blocks for d or until ctx is canceled. Returns false on cancel.
func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Wait blocks until all in-flight recovery goroutines finish. Test and
// shutdown helper.
func (e *Engine) Wait() {
	e.wg.Wait()
}
