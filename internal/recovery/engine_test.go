package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-gateway/internal/config"
	"realtime-gateway/internal/model"
)

func fastRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		MaxRetries:              3,
		BaseDelay:               time.Millisecond,
		MaxDelay:                8 * time.Millisecond,
		BackoffMultiplier:       2,
		SettleDelay:             time.Millisecond,
		StateCheckpointInterval: 30 * time.Second,
		CheckpointTTL:           time.Hour,
	}
}

// scriptedReconnector fails a configured number of times before
// succeeding. errs, when set, overrides the default failure error per
// call.
type scriptedReconnector struct {
	mu        sync.Mutex
	failures  int
	calls     int
	verifyErr error
	errs      []error
}

func (r *scriptedReconnector) Reconnect(_ context.Context, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return err
	}
	if r.calls <= r.failures {
		return errors.New("connection refused")
	}
	return nil
}

func (r *scriptedReconnector) Verify(_ context.Context, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verifyErr
}

func (r *scriptedReconnector) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// recordingNotifier captures status pushes in order.
type recordingNotifier struct {
	mu    sync.Mutex
	kinds []NotificationType
}

func (n *recordingNotifier) Notify(_ string, kind NotificationType, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func (n *recordingNotifier) sequence() []NotificationType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]NotificationType(nil), n.kinds...)
}

// recordingEscalations captures escalation payloads.
type recordingEscalations struct {
	mu       sync.Mutex
	payloads []model.EscalationPayload
}

func (s *recordingEscalations) Escalate(_ context.Context, p model.EscalationPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	return nil
}

func (s *recordingEscalations) all() []model.EscalationPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.EscalationPayload(nil), s.payloads...)
}

type engineFixture struct {
	engine      *Engine
	provider    *MemoryStateProvider
	checkpoints *MemoryCheckpointStore
	reconnector *scriptedReconnector
	notifier    *recordingNotifier
	escalations *recordingEscalations
	reviews     *MemoryReviewMarkerStore
}

func newFixture(t *testing.T, cfg config.RecoveryConfig, rec *scriptedReconnector) *engineFixture {
	t.Helper()
	f := &engineFixture{
		provider:    NewMemoryStateProvider(),
		checkpoints: NewMemoryCheckpointStore(),
		reconnector: rec,
		notifier:    &recordingNotifier{},
		escalations: &recordingEscalations{},
		reviews:     NewMemoryReviewMarkerStore(),
	}
	f.engine = NewEngine(cfg, f.checkpoints, f.provider, f.reconnector, f.notifier, f.escalations, f.reviews)
	f.provider.Track("s1", "student-1", "fractions")
	return f
}

func TestBackoffDelay_CappedExponential(t *testing.T) {
	t.Parallel()
	cfg := config.RecoveryConfig{
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
	e := NewEngine(cfg, NewMemoryCheckpointStore(), NewMemoryStateProvider(), nil, nil, nil, nil)

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s capped
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.BackoffDelay(tt.retry), "retry %d", tt.retry)
	}
}

func TestHandleConnectionLoss_RecoversOnFirstAttempt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastRecoveryConfig(), &scriptedReconnector{})

	f.engine.HandleConnectionLoss("s1", "student-1")
	f.engine.Wait()

	snap, ok := f.engine.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, model.PhaseStable, snap.Phase)
	assert.Zero(t, snap.RetryCount)
	assert.False(t, snap.CircuitOpen)
	assert.Equal(t, 1, snap.Metrics.Attempts)
	assert.Equal(t, 1.0, snap.Metrics.SuccessRate)
	assert.False(t, snap.Metrics.LastRecoveryAt.IsZero())

	assert.Equal(t, []NotificationType{NotificationReconnecting, NotificationRestored}, f.notifier.sequence())

	// The checkpoint was taken on loss and kept; housekeeping, not
	// restore, is responsible for expiry.
	cp, err := f.checkpoints.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "student-1", cp.Identity)
	assert.Equal(t, "fractions", cp.Topic)
}

func TestHandleConnectionLoss_RetriesThenRecovers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastRecoveryConfig(), &scriptedReconnector{failures: 2})

	f.engine.HandleConnectionLoss("s1", "student-1")
	f.engine.Wait()

	snap, _ := f.engine.Snapshot("s1")
	assert.Equal(t, model.PhaseStable, snap.Phase)
	assert.Equal(t, 3, snap.Metrics.Attempts)
	assert.InDelta(t, 1.0/3.0, snap.Metrics.SuccessRate, 1e-9)
	assert.Equal(t, 3, f.reconnector.callCount())
}

func TestHandleConnectionLoss_ExhaustionDegradesAndOpensCircuit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastRecoveryConfig(), &scriptedReconnector{failures: 100})

	f.engine.HandleConnectionLoss("s1", "student-1")
	f.engine.Wait()

	snap, _ := f.engine.Snapshot("s1")
	assert.Equal(t, model.PhaseDegraded, snap.Phase)
	assert.True(t, snap.CircuitOpen)
	assert.Equal(t, 3, snap.Metrics.Attempts)
	assert.Zero(t, snap.Metrics.SuccessRate)

	assert.Equal(t, []NotificationType{NotificationReconnecting, NotificationDegraded}, f.notifier.sequence())
	assert.Empty(t, f.escalations.all())
}

func TestHandleConnectionLoss_SecondExhaustionEscalates(t *testing.T) {
	t.Parallel()
	cfg := fastRecoveryConfig()
	f := newFixture(t, cfg, &scriptedReconnector{failures: 100})
	e := f.engine

	// First outage: degrade and open the circuit.
	e.HandleConnectionLoss("s1", "student-1")
	e.Wait()
	snap, _ := e.Snapshot("s1")
	require.Equal(t, model.PhaseDegraded, snap.Phase)

	// Pretend the cooldown has fully elapsed.
	e.now = func() time.Time { return time.Now().Add(cfg.MaxDelay*3 + time.Second) }

	// Second outage on the already-degraded session: retries run again
	// and exhaustion escalates instead of degrading twice.
	e.HandleConnectionLoss("s1", "student-1")
	e.Wait()

	snap, _ = e.Snapshot("s1")
	assert.Equal(t, model.PhaseEscalated, snap.Phase)

	payloads := f.escalations.all()
	require.Len(t, payloads, 1)
	assert.Equal(t, "s1", payloads[0].SessionID)
	assert.Equal(t, "student-1", payloads[0].Identity)
	assert.Equal(t, ReasonRetryExhausted, payloads[0].Reason)
	assert.NotEmpty(t, payloads[0].EscalationID)
	assert.Len(t, payloads[0].RetryHistory, 6)
	require.NotNil(t, payloads[0].Checkpoint)
	assert.Equal(t, "fractions", payloads[0].Checkpoint.Topic)

	marker, ok := f.reviews.Get("s1")
	require.True(t, ok)
	assert.Equal(t, payloads[0].EscalationID, marker.EscalationID)

	seq := f.notifier.sequence()
	assert.Equal(t, NotificationEscalated, seq[len(seq)-1])
}

func TestHandleConnectionLoss_CircuitBlocksRetriesDuringCooldown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastRecoveryConfig(), &scriptedReconnector{failures: 100})
	e := f.engine

	e.HandleConnectionLoss("s1", "student-1")
	e.Wait()
	callsAfterFirst := f.reconnector.callCount()
	require.Equal(t, 3, callsAfterFirst)

	// Loss during cooldown: no new retry loop starts.
	e.HandleConnectionLoss("s1", "student-1")
	e.Wait()
	assert.Equal(t, callsAfterFirst, f.reconnector.callCount())

	snap, _ := e.Snapshot("s1")
	assert.Equal(t, model.PhaseDegraded, snap.Phase)
	assert.True(t, snap.CircuitOpen)
}

func TestHandleConnectionLoss_CircuitAutoResetsAfterCooldown(t *testing.T) {
	t.Parallel()
	cfg := fastRecoveryConfig()
	f := newFixture(t, cfg, &scriptedReconnector{failures: 100})
	e := f.engine

	e.HandleConnectionLoss("s1", "student-1")
	e.Wait()
	require.Equal(t, 3, f.reconnector.callCount())

	e.now = func() time.Time { return time.Now().Add(cfg.MaxDelay*3 + time.Second) }

	e.HandleConnectionLoss("s1", "student-1")
	e.Wait()
	assert.Equal(t, 6, f.reconnector.callCount())
}

func TestHandleConnectionLoss_IgnoredWhileRecovering(t *testing.T) {
	t.Parallel()
	// A verify that blocks long enough for the duplicate signal to land
	// mid-recovery.
	cfg := fastRecoveryConfig()
	cfg.SettleDelay = 100 * time.Millisecond
	f := newFixture(t, cfg, &scriptedReconnector{})
	e := f.engine

	e.HandleConnectionLoss("s1", "student-1")
	time.Sleep(20 * time.Millisecond)
	snap, _ := e.Snapshot("s1")
	require.Equal(t, model.PhaseRecovering, snap.Phase)

	e.HandleConnectionLoss("s1", "student-1")
	e.Wait()

	// Only the original loop ran: one attempt, one reconnecting
	// notification.
	assert.Equal(t, 1, f.reconnector.callCount())
	seq := f.notifier.sequence()
	assert.Equal(t, []NotificationType{NotificationReconnecting, NotificationRestored}, seq)
}

func TestHandleConnectionLoss_CriticalErrorEscalatesImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastRecoveryConfig(), &scriptedReconnector{
		errs: []error{Critical(errors.New("auth revoked"))},
	})

	f.engine.HandleConnectionLoss("s1", "student-1")
	f.engine.Wait()

	snap, _ := f.engine.Snapshot("s1")
	assert.Equal(t, model.PhaseEscalated, snap.Phase)
	assert.Equal(t, 1, f.reconnector.callCount())

	payloads := f.escalations.all()
	require.Len(t, payloads, 1)
	assert.Equal(t, ReasonCriticalError, payloads[0].Reason)
	assert.Contains(t, payloads[0].ErrorDetail, "auth revoked")
}

func TestVerifyFailureCountsAsFailedAttempt(t *testing.T) {
	t.Parallel()
	rec := &scriptedReconnector{verifyErr: errors.New("flapping")}
	f := newFixture(t, fastRecoveryConfig(), rec)

	f.engine.HandleConnectionLoss("s1", "student-1")
	f.engine.Wait()

	snap, _ := f.engine.Snapshot("s1")
	assert.Equal(t, model.PhaseDegraded, snap.Phase)
	assert.Equal(t, 3, snap.Metrics.Attempts)
	assert.Zero(t, snap.Metrics.SuccessRate)
}

func TestManualRecover_SucceedsAndResets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastRecoveryConfig(), &scriptedReconnector{failures: 100})
	e := f.engine

	e.HandleConnectionLoss("s1", "student-1")
	e.Wait()
	snap, _ := e.Snapshot("s1")
	require.True(t, snap.CircuitOpen)

	// The tutor-triggered retry bypasses the open circuit. Allow the
	// next reconnect to succeed.
	f.reconnector.mu.Lock()
	f.reconnector.failures = 0
	f.reconnector.calls = 0
	f.reconnector.mu.Unlock()

	err := e.ManualRecover(context.Background(), "s1")
	require.NoError(t, err)

	snap, _ = e.Snapshot("s1")
	assert.Equal(t, model.PhaseStable, snap.Phase)
	assert.False(t, snap.CircuitOpen)
	assert.Zero(t, snap.RetryCount)
}

func TestManualRecover_FailureDegrades(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastRecoveryConfig(), &scriptedReconnector{failures: 100})

	err := f.engine.ManualRecover(context.Background(), "s1")
	require.Error(t, err)

	snap, _ := f.engine.Snapshot("s1")
	assert.Equal(t, model.PhaseDegraded, snap.Phase)

	seq := f.notifier.sequence()
	require.NotEmpty(t, seq)
	assert.Equal(t, NotificationDegraded, seq[len(seq)-1])
}

func TestManualRecover_CancelsInFlightRetryLoop(t *testing.T) {
	t.Parallel()
	// Long backoff so the automatic loop is parked in its wait when the
	// manual retry arrives.
	cfg := fastRecoveryConfig()
	cfg.BaseDelay = 5 * time.Second
	cfg.MaxDelay = 5 * time.Second
	f := newFixture(t, cfg, &scriptedReconnector{})
	e := f.engine

	e.HandleConnectionLoss("s1", "student-1")
	time.Sleep(20 * time.Millisecond)

	err := e.ManualRecover(context.Background(), "s1")
	require.NoError(t, err)

	// The canceled automatic loop exits without a second attempt.
	e.Wait()
	assert.Equal(t, 1, f.reconnector.callCount())

	snap, _ := e.Snapshot("s1")
	assert.Equal(t, model.PhaseStable, snap.Phase)
}

func TestEndSession_CancelsRecoveryAndDeletesCheckpoint(t *testing.T) {
	t.Parallel()
	cfg := fastRecoveryConfig()
	cfg.BaseDelay = 5 * time.Second
	cfg.MaxDelay = 5 * time.Second
	f := newFixture(t, cfg, &scriptedReconnector{})
	e := f.engine

	e.HandleConnectionLoss("s1", "student-1")
	time.Sleep(20 * time.Millisecond)
	_, err := f.checkpoints.Get(context.Background(), "s1")
	require.NoError(t, err)

	e.EndSession("s1")
	e.Wait()

	assert.Zero(t, f.reconnector.callCount())
	_, ok := e.Snapshot("s1")
	assert.False(t, ok)
	_, err = f.checkpoints.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestRestoredStateFlowsBackIntoProvider(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastRecoveryConfig(), &scriptedReconnector{})
	f.provider.SetProgress("s1", map[string]any{"problem": 7})

	f.engine.HandleConnectionLoss("s1", "student-1")
	f.engine.Wait()

	cp, err := f.provider.GetState(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 7, cp.Progress["problem"])
	assert.Equal(t, "fractions", cp.Topic)
}

func TestSweepCheckpoints(t *testing.T) {
	t.Parallel()
	cfg := fastRecoveryConfig()
	f := newFixture(t, cfg, &scriptedReconnector{})
	e := f.engine

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	ctx := context.Background()
	f.provider.Track("s-fresh", "student-2", "limits")
	f.provider.Track("s-stale", "student-3", "series")

	require.NoError(t, f.checkpoints.Put(ctx, model.SessionCheckpoint{SessionID: "s-fresh", Timestamp: base.Add(-40 * time.Second)}))
	require.NoError(t, f.checkpoints.Put(ctx, model.SessionCheckpoint{SessionID: "s-stale", Timestamp: base.Add(-2 * time.Minute)}))
	require.NoError(t, f.checkpoints.Put(ctx, model.SessionCheckpoint{SessionID: "s-dead", Timestamp: base.Add(-2 * time.Hour)}))

	e.SweepCheckpoints(ctx)

	// Fresh (40s < 2x the 30s interval): untouched.
	cp, err := f.checkpoints.Get(ctx, "s-fresh")
	require.NoError(t, err)
	assert.Equal(t, base.Add(-40*time.Second), cp.Timestamp)

	// Stale but healthy: refreshed from the provider.
	cp, err = f.checkpoints.Get(ctx, "s-stale")
	require.NoError(t, err)
	assert.Equal(t, base, cp.Timestamp)
	assert.Equal(t, "series", cp.Topic)

	// Past the TTL: deleted.
	_, err = f.checkpoints.Get(ctx, "s-dead")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestSweepCheckpoints_SkipsRefreshWhileRecovering(t *testing.T) {
	t.Parallel()
	cfg := fastRecoveryConfig()
	cfg.BaseDelay = 5 * time.Second
	cfg.MaxDelay = 5 * time.Second
	f := newFixture(t, cfg, &scriptedReconnector{})
	e := f.engine

	e.HandleConnectionLoss("s1", "student-1")
	time.Sleep(20 * time.Millisecond)

	ctx := context.Background()
	cp, err := f.checkpoints.Get(ctx, "s1")
	require.NoError(t, err)
	taken := cp.Timestamp

	// Make the checkpoint look stale, then sweep: a recovering session
	// must not be refreshed over its loss-time snapshot.
	cp.Timestamp = taken.Add(-5 * time.Minute)
	require.NoError(t, f.checkpoints.Put(ctx, *cp))
	e.SweepCheckpoints(ctx)

	after, err := f.checkpoints.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, taken.Add(-5*time.Minute), after.Timestamp)

	e.EndSession("s1")
	e.Wait()
}

func TestSnapshot_UnknownSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastRecoveryConfig(), &scriptedReconnector{})
	_, ok := f.engine.Snapshot("nope")
	assert.False(t, ok)
}
