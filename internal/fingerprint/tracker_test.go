package fingerprint

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-gateway/internal/model"
	"realtime-gateway/internal/seclog"
)

func newTestTracker(t *testing.T) (*Tracker, *seclog.Log, *time.Time) {
	t.Helper()
	log := seclog.New(100)
	tr := NewTracker(log, 5, time.Hour)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, log, &now
}

func TestFingerprint_Deterministic(t *testing.T) {
	t.Parallel()
	tr, _, _ := newTestTracker(t)

	meta := Metadata{Origin: "https://app.example.com", ClientSignature: "Mozilla/5.0", Protocol: "v1.tutoring"}

	first := tr.Fingerprint(meta)
	second := tr.Fingerprint(meta)

	assert.Equal(t, first, second)
	assert.Len(t, first, 16)
}

func TestFingerprint_SensitiveToEachField(t *testing.T) {
	t.Parallel()
	tr, _, _ := newTestTracker(t)

	base := Metadata{Origin: "https://a.com", ClientSignature: "ua", Protocol: "p"}
	fp := tr.Fingerprint(base)

	variants := []Metadata{
		{Origin: "https://b.com", ClientSignature: "ua", Protocol: "p"},
		{Origin: "https://a.com", ClientSignature: "other", Protocol: "p"},
		{Origin: "https://a.com", ClientSignature: "ua", Protocol: "q"},
	}
	for _, v := range variants {
		assert.NotEqual(t, fp, tr.Fingerprint(v), "metadata %+v should produce a distinct fingerprint", v)
	}

	// Field boundaries matter: shifting a character across the
	// separator changes the digest.
	a := tr.Fingerprint(Metadata{Origin: "ab", ClientSignature: "c"})
	b := tr.Fingerprint(Metadata{Origin: "a", ClientSignature: "bc"})
	assert.NotEqual(t, a, b)
}

func TestRecordAttempt_NormalRateStaysQuiet(t *testing.T) {
	t.Parallel()
	tr, log, now := newTestTracker(t)

	// Five attempts spread over five seconds: 1/s, well under the
	// threshold.
	for i := 0; i < 5; i++ {
		tr.RecordAttempt("fp-1", fmt.Sprintf("conn-%d", i))
		*now = now.Add(time.Second)
	}

	assert.Empty(t, log.Query(seclog.Filter{Type: model.EventSuspiciousActivity}))

	p, ok := tr.Pattern("fp-1")
	require.True(t, ok)
	assert.Equal(t, 5, p.Count)
	assert.Len(t, p.ConnectionIDs, 5)
}

func TestRecordAttempt_BurstRaisesCriticalEvent(t *testing.T) {
	t.Parallel()
	tr, log, _ := newTestTracker(t)

	// Six attempts in the same instant: the clamped one-second window
	// makes that 6/s, crossing the 5/s threshold on the sixth attempt.
	for i := 0; i < 6; i++ {
		tr.RecordAttempt("fp-1", fmt.Sprintf("conn-%d", i))
	}

	events := log.Query(seclog.Filter{Type: model.EventSuspiciousActivity})
	require.Len(t, events, 1)
	assert.Equal(t, model.SeverityCritical, events[0].Severity)
	assert.Equal(t, "conn-5", events[0].ConnectionID)
	assert.Equal(t, "fp-1", events[0].Details["fingerprint"])
}

func TestRecordAttempt_OneEventPerBurst(t *testing.T) {
	t.Parallel()
	tr, log, _ := newTestTracker(t)

	// A sustained flood: the window restarts after each crossing, so a
	// burst of 18 produces three crossings, not thirteen.
	for i := 0; i < 18; i++ {
		tr.RecordAttempt("fp-1", fmt.Sprintf("conn-%d", i))
	}

	events := log.Query(seclog.Filter{Type: model.EventSuspiciousActivity})
	assert.Len(t, events, 3)
}

func TestRecordAttempt_BoundsTrackedConnectionIDs(t *testing.T) {
	t.Parallel()
	tr, _, now := newTestTracker(t)

	// Keep the rate low so the window never resets.
	for i := 0; i < 80; i++ {
		tr.RecordAttempt("fp-1", fmt.Sprintf("conn-%d", i))
		*now = now.Add(time.Second)
	}

	p, ok := tr.Pattern("fp-1")
	require.True(t, ok)
	assert.Equal(t, 80, p.Count)
	assert.Len(t, p.ConnectionIDs, maxTrackedConnIDs)
	// Oldest IDs are dropped first.
	assert.Equal(t, "conn-30", p.ConnectionIDs[0])
	assert.Equal(t, "conn-79", p.ConnectionIDs[len(p.ConnectionIDs)-1])
}

func TestSweep_DropsStalePatterns(t *testing.T) {
	t.Parallel()
	tr, _, now := newTestTracker(t)

	tr.RecordAttempt("stale", "conn-1")
	*now = now.Add(30 * time.Minute)
	tr.RecordAttempt("fresh", "conn-2")
	*now = now.Add(31 * time.Minute)

	assert.Equal(t, 1, tr.Sweep())

	_, ok := tr.Pattern("stale")
	assert.False(t, ok)
	_, ok = tr.Pattern("fresh")
	assert.True(t, ok)
}

func TestPattern_ReturnsCopy(t *testing.T) {
	t.Parallel()
	tr, _, _ := newTestTracker(t)

	tr.RecordAttempt("fp-1", "conn-1")

	p, ok := tr.Pattern("fp-1")
	require.True(t, ok)
	p.ConnectionIDs[0] = "mutated"

	again, _ := tr.Pattern("fp-1")
	assert.Equal(t, "conn-1", again.ConnectionIDs[0])
}
