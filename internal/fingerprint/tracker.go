// Package fingerprint derives short connection fingerprints and watches
// for abnormal connection-attempt rates. Detection is advisory only: the
// tracker reports through the security event log and never blocks a
// connection itself.
package fingerprint

import (
	"encoding/hex"
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"realtime-gateway/internal/model"
	"realtime-gateway/internal/seclog"
)

const (
	// fingerprints are truncated to keep the pattern map small
	digestLen         = 16
	maxTrackedConnIDs = 50
)

// Metadata describes a connection attempt's observable characteristics.
type Metadata struct {
	Origin          string
	ClientSignature string
	Protocol        string
}

// Tracker aggregates attempts per fingerprint and raises a critical
// SUSPICIOUS_ACTIVITY event when the attempt rate crosses the threshold.
type Tracker struct {
	mu       sync.Mutex
	patterns map[string]*model.ConnectionPattern

	log            *seclog.Log
	suspiciousRate float64
	patternTTL     time.Duration

	hasherPool sync.Pool
	now        func() time.Time
}

func NewTracker(log *seclog.Log, suspiciousRate float64, patternTTL time.Duration) *Tracker {
	t := &Tracker{
		patterns:       make(map[string]*model.ConnectionPattern),
		log:            log,
		suspiciousRate: suspiciousRate,
		patternTTL:     patternTTL,
		now:            time.Now,
	}
	t.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return t
}

// Fingerprint returns a deterministic short digest of the connection
// metadata.
func (t *Tracker) Fingerprint(meta Metadata) string {
	hasher := t.hasherPool.Get().(hash.Hash64)
	defer t.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(meta.Origin))
	hasher.Write([]byte{0})
	hasher.Write([]byte(meta.ClientSignature))
	hasher.Write([]byte{0})
	hasher.Write([]byte(meta.Protocol))

	sum := hasher.Sum(nil)
	digest := hex.EncodeToString(sum)
	if len(digest) > digestLen {
		digest = digest[:digestLen]
	}
	return digest
}

// RecordAttempt updates the pattern for a fingerprint and evaluates the
// connection rate. One event is raised per threshold crossing, not per
// subsequent attempt.
func (t *Tracker) RecordAttempt(fp, connectionID string) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.patterns[fp]
	if !ok {
		p = &model.ConnectionPattern{
			Fingerprint: fp,
			FirstSeenAt: now,
		}
		t.patterns[fp] = p
	}
	p.Count++
	p.LastSeenAt = now
	p.ConnectionIDs = append(p.ConnectionIDs, connectionID)
	if len(p.ConnectionIDs) > maxTrackedConnIDs {
		p.ConnectionIDs = p.ConnectionIDs[len(p.ConnectionIDs)-maxTrackedConnIDs:]
	}

	rate := t.attemptRate(p)
	if rate > t.suspiciousRate {
		t.log.Append(model.SecurityEvent{
			Type:         model.EventSuspiciousActivity,
			ConnectionID: connectionID,
			Timestamp:    now,
			Severity:     model.SeverityCritical,
			Details: map[string]any{
				"fingerprint":         fp,
				"attempts":            p.Count,
				"attempts_per_second": rate,
			},
		})
		// Restart the window so one burst produces one event.
		p.Count = 0
		p.FirstSeenAt = now
		p.ConnectionIDs = nil
	}
}

// attemptRate computes connections per second over the observed window.
// A sub-second window is clamped to one second so a pair of instant
// attempts does not divide by zero or explode the rate.
func (t *Tracker) attemptRate(p *model.ConnectionPattern) float64 {
	window := p.LastSeenAt.Sub(p.FirstSeenAt).Seconds()
	if window < 1 {
		window = 1
	}
	return float64(p.Count) / window
}

// Pattern returns a copy of the tracked pattern for a fingerprint.
func (t *Tracker) Pattern(fp string) (model.ConnectionPattern, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.patterns[fp]
	if !ok {
		return model.ConnectionPattern{}, false
	}
	out := *p
	out.ConnectionIDs = append([]string(nil), p.ConnectionIDs...)
	return out, true
}

// Sweep drops patterns not seen within the TTL. Returns the number
// removed.
func (t *Tracker) Sweep() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for fp, p := range t.patterns {
		if now.Sub(p.LastSeenAt) >= t.patternTTL {
			delete(t.patterns, fp)
			removed++
		}
	}
	return removed
}
