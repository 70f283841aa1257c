// Package ratelimit implements per-identity token bucket admission
// control with progressive blocking for repeat offenders.
package ratelimit

import (
	"sync"
	"time"

	"realtime-gateway/internal/config"
)

const maxConsecutiveViolations = 3

// Decision reports the outcome of one admission check. Denial is an
// ordinary outcome, not an error.
type Decision struct {
	Allowed    bool
	Remaining  float64
	ResetIn    time.Duration
	Blocked    bool
	RetryAfter time.Duration
	Violations int
}

type bucket struct {
	tokens                float64
	lastRefillAt          time.Time
	blocked               bool
	blockedUntil          time.Time
	consecutiveViolations int
	lastActivity          time.Time
}

// Limiter owns one token bucket per (identity, category) pair. All
// bucket accounting happens under a single lock so refill and
// consumption for a key are strictly serialized.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     config.RateLimitConfig
	now     func() time.Time
}

func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		now:     time.Now,
	}
}

func bucketKey(identity, category string) string {
	return identity + "|" + category
}

// CheckAndConsume admits or denies one message for the given identity
// and category. The first call for a key initializes the bucket with
// maxTokens-1, treating the call itself as the first consumption.
func (l *Limiter) CheckAndConsume(identity, category string) Decision {
	profile := l.cfg.ProfileFor(category)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	key := bucketKey(identity, category)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:       profile.MaxTokens - 1,
			lastRefillAt: now,
			lastActivity: now,
		}
		l.buckets[key] = b
		return Decision{
			Allowed:   true,
			Remaining: b.tokens,
			ResetIn:   timeToNextToken(b.tokens, profile),
		}
	}
	b.lastActivity = now

	if b.blocked {
		if now.Before(b.blockedUntil) {
			return Decision{
				Blocked:    true,
				RetryAfter: b.blockedUntil.Sub(now),
				Violations: b.consecutiveViolations,
			}
		}
		// Block window elapsed: clear and start fresh.
		b.blocked = false
		b.blockedUntil = time.Time{}
		b.consecutiveViolations = 0
	}

	// Time-proportional refill, capped at capacity.
	elapsed := now.Sub(b.lastRefillAt).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * profile.RefillRate
		if b.tokens > profile.MaxTokens {
			b.tokens = profile.MaxTokens
		}
	}
	b.lastRefillAt = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{
			Allowed:    true,
			Remaining:  b.tokens,
			ResetIn:    timeToNextToken(b.tokens, profile),
			Violations: b.consecutiveViolations,
		}
	}

	b.consecutiveViolations++
	if b.consecutiveViolations >= maxConsecutiveViolations {
		b.blocked = true
		b.blockedUntil = now.Add(profile.BlockDuration)
		return Decision{
			Blocked:    true,
			RetryAfter: profile.BlockDuration,
			Violations: b.consecutiveViolations,
		}
	}

	return Decision{
		ResetIn:    timeToNextToken(b.tokens, profile),
		Violations: b.consecutiveViolations,
	}
}

func timeToNextToken(tokens float64, profile config.RateLimitProfile) time.Duration {
	if tokens >= 1 || profile.RefillRate <= 0 {
		return 0
	}
	deficit := 1 - tokens
	return time.Duration(deficit / profile.RefillRate * float64(time.Second))
}

// Sweep removes buckets idle past the configured TTL. Blocked buckets
// are kept so the block window survives the sweep. Returns how many
// buckets were removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if b.blocked && now.Before(b.blockedUntil) {
			continue
		}
		if now.Sub(b.lastActivity) >= l.cfg.BucketTTL {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Size reports the live bucket count, for monitoring.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
