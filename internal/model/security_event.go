package model

import "time"

// EventType identifies what a security event records.
type EventType string

const (
	EventAuthSuccess        EventType = "AUTH_SUCCESS"
	EventAuthFailure        EventType = "AUTH_FAILURE"
	EventRateLimitExceeded  EventType = "RATE_LIMIT_EXCEEDED"
	EventRateLimitBlocked   EventType = "RATE_LIMIT_BLOCKED"
	EventInvalidMessage     EventType = "INVALID_MESSAGE"
	EventOversizedMessage   EventType = "OVERSIZED_MESSAGE"
	EventSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"
)

// Severity ranks security events for filtering and alerting.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps the wire name back to a Severity. Unknown names
// fall back to low so filters stay permissive.
func ParseSeverity(s string) Severity {
	switch s {
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityLow
	}
}

// SecurityEvent is an immutable audit record. Details carries free-form
// context and must not be mutated after append.
type SecurityEvent struct {
	Type         EventType      `json:"type"`
	Identity     string         `json:"identity,omitempty"`
	ConnectionID string         `json:"connection_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Severity     Severity       `json:"severity"`
	Details      map[string]any `json:"details,omitempty"`
}
