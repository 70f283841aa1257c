package model

import "time"

// ConnectionAuthState tracks authentication for one live connection.
// Created on the first successful authentication message and discarded
// when the connection closes.
type ConnectionAuthState struct {
	ConnectionID  string
	Authenticated bool
	Identity      string
	SessionID     string
	ConnectedAt   time.Time
	LastActivity  time.Time
}

// ConnectionQuality is the transport-quality snapshot captured alongside
// a checkpoint.
type ConnectionQuality struct {
	Quality     string `json:"quality"`
	AudioActive bool   `json:"audio_active"`
	LastLatency int64  `json:"last_latency_ms"`
}

// SessionCheckpoint is a point-in-time snapshot of a session, taken on
// connection loss and refreshed periodically while the session is healthy.
type SessionCheckpoint struct {
	SessionID              string            `json:"session_id"`
	Identity               string            `json:"identity"`
	Topic                  string            `json:"topic"`
	Progress               map[string]any    `json:"progress"`
	ConnectionState        ConnectionQuality `json:"connection_state"`
	Timestamp              time.Time         `json:"timestamp"`
	LastStableConnectionAt time.Time         `json:"last_stable_connection_at"`
}

// RecoveryMetrics carries the running counters for one session's
// reconnection history.
type RecoveryMetrics struct {
	Attempts       int       `json:"attempts"`
	SuccessRate    float64   `json:"success_rate"`
	LastRecoveryAt time.Time `json:"last_recovery_at"`
}

// SessionPhase is the recovery state machine position for a session.
type SessionPhase string

const (
	PhaseStable     SessionPhase = "STABLE"
	PhaseRecovering SessionPhase = "RECOVERING"
	PhaseDegraded   SessionPhase = "DEGRADED"
	PhaseEscalated  SessionPhase = "ESCALATED"
)

// RecoverySnapshot is a read-only view of a session's recovery state.
type RecoverySnapshot struct {
	SessionID       string          `json:"session_id"`
	Phase           SessionPhase    `json:"phase"`
	RetryCount      int             `json:"retry_count"`
	CircuitOpen     bool            `json:"circuit_open"`
	CircuitOpenedAt time.Time       `json:"circuit_opened_at,omitempty"`
	Metrics         RecoveryMetrics `json:"metrics"`
}

// EscalationPayload packages everything a human reviewer needs when a
// session cannot be recovered automatically.
type EscalationPayload struct {
	EscalationID string             `json:"escalation_id"`
	SessionID    string             `json:"session_id"`
	Identity     string             `json:"identity"`
	Reason       string             `json:"reason"`
	ErrorDetail  string             `json:"error_detail,omitempty"`
	Checkpoint   *SessionCheckpoint `json:"checkpoint,omitempty"`
	RetryHistory []RetryAttempt     `json:"retry_history"`
	EscalatedAt  time.Time          `json:"escalated_at"`
}

// RetryAttempt records one reconnection attempt for escalation audit.
type RetryAttempt struct {
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
	Succeeded bool          `json:"succeeded"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// ReviewMarker flags an escalated session for later audit.
type ReviewMarker struct {
	SessionID    string    `json:"session_id"`
	EscalationID string    `json:"escalation_id"`
	Identity     string    `json:"identity"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}
