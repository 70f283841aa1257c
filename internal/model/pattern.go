package model

import "time"

// ConnectionPattern aggregates connection attempts that share a
// fingerprint. Used for anomaly detection only; it never blocks anything.
type ConnectionPattern struct {
	Fingerprint   string    `json:"fingerprint"`
	Count         int       `json:"count"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	ConnectionIDs []string  `json:"connection_ids"`
}
