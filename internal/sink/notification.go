package sink

import (
	"go.uber.org/zap"

	"realtime-gateway/internal/recovery"
	"realtime-gateway/internal/util"
)

// SessionSender pushes a payload to whatever connection currently
// carries the session. Implemented by the websocket transport.
type SessionSender interface {
	SendToSession(sessionID string, payload any) error
}

// TransportNotificationSink delivers connection status updates over the
// live connection itself, falling back to the log when the session has
// no reachable connection (the common case right after a loss).
type TransportNotificationSink struct {
	sender SessionSender
}

func NewTransportNotificationSink(sender SessionSender) *TransportNotificationSink {
	return &TransportNotificationSink{sender: sender}
}

func (s *TransportNotificationSink) Notify(sessionID string, kind recovery.NotificationType, payload map[string]any) {
	msg := map[string]any{
		"type":    "status",
		"status":  string(kind),
		"payload": payload,
	}
	if err := s.sender.SendToSession(sessionID, msg); err != nil {
		util.Debug("status notification not deliverable",
			zap.String("session_id", sessionID),
			zap.String("status", string(kind)),
			zap.Error(err))
	}
}

// LogNotificationSink writes notifications to the application log only.
type LogNotificationSink struct{}

func (LogNotificationSink) Notify(sessionID string, kind recovery.NotificationType, payload map[string]any) {
	util.Info("session status notification",
		zap.String("session_id", sessionID),
		zap.String("status", string(kind)),
		zap.Any("payload", payload))
}
