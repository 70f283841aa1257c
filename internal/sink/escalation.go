// Package sink contains the outbound boundaries for escalation and
// user-facing notifications.
package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"realtime-gateway/internal/client"
	"realtime-gateway/internal/model"
	"realtime-gateway/internal/util"
)

// KafkaEscalationSink publishes escalation payloads to the ticketing
// topic for the human-support pipeline.
type KafkaEscalationSink struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaEscalationSink(producer *client.KafkaProducer, topic string) *KafkaEscalationSink {
	return &KafkaEscalationSink{producer: producer, topic: topic}
}

func (s *KafkaEscalationSink) Escalate(ctx context.Context, payload model.EscalationPayload) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode escalation payload: %w", err)
	}
	if err := s.producer.Publish(ctx, s.topic, []byte(payload.SessionID), value); err != nil {
		return fmt.Errorf("failed to publish escalation: %w", err)
	}
	util.Info("escalation published",
		zap.String("session_id", payload.SessionID),
		zap.String("escalation_id", payload.EscalationID),
		zap.String("topic", s.topic))
	return nil
}

// LogEscalationSink records escalations to the application log. Used in
// deployments without a ticketing broker.
type LogEscalationSink struct{}

func (LogEscalationSink) Escalate(_ context.Context, payload model.EscalationPayload) error {
	util.Error("session escalation (no broker configured)",
		zap.String("session_id", payload.SessionID),
		zap.String("escalation_id", payload.EscalationID),
		zap.String("reason", payload.Reason))
	return nil
}
